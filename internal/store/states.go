package store

import (
	"database/sql"
	"fmt"
)

// Flywheel phases
const (
	PhaseBuy  = "buy"
	PhaseSell = "sell"
)

// PlatformStateID is the reserved state row for the platform token loop.
const PlatformStateID = "platform"

// State is the per-token flywheel state machine row. Token amounts are
// atomic units. Timestamps are unix seconds except LastReactiveTradeAt,
// which is unix milliseconds to match the ms-granular reactive cooldown.
type State struct {
	TokenID                string
	Phase                  string
	BuyCount               int
	SellCount              int
	SellPhaseTokenSnapshot uint64
	SellAmountPerTx        uint64
	ReserveSol             float64
	LastMarketCondition    string
	LastTradeAt            int64
	LastReactiveTradeAt    int64
	LastCheckedAt          int64
	LastCheckResult        string
	ConsecutiveFailures    int
	PausedUntil            int64
}

func validateState(st *State) error {
	if st.Phase != PhaseBuy && st.Phase != PhaseSell {
		return fmt.Errorf("unknown phase %q", st.Phase)
	}
	if st.BuyCount < 0 || st.SellCount < 0 {
		return fmt.Errorf("negative cycle counter")
	}
	return nil
}

const stateColumns = `token_id, phase, buy_count, sell_count, sell_phase_token_snapshot,
	sell_amount_per_tx, reserve_sol, last_market_condition, last_trade_at,
	last_reactive_trade_at, last_checked_at, last_check_result, consecutive_failures, paused_until`

func stateDest(st *State) []interface{} {
	return []interface{}{
		&st.TokenID, &st.Phase, &st.BuyCount, &st.SellCount, &st.SellPhaseTokenSnapshot,
		&st.SellAmountPerTx, &st.ReserveSol, &st.LastMarketCondition, &st.LastTradeAt,
		&st.LastReactiveTradeAt, &st.LastCheckedAt, &st.LastCheckResult,
		&st.ConsecutiveFailures, &st.PausedUntil,
	}
}

// GetState retrieves a token's flywheel state, nil when missing.
func (s *Store) GetState(tokenID string) (*State, error) {
	var st State
	err := s.db.QueryRow(
		`SELECT `+stateColumns+` FROM flywheel_states WHERE token_id = ?`, tokenID).
		Scan(stateDest(&st)...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// EnsureState returns the token's state, inserting the initial buy-phase
// row when none exists.
func (s *Store) EnsureState(tokenID string) (*State, error) {
	st, err := s.GetState(tokenID)
	if err != nil {
		return nil, err
	}
	if st != nil {
		return st, nil
	}

	if _, err := s.db.Exec(`
		INSERT OR IGNORE INTO flywheel_states (token_id, phase) VALUES (?, 'buy')`, tokenID); err != nil {
		return nil, err
	}
	return s.GetState(tokenID)
}

// UpsertState writes the whole state row. Schedulers serialize per token,
// so read-modify-write through this is safe.
func (s *Store) UpsertState(st *State) error {
	if err := validateState(st); err != nil {
		return err
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO flywheel_states
		(token_id, phase, buy_count, sell_count, sell_phase_token_snapshot,
		 sell_amount_per_tx, reserve_sol, last_market_condition, last_trade_at,
		 last_reactive_trade_at, last_checked_at, last_check_result, consecutive_failures, paused_until)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.TokenID, st.Phase, st.BuyCount, st.SellCount, st.SellPhaseTokenSnapshot,
		st.SellAmountPerTx, st.ReserveSol, st.LastMarketCondition, st.LastTradeAt,
		st.LastReactiveTradeAt, st.LastCheckedAt, st.LastCheckResult,
		st.ConsecutiveFailures, st.PausedUntil)
	return err
}

// SetReactiveTradeAt records a reactive trade timestamp without touching
// the rest of the row. The reactive engine runs concurrently with the
// scheduler and must not clobber its fields.
func (s *Store) SetReactiveTradeAt(tokenID string, ts int64) error {
	_, err := s.db.Exec(`
		UPDATE flywheel_states SET last_reactive_trade_at = ? WHERE token_id = ?`, ts, tokenID)
	return err
}

// TouchChecked records the outcome of a scheduler pass over a token.
func (s *Store) TouchChecked(tokenID, result string) error {
	_, err := s.db.Exec(`
		UPDATE flywheel_states SET last_checked_at = ?, last_check_result = ? WHERE token_id = ?`,
		Now(), result, tokenID)
	return err
}
