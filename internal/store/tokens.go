package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// Token sources
const (
	SourceLaunched   = "launched"
	SourceRegistered = "registered"
	SourceMMOnly     = "mm_only"
	SourcePlatform   = "platform"
)

// Token is a managed market-making token
type Token struct {
	ID                 string
	Mint               string
	Name               string
	Symbol             string
	Decimals           int
	ImageURI           string
	Source             string
	OwnerID            string
	DevWallet          string
	OpsWallet          string
	Active             bool
	Suspended          bool
	SuspendReason      string
	Verified           bool
	DailyTradeLimitSol float64
	MaxPositionSizeSol float64
	RiskLevel          string
	CreatedAt          int64
	UpdatedAt          int64
}

// TradingToken joins a token with its tuning for scheduler passes
type TradingToken struct {
	Token  *Token
	Config *Config
}

func validateToken(t *Token) error {
	if t.Mint == "" {
		return fmt.Errorf("token mint is required")
	}
	if t.DevWallet == "" || t.OpsWallet == "" {
		return fmt.Errorf("token requires dev and ops wallets")
	}
	if t.DevWallet == t.OpsWallet {
		return fmt.Errorf("dev and ops wallets must be distinct")
	}
	if t.Decimals < 0 || t.Decimals > 18 {
		return fmt.Errorf("decimals %d out of range [0, 18]", t.Decimals)
	}
	switch t.Source {
	case SourceLaunched, SourceRegistered, SourceMMOnly, SourcePlatform:
	default:
		return fmt.Errorf("unknown token source %q", t.Source)
	}
	return nil
}

// InsertToken stores a new token row.
func (s *Store) InsertToken(t *Token) error {
	if err := validateToken(t); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.RiskLevel == "" {
		t.RiskLevel = "normal"
	}
	now := Now()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO tokens
		(id, mint, name, symbol, decimals, image_uri, source, owner_id, dev_wallet, ops_wallet,
		 active, suspended, suspend_reason, verified, daily_trade_limit_sol, max_position_size_sol,
		 risk_level, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Mint, t.Name, t.Symbol, t.Decimals, t.ImageURI, t.Source, t.OwnerID,
		t.DevWallet, t.OpsWallet, t.Active, t.Suspended, t.SuspendReason, t.Verified,
		t.DailyTradeLimitSol, t.MaxPositionSizeSol, t.RiskLevel, t.CreatedAt, t.UpdatedAt)
	return err
}

// RegisterToken creates a token together with its wallets, config and
// initial state in one transaction. Used by launch completion and by
// explicit registration.
func (s *Store) RegisterToken(t *Token, c *Config, dev, ops *Wallet) error {
	if err := validateToken(t); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	c.TokenID = t.ID
	if err := validateConfig(c); err != nil {
		return err
	}
	if t.RiskLevel == "" {
		t.RiskLevel = "normal"
	}
	now := Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	c.UpdatedAt = now

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, w := range []*Wallet{dev, ops} {
		if w == nil {
			continue
		}
		w.CreatedAt = now
		if _, err := tx.Exec(`
			INSERT INTO wallets (address, wallet_type, custody_id, created_at)
			VALUES (?, ?, ?, ?)`,
			w.Address, w.WalletType, w.CustodyID, w.CreatedAt); err != nil {
			return fmt.Errorf("insert wallet %s: %w", w.Address, err)
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO tokens
		(id, mint, name, symbol, decimals, image_uri, source, owner_id, dev_wallet, ops_wallet,
		 active, suspended, suspend_reason, verified, daily_trade_limit_sol, max_position_size_sol,
		 risk_level, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Mint, t.Name, t.Symbol, t.Decimals, t.ImageURI, t.Source, t.OwnerID,
		t.DevWallet, t.OpsWallet, t.Active, t.Suspended, t.SuspendReason, t.Verified,
		t.DailyTradeLimitSol, t.MaxPositionSizeSol, t.RiskLevel, t.CreatedAt, t.UpdatedAt); err != nil {
		return fmt.Errorf("insert token: %w", err)
	}

	if _, err := tx.Exec(insertConfigSQL, configArgs(c)...); err != nil {
		return fmt.Errorf("insert config: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO flywheel_states (token_id, phase) VALUES (?, 'buy')`, t.ID); err != nil {
		return fmt.Errorf("insert state: %w", err)
	}

	return tx.Commit()
}

const tokenColumns = `id, mint, name, symbol, decimals, image_uri, source, owner_id,
	dev_wallet, ops_wallet, active, suspended, suspend_reason, verified,
	daily_trade_limit_sol, max_position_size_sol, risk_level, created_at, updated_at`

func scanToken(row interface{ Scan(...interface{}) error }) (*Token, error) {
	var t Token
	err := row.Scan(&t.ID, &t.Mint, &t.Name, &t.Symbol, &t.Decimals, &t.ImageURI,
		&t.Source, &t.OwnerID, &t.DevWallet, &t.OpsWallet,
		&t.Active, &t.Suspended, &t.SuspendReason, &t.Verified,
		&t.DailyTradeLimitSol, &t.MaxPositionSizeSol, &t.RiskLevel, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetToken retrieves a token by id, nil when missing.
func (s *Store) GetToken(id string) (*Token, error) {
	t, err := scanToken(s.db.QueryRow(
		`SELECT `+tokenColumns+` FROM tokens WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// GetTokenByMint retrieves a token by mint address, nil when missing.
func (s *Store) GetTokenByMint(mint string) (*Token, error) {
	t, err := scanToken(s.db.QueryRow(
		`SELECT `+tokenColumns+` FROM tokens WHERE mint = ?`, mint))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// ActiveTokens lists tokens with active=1, suspended or not.
func (s *Store) ActiveTokens() ([]*Token, error) {
	rows, err := s.db.Query(`SELECT ` + tokenColumns + ` FROM tokens WHERE active = 1 ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []*Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

const tradingJoin = `
	SELECT t.id, t.mint, t.name, t.symbol, t.decimals, t.image_uri, t.source, t.owner_id,
	       t.dev_wallet, t.ops_wallet, t.active, t.suspended, t.suspend_reason, t.verified,
	       t.daily_trade_limit_sol, t.max_position_size_sol, t.risk_level, t.created_at, t.updated_at,
	       ` + configColumnsPrefixed + `
	FROM tokens t
	JOIN token_configs c ON c.token_id = t.id`

func (s *Store) queryTrading(where string, args ...interface{}) ([]*TradingToken, error) {
	rows, err := s.db.Query(tradingJoin+" WHERE "+where+" ORDER BY t.created_at, t.rowid", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TradingToken
	for rows.Next() {
		var t Token
		var c Config
		dest := []interface{}{
			&t.ID, &t.Mint, &t.Name, &t.Symbol, &t.Decimals, &t.ImageURI, &t.Source, &t.OwnerID,
			&t.DevWallet, &t.OpsWallet, &t.Active, &t.Suspended, &t.SuspendReason, &t.Verified,
			&t.DailyTradeLimitSol, &t.MaxPositionSizeSol, &t.RiskLevel, &t.CreatedAt, &t.UpdatedAt,
		}
		dest = append(dest, configDest(&c)...)
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		out = append(out, &TradingToken{Token: &t, Config: &c})
	}
	return out, rows.Err()
}

// EligibleForFlywheel returns tokens the flywheel scheduler should trade:
// active, not suspended, flywheel on.
func (s *Store) EligibleForFlywheel() ([]*TradingToken, error) {
	return s.queryTrading(`t.active = 1 AND t.suspended = 0 AND c.flywheel_active = 1`)
}

// EligibleForAutoClaim returns tokens the claim scheduler should inspect.
func (s *Store) EligibleForAutoClaim() ([]*TradingToken, error) {
	return s.queryTrading(`t.active = 1 AND t.suspended = 0 AND c.auto_claim_enabled = 1`)
}

// ReactiveTokens returns tokens eligible for webhook counter-trading.
func (s *Store) ReactiveTokens() ([]*TradingToken, error) {
	return s.queryTrading(
		`t.active = 1 AND t.suspended = 0 AND c.reactive_enabled = 1
		 AND c.flywheel_active = 1 AND c.algorithm = ?`, AlgoReactive)
}

// SuspendToken marks a token suspended and clears its automation flags
// in the same logical update. Idempotent; a repeat call overwrites the
// stored reason.
func (s *Store) SuspendToken(id, reason string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := Now()
	res, err := tx.Exec(`
		UPDATE tokens SET suspended = 1, suspend_reason = ?, updated_at = ?
		WHERE id = ?`, reason, now, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(`
		UPDATE token_configs
		SET flywheel_active = 0, market_making_enabled = 0, auto_claim_enabled = 0, updated_at = ?
		WHERE token_id = ?`, now, id); err != nil {
		return err
	}

	return tx.Commit()
}

// UnsuspendToken clears the suspended flag. Automation flags are not
// restored; the owner re-enables what they want.
func (s *Store) UnsuspendToken(id string) error {
	res, err := s.db.Exec(`
		UPDATE tokens SET suspended = 0, suspend_reason = '', updated_at = ?
		WHERE id = ?`, Now(), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// BulkSuspend suspends every non-platform token that is not already
// suspended. Returns how many tokens were affected.
func (s *Store) BulkSuspend(reason string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := Now()
	if _, err := tx.Exec(`
		UPDATE token_configs
		SET flywheel_active = 0, market_making_enabled = 0, auto_claim_enabled = 0, updated_at = ?
		WHERE token_id IN (SELECT id FROM tokens WHERE suspended = 0 AND source <> ?)`,
		now, SourcePlatform); err != nil {
		return 0, err
	}

	res, err := tx.Exec(`
		UPDATE tokens SET suspended = 1, suspend_reason = ?, updated_at = ?
		WHERE suspended = 0 AND source <> ?`, reason, now, SourcePlatform)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}

// TokenCounts reports fleet size for admin stats.
func (s *Store) TokenCounts() (total, active, suspended int, err error) {
	err = s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN active = 1 AND suspended = 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN suspended = 1 THEN 1 ELSE 0 END), 0)
		FROM tokens`).Scan(&total, &active, &suspended)
	return total, active, suspended, err
}

// UpdateTokenLimits sets the per-token risk limits.
func (s *Store) UpdateTokenLimits(id string, dailyTradeLimitSol, maxPositionSizeSol float64, riskLevel string) error {
	res, err := s.db.Exec(`
		UPDATE tokens
		SET daily_trade_limit_sol = ?, max_position_size_sol = ?, risk_level = ?, updated_at = ?
		WHERE id = ?`,
		dailyTradeLimitSol, maxPositionSizeSol, riskLevel, Now(), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTokenActive soft-deletes or restores a token.
func (s *Store) SetTokenActive(id string, active bool) error {
	res, err := s.db.Exec(`UPDATE tokens SET active = ?, updated_at = ? WHERE id = ?`, active, Now(), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
