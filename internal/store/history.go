package store

import (
	"database/sql"

	"github.com/google/uuid"
)

// Transaction types
const (
	TxBuy      = "buy"
	TxSell     = "sell"
	TxTransfer = "transfer"
	TxClaim    = "claim"
	TxInfo     = "info"
)

// Transaction statuses
const (
	TxPending   = "pending"
	TxConfirmed = "confirmed"
	TxFailed    = "failed"
)

// TransactionRecord is one append-only trade/transfer/claim entry
type TransactionRecord struct {
	ID           string
	TokenID      string
	TxType       string
	AmountSol    float64
	AmountTokens uint64
	Signature    string
	Status       string
	Detail       string
	CreatedAt    int64
}

// ClaimRecord is one append-only fee claim entry
type ClaimRecord struct {
	ID             string
	TokenID        string
	TotalSol       float64
	PlatformFeeSol float64
	UserShareSol   float64
	Signature      string
	StartedAt      int64
	CompletedAt    int64
}

// AuditEvent is one append-only operator/system action entry
type AuditEvent struct {
	ID        string
	Actor     string
	Action    string
	Subject   string
	Detail    string
	CreatedAt int64
}

// TokenStats aggregates per-token trading and claim totals
type TokenStats struct {
	TokenID             string
	TotalTrades         int64
	TotalBuySol         float64
	TotalSellSol        float64
	TotalClaimedSol     float64
	TotalPlatformFeeSol float64
	UpdatedAt           int64
}

// InsertTransaction appends a transaction record.
func (s *Store) InsertTransaction(r *TransactionRecord) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt == 0 {
		r.CreatedAt = Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO transactions
		(id, token_id, tx_type, amount_sol, amount_tokens, signature, status, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TokenID, r.TxType, r.AmountSol, r.AmountTokens, r.Signature, r.Status, r.Detail, r.CreatedAt)
	return err
}

// RecentTransactions returns the newest records for a token, newest first.
func (s *Store) RecentTransactions(tokenID string, limit int) ([]*TransactionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, token_id, tx_type, amount_sol, amount_tokens, signature, status, detail, created_at
		FROM transactions WHERE token_id = ? ORDER BY created_at DESC, id LIMIT ?`, tokenID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*TransactionRecord
	for rows.Next() {
		var r TransactionRecord
		if err := rows.Scan(&r.ID, &r.TokenID, &r.TxType, &r.AmountSol, &r.AmountTokens,
			&r.Signature, &r.Status, &r.Detail, &r.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

// InsertClaim appends a claim record.
func (s *Store) InsertClaim(r *ClaimRecord) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.StartedAt == 0 {
		r.StartedAt = Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO claims
		(id, token_id, total_sol, platform_fee_sol, user_share_sol, signature, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TokenID, r.TotalSol, r.PlatformFeeSol, r.UserShareSol, r.Signature, r.StartedAt, r.CompletedAt)
	return err
}

// RecentClaims returns the newest claims for a token, newest first.
func (s *Store) RecentClaims(tokenID string, limit int) ([]*ClaimRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, token_id, total_sol, platform_fee_sol, user_share_sol, signature, started_at, completed_at
		FROM claims WHERE token_id = ? ORDER BY started_at DESC, id LIMIT ?`, tokenID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*ClaimRecord
	for rows.Next() {
		var r ClaimRecord
		if err := rows.Scan(&r.ID, &r.TokenID, &r.TotalSol, &r.PlatformFeeSol,
			&r.UserShareSol, &r.Signature, &r.StartedAt, &r.CompletedAt); err != nil {
			return nil, err
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

// InsertAudit appends an audit event.
func (s *Store) InsertAudit(e *AuditEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO audit_log (id, actor, action, subject, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Actor, e.Action, e.Subject, e.Detail, e.CreatedAt)
	return err
}

// RecentAudit returns the newest audit events, newest first.
func (s *Store) RecentAudit(limit int) ([]*AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, actor, action, subject, detail, created_at
		FROM audit_log ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Subject, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// AddTradeTotals folds a confirmed trade into the token's aggregates.
func (s *Store) AddTradeTotals(tokenID, txType string, amountSol float64) error {
	buySol, sellSol := 0.0, 0.0
	switch txType {
	case TxBuy:
		buySol = amountSol
	case TxSell:
		sellSol = amountSol
	}
	_, err := s.db.Exec(`
		INSERT INTO token_stats (token_id, total_trades, total_buy_sol, total_sell_sol, updated_at)
		VALUES (?, 1, ?, ?, ?)
		ON CONFLICT(token_id) DO UPDATE SET
			total_trades = total_trades + 1,
			total_buy_sol = total_buy_sol + excluded.total_buy_sol,
			total_sell_sol = total_sell_sol + excluded.total_sell_sol,
			updated_at = excluded.updated_at`,
		tokenID, buySol, sellSol, Now())
	return err
}

// AddClaimTotals folds a completed claim into the token's aggregates.
func (s *Store) AddClaimTotals(tokenID string, totalSol, platformFeeSol float64) error {
	_, err := s.db.Exec(`
		INSERT INTO token_stats (token_id, total_claimed_sol, total_platform_fee_sol, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(token_id) DO UPDATE SET
			total_claimed_sol = total_claimed_sol + excluded.total_claimed_sol,
			total_platform_fee_sol = total_platform_fee_sol + excluded.total_platform_fee_sol,
			updated_at = excluded.updated_at`,
		tokenID, totalSol, platformFeeSol, Now())
	return err
}

// GetStats retrieves a token's aggregates, zero-valued when absent.
func (s *Store) GetStats(tokenID string) (*TokenStats, error) {
	st := &TokenStats{TokenID: tokenID}
	err := s.db.QueryRow(`
		SELECT total_trades, total_buy_sol, total_sell_sol, total_claimed_sol,
		       total_platform_fee_sol, updated_at
		FROM token_stats WHERE token_id = ?`, tokenID).
		Scan(&st.TotalTrades, &st.TotalBuySol, &st.TotalSellSol,
			&st.TotalClaimedSol, &st.TotalPlatformFeeSol, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return st, nil
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

// PlatformTotals sums aggregates across every token for admin stats.
func (s *Store) PlatformTotals() (*TokenStats, error) {
	st := &TokenStats{TokenID: "all"}
	err := s.db.QueryRow(`
		SELECT COALESCE(SUM(total_trades), 0), COALESCE(SUM(total_buy_sol), 0),
		       COALESCE(SUM(total_sell_sol), 0), COALESCE(SUM(total_claimed_sol), 0),
		       COALESCE(SUM(total_platform_fee_sol), 0)
		FROM token_stats`).
		Scan(&st.TotalTrades, &st.TotalBuySol, &st.TotalSellSol,
			&st.TotalClaimedSol, &st.TotalPlatformFeeSol)
	if err != nil {
		return nil, err
	}
	return st, nil
}
