package store

import "database/sql"

// BalanceSnapshot caches per-token wallet balances for dashboards and
// the health surface. Token amounts are atomic units.
type BalanceSnapshot struct {
	TokenID      string
	DevSol       float64
	OpsSol       float64
	DevTokens    uint64
	OpsTokens    uint64
	ClaimableSol float64
	SolPriceUSD  float64
	UpdatedAt    int64
}

// UpsertSnapshot replaces the token's balance snapshot.
func (s *Store) UpsertSnapshot(b *BalanceSnapshot) error {
	b.UpdatedAt = Now()
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO balance_snapshots
		(token_id, dev_sol, ops_sol, dev_tokens, ops_tokens, claimable_sol, sol_price_usd, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.TokenID, b.DevSol, b.OpsSol, b.DevTokens, b.OpsTokens, b.ClaimableSol, b.SolPriceUSD, b.UpdatedAt)
	return err
}

// GetSnapshot retrieves a token's balance snapshot, nil when missing.
func (s *Store) GetSnapshot(tokenID string) (*BalanceSnapshot, error) {
	var b BalanceSnapshot
	err := s.db.QueryRow(`
		SELECT token_id, dev_sol, ops_sol, dev_tokens, ops_tokens, claimable_sol, sol_price_usd, updated_at
		FROM balance_snapshots WHERE token_id = ?`, tokenID).
		Scan(&b.TokenID, &b.DevSol, &b.OpsSol, &b.DevTokens, &b.OpsTokens,
			&b.ClaimableSol, &b.SolPriceUSD, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}
