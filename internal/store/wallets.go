package store

import "database/sql"

// Wallet types
const (
	WalletDev = "dev"
	WalletOps = "ops"
)

// Wallet is a custody-held wallet reference. The engine never sees
// private keys for these; the custody handle is all it holds.
type Wallet struct {
	Address    string
	WalletType string
	CustodyID  string
	CreatedAt  int64
}

// InsertWallet stores a wallet record. The address is the primary key,
// so a duplicate insert fails.
func (s *Store) InsertWallet(w *Wallet) error {
	w.CreatedAt = Now()
	_, err := s.db.Exec(`
		INSERT INTO wallets (address, wallet_type, custody_id, created_at)
		VALUES (?, ?, ?, ?)`,
		w.Address, w.WalletType, w.CustodyID, w.CreatedAt)
	return err
}

// GetWallet retrieves a wallet by address, nil when missing.
func (s *Store) GetWallet(address string) (*Wallet, error) {
	var w Wallet
	err := s.db.QueryRow(`
		SELECT address, wallet_type, custody_id, created_at
		FROM wallets WHERE address = ?`, address).
		Scan(&w.Address, &w.WalletType, &w.CustodyID, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}
