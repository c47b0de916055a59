package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Launch statuses
const (
	LaunchAwaitingDeposit = "awaiting_deposit"
	LaunchLaunching       = "launching"
	LaunchCompleted       = "completed"
	LaunchFailed          = "failed"
	LaunchExpired         = "expired"
	LaunchRefunded        = "refunded"
	LaunchRetryPending    = "retry_pending"
	LaunchCancelled       = "cancelled"
)

// Launch is a token launch waiting on a user deposit
type Launch struct {
	ID               string
	OwnerID          string
	TokenName        string
	TokenSymbol      string
	TokenDescription string
	ImageURI         string
	DepositAddress   string
	DevCustodyID     string
	MinDepositSol    float64
	Status           string
	RetryCount       int
	LastError        string
	ExpiresAt        int64
	CreatedAt        int64
	UpdatedAt        int64
}

// CreateLaunch inserts a launch in awaiting_deposit. A partial unique
// index keeps a wallet to one awaiting launch at a time.
func (s *Store) CreateLaunch(l *Launch) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Status == "" {
		l.Status = LaunchAwaitingDeposit
	}
	now := Now()
	l.CreatedAt = now
	l.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO pending_launches
		(id, owner_id, token_name, token_symbol, token_description, image_uri,
		 deposit_address, dev_custody_id, min_deposit_sol, status, retry_count,
		 last_error, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.OwnerID, l.TokenName, l.TokenSymbol, l.TokenDescription, l.ImageURI,
		l.DepositAddress, l.DevCustodyID, l.MinDepositSol, l.Status, l.RetryCount,
		l.LastError, l.ExpiresAt, l.CreatedAt, l.UpdatedAt)
	return err
}

const launchColumns = `id, owner_id, token_name, token_symbol, token_description, image_uri,
	deposit_address, dev_custody_id, min_deposit_sol, status, retry_count,
	last_error, expires_at, created_at, updated_at`

func scanLaunch(row interface{ Scan(...interface{}) error }) (*Launch, error) {
	var l Launch
	err := row.Scan(&l.ID, &l.OwnerID, &l.TokenName, &l.TokenSymbol, &l.TokenDescription,
		&l.ImageURI, &l.DepositAddress, &l.DevCustodyID, &l.MinDepositSol, &l.Status,
		&l.RetryCount, &l.LastError, &l.ExpiresAt, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// GetLaunch retrieves a launch by id, nil when missing.
func (s *Store) GetLaunch(id string) (*Launch, error) {
	l, err := scanLaunch(s.db.QueryRow(
		`SELECT `+launchColumns+` FROM pending_launches WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return l, err
}

func (s *Store) launchesByStatus(status string, extra string, args ...interface{}) ([]*Launch, error) {
	query := `SELECT ` + launchColumns + ` FROM pending_launches WHERE status = ?`
	queryArgs := append([]interface{}{status}, args...)
	if extra != "" {
		query += " AND " + extra
	}
	query += " ORDER BY created_at"

	rows, err := s.db.Query(query, queryArgs...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var launches []*Launch
	for rows.Next() {
		l, err := scanLaunch(rows)
		if err != nil {
			return nil, err
		}
		launches = append(launches, l)
	}
	return launches, rows.Err()
}

// AwaitingDeposit returns launches still waiting on funding.
func (s *Store) AwaitingDeposit() ([]*Launch, error) {
	return s.launchesByStatus(LaunchAwaitingDeposit, "")
}

// RetryPending returns failed launch attempts whose wait has elapsed,
// measured from updated_at.
func (s *Store) RetryPending(olderThan time.Duration) ([]*Launch, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	return s.launchesByStatus(LaunchRetryPending, "updated_at <= ?", cutoff)
}

// ClaimLaunch attempts the optimistic awaiting_deposit -> launching
// transition. False means another worker won the row.
func (s *Store) ClaimLaunch(id string) (bool, error) {
	return s.claimStatus(id, LaunchAwaitingDeposit)
}

// ClaimRetry attempts the optimistic retry_pending -> launching
// transition.
func (s *Store) ClaimRetry(id string) (bool, error) {
	return s.claimStatus(id, LaunchRetryPending)
}

func (s *Store) claimStatus(id, from string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE pending_launches SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		LaunchLaunching, Now(), id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetLaunchStatus transitions a launch, guarding terminal statuses.
// completed, refunded and cancelled never transition again; failed may
// only move to refunded.
func (s *Store) SetLaunchStatus(id, status, lastError string) error {
	res, err := s.db.Exec(`
		UPDATE pending_launches SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ?
		  AND status NOT IN (?, ?, ?)
		  AND (status <> ? OR ? = ?)`,
		status, lastError, Now(), id,
		LaunchCompleted, LaunchRefunded, LaunchCancelled,
		LaunchFailed, status, LaunchRefunded)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return nil
	}

	existing, err := s.GetLaunch(id)
	if err != nil {
		return err
	}
	if existing == nil {
		return ErrNotFound
	}
	return ErrTerminalStatus
}

// IncrementRetry bumps the retry counter, parks the launch in
// retry_pending and returns the new count.
func (s *Store) IncrementRetry(id, lastError string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE pending_launches
		SET retry_count = retry_count + 1, status = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		LaunchRetryPending, lastError, Now(), id)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return 0, ErrNotFound
	}

	var count int
	if err := tx.QueryRow(`SELECT retry_count FROM pending_launches WHERE id = ?`, id).Scan(&count); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

// SetLaunchError records an error without changing status, for operator
// review after refund failures.
func (s *Store) SetLaunchError(id, lastError string) error {
	_, err := s.db.Exec(`
		UPDATE pending_launches SET last_error = ?, updated_at = ? WHERE id = ?`,
		lastError, Now(), id)
	return err
}
