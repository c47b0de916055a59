// Package store owns every persistent record in the engine. Other
// components hold only ids and addresses and mutate rows through the
// operations here.
package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned by updates that target a missing row.
	ErrNotFound = errors.New("store: record not found")
	// ErrTerminalStatus is returned when a launch in a terminal status
	// is asked to transition again.
	ErrTerminalStatus = errors.New("store: launch already in terminal status")
)

// Store wraps the SQLite database
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	dsn := path
	if !strings.Contains(path, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	log.Info().Str("path", path).Msg("store initialized")
	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tokens (
		id TEXT PRIMARY KEY,
		mint TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		symbol TEXT NOT NULL,
		decimals INTEGER NOT NULL DEFAULT 6,
		image_uri TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		dev_wallet TEXT NOT NULL,
		ops_wallet TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		suspended INTEGER NOT NULL DEFAULT 0,
		suspend_reason TEXT NOT NULL DEFAULT '',
		verified INTEGER NOT NULL DEFAULT 0,
		daily_trade_limit_sol REAL NOT NULL DEFAULT 0,
		max_position_size_sol REAL NOT NULL DEFAULT 0,
		risk_level TEXT NOT NULL DEFAULT 'normal',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS wallets (
		address TEXT PRIMARY KEY,
		wallet_type TEXT NOT NULL,
		custody_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS token_configs (
		token_id TEXT PRIMARY KEY,
		algorithm TEXT NOT NULL DEFAULT 'simple',
		min_buy_sol REAL NOT NULL DEFAULT 0.01,
		max_buy_sol REAL NOT NULL DEFAULT 0.05,
		max_sell_tokens REAL NOT NULL DEFAULT 0,
		slippage_bps INTEGER NOT NULL DEFAULT 500,
		buy_interval_sec INTEGER NOT NULL DEFAULT 60,
		auto_claim_enabled INTEGER NOT NULL DEFAULT 1,
		fee_threshold_sol REAL NOT NULL DEFAULT 0.01,
		flywheel_active INTEGER NOT NULL DEFAULT 0,
		market_making_enabled INTEGER NOT NULL DEFAULT 0,
		reactive_enabled INTEGER NOT NULL DEFAULT 0,
		reactive_min_trigger_sol REAL NOT NULL DEFAULT 0.1,
		reactive_scale_pct REAL NOT NULL DEFAULT 50,
		reactive_max_response_pct REAL NOT NULL DEFAULT 10,
		reactive_cooldown_ms INTEGER NOT NULL DEFAULT 30000,
		target_sol_pct REAL NOT NULL DEFAULT 50,
		target_token_pct REAL NOT NULL DEFAULT 50,
		rebalance_threshold_pct REAL NOT NULL DEFAULT 10,
		twap_slices INTEGER NOT NULL DEFAULT 4,
		twap_window_sec INTEGER NOT NULL DEFAULT 300,
		dynamic_boost INTEGER NOT NULL DEFAULT 0,
		reserve_pct_normal REAL NOT NULL DEFAULT 10,
		reserve_pct_adverse REAL NOT NULL DEFAULT 30,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS flywheel_states (
		token_id TEXT PRIMARY KEY,
		phase TEXT NOT NULL DEFAULT 'buy',
		buy_count INTEGER NOT NULL DEFAULT 0,
		sell_count INTEGER NOT NULL DEFAULT 0,
		sell_phase_token_snapshot INTEGER NOT NULL DEFAULT 0,
		sell_amount_per_tx INTEGER NOT NULL DEFAULT 0,
		reserve_sol REAL NOT NULL DEFAULT 0,
		last_market_condition TEXT NOT NULL DEFAULT '',
		last_trade_at INTEGER NOT NULL DEFAULT 0,
		last_reactive_trade_at INTEGER NOT NULL DEFAULT 0,
		last_checked_at INTEGER NOT NULL DEFAULT 0,
		last_check_result TEXT NOT NULL DEFAULT '',
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		paused_until INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS pending_launches (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		token_name TEXT NOT NULL,
		token_symbol TEXT NOT NULL,
		token_description TEXT NOT NULL DEFAULT '',
		image_uri TEXT NOT NULL DEFAULT '',
		deposit_address TEXT NOT NULL,
		dev_custody_id TEXT NOT NULL DEFAULT '',
		min_deposit_sol REAL NOT NULL DEFAULT 0.1,
		status TEXT NOT NULL DEFAULT 'awaiting_deposit',
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		expires_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		token_id TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		amount_sol REAL NOT NULL DEFAULT 0,
		amount_tokens INTEGER NOT NULL DEFAULT 0,
		signature TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS claims (
		id TEXT PRIMARY KEY,
		token_id TEXT NOT NULL,
		total_sol REAL NOT NULL,
		platform_fee_sol REAL NOT NULL,
		user_share_sol REAL NOT NULL,
		signature TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		completed_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS balance_snapshots (
		token_id TEXT PRIMARY KEY,
		dev_sol REAL NOT NULL DEFAULT 0,
		ops_sol REAL NOT NULL DEFAULT 0,
		dev_tokens INTEGER NOT NULL DEFAULT 0,
		ops_tokens INTEGER NOT NULL DEFAULT 0,
		claimable_sol REAL NOT NULL DEFAULT 0,
		sol_price_usd REAL NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS token_stats (
		token_id TEXT PRIMARY KEY,
		total_trades INTEGER NOT NULL DEFAULT 0,
		total_buy_sol REAL NOT NULL DEFAULT 0,
		total_sell_sol REAL NOT NULL DEFAULT 0,
		total_claimed_sol REAL NOT NULL DEFAULT 0,
		total_platform_fee_sol REAL NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_launches_one_awaiting
		ON pending_launches(deposit_address) WHERE status = 'awaiting_deposit';
	CREATE INDEX IF NOT EXISTS idx_launches_status ON pending_launches(status);
	CREATE INDEX IF NOT EXISTS idx_transactions_token ON transactions(token_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_claims_token ON claims(token_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at);
	`

	_, err := db.Exec(schema)
	return err
}

// Ping checks database liveness for the health checker.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Now returns the current Unix timestamp (helper)
func Now() int64 {
	return time.Now().Unix()
}
