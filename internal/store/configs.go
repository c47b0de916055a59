package store

import (
	"database/sql"
	"fmt"
)

// Trading algorithms
const (
	AlgoSimple    = "simple"
	AlgoRebalance = "rebalance"
	AlgoSmart     = "smart"
	AlgoTurboLite = "turbo_lite"
	AlgoTwapVwap  = "twap_vwap"
	AlgoDynamic   = "dynamic"
	AlgoReactive  = "transaction_reactive"
)

// Config is the per-token trading tuning
type Config struct {
	TokenID   string
	Algorithm string

	MinBuySol      float64
	MaxBuySol      float64
	MaxSellTokens  float64
	SlippageBps    int
	BuyIntervalSec int

	AutoClaimEnabled bool
	FeeThresholdSol  float64

	FlywheelActive      bool
	MarketMakingEnabled bool

	ReactiveEnabled        bool
	ReactiveMinTriggerSol  float64
	ReactiveScalePct       float64
	ReactiveMaxResponsePct float64
	ReactiveCooldownMs     int64

	TargetSolPct          float64
	TargetTokenPct        float64
	RebalanceThresholdPct float64

	TwapSlices    int
	TwapWindowSec int

	DynamicBoost      bool
	ReservePctNormal  float64
	ReservePctAdverse float64

	UpdatedAt int64
}

// DefaultConfig returns the tuning applied to freshly launched tokens.
func DefaultConfig(tokenID string) *Config {
	return &Config{
		TokenID:                tokenID,
		Algorithm:              AlgoSimple,
		MinBuySol:              0.01,
		MaxBuySol:              0.05,
		SlippageBps:            500,
		BuyIntervalSec:         60,
		AutoClaimEnabled:       true,
		FeeThresholdSol:        0.01,
		FlywheelActive:         true,
		MarketMakingEnabled:    true,
		ReactiveMinTriggerSol:  0.1,
		ReactiveScalePct:       50,
		ReactiveMaxResponsePct: 10,
		ReactiveCooldownMs:     30_000,
		TargetSolPct:           50,
		TargetTokenPct:         50,
		RebalanceThresholdPct:  10,
		TwapSlices:             4,
		TwapWindowSec:          300,
		ReservePctNormal:       10,
		ReservePctAdverse:      30,
	}
}

func validateConfig(c *Config) error {
	switch c.Algorithm {
	case AlgoSimple, AlgoRebalance, AlgoSmart, AlgoTurboLite, AlgoTwapVwap, AlgoDynamic, AlgoReactive:
	default:
		return fmt.Errorf("unknown algorithm %q", c.Algorithm)
	}
	if c.MinBuySol > c.MaxBuySol {
		return fmt.Errorf("min_buy %.4f exceeds max_buy %.4f", c.MinBuySol, c.MaxBuySol)
	}
	if c.SlippageBps < 1 || c.SlippageBps > 5000 {
		return fmt.Errorf("slippage %d bps out of range [1, 5000]", c.SlippageBps)
	}
	if c.TargetSolPct+c.TargetTokenPct > 100 {
		return fmt.Errorf("allocation targets sum to %.1f%%, max 100", c.TargetSolPct+c.TargetTokenPct)
	}
	if c.ReactiveCooldownMs < 0 {
		return fmt.Errorf("reactive cooldown must not be negative")
	}
	return nil
}

const insertConfigSQL = `
	INSERT OR REPLACE INTO token_configs
	(token_id, algorithm, min_buy_sol, max_buy_sol, max_sell_tokens, slippage_bps,
	 buy_interval_sec, auto_claim_enabled, fee_threshold_sol, flywheel_active,
	 market_making_enabled, reactive_enabled, reactive_min_trigger_sol, reactive_scale_pct,
	 reactive_max_response_pct, reactive_cooldown_ms, target_sol_pct, target_token_pct,
	 rebalance_threshold_pct, twap_slices, twap_window_sec, dynamic_boost,
	 reserve_pct_normal, reserve_pct_adverse, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func configArgs(c *Config) []interface{} {
	return []interface{}{
		c.TokenID, c.Algorithm, c.MinBuySol, c.MaxBuySol, c.MaxSellTokens, c.SlippageBps,
		c.BuyIntervalSec, c.AutoClaimEnabled, c.FeeThresholdSol, c.FlywheelActive,
		c.MarketMakingEnabled, c.ReactiveEnabled, c.ReactiveMinTriggerSol, c.ReactiveScalePct,
		c.ReactiveMaxResponsePct, c.ReactiveCooldownMs, c.TargetSolPct, c.TargetTokenPct,
		c.RebalanceThresholdPct, c.TwapSlices, c.TwapWindowSec, c.DynamicBoost,
		c.ReservePctNormal, c.ReservePctAdverse, c.UpdatedAt,
	}
}

const configColumns = `token_id, algorithm, min_buy_sol, max_buy_sol, max_sell_tokens,
	slippage_bps, buy_interval_sec, auto_claim_enabled, fee_threshold_sol, flywheel_active,
	market_making_enabled, reactive_enabled, reactive_min_trigger_sol, reactive_scale_pct,
	reactive_max_response_pct, reactive_cooldown_ms, target_sol_pct, target_token_pct,
	rebalance_threshold_pct, twap_slices, twap_window_sec, dynamic_boost,
	reserve_pct_normal, reserve_pct_adverse, updated_at`

const configColumnsPrefixed = `c.token_id, c.algorithm, c.min_buy_sol, c.max_buy_sol, c.max_sell_tokens,
	c.slippage_bps, c.buy_interval_sec, c.auto_claim_enabled, c.fee_threshold_sol, c.flywheel_active,
	c.market_making_enabled, c.reactive_enabled, c.reactive_min_trigger_sol, c.reactive_scale_pct,
	c.reactive_max_response_pct, c.reactive_cooldown_ms, c.target_sol_pct, c.target_token_pct,
	c.rebalance_threshold_pct, c.twap_slices, c.twap_window_sec, c.dynamic_boost,
	c.reserve_pct_normal, c.reserve_pct_adverse, c.updated_at`

func configDest(c *Config) []interface{} {
	return []interface{}{
		&c.TokenID, &c.Algorithm, &c.MinBuySol, &c.MaxBuySol, &c.MaxSellTokens,
		&c.SlippageBps, &c.BuyIntervalSec, &c.AutoClaimEnabled, &c.FeeThresholdSol, &c.FlywheelActive,
		&c.MarketMakingEnabled, &c.ReactiveEnabled, &c.ReactiveMinTriggerSol, &c.ReactiveScalePct,
		&c.ReactiveMaxResponsePct, &c.ReactiveCooldownMs, &c.TargetSolPct, &c.TargetTokenPct,
		&c.RebalanceThresholdPct, &c.TwapSlices, &c.TwapWindowSec, &c.DynamicBoost,
		&c.ReservePctNormal, &c.ReservePctAdverse, &c.UpdatedAt,
	}
}

// UpsertConfig validates and stores a token's tuning.
func (s *Store) UpsertConfig(c *Config) error {
	if err := validateConfig(c); err != nil {
		return err
	}
	c.UpdatedAt = Now()
	_, err := s.db.Exec(insertConfigSQL, configArgs(c)...)
	return err
}

// GetConfig retrieves a token's tuning, nil when missing.
func (s *Store) GetConfig(tokenID string) (*Config, error) {
	var c Config
	err := s.db.QueryRow(
		`SELECT `+configColumns+` FROM token_configs WHERE token_id = ?`, tokenID).
		Scan(configDest(&c)...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
