package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all engine configuration
type Config struct {
	RPC       RPCConfig       `mapstructure:"rpc"`
	Custody   CustodyConfig   `mapstructure:"custody"`
	AMM       AMMConfig       `mapstructure:"amm"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Server    ServerConfig    `mapstructure:"server"`
	Flywheel  FlywheelConfig  `mapstructure:"flywheel"`
	Claim     ClaimConfig     `mapstructure:"claim"`
	Fees      FeesConfig      `mapstructure:"fees"`
	Deposit   DepositConfig   `mapstructure:"deposit"`
	Reactive  ReactiveConfig  `mapstructure:"reactive"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
	Platform  PlatformConfig  `mapstructure:"platform"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Balances  BalancesConfig  `mapstructure:"balances"`
	Chain     ChainConfig     `mapstructure:"chain"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
}

type RPCConfig struct {
	PrimaryURL        string `mapstructure:"primary_url"`
	PrimaryAPIKeyEnv  string `mapstructure:"primary_api_key_env"`
	FallbackURL       string `mapstructure:"fallback_url"`
	FallbackAPIKeyEnv string `mapstructure:"fallback_api_key_env"`
	TimeoutSeconds    int    `mapstructure:"timeout_seconds"`
}

type CustodyConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APITokenEnv    string `mapstructure:"api_token_env"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

type AMMConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKeysEnv     string `mapstructure:"api_keys_env"` // comma-separated keys, rotated per request
	SlippageBps    int    `mapstructure:"slippage_bps"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	PriceTTLSec    int    `mapstructure:"price_ttl_sec"`
}

type StorageConfig struct {
	SQLitePath string `mapstructure:"sqlite_path"`
}

type ServerConfig struct {
	ListenHost       string `mapstructure:"listen_host"`
	ListenPort       int    `mapstructure:"listen_port"`
	WebhookSecretEnv string `mapstructure:"webhook_secret_env"`
}

type FlywheelConfig struct {
	IntervalMin       int `mapstructure:"interval_min"`
	MaxTradesPerMin   int `mapstructure:"max_trades_per_minute"`
	InterTokenDelayMs int `mapstructure:"inter_token_delay_ms"`
	BuysPerCycle      int `mapstructure:"buys_per_cycle"`
	SellsPerCycle     int `mapstructure:"sells_per_cycle"`
	SmartCooldownMs   int `mapstructure:"smart_cooldown_ms"`
}

type ClaimConfig struct {
	FastIntervalSec  int     `mapstructure:"fast_interval_sec"`
	FastThresholdSol float64 `mapstructure:"fast_threshold_sol"`
	SlowIntervalMin  int     `mapstructure:"slow_interval_min"`
	SlowMaxTokens    int     `mapstructure:"slow_max_tokens"`
	ReserveSol       float64 `mapstructure:"reserve_sol"` // clamped to [0.01, 0.1] at use
}

type FeesConfig struct {
	DevWalletMinReserveSol float64 `mapstructure:"dev_wallet_min_reserve_sol"`
	MinFeeThresholdSol     float64 `mapstructure:"min_fee_threshold_sol"`
	PlatformFeePercent     float64 `mapstructure:"platform_fee_percent"`
	PlatformOpsWallet      string  `mapstructure:"platform_ops_wallet"`
}

type DepositConfig struct {
	PollIntervalSec   int     `mapstructure:"poll_interval_sec"`
	MinDepositSol     float64 `mapstructure:"min_deposit_sol"`
	RentReserveSol    float64 `mapstructure:"rent_reserve_sol"`
	MaxLaunchRetries  int     `mapstructure:"max_launch_retries"`
	LaunchExpiryHours int     `mapstructure:"launch_expiry_hours"`
	RetryWaitSec      int     `mapstructure:"retry_wait_sec"`
	FunderLookback    int     `mapstructure:"funder_lookback"`
}

type ReactiveConfig struct {
	Workers     int `mapstructure:"workers"`
	QueueSize   int `mapstructure:"queue_size"`
	CacheTTLSec int `mapstructure:"cache_ttl_sec"`
}

type PricingConfig struct {
	CacheTTLSec int `mapstructure:"cache_ttl_sec"`
	WindowSize  int `mapstructure:"window_size"`
}

type PlatformConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Mint        string `mapstructure:"mint"`
	DevKeyEnv   string `mapstructure:"dev_key_env"`
	OpsKeyEnv   string `mapstructure:"ops_key_env"`
	IntervalMin int    `mapstructure:"interval_min"`
}

type AdminConfig struct {
	AuthorizedKeys []string `mapstructure:"authorized_keys"` // base58 ed25519 public keys
	NonceTTLSec    int      `mapstructure:"nonce_ttl_sec"`
	ReadWindowSec  int      `mapstructure:"read_window_sec"`
}

type NotifyConfig struct {
	WebhookURL     string `mapstructure:"webhook_url"` // empty = log only
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

type BalancesConfig struct {
	RefreshIntervalMin int `mapstructure:"refresh_interval_min"`
	InterTokenDelayMs  int `mapstructure:"inter_token_delay_ms"`
}

type ChainConfig struct {
	BlockhashRefreshMs  int `mapstructure:"blockhash_refresh_ms"`
	BlockhashTTLSeconds int `mapstructure:"blockhash_ttl_seconds"`
}

type WebSocketConfig struct {
	URL              string `mapstructure:"url"`
	APIKeyEnv        string `mapstructure:"api_key_env"`
	ReconnectDelayMs int    `mapstructure:"reconnect_delay_ms"`
	PingIntervalMs   int    `mapstructure:"ping_interval_ms"`
}

// Manager handles config loading and hot-reload
type Manager struct {
	mu       sync.RWMutex
	config   *Config
	viper    *viper.Viper
	onChange func(*Config)
}

// envBindings maps operator-facing environment variables onto config keys.
var envBindings = map[string]string{
	"flywheel.interval_min":           "FLYWHEEL_INTERVAL_MIN",
	"flywheel.max_trades_per_minute":  "MAX_TRADES_PER_MINUTE",
	"flywheel.buys_per_cycle":         "BUYS_PER_CYCLE",
	"flywheel.sells_per_cycle":        "SELLS_PER_CYCLE",
	"flywheel.smart_cooldown_ms":      "SMART_MODE_COOLDOWN_MS",
	"claim.fast_interval_sec":         "CLAIM_FAST_INTERVAL_SEC",
	"claim.fast_threshold_sol":        "CLAIM_FAST_THRESHOLD_SOL",
	"claim.slow_interval_min":         "CLAIM_SLOW_INTERVAL_MIN",
	"deposit.poll_interval_sec":       "DEPOSIT_POLL_INTERVAL_SEC",
	"deposit.rent_reserve_sol":        "RENT_RESERVE_SOL",
	"deposit.max_launch_retries":      "MAX_LAUNCH_RETRIES",
	"deposit.launch_expiry_hours":     "LAUNCH_EXPIRY_HOURS",
	"fees.dev_wallet_min_reserve_sol": "DEV_WALLET_MIN_RESERVE_SOL",
	"fees.min_fee_threshold_sol":      "MIN_FEE_THRESHOLD_SOL",
	"fees.platform_fee_percent":       "PLATFORM_FEE_PERCENT",
}

// NewManager creates a new config manager
func NewManager(configPath string) (*Manager, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	m := &Manager{
		config: &cfg,
		viper:  v,
	}

	// Watch for config changes
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Msg("config file changed, reloading")
		m.reload()
	})

	return m, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("rpc.primary_api_key_env", "RPC_API_KEY")
	v.SetDefault("rpc.fallback_url", "https://api.mainnet-beta.solana.com")
	v.SetDefault("rpc.fallback_api_key_env", "RPC_FALLBACK_API_KEY")
	v.SetDefault("rpc.timeout_seconds", 10)

	v.SetDefault("custody.api_token_env", "CUSTODY_API_TOKEN")
	v.SetDefault("custody.timeout_seconds", 15)

	v.SetDefault("amm.api_keys_env", "AMM_API_KEYS")
	v.SetDefault("amm.slippage_bps", 500)
	v.SetDefault("amm.timeout_seconds", 10)
	v.SetDefault("amm.price_ttl_sec", 60)

	v.SetDefault("storage.sqlite_path", "./data/flywheel.db")

	v.SetDefault("server.listen_host", "0.0.0.0")
	v.SetDefault("server.listen_port", 8080)
	v.SetDefault("server.webhook_secret_env", "WEBHOOK_SHARED_SECRET")

	v.SetDefault("flywheel.interval_min", 1)
	v.SetDefault("flywheel.max_trades_per_minute", 30)
	v.SetDefault("flywheel.inter_token_delay_ms", 500)
	v.SetDefault("flywheel.buys_per_cycle", 5)
	v.SetDefault("flywheel.sells_per_cycle", 5)
	v.SetDefault("flywheel.smart_cooldown_ms", 300000)

	v.SetDefault("claim.fast_interval_sec", 30)
	v.SetDefault("claim.fast_threshold_sol", 0.15)
	v.SetDefault("claim.slow_interval_min", 60)
	v.SetDefault("claim.slow_max_tokens", 25)
	v.SetDefault("claim.reserve_sol", 0.01)

	v.SetDefault("fees.dev_wallet_min_reserve_sol", 0.01)
	v.SetDefault("fees.min_fee_threshold_sol", 0.01)
	v.SetDefault("fees.platform_fee_percent", 10)

	v.SetDefault("deposit.poll_interval_sec", 30)
	v.SetDefault("deposit.min_deposit_sol", 0.1)
	v.SetDefault("deposit.rent_reserve_sol", 0.001)
	v.SetDefault("deposit.max_launch_retries", 3)
	v.SetDefault("deposit.launch_expiry_hours", 24)
	v.SetDefault("deposit.retry_wait_sec", 30)
	v.SetDefault("deposit.funder_lookback", 20)

	v.SetDefault("reactive.workers", 4)
	v.SetDefault("reactive.queue_size", 256)
	v.SetDefault("reactive.cache_ttl_sec", 60)

	v.SetDefault("pricing.cache_ttl_sec", 30)
	v.SetDefault("pricing.window_size", 96)

	v.SetDefault("platform.enabled", false)
	v.SetDefault("platform.dev_key_env", "PLATFORM_DEV_PRIVATE_KEY")
	v.SetDefault("platform.ops_key_env", "PLATFORM_OPS_PRIVATE_KEY")
	v.SetDefault("platform.interval_min", 5)

	v.SetDefault("admin.nonce_ttl_sec", 300)
	v.SetDefault("admin.read_window_sec", 600)

	v.SetDefault("notify.timeout_seconds", 5)

	v.SetDefault("balances.refresh_interval_min", 5)
	v.SetDefault("balances.inter_token_delay_ms", 100)

	v.SetDefault("chain.blockhash_refresh_ms", 5000)
	v.SetDefault("chain.blockhash_ttl_seconds", 60)

	v.SetDefault("websocket.api_key_env", "RPC_API_KEY")
	v.SetDefault("websocket.reconnect_delay_ms", 1000)
	v.SetDefault("websocket.ping_interval_ms", 30000)
}

// validate rejects configurations the schedulers must never see.
func validate(cfg *Config) error {
	if cfg.Fees.PlatformFeePercent < 0 || cfg.Fees.PlatformFeePercent > 100 {
		return fmt.Errorf("fees.platform_fee_percent out of range: %v", cfg.Fees.PlatformFeePercent)
	}
	if cfg.AMM.SlippageBps < 1 || cfg.AMM.SlippageBps > 5000 {
		return fmt.Errorf("amm.slippage_bps out of range: %d", cfg.AMM.SlippageBps)
	}
	if cfg.Flywheel.BuysPerCycle < 1 || cfg.Flywheel.SellsPerCycle < 1 {
		return fmt.Errorf("flywheel cycle counts must be >= 1")
	}
	if cfg.Deposit.MinDepositSol < 0 {
		return fmt.Errorf("deposit.min_deposit_sol must be >= 0")
	}
	return nil
}

// Get returns the current config (thread-safe)
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetFlywheel returns flywheel config (most frequently accessed)
func (m *Manager) GetFlywheel() FlywheelConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Flywheel
}

// SetOnChange registers a callback for config changes
func (m *Manager) SetOnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Update modifies config values and saves to file
func (m *Manager) Update(fn func(*Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fn(m.config)

	m.viper.Set("flywheel.interval_min", m.config.Flywheel.IntervalMin)
	m.viper.Set("flywheel.max_trades_per_minute", m.config.Flywheel.MaxTradesPerMin)
	m.viper.Set("claim.fast_interval_sec", m.config.Claim.FastIntervalSec)
	m.viper.Set("claim.fast_threshold_sol", m.config.Claim.FastThresholdSol)
	m.viper.Set("claim.slow_interval_min", m.config.Claim.SlowIntervalMin)
	m.viper.Set("claim.slow_max_tokens", m.config.Claim.SlowMaxTokens)
	m.viper.Set("fees.platform_fee_percent", m.config.Fees.PlatformFeePercent)

	if err := m.viper.WriteConfig(); err != nil {
		return err
	}

	if m.onChange != nil {
		m.onChange(m.config)
	}

	return nil
}

func (m *Manager) reload() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		log.Error().Err(err).Msg("failed to unmarshal config on reload")
		return
	}
	if err := validate(&cfg); err != nil {
		log.Error().Err(err).Msg("rejected invalid config on reload, keeping previous")
		return
	}

	m.config = &cfg
	if m.onChange != nil {
		m.onChange(&cfg)
	}
}

// GetCustodyToken loads the custody API token from environment
func (m *Manager) GetCustodyToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.Custody.APITokenEnv)
}

// GetAMMAPIKeys loads AMM API keys from environment (comma-separated)
func (m *Manager) GetAMMAPIKeys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	raw := os.Getenv(m.config.AMM.APIKeysEnv)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			keys = append(keys, p)
		}
	}
	return keys
}

// GetWebhookSecret loads the webhook shared secret from environment
func (m *Manager) GetWebhookSecret() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.Server.WebhookSecretEnv)
}

// GetPlatformDevKey loads the platform dev wallet private key from environment
func (m *Manager) GetPlatformDevKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.Platform.DevKeyEnv)
}

// GetPlatformOpsKey loads the platform ops wallet private key from environment
func (m *Manager) GetPlatformOpsKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.Platform.OpsKeyEnv)
}

// GetPrimaryRPCURL returns the primary RPC URL with API key injected
func (m *Manager) GetPrimaryRPCURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return injectKey(m.config.RPC.PrimaryURL, os.Getenv(m.config.RPC.PrimaryAPIKeyEnv))
}

// GetFallbackRPCURL returns the fallback RPC URL with API key injected
func (m *Manager) GetFallbackRPCURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	url := m.config.RPC.FallbackURL
	key := os.Getenv(m.config.RPC.FallbackAPIKeyEnv)
	if key == "" {
		return url
	}

	// Detect provider param style
	param := "api_key"
	if strings.Contains(url, "helius") {
		param = "api-key"
	}

	if strings.Contains(url, "?") {
		return url + "&" + param + "=" + key
	}
	return url + "?" + param + "=" + key
}

// GetWSURL returns the websocket RPC URL with API key injected
func (m *Manager) GetWSURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return injectKey(m.config.WebSocket.URL, os.Getenv(m.config.WebSocket.APIKeyEnv))
}

func injectKey(url, key string) string {
	if key == "" || url == "" {
		return url
	}
	if strings.Contains(url, "?") {
		return url + "&api_key=" + key
	}
	return url + "?api_key=" + key
}

// GetFlywheelInterval returns the flywheel tick interval as duration
func (m *Manager) GetFlywheelInterval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Flywheel.IntervalMin) * time.Minute
}

// GetClaimFastInterval returns the fast claim cycle interval as duration
func (m *Manager) GetClaimFastInterval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Claim.FastIntervalSec) * time.Second
}

// GetClaimSlowInterval returns the slow claim cycle interval as duration
func (m *Manager) GetClaimSlowInterval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Claim.SlowIntervalMin) * time.Minute
}

// GetBlockhashRefresh returns blockhash refresh interval as duration
func (m *Manager) GetBlockhashRefresh() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Chain.BlockhashRefreshMs) * time.Millisecond
}

// GetSmartCooldown returns the smart-mode trade cooldown as duration
func (m *Manager) GetSmartCooldown() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Flywheel.SmartCooldownMs) * time.Millisecond
}
