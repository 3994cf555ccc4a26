package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Fundflow  FundflowConfig  `yaml:"fundflow"`
	Exchanges ExchangesConfig `yaml:"exchanges"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Scoring   ScoringConfig   `yaml:"scoring"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Audit     AuditConfig     `yaml:"audit"`
	Storage   StorageConfig   `yaml:"storage"`
	Server    ServerConfig    `yaml:"server"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type FundflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// Execution modes.
const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// ExchangesConfig is the exchange allocation table. Map key is the exchange
// name used throughout the pipeline ("binance", "bybit", "okx", ...).
type ExchangesConfig map[string]ExchangeConfig

type ExchangeConfig struct {
	Enabled              bool                 `yaml:"enabled"`
	Role                 string               `yaml:"role"` // "long", "short" or "both"
	TakerFeeBps          float64              `yaml:"taker_fee_bps"`
	FundingIntervalHours float64              `yaml:"funding_interval_hours"`
	AllocationEur        float64              `yaml:"allocation_eur"`
	BaseURL              string               `yaml:"base_url"`
	ConnectionPool       ConnectionPoolConfig `yaml:"connection_pool"`
	RateLimit            RateLimitConfig      `yaml:"rate_limit"`
	APIKeyEnv            string               `yaml:"api_key_env"`
	APISecretEnv         string               `yaml:"api_secret_env"`
	APIPassphraseEnv     string               `yaml:"api_passphrase_env"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type SchedulerConfig struct {
	FetchTimeout   time.Duration         `yaml:"fetch_timeout"`
	Tiers          []TierConfig          `yaml:"tiers"`
	CircuitBreaker CircuitBreakerConfig  `yaml:"circuit_breaker"`
	Liquidity      LiquidityFilterConfig `yaml:"liquidity"`
}

// TierConfig is a priority class: which symbols it covers and how often they
// are polled. Lower priority value means polled first.
type TierConfig struct {
	Name         string        `yaml:"name"`
	Priority     int           `yaml:"priority"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Symbols      []string      `yaml:"symbols"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	CooldownMax      time.Duration `yaml:"cooldown_max"`
}

type LiquidityFilterConfig struct {
	MinOpenInterest float64 `yaml:"min_open_interest"`
	MinVolume24h    float64 `yaml:"min_volume_24h"`
}

type ScoringConfig struct {
	Freshness          time.Duration      `yaml:"freshness"`
	MinProfitBps       map[string]float64 `yaml:"min_profit_bps"` // per risk tier
	MaxPriceSpreadBps  float64            `yaml:"max_price_spread_bps"`
	SlippageBps        float64            `yaml:"slippage_bps"`
	DefaultTakerFeeBps float64            `yaml:"default_taker_fee_bps"`
	Score              ScorePolicyConfig  `yaml:"score"`
	RiskTiers          RiskTierConfig     `yaml:"risk_tiers"`
}

// ScorePolicyConfig tunes the opportunity score. The score must be
// monotonically increasing in edge and liquidity and decreasing for higher
// risk tiers; the weighting itself is policy, not invariant.
type ScorePolicyConfig struct {
	LiquidityWeight float64            `yaml:"liquidity_weight"`
	TierFactors     map[string]float64 `yaml:"tier_factors"`
}

type RiskTierConfig struct {
	BlueChips        []string `yaml:"blue_chips"`
	HighRateAbsLimit float64  `yaml:"high_rate_abs_limit"` // 8h-normalized funding above this is high risk
}

type ExecutorConfig struct {
	Mode                string        `yaml:"mode"` // "paper" or "live"
	HedgeSizeEur        float64       `yaml:"hedge_size_eur"`
	MaxDeployedEur      float64       `yaml:"max_deployed_eur"`
	MaxConcurrentHedges int           `yaml:"max_concurrent_hedges"`
	MaxDailyDrawdownEur float64       `yaml:"max_daily_drawdown_eur"`
	OrderTimeout        time.Duration `yaml:"order_timeout"`
	Exit                ExitConfig    `yaml:"exit"`
}

type ExitConfig struct {
	SpreadExitBps float64 `yaml:"spread_exit_bps"` // close when net edge drops below this
	StopLossEur   float64 `yaml:"stop_loss_eur"`   // close when unrealized loss exceeds this
	MaxHoldingHrs float64 `yaml:"max_holding_hrs"` // 0 disables
}

type AuditConfig struct {
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type StorageConfig struct {
	Badger BadgerConfig `yaml:"badger"`
	S3     S3Config     `yaml:"s3"`
}

type BadgerConfig struct {
	Dir string `yaml:"dir"`
}

type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Prefix          string        `yaml:"prefix"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	BatchSize       int           `yaml:"batch_size"`
}

type ServerConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Listen     string `yaml:"listen"`
	AdminToken string `yaml:"admin_token"`
}

type PipelineConfig struct {
	IngestInterval time.Duration `yaml:"ingest_interval"`
	ScoreInterval  time.Duration `yaml:"score_interval"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// LoadConfig reads and validates the yaml configuration at path. Selected
// settings may be overridden through environment variables so deployments can
// keep secrets out of the config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if v := os.Getenv("FUNDFLOW_MODE"); v != "" {
		config.Executor.Mode = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("FUNDFLOW_ADMIN_TOKEN"); v != "" {
		config.Server.AdminToken = strings.TrimSpace(v)
	}

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(c *Config) {
	if c.Scheduler.FetchTimeout <= 0 {
		c.Scheduler.FetchTimeout = 10 * time.Second
	}
	if c.Scheduler.CircuitBreaker.FailureThreshold <= 0 {
		c.Scheduler.CircuitBreaker.FailureThreshold = 5
	}
	if c.Scheduler.CircuitBreaker.Cooldown <= 0 {
		c.Scheduler.CircuitBreaker.Cooldown = 2 * time.Minute
	}
	if c.Scheduler.CircuitBreaker.CooldownMax <= 0 {
		c.Scheduler.CircuitBreaker.CooldownMax = 30 * time.Minute
	}
	if c.Scoring.Freshness <= 0 {
		c.Scoring.Freshness = 3 * time.Minute
	}
	if c.Scoring.DefaultTakerFeeBps <= 0 {
		c.Scoring.DefaultTakerFeeBps = 6
	}
	if c.Scoring.Score.TierFactors == nil {
		c.Scoring.Score.TierFactors = map[string]float64{
			"safe": 1.0, "medium": 0.7, "high": 0.4,
		}
	}
	if c.Executor.Mode == "" {
		c.Executor.Mode = ModePaper
	}
	if c.Executor.OrderTimeout <= 0 {
		c.Executor.OrderTimeout = 15 * time.Second
	}
	if c.Audit.BufferSize <= 0 {
		c.Audit.BufferSize = 1024
	}
	if c.Audit.FlushInterval <= 0 {
		c.Audit.FlushInterval = 10 * time.Second
	}
	if c.Pipeline.IngestInterval <= 0 {
		c.Pipeline.IngestInterval = time.Minute
	}
	if c.Pipeline.ScoreInterval <= 0 {
		c.Pipeline.ScoreInterval = 30 * time.Second
	}
	if c.Storage.S3.FlushInterval <= 0 {
		c.Storage.S3.FlushInterval = time.Minute
	}
	if c.Storage.S3.BatchSize <= 0 {
		c.Storage.S3.BatchSize = 5000
	}
	if c.Storage.Badger.Dir == "" {
		c.Storage.Badger.Dir = "data/fundflow"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8085"
	}
}

func validateConfig(c *Config) error {
	enabled := c.EnabledExchanges()
	if len(enabled) == 0 {
		return fmt.Errorf("no exchanges enabled")
	}

	for name, ex := range c.Exchanges {
		if !ex.Enabled {
			continue
		}
		switch ex.Role {
		case "long", "short", "both":
		default:
			return fmt.Errorf("exchange %s: invalid role '%s'", name, ex.Role)
		}
		if ex.TakerFeeBps < 0 {
			return fmt.Errorf("exchange %s: negative taker fee", name)
		}
	}

	if len(c.Scheduler.Tiers) == 0 {
		return fmt.Errorf("no scheduler tiers configured")
	}
	seen := map[string]struct{}{}
	for _, tier := range c.Scheduler.Tiers {
		if tier.Name == "" {
			return fmt.Errorf("scheduler tier without name")
		}
		if _, dup := seen[tier.Name]; dup {
			return fmt.Errorf("duplicate scheduler tier '%s'", tier.Name)
		}
		seen[tier.Name] = struct{}{}
		if tier.PollInterval <= 0 {
			return fmt.Errorf("scheduler tier '%s': poll_interval must be positive", tier.Name)
		}
		if len(tier.Symbols) == 0 {
			return fmt.Errorf("scheduler tier '%s': no symbols", tier.Name)
		}
	}

	switch c.Executor.Mode {
	case ModePaper, ModeLive:
	default:
		return fmt.Errorf("invalid executor mode '%s'", c.Executor.Mode)
	}
	if c.Executor.HedgeSizeEur <= 0 {
		return fmt.Errorf("executor hedge_size_eur must be positive")
	}
	if c.Executor.MaxDeployedEur <= 0 {
		return fmt.Errorf("executor max_deployed_eur must be positive")
	}
	if c.Executor.MaxConcurrentHedges <= 0 {
		return fmt.Errorf("executor max_concurrent_hedges must be positive")
	}
	if c.Executor.MaxDailyDrawdownEur <= 0 {
		return fmt.Errorf("executor max_daily_drawdown_eur must be positive")
	}

	if c.Storage.S3.Enabled && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3 storage enabled but no bucket configured")
	}

	return nil
}

// EnabledExchanges returns the names of all enabled exchanges, sorted order
// is not guaranteed.
func (c *Config) EnabledExchanges() []string {
	out := make([]string, 0, len(c.Exchanges))
	for name, ex := range c.Exchanges {
		if ex.Enabled {
			out = append(out, name)
		}
	}
	return out
}

// Exchange returns the configuration for name and whether it is enabled.
func (c *Config) Exchange(name string) (ExchangeConfig, bool) {
	ex, ok := c.Exchanges[name]
	return ex, ok && ex.Enabled
}

// SupportsLong reports whether the exchange may take the long leg of a hedge.
func (ex ExchangeConfig) SupportsLong() bool {
	return ex.Role == "long" || ex.Role == "both"
}

// SupportsShort reports whether the exchange may take the short leg of a hedge.
func (ex ExchangeConfig) SupportsShort() bool {
	return ex.Role == "short" || ex.Role == "both"
}

// IsValidHedgePair reports whether a hedge with the given long and short
// exchanges is permitted by the allocation table. Invalid pairs block the
// specific action, never the whole cycle.
func (c *Config) IsValidHedgePair(longExchange, shortExchange string) bool {
	if longExchange == shortExchange {
		return false
	}
	longEx, ok := c.Exchange(longExchange)
	if !ok || !longEx.SupportsLong() {
		return false
	}
	shortEx, ok := c.Exchange(shortExchange)
	if !ok || !shortEx.SupportsShort() {
		return false
	}
	return true
}

// TakerFeeBps returns the taker fee for an exchange, falling back to the
// conservative default when the exchange is not configured.
func (c *Config) TakerFeeBps(exchange string) float64 {
	if ex, ok := c.Exchange(exchange); ok && ex.TakerFeeBps > 0 {
		return ex.TakerFeeBps
	}
	return c.Scoring.DefaultTakerFeeBps
}
