// Package config provides configuration management for the trading engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/kisquant/trendatr/internal/models"
)

// Defaults applied by Normalize when a knob is left unset.
const (
	defaultIntervalSeconds         = 60
	defaultNearStopIntervalSeconds = 15
	// minIntervalSeconds is the cadence floor; shorter configured intervals are clamped
	minIntervalSeconds = 15

	defaultExecutionTimeout    = "45s"
	defaultEmergencyMultiplier = 3
	defaultHTTPTimeout         = "15s"
	defaultMaxRetries          = 3
	defaultRetryBaseDelay      = "1s"
	defaultRateLimitPerSec     = 10.0
	defaultTokenRefreshMargin  = "10m"
	defaultTokenPrewarmHour    = 8
	defaultBalanceCacheTTL     = "10s"

	defaultATRPeriod            = 14
	defaultTrendMAPeriod        = 50
	defaultStopLossATR          = 2.0
	defaultTakeProfitATR        = 3.0
	defaultTrailingStopATR      = 2.0
	defaultTrailingActivation   = 1.0
	defaultGapThresholdPct      = 2.0
	defaultGapEpsilonPct        = 0.001
	defaultAlertThresholdPct    = 80.0
	defaultDailyMaxLossPct      = 2.0
	defaultPerTradeMaxLossPct   = 5.0
	defaultMaxConsecutiveLosses = 2
	defaultDailyMaxTrades       = 3
	defaultCumulativeDDPct      = 15.0
	defaultDrawdownWarningPct   = 10.0
	defaultPendingExitBackoff   = "5m"
	defaultStaleLockSeconds     = 3600

	defaultMaxStocks      = 5
	defaultUniverseSize   = 15
	defaultMaxPositions   = 3
	defaultMinTradedValue = 1_000_000_000
	defaultMaxChangePct   = 28.0
	defaultMinATRPct      = 1.0
	defaultMaxATRPct      = 8.0

	defaultCommissionRate = 0.00015
	defaultInitialCapital = 10_000_000
	defaultOrderQuantity  = 1
	defaultDataDir        = "data"
	defaultDatabaseFile   = "trendatr.db"
)

// Broker base URLs per account type.
const (
	PaperBaseURL = "https://openapivts.koreainvestment.com:29443"
	RealBaseURL  = "https://openapi.koreainvestment.com:9443"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Engine      EngineConfig      `yaml:"engine"`
	Risk        RiskConfig        `yaml:"risk"`
	Universe    UniverseConfig    `yaml:"universe"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Trading     TradingConfig     `yaml:"trading"`
	Notify      NotifyConfig      `yaml:"notify"`
	Storage     StorageConfig     `yaml:"storage"`
}

// EnvironmentConfig defines the runtime environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // DRY_RUN | PAPER | REAL
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines KIS API settings. Secrets come from the environment
// via ${VAR} expansion, never from the YAML file itself.
type BrokerConfig struct {
	AppKey      string `yaml:"app_key"`
	AppSecret   string `yaml:"app_secret"`
	AccountNo   string `yaml:"account_no"`
	ProductCode string `yaml:"product_code"` // account product code, normally "01"
	// BaseURL overrides the mode-derived endpoint; used by tests
	BaseURL            string  `yaml:"base_url"`
	HTTPTimeout        string  `yaml:"http_timeout"`
	MaxRetries         int     `yaml:"max_retries"`
	RetryBaseDelay     string  `yaml:"retry_base_delay"`
	RateLimitPerSec    float64 `yaml:"rate_limit_per_sec"`
	TokenRefreshMargin string  `yaml:"token_refresh_margin"`
	TokenPrewarmHour   int     `yaml:"token_prewarm_hour"` // KST hour after which the daily prewarm fires
	BalanceCacheTTL    string  `yaml:"balance_cache_ttl"`
}

// EngineConfig defines the execution loop cadence and order timing.
type EngineConfig struct {
	IntervalSeconds         int     `yaml:"interval_seconds"`
	NearStopIntervalSeconds int     `yaml:"near_stop_interval_seconds"`
	NearStopATRRatio        float64 `yaml:"near_stop_atr_ratio"` // distance-to-stop band as a fraction of entry ATR
	OrderExecutionTimeout   string  `yaml:"order_execution_timeout"`
	EmergencyTimeoutMult    int     `yaml:"emergency_timeout_multiplier"`
	MaxRuns                 int     `yaml:"max_runs"` // 0 = unbounded
}

// RiskConfig defines the loss caps and process-level guards.
type RiskConfig struct {
	DailyMaxLossPct       float64 `yaml:"daily_max_loss_pct"`
	PerTradeMaxLossPct    float64 `yaml:"per_trade_max_loss_pct"`
	MaxConsecutiveLosses  int     `yaml:"max_consecutive_losses"`
	DailyMaxTrades        int     `yaml:"daily_max_trades"`
	CumulativeDDPct       float64 `yaml:"cumulative_dd_pct"`
	DrawdownWarningPct    float64 `yaml:"drawdown_warning_pct"`
	EnforceSingleInstance *bool   `yaml:"enforce_single_instance"`
	StaleLockSeconds      int     `yaml:"stale_lock_seconds"`
	PendingExitBackoff    string  `yaml:"pending_exit_backoff"`
}

// UniverseConfig defines daily symbol selection.
type UniverseConfig struct {
	SelectionMethod      string   `yaml:"selection_method"` // fixed | volume_top | atr_filter | combined
	MaxStocks            int      `yaml:"max_stocks"`
	UniverseSize         int      `yaml:"universe_size"`
	MaxPositions         int      `yaml:"max_positions"`
	FixedSymbols         []string `yaml:"fixed_symbols"`
	CandidateSymbols     []string `yaml:"candidate_symbols"`
	MinTradedValue       int64    `yaml:"min_traded_value"`
	MinMarketCap         int64    `yaml:"min_market_cap"`
	MaxChangePct         float64  `yaml:"max_change_pct"`
	MinATRPct            float64  `yaml:"min_atr_pct"`
	MaxATRPct            float64  `yaml:"max_atr_pct"`
	HaltOnFallbackInReal bool     `yaml:"halt_on_fallback_in_real"`
}

// StrategyConfig defines the trend/ATR parameters and the gap guard band.
type StrategyConfig struct {
	ATRPeriod             int     `yaml:"atr_period"`
	TrendMAPeriod         int     `yaml:"trend_ma_period"`
	StopLossATR           float64 `yaml:"stop_loss_atr"`
	TakeProfitATR         float64 `yaml:"take_profit_atr"`
	TrailingStopATR       float64 `yaml:"trailing_stop_atr"`
	TrailingActivationPct float64 `yaml:"trailing_activation_pct"`
	GapThresholdPct       float64 `yaml:"gap_threshold_pct"`
	GapEpsilonPct         float64 `yaml:"gap_epsilon_pct"`
}

// TradingConfig defines order sizing and accounting constants.
type TradingConfig struct {
	OrderQuantity  int64   `yaml:"order_quantity"`
	CommissionRate float64 `yaml:"commission_rate"`
	InitialCapital int64   `yaml:"initial_capital"`
}

// NotifyConfig defines operator notification settings. Token and chat id are
// expanded from the environment.
type NotifyConfig struct {
	TelegramToken     string  `yaml:"telegram_token"`
	TelegramChatID    string  `yaml:"telegram_chat_id"`
	AlertThresholdPct float64 `yaml:"alert_threshold_pct"`
}

// StorageConfig defines local state locations.
type StorageConfig struct {
	DataDir      string `yaml:"data_dir"`
	DatabasePath string `yaml:"database_path"` // empty = <data_dir>/trendatr.db
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.Normalize()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Normalize fills unset knobs with their defaults and clamps the cadence to
// its floor.
func (c *Config) Normalize() {
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}

	if c.Broker.ProductCode == "" {
		c.Broker.ProductCode = "01"
	}
	if c.Broker.HTTPTimeout == "" {
		c.Broker.HTTPTimeout = defaultHTTPTimeout
	}
	if c.Broker.MaxRetries == 0 {
		c.Broker.MaxRetries = defaultMaxRetries
	}
	if c.Broker.RetryBaseDelay == "" {
		c.Broker.RetryBaseDelay = defaultRetryBaseDelay
	}
	if c.Broker.RateLimitPerSec == 0 {
		c.Broker.RateLimitPerSec = defaultRateLimitPerSec
	}
	if c.Broker.TokenRefreshMargin == "" {
		c.Broker.TokenRefreshMargin = defaultTokenRefreshMargin
	}
	if c.Broker.TokenPrewarmHour == 0 {
		c.Broker.TokenPrewarmHour = defaultTokenPrewarmHour
	}
	if c.Broker.BalanceCacheTTL == "" {
		c.Broker.BalanceCacheTTL = defaultBalanceCacheTTL
	}

	if c.Engine.IntervalSeconds == 0 {
		c.Engine.IntervalSeconds = defaultIntervalSeconds
	}
	if c.Engine.IntervalSeconds < minIntervalSeconds {
		c.Engine.IntervalSeconds = minIntervalSeconds
	}
	if c.Engine.NearStopIntervalSeconds == 0 {
		c.Engine.NearStopIntervalSeconds = defaultNearStopIntervalSeconds
	}
	if c.Engine.NearStopIntervalSeconds < minIntervalSeconds {
		c.Engine.NearStopIntervalSeconds = minIntervalSeconds
	}
	if c.Engine.NearStopATRRatio == 0 {
		c.Engine.NearStopATRRatio = 0.3
	}
	if c.Engine.OrderExecutionTimeout == "" {
		c.Engine.OrderExecutionTimeout = defaultExecutionTimeout
	}
	if c.Engine.EmergencyTimeoutMult == 0 {
		c.Engine.EmergencyTimeoutMult = defaultEmergencyMultiplier
	}

	if c.Risk.DailyMaxLossPct == 0 {
		c.Risk.DailyMaxLossPct = defaultDailyMaxLossPct
	}
	if c.Risk.PerTradeMaxLossPct == 0 {
		c.Risk.PerTradeMaxLossPct = defaultPerTradeMaxLossPct
	}
	if c.Risk.MaxConsecutiveLosses == 0 {
		c.Risk.MaxConsecutiveLosses = defaultMaxConsecutiveLosses
	}
	if c.Risk.DailyMaxTrades == 0 {
		c.Risk.DailyMaxTrades = defaultDailyMaxTrades
	}
	if c.Risk.CumulativeDDPct == 0 {
		c.Risk.CumulativeDDPct = defaultCumulativeDDPct
	}
	if c.Risk.DrawdownWarningPct == 0 {
		c.Risk.DrawdownWarningPct = defaultDrawdownWarningPct
	}
	if c.Risk.EnforceSingleInstance == nil {
		v := true
		c.Risk.EnforceSingleInstance = &v
	}
	if c.Risk.StaleLockSeconds == 0 {
		c.Risk.StaleLockSeconds = defaultStaleLockSeconds
	}
	if c.Risk.PendingExitBackoff == "" {
		c.Risk.PendingExitBackoff = defaultPendingExitBackoff
	}

	if c.Universe.SelectionMethod == "" {
		c.Universe.SelectionMethod = "fixed"
	}
	if c.Universe.MaxStocks == 0 {
		c.Universe.MaxStocks = defaultMaxStocks
	}
	if c.Universe.UniverseSize == 0 {
		c.Universe.UniverseSize = defaultUniverseSize
	}
	if c.Universe.MaxPositions == 0 {
		c.Universe.MaxPositions = defaultMaxPositions
	}
	if c.Universe.MinTradedValue == 0 {
		c.Universe.MinTradedValue = defaultMinTradedValue
	}
	if c.Universe.MaxChangePct == 0 {
		c.Universe.MaxChangePct = defaultMaxChangePct
	}
	if c.Universe.MinATRPct == 0 {
		c.Universe.MinATRPct = defaultMinATRPct
	}
	if c.Universe.MaxATRPct == 0 {
		c.Universe.MaxATRPct = defaultMaxATRPct
	}

	if c.Strategy.ATRPeriod == 0 {
		c.Strategy.ATRPeriod = defaultATRPeriod
	}
	if c.Strategy.TrendMAPeriod == 0 {
		c.Strategy.TrendMAPeriod = defaultTrendMAPeriod
	}
	if c.Strategy.StopLossATR == 0 {
		c.Strategy.StopLossATR = defaultStopLossATR
	}
	if c.Strategy.TakeProfitATR == 0 {
		c.Strategy.TakeProfitATR = defaultTakeProfitATR
	}
	if c.Strategy.TrailingStopATR == 0 {
		c.Strategy.TrailingStopATR = defaultTrailingStopATR
	}
	if c.Strategy.TrailingActivationPct == 0 {
		c.Strategy.TrailingActivationPct = defaultTrailingActivation
	}
	if c.Strategy.GapThresholdPct == 0 {
		c.Strategy.GapThresholdPct = defaultGapThresholdPct
	}
	if c.Strategy.GapEpsilonPct == 0 {
		c.Strategy.GapEpsilonPct = defaultGapEpsilonPct
	}

	if c.Trading.OrderQuantity == 0 {
		c.Trading.OrderQuantity = defaultOrderQuantity
	}
	if c.Trading.CommissionRate == 0 {
		c.Trading.CommissionRate = defaultCommissionRate
	}
	if c.Trading.InitialCapital == 0 {
		c.Trading.InitialCapital = defaultInitialCapital
	}

	if c.Notify.AlertThresholdPct == 0 {
		c.Notify.AlertThresholdPct = defaultAlertThresholdPct
	}

	if c.Storage.DataDir == "" {
		c.Storage.DataDir = defaultDataDir
	}
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = filepath.Join(c.Storage.DataDir, defaultDatabaseFile)
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	mode, err := models.ParseMode(c.Environment.Mode)
	if err != nil {
		return fmt.Errorf("environment.mode: %w", err)
	}

	switch c.Environment.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be debug, info, warn or error")
	}

	// Broker credentials are mandatory once real HTTP is involved.
	if mode != models.ModeDryRun {
		if c.Broker.AppKey == "" {
			return fmt.Errorf("broker.app_key is required in %s mode", mode)
		}
		if c.Broker.AppSecret == "" {
			return fmt.Errorf("broker.app_secret is required in %s mode", mode)
		}
		if c.Broker.AccountNo == "" {
			return fmt.Errorf("broker.account_no is required in %s mode", mode)
		}
	}
	for key, val := range map[string]string{
		"broker.http_timeout":            c.Broker.HTTPTimeout,
		"broker.retry_base_delay":        c.Broker.RetryBaseDelay,
		"broker.token_refresh_margin":    c.Broker.TokenRefreshMargin,
		"broker.balance_cache_ttl":       c.Broker.BalanceCacheTTL,
		"engine.order_execution_timeout": c.Engine.OrderExecutionTimeout,
		"risk.pending_exit_backoff":      c.Risk.PendingExitBackoff,
	} {
		if _, err := time.ParseDuration(val); err != nil {
			return fmt.Errorf("%s invalid: %w", key, err)
		}
	}
	if c.Broker.RateLimitPerSec <= 0 {
		return fmt.Errorf("broker.rate_limit_per_sec must be > 0")
	}
	if c.Broker.TokenPrewarmHour < 0 || c.Broker.TokenPrewarmHour > 23 {
		return fmt.Errorf("broker.token_prewarm_hour must be within 0..23")
	}

	if c.Engine.NearStopATRRatio <= 0 || c.Engine.NearStopATRRatio > 1 {
		return fmt.Errorf("engine.near_stop_atr_ratio must be in (0,1]")
	}
	if c.Engine.MaxRuns < 0 {
		return fmt.Errorf("engine.max_runs must be >= 0")
	}

	if c.Risk.DailyMaxLossPct <= 0 {
		return fmt.Errorf("risk.daily_max_loss_pct must be > 0")
	}
	if c.Risk.PerTradeMaxLossPct <= 0 {
		return fmt.Errorf("risk.per_trade_max_loss_pct must be > 0")
	}
	if c.Risk.CumulativeDDPct <= 0 || c.Risk.CumulativeDDPct >= 100 {
		return fmt.Errorf("risk.cumulative_dd_pct must be in (0,100)")
	}
	if c.Risk.DrawdownWarningPct >= c.Risk.CumulativeDDPct {
		return fmt.Errorf("risk.drawdown_warning_pct (%.1f) must be < risk.cumulative_dd_pct (%.1f)",
			c.Risk.DrawdownWarningPct, c.Risk.CumulativeDDPct)
	}
	if c.Risk.MaxConsecutiveLosses <= 0 {
		return fmt.Errorf("risk.max_consecutive_losses must be > 0")
	}
	if c.Risk.DailyMaxTrades <= 0 {
		return fmt.Errorf("risk.daily_max_trades must be > 0")
	}

	switch c.Universe.SelectionMethod {
	case "fixed", "volume_top", "atr_filter", "combined":
	default:
		return fmt.Errorf("universe.selection_method must be fixed, volume_top, atr_filter or combined")
	}
	if c.Universe.MaxStocks <= 0 {
		return fmt.Errorf("universe.max_stocks must be > 0")
	}
	if c.Universe.MaxPositions <= 0 {
		return fmt.Errorf("universe.max_positions must be > 0")
	}
	if c.Universe.MinATRPct <= 0 || c.Universe.MaxATRPct <= c.Universe.MinATRPct {
		return fmt.Errorf("universe atr band invalid: need 0 < min_atr_pct < max_atr_pct")
	}
	for _, code := range c.Universe.FixedSymbols {
		if !models.ValidSymbol(code) {
			return fmt.Errorf("universe.fixed_symbols: %q is not a six-digit stock code", code)
		}
	}
	for _, code := range c.Universe.CandidateSymbols {
		if !models.ValidSymbol(code) {
			return fmt.Errorf("universe.candidate_symbols: %q is not a six-digit stock code", code)
		}
	}
	if c.Universe.SelectionMethod == "fixed" && len(c.Universe.FixedSymbols) == 0 {
		return fmt.Errorf("universe.fixed_symbols is required for the fixed selection method")
	}

	if c.Strategy.ATRPeriod <= 0 {
		return fmt.Errorf("strategy.atr_period must be > 0")
	}
	if c.Strategy.TrendMAPeriod <= 0 {
		return fmt.Errorf("strategy.trend_ma_period must be > 0")
	}
	if c.Strategy.StopLossATR <= 0 {
		return fmt.Errorf("strategy.stop_loss_atr must be > 0")
	}
	if c.Strategy.TakeProfitATR <= 0 {
		return fmt.Errorf("strategy.take_profit_atr must be > 0")
	}
	if c.Strategy.GapThresholdPct <= 0 {
		return fmt.Errorf("strategy.gap_threshold_pct must be > 0")
	}
	if c.Strategy.GapEpsilonPct < 0 {
		return fmt.Errorf("strategy.gap_epsilon_pct must be >= 0")
	}

	if c.Trading.OrderQuantity <= 0 {
		return fmt.Errorf("trading.order_quantity must be > 0")
	}
	if c.Trading.CommissionRate < 0 || c.Trading.CommissionRate >= 0.01 {
		return fmt.Errorf("trading.commission_rate must be within [0, 0.01)")
	}
	if c.Trading.InitialCapital <= 0 {
		return fmt.Errorf("trading.initial_capital must be > 0")
	}

	return nil
}

// Mode returns the parsed runtime mode. Call only after Validate.
func (c *Config) Mode() models.Mode {
	mode, _ := models.ParseMode(c.Environment.Mode)
	return mode
}

// BrokerBaseURL returns the configured override or the endpoint derived from
// the runtime mode.
func (c *Config) BrokerBaseURL() string {
	if c.Broker.BaseURL != "" {
		return c.Broker.BaseURL
	}
	if c.Mode() == models.ModeReal {
		return RealBaseURL
	}
	return PaperBaseURL
}

// CycleInterval returns the base loop cadence.
func (c *Config) CycleInterval() time.Duration {
	return time.Duration(c.Engine.IntervalSeconds) * time.Second
}

// NearStopInterval returns the fast cadence used inside the near-stop band.
func (c *Config) NearStopInterval() time.Duration {
	return time.Duration(c.Engine.NearStopIntervalSeconds) * time.Second
}

// ExecutionTimeout returns the wait-for-execution budget.
func (c *Config) ExecutionTimeout() time.Duration {
	return mustDuration(c.Engine.OrderExecutionTimeout, 45*time.Second)
}

// EmergencyExecutionTimeout returns the stretched budget for gap and stop
// exits, where abandoning the order is worse than waiting.
func (c *Config) EmergencyExecutionTimeout() time.Duration {
	return c.ExecutionTimeout() * time.Duration(c.Engine.EmergencyTimeoutMult)
}

// HTTPTimeout returns the per-request broker timeout.
func (c *Config) HTTPTimeout() time.Duration {
	return mustDuration(c.Broker.HTTPTimeout, 15*time.Second)
}

// RetryBaseDelay returns the base delay for broker retry backoff.
func (c *Config) RetryBaseDelay() time.Duration {
	return mustDuration(c.Broker.RetryBaseDelay, time.Second)
}

// TokenRefreshMargin returns how close to expiry a token may get before it
// is refreshed.
func (c *Config) TokenRefreshMargin() time.Duration {
	return mustDuration(c.Broker.TokenRefreshMargin, 10*time.Minute)
}

// BalanceCacheTTL returns the in-process balance cache age window.
func (c *Config) BalanceCacheTTL() time.Duration {
	return mustDuration(c.Broker.BalanceCacheTTL, 10*time.Second)
}

// PendingExitBackoff returns the delay before a market-closed SELL retries.
func (c *Config) PendingExitBackoff() time.Duration {
	return mustDuration(c.Risk.PendingExitBackoff, 5*time.Minute)
}

// StaleLockAge returns the age beyond which an instance lock may be reclaimed.
func (c *Config) StaleLockAge() time.Duration {
	return time.Duration(c.Risk.StaleLockSeconds) * time.Second
}

// SingleInstance reports whether the advisory lock is enforced.
func (c *Config) SingleInstance() bool {
	return c.Risk.EnforceSingleInstance == nil || *c.Risk.EnforceSingleInstance
}

// Path helpers for the local state files.

func (c *Config) PositionsFile() string     { return filepath.Join(c.Storage.DataDir, "positions.json") }
func (c *Config) UniverseCacheFile() string { return filepath.Join(c.Storage.DataDir, "universe_cache.json") }
func (c *Config) LockFile() string          { return filepath.Join(c.Storage.DataDir, "instance.lock") }
func (c *Config) KillSwitchFile() string    { return filepath.Join(c.Storage.DataDir, "KILL_SWITCH") }
func (c *Config) TokenCacheFile() string    { return filepath.Join(c.Storage.DataDir, "access_token_cache.json") }

func mustDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
