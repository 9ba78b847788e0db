// Package config defines the top-level configuration for the arbitrage engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/triarb/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TRIARB_* environment variables.
type Config struct {
	Exchange  ExchangeConfig  `toml:"exchange"`
	Engine    EngineConfig    `toml:"engine"`
	Search    SearchConfig    `toml:"search"`
	Risk      RiskConfig      `toml:"risk"`
	Execution ExecutionConfig `toml:"execution"`
	Redis     RedisConfig     `toml:"redis"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// ExchangeConfig holds REST/stream endpoints, credentials and connectivity
// tuning.
type ExchangeConfig struct {
	Endpoints           []string           `toml:"endpoints"`
	StreamURL           string             `toml:"stream_url"`
	WSAPIURL            string             `toml:"ws_api_url"`
	APIKey              string             `toml:"api_key"`
	APISecret           string             `toml:"api_secret"`
	EncryptedSecretPath string             `toml:"encrypted_secret_path"`
	SecretPassword      string             `toml:"secret_password"`
	RecvWindow          duration           `toml:"recv_window"`
	RequestTimeout      duration           `toml:"request_timeout"`
	SlowCallThreshold   duration           `toml:"slow_call_threshold"`
	MaxEndpointSwitches int                `toml:"max_endpoint_switches"`
	EndpointCooldown    duration           `toml:"endpoint_cooldown"`
	WeightLimit         int                `toml:"weight_limit"`
	WeightSoftLimit     float64            `toml:"weight_soft_limit"`
	MaxRateLimitRetries int                `toml:"max_rate_limit_retries"`
	BackoffBase         duration           `toml:"backoff_base"`
	BackoffMax          duration           `toml:"backoff_max"`
	OrdersPerSecond     float64            `toml:"orders_per_second"`
	OrderBurst          int                `toml:"order_burst"`
	DepthLevel          int                `toml:"depth_level"`
	DepthSpeed          duration           `toml:"depth_speed"`
	StreamQueueSize     int                `toml:"stream_queue_size"`
	DefaultTakerFee     float64            `toml:"default_taker_fee"`
	FeeOverrides        map[string]float64 `toml:"fee_overrides"`
}

// EngineConfig controls the analysis cycle and capital limits.
type EngineConfig struct {
	CycleInterval           duration `toml:"cycle_interval"`
	GraphRebuildInterval    duration `toml:"graph_rebuild_interval"`
	EvictionWindow          duration `toml:"eviction_window"`
	MaxDepthSubscriptions   int      `toml:"max_depth_subscriptions"`
	ReferenceAsset          string   `toml:"reference_asset"`
	MaxTradeNotional        float64  `toml:"max_trade_notional"`
	MinTradeNotional        float64  `toml:"min_trade_notional"`
	StalenessBound          duration `toml:"staleness_bound"`
	MaxConcurrentExecutions int      `toml:"max_concurrent_executions"`
	TopVolumeAssets         int      `toml:"top_volume_assets"`
	ShutdownGrace           duration `toml:"shutdown_grace"`
	LockTTL                 duration `toml:"lock_ttl"`
}

// SearchConfig bounds the opportunity search.
type SearchConfig struct {
	MinDepth          int     `toml:"min_depth"`
	MaxDepth          int     `toml:"max_depth"`
	MinProfit         float64 `toml:"min_profit"`
	MaxProfit         float64 `toml:"max_profit"`
	SlippageBufferBps float64 `toml:"slippage_buffer_bps"`
	DiscoveryMargin   float64 `toml:"discovery_margin"`
	MaxResults        int     `toml:"max_results"`
}

// RiskConfig anchors the adaptive parameter model.
type RiskConfig struct {
	HalfLife         duration `toml:"half_life"`
	VolatilityAnchor float64  `toml:"volatility_anchor"`
	VolumeAnchor     float64  `toml:"volume_anchor"`
	MaxSpread        float64  `toml:"max_spread"`
	MaxMultiplier    float64  `toml:"max_multiplier"`
}

// ExecutionConfig tunes order lifecycle handling.
type ExecutionConfig struct {
	FillTimeout  duration `toml:"fill_timeout"`
	PollInterval duration `toml:"poll_interval"`
	DedupTTL     duration `toml:"dedup_ttl"`
}

// RedisConfig holds Redis connection parameters and summary channel names.
type RedisConfig struct {
	Enabled        bool   `toml:"enabled"`
	Addr           string `toml:"addr"`
	Password       string `toml:"password"`
	DB             int    `toml:"db"`
	PoolSize       int    `toml:"pool_size"`
	MaxRetries     int    `toml:"max_retries"`
	TLSEnabled     bool   `toml:"tls_enabled"`
	SummaryChannel string `toml:"summary_channel"`
	SummaryStream  string `toml:"summary_stream"`
	StreamMaxLen   int64  `toml:"stream_max_len"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds the status/metrics HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	Metrics     bool     `toml:"metrics"`
	CORSOrigins []string `toml:"cors_origins"`
	RateLimit   float64  `toml:"rate_limit"` // requests/s per client IP, 0 disables
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Exchange: ExchangeConfig{
			Endpoints: []string{
				"https://api.binance.com",
				"https://api1.binance.com",
				"https://api2.binance.com",
				"https://api3.binance.com",
				"https://api4.binance.com",
			},
			StreamURL:           "wss://stream.binance.com:9443/stream",
			WSAPIURL:            "wss://ws-api.binance.com:443/ws-api/v3",
			RecvWindow:          duration{5 * time.Second},
			RequestTimeout:      duration{10 * time.Second},
			SlowCallThreshold:   duration{2 * time.Second},
			MaxEndpointSwitches: 3,
			EndpointCooldown:    duration{30 * time.Second},
			WeightLimit:         6000,
			WeightSoftLimit:     0.8,
			MaxRateLimitRetries: 5,
			BackoffBase:         duration{time.Second},
			BackoffMax:          duration{time.Minute},
			OrdersPerSecond:     8,
			OrderBurst:          4,
			DepthLevel:          5,
			DepthSpeed:          duration{100 * time.Millisecond},
			StreamQueueSize:     1024,
			DefaultTakerFee:     0.001,
			FeeOverrides:        map[string]float64{},
		},
		Engine: EngineConfig{
			CycleInterval:           duration{time.Second},
			GraphRebuildInterval:    duration{6 * time.Hour},
			EvictionWindow:          duration{2 * time.Minute},
			MaxDepthSubscriptions:   60,
			ReferenceAsset:          "USDT",
			MaxTradeNotional:        100,
			MinTradeNotional:        10,
			StalenessBound:          duration{500 * time.Millisecond},
			MaxConcurrentExecutions: 1,
			TopVolumeAssets:         20,
			ShutdownGrace:           duration{30 * time.Second},
			LockTTL:                 duration{30 * time.Second},
		},
		Search: SearchConfig{
			MinDepth:          2,
			MaxDepth:          4,
			MinProfit:         0.001,
			MaxProfit:         0.01,
			SlippageBufferBps: 2,
			DiscoveryMargin:   0.002,
			MaxResults:        50,
		},
		Risk: RiskConfig{
			HalfLife:         duration{5 * time.Minute},
			VolatilityAnchor: 0.0005,
			VolumeAnchor:     50_000_000,
			MaxSpread:        0.01,
			MaxMultiplier:    2.0,
		},
		Execution: ExecutionConfig{
			FillTimeout:  duration{5 * time.Second},
			PollInterval: duration{250 * time.Millisecond},
			DedupTTL:     duration{10 * time.Minute},
		},
		Redis: RedisConfig{
			Enabled:        false,
			Addr:           "localhost:6379",
			PoolSize:       10,
			MaxRetries:     3,
			SummaryChannel: "triarb:cycles",
			SummaryStream:  "triarb:cycle_log",
			StreamMaxLen:   10000,
		},
		Server: ServerConfig{
			Enabled:   true,
			Port:      8080,
			Metrics:   true,
			RateLimit: 20,
		},
		Notify: NotifyConfig{
			Events: []string{"execution_complete", "execution_partial", "engine_paused", "engine_resumed"},
		},
		Mode:     "scan",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"scan":    true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validDepthLevels = map[int]bool{5: true, 10: true, 20: true}

// NeedsCredentials reports whether the mode signs requests.
func (c *Config) NeedsCredentials() bool {
	m := strings.ToLower(c.Mode)
	return m == "trade" || m == "scan"
}

// Validate checks Config for invalid or missing values and returns a combined
// error describing every problem found. The error wraps
// domain.ErrFatalConfiguration.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, scan, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	ex := c.Exchange
	if len(ex.Endpoints) == 0 {
		errs = append(errs, "exchange: at least one endpoint is required")
	}
	if c.NeedsCredentials() {
		if ex.APIKey == "" {
			errs = append(errs, "exchange: api_key is required for mode "+c.Mode)
		}
		if ex.APISecret == "" && ex.EncryptedSecretPath == "" {
			errs = append(errs, "exchange: either api_secret or encrypted_secret_path must be set for mode "+c.Mode)
		}
		if ex.EncryptedSecretPath != "" && ex.SecretPassword == "" {
			errs = append(errs, "exchange: secret_password is required when encrypted_secret_path is set")
		}
	}
	if ex.MaxEndpointSwitches < 0 {
		errs = append(errs, "exchange: max_endpoint_switches must be >= 0")
	}
	if ex.WeightLimit <= 0 {
		errs = append(errs, "exchange: weight_limit must be > 0")
	}
	if ex.WeightSoftLimit <= 0 || ex.WeightSoftLimit > 1 {
		errs = append(errs, "exchange: weight_soft_limit must be in (0, 1]")
	}
	if ex.BackoffBase.Duration <= 0 || ex.BackoffMax.Duration < ex.BackoffBase.Duration {
		errs = append(errs, "exchange: backoff_base must be > 0 and <= backoff_max")
	}
	if ex.OrdersPerSecond <= 0 {
		errs = append(errs, "exchange: orders_per_second must be > 0")
	}
	if !validDepthLevels[ex.DepthLevel] {
		errs = append(errs, fmt.Sprintf("exchange: depth_level %d not one of 5, 10, 20", ex.DepthLevel))
	}
	if ex.DepthSpeed.Duration != 100*time.Millisecond && ex.DepthSpeed.Duration != time.Second {
		errs = append(errs, "exchange: depth_speed must be 100ms or 1s")
	}
	for sym, fee := range ex.FeeOverrides {
		if fee < 0 || fee >= 0.1 {
			errs = append(errs, fmt.Sprintf("exchange: fee_overrides[%s]=%g out of range", sym, fee))
		}
	}

	en := c.Engine
	if en.CycleInterval.Duration <= 0 {
		errs = append(errs, "engine: cycle_interval must be > 0")
	}
	if en.GraphRebuildInterval.Duration < time.Minute {
		errs = append(errs, "engine: graph_rebuild_interval must be >= 1m")
	}
	if en.ReferenceAsset == "" {
		errs = append(errs, "engine: reference_asset is required")
	}
	if en.MaxTradeNotional <= 0 || en.MinTradeNotional < 0 || en.MinTradeNotional > en.MaxTradeNotional {
		errs = append(errs, "engine: need 0 <= min_trade_notional <= max_trade_notional, max > 0")
	}
	if en.MaxConcurrentExecutions < 1 {
		errs = append(errs, "engine: max_concurrent_executions must be >= 1")
	}
	if en.MaxDepthSubscriptions < 1 {
		errs = append(errs, "engine: max_depth_subscriptions must be >= 1")
	}

	s := c.Search
	if s.MinDepth < 2 || s.MaxDepth < s.MinDepth {
		errs = append(errs, "search: need 2 <= min_depth <= max_depth")
	}
	if s.MinProfit <= 0 || s.MaxProfit < s.MinProfit {
		errs = append(errs, "search: need 0 < min_profit <= max_profit")
	}

	if c.Risk.HalfLife.Duration <= 0 {
		errs = append(errs, "risk: half_life must be > 0")
	}
	if c.Risk.MaxSpread <= 0 {
		errs = append(errs, "risk: max_spread must be > 0")
	}
	if c.Execution.FillTimeout.Duration <= 0 {
		errs = append(errs, "execution: fill_timeout must be > 0")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis: addr is required when enabled")
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server: invalid port %d", c.Server.Port))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, "server: rate_limit must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: config validation failed:\n  - %s", domain.ErrFatalConfiguration, strings.Join(errs, "\n  - "))
	}
	return nil
}
