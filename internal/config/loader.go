package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TRIARB_* environment variable overrides, and
// returns the final Config. A missing file is not an error when path is
// empty. The returned Config has NOT been validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides lets operators inject secrets and tune the engine at
// deploy time without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Exchange ──
	setStringSlice(&cfg.Exchange.Endpoints, "TRIARB_EXCHANGE_ENDPOINTS")
	setStr(&cfg.Exchange.StreamURL, "TRIARB_EXCHANGE_STREAM_URL")
	setStr(&cfg.Exchange.WSAPIURL, "TRIARB_EXCHANGE_WS_API_URL")
	setStr(&cfg.Exchange.APIKey, "TRIARB_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.APISecret, "TRIARB_EXCHANGE_API_SECRET")
	setStr(&cfg.Exchange.EncryptedSecretPath, "TRIARB_EXCHANGE_ENCRYPTED_SECRET_PATH")
	setStr(&cfg.Exchange.SecretPassword, "TRIARB_EXCHANGE_SECRET_PASSWORD")
	setDuration(&cfg.Exchange.RecvWindow, "TRIARB_EXCHANGE_RECV_WINDOW")
	setDuration(&cfg.Exchange.RequestTimeout, "TRIARB_EXCHANGE_REQUEST_TIMEOUT")
	setInt(&cfg.Exchange.MaxEndpointSwitches, "TRIARB_EXCHANGE_MAX_ENDPOINT_SWITCHES")
	setInt(&cfg.Exchange.WeightLimit, "TRIARB_EXCHANGE_WEIGHT_LIMIT")
	setFloat64(&cfg.Exchange.OrdersPerSecond, "TRIARB_EXCHANGE_ORDERS_PER_SECOND")
	setInt(&cfg.Exchange.DepthLevel, "TRIARB_EXCHANGE_DEPTH_LEVEL")
	setFloat64(&cfg.Exchange.DefaultTakerFee, "TRIARB_EXCHANGE_DEFAULT_TAKER_FEE")

	// ── Engine ──
	setDuration(&cfg.Engine.CycleInterval, "TRIARB_ENGINE_CYCLE_INTERVAL")
	setDuration(&cfg.Engine.GraphRebuildInterval, "TRIARB_ENGINE_GRAPH_REBUILD_INTERVAL")
	setInt(&cfg.Engine.MaxDepthSubscriptions, "TRIARB_ENGINE_MAX_DEPTH_SUBSCRIPTIONS")
	setStr(&cfg.Engine.ReferenceAsset, "TRIARB_ENGINE_REFERENCE_ASSET")
	setFloat64(&cfg.Engine.MaxTradeNotional, "TRIARB_ENGINE_MAX_TRADE_NOTIONAL")
	setFloat64(&cfg.Engine.MinTradeNotional, "TRIARB_ENGINE_MIN_TRADE_NOTIONAL")
	setInt(&cfg.Engine.MaxConcurrentExecutions, "TRIARB_ENGINE_MAX_CONCURRENT_EXECUTIONS")
	setInt(&cfg.Engine.TopVolumeAssets, "TRIARB_ENGINE_TOP_VOLUME_ASSETS")

	// ── Search ──
	setInt(&cfg.Search.MaxDepth, "TRIARB_SEARCH_MAX_DEPTH")
	setFloat64(&cfg.Search.MinProfit, "TRIARB_SEARCH_MIN_PROFIT")
	setFloat64(&cfg.Search.MaxProfit, "TRIARB_SEARCH_MAX_PROFIT")
	setFloat64(&cfg.Search.SlippageBufferBps, "TRIARB_SEARCH_SLIPPAGE_BUFFER_BPS")

	// ── Execution ──
	setDuration(&cfg.Execution.FillTimeout, "TRIARB_EXECUTION_FILL_TIMEOUT")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "TRIARB_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "TRIARB_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TRIARB_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TRIARB_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "TRIARB_REDIS_TLS_ENABLED")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "TRIARB_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "TRIARB_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "TRIARB_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "TRIARB_SERVER_CORS_ORIGINS")
	setFloat64(&cfg.Server.RateLimit, "TRIARB_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TRIARB_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TRIARB_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TRIARB_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TRIARB_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "TRIARB_MODE")
	setStr(&cfg.LogLevel, "TRIARB_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
