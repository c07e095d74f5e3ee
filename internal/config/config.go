package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable named in the external-interfaces section:
// pool sizing, exchange timeouts/retries, cancel-queue pacing, webhook
// locking and per-exchange rate limits.
type Config struct {
	Env      string // "dev", "prod"
	LogLevel string

	DBDriver      string // "postgres" or "sqlite"
	DBDSN         string
	DBPoolSize    int
	DBMaxOverflow int

	MarketOrderTimeout time.Duration

	CancelQueueInterval time.Duration
	MaxCancelRetries    int

	ExchangeTimeout    time.Duration
	ExchangeMaxRetries int

	WebhookLockTimeout time.Duration
	MaxWebhookLocks    int

	PriceCacheTTL time.Duration

	// Per-(account,symbol) bucket sizing (spec.md §8's K = min(per_symbol,
	// per_account_limit_share)). A single flat value today; per-exchange
	// overrides belong to the symbol metadata source, not static config.
	PerSymbolLimit       int
	StopLimit            int
	PerAccountLimitShare int

	// ExchangeRateLimits maps exchange name -> requests/sec (<EXCHANGE>_RATE_LIMIT).
	ExchangeRateLimits map[string]float64

	WebhookAddr         string
	ReapStaleThreshold  time.Duration
	ReapInterval        time.Duration
	FailedOrderInterval time.Duration

	TelegramToken  string
	TelegramChatID int64

	// LiveExchange* configure a single optional restws-backed venue adapter
	// on top of the always-present mock simulator. Empty Name means none is
	// configured — the process still runs end-to-end against the mock.
	LiveExchangeName      string
	LiveExchangeRESTBase  string
	LiveExchangeWSBase    string
	LiveExchangeAPIKey    string
	LiveExchangeAPISecret string
	LiveExchangeAuthStyle string // "hmac_realtime" (default) or "listen_key"
}

func Load() (*Config, error) {
	cfg := &Config{
		Env:      getEnv("APP_ENV", "dev"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DBDriver:      getEnv("DB_DRIVER", "sqlite"),
		DBDSN:         getEnv("DB_DSN", "data/execore.db"),
		DBPoolSize:    clampInt(getEnvInt("DB_POOL_SIZE", 20), 1, 100),
		DBMaxOverflow: clampInt(getEnvInt("DB_MAX_OVERFLOW", 10), 0, 50),

		MarketOrderTimeout: clampDuration(getEnvDuration("MARKET_ORDER_TIMEOUT", 10*time.Second), time.Second, 60*time.Second),

		CancelQueueInterval: clampDuration(getEnvDuration("CANCEL_QUEUE_INTERVAL", 10*time.Second), 5*time.Second, 60*time.Second),
		MaxCancelRetries:    clampInt(getEnvInt("MAX_CANCEL_RETRIES", 5), 1, 10),

		ExchangeTimeout:    clampDuration(getEnvDuration("EXCHANGE_TIMEOUT", 30*time.Second), 5*time.Second, 120*time.Second),
		ExchangeMaxRetries: clampInt(getEnvInt("EXCHANGE_MAX_RETRIES", 3), 1, 10),

		WebhookLockTimeout: getEnvDuration("WEBHOOK_LOCK_TIMEOUT", 30*time.Second),
		MaxWebhookLocks:    getEnvInt("MAX_WEBHOOK_LOCKS", 1000),

		PriceCacheTTL: getEnvDuration("PRICE_CACHE_TTL", 30*time.Second),

		PerSymbolLimit:       clampInt(getEnvInt("PER_SYMBOL_LIMIT", 10), 1, 1000),
		StopLimit:            clampInt(getEnvInt("STOP_LIMIT", 3), 0, 1000),
		PerAccountLimitShare: clampInt(getEnvInt("PER_ACCOUNT_LIMIT_SHARE", 10), 1, 1000),

		ExchangeRateLimits: parseRateLimits(),

		WebhookAddr:         getEnv("WEBHOOK_ADDR", ":8080"),
		ReapStaleThreshold:  getEnvDuration("REAP_STALE_THRESHOLD", 5*time.Minute),
		ReapInterval:        getEnvDuration("REAP_INTERVAL", time.Minute),
		FailedOrderInterval: getEnvDuration("FAILED_ORDER_INTERVAL", 30*time.Second),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		LiveExchangeName:      os.Getenv("LIVE_EXCHANGE_NAME"),
		LiveExchangeRESTBase:  os.Getenv("LIVE_EXCHANGE_REST_URL"),
		LiveExchangeWSBase:    os.Getenv("LIVE_EXCHANGE_WS_URL"),
		LiveExchangeAPIKey:    os.Getenv("LIVE_EXCHANGE_API_KEY"),
		LiveExchangeAPISecret: os.Getenv("LIVE_EXCHANGE_API_SECRET"),
		LiveExchangeAuthStyle: getEnv("LIVE_EXCHANGE_AUTH_STYLE", "hmac_realtime"),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	return cfg, nil
}

// parseRateLimits scans the environment for <EXCHANGE>_RATE_LIMIT vars.
// Defaults are supplied per-exchange by the adapter registry, not here;
// this only captures operator overrides.
func parseRateLimits() map[string]float64 {
	limits := make(map[string]float64)
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || !strings.HasSuffix(parts[0], "_RATE_LIMIT") {
			continue
		}
		exchange := strings.TrimSuffix(parts[0], "_RATE_LIMIT")
		if f, err := strconv.ParseFloat(parts[1], 64); err == nil && f >= 1.0 && f <= 100.0 {
			limits[strings.ToLower(exchange)] = f
		}
	}
	return limits
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
