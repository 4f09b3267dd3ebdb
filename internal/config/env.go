package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// envOverrides are the deployment variables that win over the file.
// Unset variables leave the pointer nil.
type envOverrides struct {
	Port          *int    `env:"PORT"`
	DatabaseURL   *string `env:"DATABASE_URL"`
	RedisURL      *string `env:"REDIS_URL"`
	QueuePrefix   *string `env:"QUEUE_PREFIX"`
	QueueAttempts *int    `env:"QUEUE_ATTEMPTS"`
	QueueBackoff  *int64  `env:"QUEUE_BACKOFF_MS"`

	DefaultTimezone *string `env:"DEFAULT_TIMEZONE"`

	HTTPRequestTimeout *int64 `env:"HTTP_REQUEST_TIMEOUT_MS"`
	HTTPMaxRetries     *int   `env:"HTTP_MAX_RETRIES"`

	FunctionHTTPAllowlist      []string `env:"FUNCTION_HTTP_ALLOWLIST" envSeparator:","`
	FunctionRecipientAllowlist []string `env:"FUNCTION_MESSAGE_RECIPIENT_ALLOWLIST" envSeparator:","`
	FunctionEnvAllowlist       []string `env:"FUNCTION_ENV_ALLOWLIST" envSeparator:","`
	FunctionRateLimit          *int     `env:"FUNCTION_RATE_LIMIT_PER_SECOND"`

	WAHABaseURL   *string `env:"WAHA_BASE_URL"`
	WAHAAPIKey    *string `env:"WAHA_API_KEY"`
	TelegramToken *string `env:"TELEGRAM_TOKEN"`

	LogLevel *string `env:"LOG_LEVEL"`
}

// applyEnv overlays environment variables onto cfg. environ is nil for the
// process environment.
func applyEnv(cfg *Config, environ map[string]string) error {
	var o envOverrides
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return fmt.Errorf("env: %w", err)
	}

	if o.Port != nil {
		cfg.Server.Addr = ":" + strconv.Itoa(*o.Port)
	}
	if o.DatabaseURL != nil {
		applyDatabaseURL(&cfg.Storage, *o.DatabaseURL)
	}
	if o.RedisURL != nil {
		cfg.Queue.Driver = "redis"
		cfg.Queue.RedisURL = strings.TrimSpace(*o.RedisURL)
	}
	if o.QueuePrefix != nil {
		cfg.Queue.Prefix = strings.TrimSpace(*o.QueuePrefix)
	}
	if o.QueueAttempts != nil {
		cfg.Queue.Attempts = *o.QueueAttempts
	}
	if o.QueueBackoff != nil {
		cfg.Queue.Backoff = millis(*o.QueueBackoff)
	}
	if o.DefaultTimezone != nil {
		cfg.Scheduler.DefaultTimezone = strings.TrimSpace(*o.DefaultTimezone)
	}
	if o.HTTPRequestTimeout != nil {
		cfg.HTTP.RequestTimeout = millis(*o.HTTPRequestTimeout)
	}
	if o.HTTPMaxRetries != nil {
		cfg.HTTP.MaxRetries = *o.HTTPMaxRetries
		if cfg.HTTP.MaxRetries == 0 {
			cfg.HTTP.MaxRetries = -1
		}
	}
	if o.FunctionHTTPAllowlist != nil {
		cfg.Sandbox.HTTPAllowlist = trimList(o.FunctionHTTPAllowlist)
	}
	if o.FunctionRecipientAllowlist != nil {
		cfg.Sandbox.RecipientAllowlist = trimList(o.FunctionRecipientAllowlist)
	}
	if o.FunctionEnvAllowlist != nil {
		cfg.Sandbox.EnvAllowlist = trimList(o.FunctionEnvAllowlist)
	}
	if o.FunctionRateLimit != nil {
		cfg.Sandbox.RateLimitPerSecond = *o.FunctionRateLimit
	}
	if o.WAHABaseURL != nil {
		cfg.Messaging.WAHA.BaseURL = strings.TrimSpace(*o.WAHABaseURL)
	}
	if o.WAHAAPIKey != nil {
		cfg.Messaging.WAHA.APIKey = *o.WAHAAPIKey
	}
	if o.TelegramToken != nil {
		cfg.Messaging.Telegram.Token = strings.TrimSpace(*o.TelegramToken)
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = strings.TrimSpace(*o.LogLevel)
	}
	return nil
}

// applyDatabaseURL maps a postgres URL to the postgres driver and anything
// else to a sqlite path ("file:" prefix allowed).
func applyDatabaseURL(sc *StorageConfig, raw string) {
	u := strings.TrimSpace(raw)
	switch {
	case u == "":
	case strings.HasPrefix(u, "postgres://"), strings.HasPrefix(u, "postgresql://"):
		sc.Driver = "postgres"
		sc.DSN = u
	case u == ":memory:":
		sc.Driver = "memory"
	default:
		sc.Driver = "sqlite"
		sc.Path = strings.TrimPrefix(u, "file:")
	}
}

func millis(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).String()
}

func trimList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
