package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate rejects configs that cannot be applied. It runs on load and
// before every hot reload is committed.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := cfg.Durations(); err != nil {
		check(err)
	}

	if strings.TrimSpace(cfg.Server.Addr) == "" {
		check(errors.New("server.addr is required"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			check(errors.New("storage.path is required when storage.driver=sqlite"))
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			check(errors.New("storage.dsn is required when storage.driver=postgres"))
		}
	case "memory":
	default:
		check(fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Queue.Driver)) {
	case "redis":
		if strings.TrimSpace(cfg.Queue.RedisURL) == "" {
			check(errors.New("queue.redis_url is required when queue.driver=redis"))
		}
	case "memory":
	default:
		check(fmt.Errorf("unknown queue.driver: %s", cfg.Queue.Driver))
	}
	if cfg.Queue.Attempts < 1 {
		check(errors.New("queue.attempts must be >= 1"))
	}
	if cfg.Queue.BatchSize < 0 {
		check(errors.New("queue.batch_size must be >= 0"))
	}

	if cfg.Engine.Workers < 0 {
		check(errors.New("engine.workers must be >= 0"))
	}
	if cfg.Engine.QueueSize < 0 {
		check(errors.New("engine.queue_size must be >= 0"))
	}
	if cfg.Engine.HistorySize < 0 {
		check(errors.New("engine.history_size must be >= 0"))
	}
	if cfg.Engine.RetryMax < 0 {
		check(errors.New("engine.retry_max must be >= 0"))
	}

	if tz := strings.TrimSpace(cfg.Scheduler.DefaultTimezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			check(fmt.Errorf("scheduler.default_timezone: invalid %q: %w", tz, err))
		}
	}

	if cfg.HTTP.MaxRetries < -1 {
		check(errors.New("http.max_retries must be >= -1"))
	}

	if cfg.Sandbox.RateLimitPerSecond < 0 {
		check(errors.New("sandbox.rate_limit_per_second must be >= 0"))
	}
	if cfg.Sandbox.MaxConcurrent < 0 {
		check(errors.New("sandbox.max_concurrent must be >= 0"))
	}
	if cfg.Messaging.RatePerSec < 0 {
		check(errors.New("messaging.rate_per_sec must be >= 0"))
	}
	return errors.Join(errs...)
}
