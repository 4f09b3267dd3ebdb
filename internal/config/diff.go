package config

import (
	"reflect"
	"sort"
	"strings"

	logx "chronos/pkg/logx"
)

// restartSections cannot be applied to a running process.
var restartSections = map[string]bool{
	"server":  true,
	"storage": true,
	"queue":   true,
}

// SummarizeConfigChange returns (1) the sorted list of changed sections,
// (2) safe structured attrs for logging (secrets are reported only as
// "_set" flags) and (3) the changed sections that need a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 9)
	attrs := make([]logx.Field, 0, 24)

	// Server (never log the pprof token)
	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.addr", newCfg.Server.Addr),
			logx.Bool("server.pprof", newCfg.Server.Pprof),
			logx.Bool("server.pprof_token_set", strings.TrimSpace(newCfg.Server.PprofToken) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage (the DSN may carry a password)
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	// Queue (the redis URL may carry a password)
	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.String("queue.driver", newCfg.Queue.Driver),
			logx.Bool("queue.redis_url_set", strings.TrimSpace(newCfg.Queue.RedisURL) != ""),
			logx.String("queue.prefix", newCfg.Queue.Prefix),
			logx.Int("queue.attempts", newCfg.Queue.Attempts),
			logx.String("queue.backoff", newCfg.Queue.Backoff),
		)
	}

	if oldCfg.Engine != newCfg.Engine {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.workers", newCfg.Engine.Workers),
			logx.Int("engine.queue_size", newCfg.Engine.QueueSize),
			logx.String("engine.default_timeout", newCfg.Engine.DefaultTimeout),
			logx.Int("engine.history_size", newCfg.Engine.HistorySize),
			logx.Int("engine.retry_max", newCfg.Engine.RetryMax),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.default_timezone", newCfg.Scheduler.DefaultTimezone),
			logx.Bool("scheduler.reconcile_on_start", newCfg.ReconcileOnStart()),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.request_timeout", newCfg.HTTP.RequestTimeout),
			logx.Int("http.max_retries", newCfg.HTTP.MaxRetries),
		)
	}

	if !reflect.DeepEqual(oldCfg.Sandbox, newCfg.Sandbox) {
		changed = append(changed, "sandbox")
		attrs = append(attrs,
			logx.Int("sandbox.rate_limit_per_second", newCfg.Sandbox.RateLimitPerSecond),
			logx.Int("sandbox.http_allowlist_count", len(newCfg.Sandbox.HTTPAllowlist)),
			logx.Int("sandbox.recipient_allowlist_count", len(newCfg.Sandbox.RecipientAllowlist)),
			logx.Int("sandbox.env_allowlist_count", len(newCfg.Sandbox.EnvAllowlist)),
			logx.Int("sandbox.max_concurrent", newCfg.Sandbox.MaxConcurrent),
		)
	}

	// Messaging (never log the API key or bot token)
	if oldCfg.Messaging != newCfg.Messaging {
		changed = append(changed, "messaging")
		attrs = append(attrs,
			logx.Any("messaging.rate_per_sec", newCfg.Messaging.RatePerSec),
			logx.String("messaging.waha_base_url", newCfg.Messaging.WAHA.BaseURL),
			logx.Bool("messaging.waha_api_key_set", newCfg.Messaging.WAHA.APIKey != ""),
			logx.Bool("messaging.telegram_token_set", newCfg.Messaging.Telegram.Token != ""),
		)
	}

	sort.Strings(changed)
	var restart []string
	for _, s := range changed {
		if restartSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}

// MessagingClientsChanged reports whether provider credentials or endpoints
// changed; those clients are built once at startup.
func MessagingClientsChanged(oldCfg, newCfg *Config) bool {
	if oldCfg == nil || newCfg == nil {
		return oldCfg != newCfg
	}
	return oldCfg.Messaging.WAHA != newCfg.Messaging.WAHA || oldCfg.Messaging.Telegram != newCfg.Messaging.Telegram
}
