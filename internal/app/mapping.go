package app

import (
	"strings"

	"chronos/internal/config"
	"chronos/internal/executor"
	"chronos/internal/httpapi"
	"chronos/internal/jobs"
	"chronos/internal/queue"
	"chronos/internal/sandbox"
	"chronos/internal/storage"
	"chronos/internal/task/engine"
	"chronos/internal/task/scheduler"
	logx "chronos/pkg/logx"
)

// Every mapper assumes cfg passed config.Validate, so parse errors are
// reported but never expected.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	d, err := cfg.Durations()
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: d.StorageBusy,
		MaxConns:    sc.MaxConns,
	}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	ec := cfg.Engine
	d, err := cfg.Durations()
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        ec.Workers,
		QueueSize:      ec.QueueSize,
		DefaultTimeout: d.EngineTimeout,
		MaxQueueDelay:  d.EngineMaxQueueDelay,
		HistorySize:    ec.HistorySize,
		RetryMax:       ec.RetryMax,
	}, nil
}

func mapQueuePolicy(cfg *config.Config) (queue.Policy, error) {
	d, err := cfg.Durations()
	if err != nil {
		return queue.Policy{}, err
	}
	return queue.Policy{Attempts: cfg.Queue.Attempts, Backoff: d.QueueBackoff}, nil
}

func mapConsumerConfig(cfg *config.Config) (queue.ConsumerConfig, error) {
	d, err := cfg.Durations()
	if err != nil {
		return queue.ConsumerConfig{}, err
	}
	cc := queue.ConsumerConfig{Lease: d.QueueLease, MaxIdle: d.QueueMaxIdle, BatchSize: cfg.Queue.BatchSize}
	if n := cfg.Sandbox.MaxConcurrent; n > 0 {
		cc.Groups = map[string]int{"FUNCTION": n}
	}
	return cc, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	policy, err := mapQueuePolicy(cfg)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Policy:           policy,
		DefaultTimezone:  cfg.Scheduler.DefaultTimezone,
		ReconcileOnStart: cfg.ReconcileOnStart(),
	}, nil
}

func mapJobsConfig(cfg *config.Config) (jobs.Config, error) {
	policy, err := mapQueuePolicy(cfg)
	if err != nil {
		return jobs.Config{}, err
	}
	return jobs.Config{DefaultTimezone: cfg.Scheduler.DefaultTimezone, Policy: policy}, nil
}

func mapHTTPExecConfig(cfg *config.Config) (executor.HTTPConfig, error) {
	d, err := cfg.Durations()
	if err != nil {
		return executor.HTTPConfig{}, err
	}
	return executor.HTTPConfig{RequestTimeout: d.HTTPRequest, MaxRetries: cfg.HTTP.MaxRetries}, nil
}

func mapSandboxConfig(cfg *config.Config) sandbox.Config {
	return sandbox.Config{
		RateLimitPerSecond: cfg.Sandbox.RateLimitPerSecond,
		HTTPAllowlist:      cfg.Sandbox.HTTPAllowlist,
		RecipientAllowlist: cfg.Sandbox.RecipientAllowlist,
		EnvAllowlist:       cfg.Sandbox.EnvAllowlist,
	}
}

func mapServerConfig(cfg *config.Config) (httpapi.ServerConfig, error) {
	d, err := cfg.Durations()
	if err != nil {
		return httpapi.ServerConfig{}, err
	}
	return httpapi.ServerConfig{
		Addr:         strings.TrimSpace(cfg.Server.Addr),
		ReadTimeout:  d.ServerRead,
		WriteTimeout: d.ServerWrite,
		IdleTimeout:  d.ServerIdle,
	}, nil
}

func mapRouterConfig(cfg *config.Config) httpapi.RouterConfig {
	return httpapi.RouterConfig{Pprof: cfg.Server.Pprof, PprofToken: cfg.Server.PprofToken}
}
