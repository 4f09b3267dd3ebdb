package config

// Durations are strings ("10s", "5m", or bare milliseconds); see Config.Durations.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Queue     QueueConfig     `json:"queue"`
	Engine    EngineConfig    `json:"engine"`
	Scheduler SchedulerConfig `json:"scheduler"`
	HTTP      HTTPConfig      `json:"http"`
	Sandbox   SandboxConfig   `json:"sandbox"`
	Messaging MessagingConfig `json:"messaging"`
}

type ServerConfig struct {
	Addr string `json:"addr"`

	// Pprof mounts /debug/pprof on the API listener.
	Pprof      bool   `json:"pprof"`
	PprofToken string `json:"pprof_token,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path"`
	} `json:"file"`
}

type StorageConfig struct {
	// Driver: sqlite | postgres | memory
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int32  `json:"max_conns,omitempty"`
}

type QueueConfig struct {
	// Driver: redis | memory
	Driver    string `json:"driver"`
	RedisURL  string `json:"redis_url,omitempty"`
	Prefix    string `json:"prefix,omitempty"`
	Attempts  int    `json:"attempts"`
	Backoff   string `json:"backoff"`
	Lease     string `json:"lease,omitempty"`
	MaxIdle   string `json:"max_idle,omitempty"`
	BatchSize int    `json:"batch_size,omitempty"`
}

type EngineConfig struct {
	Workers        int    `json:"workers"`
	QueueSize      int    `json:"queue_size"`
	DefaultTimeout string `json:"default_timeout"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size"`
	RetryMax       int    `json:"retry_max"`
}

type SchedulerConfig struct {
	DefaultTimezone  string `json:"default_timezone"`
	ReconcileOnStart *bool  `json:"reconcile_on_start,omitempty"`
}

type HTTPConfig struct {
	RequestTimeout string `json:"request_timeout"`
	// MaxRetries of 0 means the default; -1 disables retries.
	MaxRetries int `json:"max_retries"`
}

type SandboxConfig struct {
	RateLimitPerSecond int      `json:"rate_limit_per_second"`
	HTTPAllowlist      []string `json:"http_allowlist,omitempty"`
	RecipientAllowlist []string `json:"recipient_allowlist,omitempty"`
	EnvAllowlist       []string `json:"env_allowlist,omitempty"`
	// MaxConcurrent caps function runs in flight; 0 leaves them bounded by engine workers only.
	MaxConcurrent int `json:"max_concurrent"`
}

type MessagingConfig struct {
	RatePerSec float64 `json:"rate_per_sec"`
	WAHA       struct {
		BaseURL string `json:"base_url,omitempty"`
		APIKey  string `json:"api_key,omitempty"`
	} `json:"waha"`
	Telegram struct {
		Token string `json:"token,omitempty"`
	} `json:"telegram"`
}

// Defaults is the configuration used when no file is given.
func Defaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero values. Explicit values are kept.
func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":3000"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
		c.Logging.Console = true
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Driver == "sqlite" && c.Storage.Path == "" {
		c.Storage.Path = "./data/chronos.db"
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
		if c.Queue.RedisURL != "" {
			c.Queue.Driver = "redis"
		}
	}
	if c.Queue.Prefix == "" {
		c.Queue.Prefix = "chrono"
	}
	if c.Queue.Attempts == 0 {
		c.Queue.Attempts = 3
	}
	if c.Queue.Backoff == "" {
		c.Queue.Backoff = "5s"
	}
	if c.Engine.Workers == 0 {
		c.Engine.Workers = 4
	}
	if c.Engine.QueueSize == 0 {
		c.Engine.QueueSize = 256
	}
	if c.Engine.DefaultTimeout == "" {
		c.Engine.DefaultTimeout = "2m"
	}
	if c.Engine.HistorySize == 0 {
		c.Engine.HistorySize = 200
	}
	if c.Scheduler.DefaultTimezone == "" {
		c.Scheduler.DefaultTimezone = "UTC"
	}
	if c.Scheduler.ReconcileOnStart == nil {
		on := true
		c.Scheduler.ReconcileOnStart = &on
	}
	if c.HTTP.RequestTimeout == "" {
		c.HTTP.RequestTimeout = "10s"
	}
	if c.HTTP.MaxRetries == 0 {
		c.HTTP.MaxRetries = 3
	}
	if c.Sandbox.RateLimitPerSecond == 0 {
		c.Sandbox.RateLimitPerSecond = 10
	}
	if c.Messaging.RatePerSec == 0 {
		c.Messaging.RatePerSec = 5
	}
	if c.Messaging.WAHA.BaseURL == "" {
		c.Messaging.WAHA.BaseURL = "http://waha:3000"
	}
}

// ReconcileOnStart reports the effective scheduler.reconcile_on_start.
func (c *Config) ReconcileOnStart() bool {
	return c.Scheduler.ReconcileOnStart == nil || *c.Scheduler.ReconcileOnStart
}
