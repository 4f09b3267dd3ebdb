package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the in-process execution engine.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout applies when Task.Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks queued longer than this. 0 disables.
	MaxQueueDelay time.Duration

	HistorySize int
	RetryMax    int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	return c
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	// OverlapSkipIfRunning rejects a task while another with the same Name
	// is queued or running.
	OverlapSkipIfRunning
)

type TaskOptions struct {
	Overlap OverlapPolicy

	// RetryMax of 0 uses the engine default; negative disables retries.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// ConcurrencyLimit bounds concurrent executions sharing ConcurrencyKey.
	// 0 disables group limiting.
	ConcurrencyLimit int
}

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	switch {
	case o.RetryMax == 0:
		o.RetryMax = cfg.RetryMax
	case o.RetryMax < 0:
		o.RetryMax = 0
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	if o.ConcurrencyLimit < 0 {
		o.ConcurrencyLimit = 0
	}
	return o
}

// runState counts queued plus running tasks for one task name.
type runState struct {
	mu       sync.Mutex
	inflight int
}

func (s *runState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *runState) release() {
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

type HistoryItem struct {
	ID         string
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Attempts   int
	Error      string
}

// TaskEvent is published on the event bus for task lifecycle changes.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// Task is a unit of work. Name keys overlap gating; ConcurrencyKey (or Name
// when empty) keys the concurrency group.
type Task struct {
	ID             string
	Name           string
	Timeout        time.Duration
	Run            func(ctx context.Context) error
	Opt            TaskOptions
	ConcurrencyKey string
}

// Snapshot is a diagnostic view of the engine.
type Snapshot struct {
	Running  bool          `json:"running"`
	Workers  int           `json:"workers"`
	QueueLen int           `json:"queue_len"`
	QueueCap int           `json:"queue_cap"`
	InFlight int           `json:"in_flight"`
	Parked   int           `json:"parked"`
	Dropped  uint64        `json:"dropped"`
	Timeout  time.Duration `json:"default_timeout"`
	RetryMax int           `json:"retry_max"`
	History  []HistoryItem `json:"history,omitempty"`
}
