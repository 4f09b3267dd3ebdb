package queue

import (
	"context"
	"errors"
	"time"

	"chronos/internal/task/engine"
	logx "chronos/pkg/logx"
)

// Handler processes one delivery. Nil or an engine.NoRetry error
// acknowledges it; any other error sends it to Retry.
type Handler func(ctx context.Context, d Delivery) error

type ConsumerConfig struct {
	Lease     time.Duration
	MaxIdle   time.Duration
	BatchSize int
	// Timeout bounds one handler call; 0 uses the engine default.
	Timeout time.Duration
	// Groups maps a payload kind to a concurrency limit inside the engine.
	Groups map[string]int
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.Lease <= 0 {
		c.Lease = 5 * time.Minute
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	return c
}

// busyPoll is the wait used when work is due but the engine is full.
const busyPoll = 100 * time.Millisecond

// Consumer moves due deliveries from a Queue into the engine.
type Consumer struct {
	q      Queue
	eng    *engine.Service
	handle Handler
	cfg    ConsumerConfig
	log    logx.Logger
}

func NewConsumer(q Queue, eng *engine.Service, h Handler, cfg ConsumerConfig, log logx.Logger) *Consumer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Consumer{q: q, eng: eng, handle: h, cfg: cfg.withDefaults(), log: log}
}

// Run loops until ctx is done. It sleeps until the next due entry, a
// Notify signal or MaxIdle, whichever comes first.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("queue consumer started", logx.Duration("lease", c.cfg.Lease), logx.Int("batch", c.cfg.BatchSize))
	for {
		wait := c.tick(ctx, time.Now())
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if wait <= 0 {
			continue
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-c.q.Notify():
			t.Stop()
		case <-t.C:
		}
	}
}

// tick runs one reap/claim/dispatch pass and returns how long to sleep.
func (c *Consumer) tick(ctx context.Context, now time.Time) time.Duration {
	if n, err := c.q.Reap(ctx, now); err != nil {
		c.log.Warn("queue reap failed", logx.Err(err))
		return busyPoll * 10
	} else if n > 0 {
		c.log.Info("expired leases returned to queue", logx.Int("count", n))
	}

	limit := c.eng.Free()
	if limit > c.cfg.BatchSize {
		limit = c.cfg.BatchSize
	}
	claimed := 0
	if limit > 0 {
		ds, err := c.q.Claim(ctx, now, limit, c.cfg.Lease)
		if err != nil {
			c.log.Warn("queue claim failed", logx.Err(err))
			return busyPoll * 10
		}
		for _, d := range ds {
			c.dispatch(ctx, d)
		}
		claimed = len(ds)
	}
	if limit > 0 && claimed == limit {
		return 0
	}

	next, ok, err := c.q.NextDue(ctx)
	if err != nil {
		c.log.Warn("queue next due failed", logx.Err(err))
		return busyPoll * 10
	}
	wait := c.cfg.MaxIdle
	if ok {
		until := time.Until(next)
		if until <= 0 {
			// Due but no engine capacity left.
			until = busyPoll
		}
		if until < wait {
			wait = until
		}
	}
	return wait
}

func (c *Consumer) dispatch(ctx context.Context, d Delivery) {
	task := engine.Task{
		Name:    d.Key,
		Timeout: c.cfg.Timeout,
		Opt:     engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning, RetryMax: -1},
		Run:     func(tctx context.Context) error { return c.run(tctx, d) },
	}
	if limit := c.cfg.Groups[d.Payload.Kind]; limit > 0 {
		task.ConcurrencyKey = "kind:" + d.Payload.Kind
		task.Opt.ConcurrencyLimit = limit
	}
	err := c.eng.Submit(ctx, task)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrOverlapSkip):
		// The earlier delivery is still running; the lease brings this one back.
		c.log.Debug("delivery already running", logx.String("key", d.Key))
	default:
		c.log.Warn("delivery not submitted", logx.String("key", d.Key), logx.Err(err))
	}
}

func (c *Consumer) run(tctx context.Context, d Delivery) error {
	herr := c.handle(tctx, d)

	// Settle even when the handler's context expired.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(tctx), 5*time.Second)
	defer cancel()
	if herr == nil || engine.IsNoRetry(herr) {
		if err := c.q.Ack(sctx, d); err != nil {
			c.log.Warn("queue ack failed", logx.String("key", d.Key), logx.Err(err))
		}
		return herr
	}
	retried, err := c.q.Retry(sctx, d, time.Now())
	switch {
	case err != nil:
		c.log.Warn("queue retry failed", logx.String("key", d.Key), logx.Err(err))
	case retried:
		c.log.Info("delivery scheduled for retry", logx.String("key", d.Key), logx.Int("attempt", d.Attempt), logx.Err(herr))
	default:
		c.log.Warn("delivery dropped", logx.String("key", d.Key), logx.Int("attempt", d.Attempt), logx.Int("max_attempts", d.Policy.Attempts), logx.Err(herr))
	}
	return engine.NoRetry(herr)
}
