package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"chronos/internal/eventbus"
	logx "chronos/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask, idx int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			var g *group
			if qt.opt.ConcurrencyLimit > 0 {
				g = s.groups.get(groupKey(qt.task.ConcurrencyKey, qt.task.Name), qt.opt.ConcurrencyLimit)
			}
			if g != nil {
				s.parked.Add(1)
				if !g.admit(qt) {
					continue
				}
				s.parked.Add(-1)
			}
			s.runGroup(ctx, stopCh, g, qt, rng)
		}
	}
}

// runGroup executes qt and then every parked task its slot is handed to.
func (s *Service) runGroup(ctx context.Context, stopCh <-chan struct{}, g *group, qt queuedTask, rng *rand.Rand) {
	for {
		s.inFlight.Add(1)
		s.execOne(ctx, stopCh, qt, rng)
		s.inFlight.Add(-1)
		if g == nil {
			return
		}
		select {
		case <-ctx.Done():
		case <-stopCh:
		default:
			next, ok := g.handoff()
			if !ok {
				return
			}
			s.parked.Add(-1)
			qt = next
			continue
		}
		now := time.Now()
		for _, p := range g.abandon() {
			s.parked.Add(-1)
			p.releaseState()
			s.onDropped(now, p.task, "stopped")
		}
		return
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	defer qt.releaseState()

	start := time.Now()
	queueDelay := start.Sub(qt.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()
	if maxDelay > 0 && queueDelay > maxDelay {
		s.onDropped(start, qt.task, "stale_queue_delay")
		s.record(HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		return
	}

	s.log.Debug("task.started", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay))
	s.publish(eventbus.TaskStarted, TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay})

	var err error
	attempts := 0
	maxAttempts := 1 + qt.opt.RetryMax
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		err = s.runOnce(ctx, qt)
		if err == nil {
			break
		}
		var final finalError
		if errors.As(err, &final) {
			err = final.err
			break
		}
		if attempt >= maxAttempts {
			break
		}

		delay := backoffDelay(qt.opt, attempt, rng)
		s.log.Debug("task retry scheduled", logx.String("task", qt.task.Name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			err = ctx.Err()
			break attemptLoop
		case <-stopCh:
			tmr.Stop()
			err = ErrStopping
			break attemptLoop
		case <-tmr.C:
		}
	}

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	ev := TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Warn("task.failed", logx.String("task", qt.task.Name), logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.publish(eventbus.TaskFailed, ev)
	} else {
		if dur >= 750*time.Millisecond {
			s.log.Info("task.completed", logx.String("task", qt.task.Name), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		} else {
			s.log.Debug("task.completed", logx.String("task", qt.task.Name), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		}
		s.publish(eventbus.TaskFinished, ev)
	}
	s.record(item)
}

// runOnce runs a single attempt under the task timeout. A panic becomes an
// error so one bad task cannot kill its worker.
func (s *Service) runOnce(ctx context.Context, qt queuedTask) (err error) {
	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return qt.task.Run(runCtx)
}

func backoffDelay(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	d := opt.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > opt.RetryMaxDelay {
			d = opt.RetryMaxDelay
			break
		}
	}
	return jitter(d, opt, rng)
}

func jitter(d time.Duration, opt TaskOptions, rng *rand.Rand) time.Duration {
	if opt.RetryJitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * opt.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return clampDelay(d, opt.RetryMaxDelay)
}

func clampDelay(d, max time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// Backoff is the jittered delay before retry number retry (1-based) under
// opt, for callers that retry inside a task.
func Backoff(opt TaskOptions, retry int) time.Duration {
	opt = opt.withDefaults(Config{})
	return backoffDelay(opt, retry, rand.New(rand.NewSource(time.Now().UnixNano())))
}
