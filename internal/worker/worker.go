// Package worker executes queue deliveries against their jobs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"chronos/internal/domain"
	"chronos/internal/eventbus"
	"chronos/internal/executor"
	"chronos/internal/queue"
	"chronos/internal/task/engine"
	logx "chronos/pkg/logx"
)

// Store is the subset of the repository the worker writes to.
type Store interface {
	GetJob(ctx context.Context, id string) (domain.Job, error)
	UpdateJob(ctx context.Context, id string, p domain.JobPatch) (domain.Job, error)
	GetRun(ctx context.Context, id string) (domain.Run, error)
	UpdateRun(ctx context.Context, id string, p domain.RunPatch) (domain.Run, error)
}

// Resolver picks the executor for a target kind.
type Resolver interface {
	Resolve(kind domain.TargetKind) (executor.Executor, error)
}

// Scheduler advances a job once its run completed.
type Scheduler interface {
	ScheduleNext(ctx context.Context, jobID string, prev time.Time) error
}

type Worker struct {
	store Store
	execs Resolver
	sched Scheduler
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time
}

func New(store Store, execs Resolver, sched Scheduler, log logx.Logger, bus eventbus.Bus) *Worker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Worker{store: store, execs: execs, sched: sched, log: log, bus: bus, now: time.Now}
}

// Process runs one delivery. Only a manual run whose executor returned a
// retryable error with attempts left comes back as a plain error; the run
// stays PENDING for the queue to redeliver. Every other failure is final
// and returned wrapped in engine.NoRetry.
func (w *Worker) Process(ctx context.Context, d queue.Delivery) error {
	p := d.Payload
	job, err := w.store.GetJob(ctx, p.JobID)
	if errors.Is(err, domain.ErrNotFound) {
		w.log.Warn("job not found, dropping delivery", logx.String("job", p.JobID), logx.String("run", p.RunID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", p.JobID, err)
	}
	prev, err := w.store.GetRun(ctx, p.RunID)
	if errors.Is(err, domain.ErrNotFound) {
		w.log.Warn("run not found, dropping delivery", logx.String("job", job.ID), logx.String("run", p.RunID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load run %s: %w", p.RunID, err)
	}
	if prev.Status != domain.StatusPending {
		w.log.Warn("run already finished, dropping delivery",
			logx.String("job", job.ID), logx.String("run", prev.ID), logx.String("status", string(prev.Status)))
		return nil
	}

	started := w.now()
	run, err := w.store.UpdateRun(ctx, p.RunID, domain.RunPatch{
		StartedAt: &started,
		Attempt:   domain.Ptr(d.Attempt),
	})
	if err != nil {
		return fmt.Errorf("start run %s: %w", p.RunID, err)
	}
	log := w.log.With(logx.String("job", job.ID), logx.String("run", run.ID), logx.String("kind", string(job.Target.Kind)))
	log.Debug("run started", logx.Int("attempt", d.Attempt), logx.Bool("manual", p.Manual))
	w.publish(eventbus.RunStarted, job, run, "")

	res, execErr := w.execute(ctx, job)

	// Outcomes are recorded even when the delivery context was cancelled.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if execErr != nil && p.Manual && d.Attempt < maxAttempts(d.Policy) && retryable(execErr) {
		msg := execErr.Error()
		if _, err := w.store.UpdateRun(wctx, run.ID, domain.RunPatch{ErrorMessage: &msg}); err != nil {
			log.Error("record attempt error failed", logx.Err(err))
		}
		log.Warn("run attempt failed", logx.Int("attempt", d.Attempt), logx.Int("max_attempts", maxAttempts(d.Policy)), logx.Err(execErr))
		return execErr
	}
	if execErr != nil {
		msg := execErr.Error()
		res = executor.Result{
			Status:       domain.StatusFailed,
			ErrorMessage: &msg,
			DurationMs:   w.now().Sub(started).Milliseconds(),
		}
	}

	if err := w.finish(wctx, job, run, res); err != nil {
		log.Error("record run failed", logx.Err(err))
	}
	if !p.Manual && w.sched != nil {
		if err := w.sched.ScheduleNext(wctx, job.ID, run.ScheduledFor); err != nil {
			log.Error("schedule next failed", logx.Err(err))
		}
	}

	if execErr != nil {
		log.Warn("run failed", logx.Int("attempt", d.Attempt), logx.Err(execErr))
		return engine.NoRetry(execErr)
	}
	fields := []logx.Field{logx.String("status", string(res.Status)), logx.Int64("ms", res.DurationMs)}
	if res.HTTPStatus != nil {
		fields = append(fields, logx.Int("http", *res.HTTPStatus))
	}
	if res.Status == domain.StatusFailed {
		log.Info("run finished", append(fields, logx.String("error", deref(res.ErrorMessage)))...)
	} else {
		log.Debug("run finished", fields...)
	}
	return nil
}

func maxAttempts(p queue.Policy) int {
	return max(p.Attempts, 1)
}

// retryable rejects errors another attempt cannot fix.
func retryable(err error) bool {
	switch {
	case engine.IsNoRetry(err),
		domain.IsValidation(err),
		domain.IsNotFound(err),
		errors.Is(err, executor.ErrUnsupportedTarget):
		return false
	}
	return true
}

func (w *Worker) execute(ctx context.Context, job domain.Job) (res executor.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("executor panic", logx.String("job", job.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	ex, err := w.execs.Resolve(job.Target.Kind)
	if err != nil {
		return executor.Result{}, err
	}
	return ex.Execute(ctx, job)
}

func (w *Worker) finish(ctx context.Context, job domain.Job, run domain.Run, res executor.Result) error {
	finished := w.now()
	status := res.Status
	dur := res.DurationMs
	_, err := w.store.UpdateRun(ctx, run.ID, domain.RunPatch{
		FinishedAt:      &finished,
		Status:          &status,
		HTTPStatus:      res.HTTPStatus,
		ResponseSnippet: res.ResponseSnippet,
		ErrorMessage:    res.ErrorMessage,
		Result:          res.Result,
		DurationMs:      &dur,
	})
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	_, err = w.store.UpdateJob(ctx, job.ID, domain.JobPatch{
		LastRunAt:     domain.Ptr(domain.TimePtr(finished)),
		LastRunStatus: domain.Ptr(&status),
	})
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("update job: %w", err)
	}
	w.publish(eventbus.RunFinished, job, run, status)
	return nil
}

func (w *Worker) publish(typ string, job domain.Job, run domain.Run, status domain.RunStatus) {
	if w.bus == nil {
		return
	}
	data := map[string]any{"jobId": job.ID, "runId": run.ID}
	if status != "" {
		data["status"] = string(status)
	}
	w.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
