package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chronos/internal/domain"
	"chronos/internal/eventbus"
	"chronos/internal/queue"
	"chronos/internal/schedule"
	logx "chronos/pkg/logx"
)

const (
	msgRescheduled = "Superseded by a newer schedule"
	msgUnscheduled = "Unscheduled before execution"
)

// JobKey is the queue key of a job's scheduled entry.
func JobKey(jobID string) string { return "chrono:" + jobID }

// ManualKey is the queue key of an operator-triggered run.
func ManualKey(runID string) string { return "manual:" + runID }

func New(store Store, q queue.Queue, cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, store: store, q: q, log: log, bus: bus, now: time.Now}
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply affects entries scheduled after the call.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Start reconciles persisted jobs with the queue when configured to.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	cfg := s.cfg
	s.mu.Unlock()

	s.log.Debug("start requested", logx.Bool("reconcile", cfg.ReconcileOnStart), logx.String("tz", cfg.DefaultTimezone))
	n := 0
	if cfg.ReconcileOnStart {
		var err error
		if n, err = s.Reconcile(ctx); err != nil {
			return err
		}
	}
	s.log.Info("service started", logx.Int("rescheduled", n))
	return nil
}

// Stop leaves every queue entry in place so schedules resume on next Start.
func (s *Service) Stop(ctx context.Context) {
	_ = ctx
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	s.log.Info("service stopped")
}

// Schedule replaces the job's entry with one due at NextRunAt, creating the
// PENDING run it will execute. Inactive jobs are unscheduled instead.
func (s *Service) Schedule(ctx context.Context, job domain.Job) error {
	unlock := s.locks.lock(job.ID)
	defer unlock()
	return s.scheduleLocked(ctx, job)
}

// Unschedule removes the job's pending entry. In-flight executions are not
// interrupted.
func (s *Service) Unschedule(ctx context.Context, jobID string) error {
	unlock := s.locks.lock(jobID)
	defer unlock()
	return s.unscheduleLocked(ctx, jobID)
}

// Mutate applies a patch built from the job's current row and reschedules
// it when the patch moved its activity, target kind or next run. The read,
// the write and the reschedule hold the job's lock, so a completing run can
// not interleave with an edit.
func (s *Service) Mutate(ctx context.Context, jobID string, build func(domain.Job) (domain.JobPatch, error)) (domain.Job, error) {
	unlock := s.locks.lock(jobID)
	defer unlock()

	before, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	p, err := build(before)
	if err != nil {
		return domain.Job{}, err
	}
	after, err := s.store.UpdateJob(ctx, jobID, p)
	if err != nil {
		return domain.Job{}, err
	}
	if !needsReschedule(before, after) {
		return after, nil
	}
	if err := s.scheduleLocked(ctx, after); err != nil {
		return after, fmt.Errorf("schedule job %s: %w", jobID, err)
	}
	return s.store.GetJob(ctx, jobID)
}

func needsReschedule(before, after domain.Job) bool {
	if before.IsActive != after.IsActive || before.Target.Kind != after.Target.Kind {
		return true
	}
	if (before.NextRunAt == nil) != (after.NextRunAt == nil) {
		return true
	}
	return after.NextRunAt != nil && !before.NextRunAt.Equal(*after.NextRunAt)
}

// ScheduleNext advances a job after the run scheduled for prev completed.
// One-shot jobs are deactivated; recurring jobs get their next occurrence
// after max(now, prev). A job that was paused, removed or rescheduled while
// the run was in flight is left as its new owner set it.
func (s *Service) ScheduleNext(ctx context.Context, jobID string, prev time.Time) error {
	unlock := s.locks.lock(jobID)
	defer unlock()

	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if !job.IsActive {
		return nil
	}
	if job.NextRunAt != nil && !sameInstant(*job.NextRunAt, prev) {
		s.log.Debug("job rescheduled while running", logx.String("job", jobID), logx.Time("next", *job.NextRunAt))
		return nil
	}

	if !job.IsRecurring {
		return s.deactivateLocked(ctx, job, "one-shot completed")
	}
	after := s.now()
	if prev.After(after) {
		after = prev
	}
	next, err := schedule.Next(job.Cron, s.timezone(job), after)
	if err != nil {
		s.log.Warn("next run not computable", logx.String("job", jobID), logx.String("cron", job.Cron), logx.Err(err))
		return s.deactivateLocked(ctx, job, "next run not computable")
	}
	job, err = s.store.UpdateJob(ctx, jobID, domain.JobPatch{NextRunAt: domain.Ptr(domain.TimePtr(next))})
	if err != nil {
		return fmt.Errorf("save next run of %s: %w", jobID, err)
	}
	return s.scheduleLocked(ctx, job)
}

// Reconcile makes the queue match the active jobs. It returns how many jobs
// were (re)scheduled.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	jobs, err := s.store.ListSchedulableJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list schedulable jobs: %w", err)
	}
	n := 0
	var errs []error
	for _, j := range jobs {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		unlock := s.locks.lock(j.ID)
		changed, err := s.reconcileLocked(ctx, j)
		unlock()
		if err != nil {
			s.log.Warn("reconcile failed", logx.String("job", j.ID), logx.Err(err))
			errs = append(errs, err)
			continue
		}
		if changed {
			n++
		}
	}
	if err := s.sweepInactive(ctx); err != nil {
		errs = append(errs, err)
	}
	s.log.Debug("reconciled", logx.Int("jobs", len(jobs)), logx.Int("rescheduled", n))
	return n, errors.Join(errs...)
}

// sweepInactive cancels entries left behind by jobs that are no longer
// active, e.g. paused while the queue was unreachable.
func (s *Service) sweepInactive(ctx context.Context) error {
	all, err := s.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	var errs []error
	for _, j := range all {
		if j.IsActive {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		unlock := s.locks.lock(j.ID)
		err := s.sweepLocked(ctx, j.ID)
		unlock()
		if err != nil {
			s.log.Warn("sweep failed", logx.String("job", j.ID), logx.Err(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) sweepLocked(ctx context.Context, jobID string) error {
	// The row may have been resumed since it was listed.
	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}
	if j.IsActive {
		return nil
	}
	if _, ok, err := s.q.FindByKey(ctx, JobKey(jobID)); err != nil || !ok {
		return err
	}
	s.log.Info("cancelling entry of inactive job", logx.String("job", jobID))
	return s.unscheduleLocked(ctx, jobID)
}

func (s *Service) reconcileLocked(ctx context.Context, j domain.Job) (bool, error) {
	if j.NextRunAt != nil {
		p, ok, err := s.q.FindByKey(ctx, JobKey(j.ID))
		if err != nil {
			return false, err
		}
		if ok && p.Payload.RunID != "" {
			run, err := s.store.GetRun(ctx, p.Payload.RunID)
			if err == nil && sameInstant(run.ScheduledFor, *j.NextRunAt) {
				return false, nil
			}
		}
	}

	now := s.now()
	switch {
	case !j.IsRecurring:
		if j.NextRunAt == nil {
			return true, s.deactivateLocked(ctx, j, "one-shot without next run")
		}
		// A past one-shot is enqueued with zero delay.
	case j.NextRunAt == nil || j.NextRunAt.Before(now):
		next, err := schedule.Next(j.Cron, s.timezone(j), now)
		if err != nil {
			s.log.Warn("next run not computable", logx.String("job", j.ID), logx.String("cron", j.Cron), logx.Err(err))
			return true, s.deactivateLocked(ctx, j, "next run not computable")
		}
		if j, err = s.store.UpdateJob(ctx, j.ID, domain.JobPatch{NextRunAt: domain.Ptr(domain.TimePtr(next))}); err != nil {
			return false, err
		}
	}
	return true, s.scheduleLocked(ctx, j)
}

func (s *Service) scheduleLocked(ctx context.Context, job domain.Job) error {
	if !job.Schedulable() {
		return s.unscheduleLocked(ctx, job.ID)
	}
	key := JobKey(job.ID)
	if err := s.retire(ctx, key, msgRescheduled); err != nil {
		return err
	}

	next := *job.NextRunAt
	run, err := s.store.CreateRun(ctx, domain.Run{
		JobID:        job.ID,
		ScheduledFor: next,
		Status:       domain.StatusPending,
	})
	if err != nil {
		return fmt.Errorf("create run for %s: %w", job.ID, err)
	}
	delay := next.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	err = s.q.Enqueue(ctx, queue.Entry{
		Key: key,
		Payload: queue.Payload{
			JobID: job.ID,
			RunID: run.ID,
			Kind:  string(job.Target.Kind),
		},
		Delay:  delay,
		Policy: s.config().Policy,
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", key, err)
	}
	s.log.Debug("job scheduled",
		logx.String("job", job.ID),
		logx.String("name", job.Name),
		logx.String("run", run.ID),
		logx.Time("next", next),
		logx.Duration("delay", delay),
	)
	s.publish(eventbus.ChronoScheduled, job.ID, run.ID, job.NextRunAt)
	return nil
}

func (s *Service) unscheduleLocked(ctx context.Context, jobID string) error {
	key := JobKey(jobID)
	if err := s.retire(ctx, key, msgUnscheduled); err != nil {
		return err
	}
	existed, err := s.q.Cancel(ctx, key)
	if err != nil {
		return fmt.Errorf("cancel %s: %w", key, err)
	}
	if existed {
		s.log.Debug("job unscheduled", logx.String("job", jobID))
		s.publish(eventbus.ChronoUnscheduled, jobID, "", nil)
	}
	return nil
}

func (s *Service) deactivateLocked(ctx context.Context, job domain.Job, reason string) error {
	_, err := s.store.UpdateJob(ctx, job.ID, domain.JobPatch{
		IsActive:  domain.Ptr(false),
		NextRunAt: domain.Ptr[*time.Time](nil),
	})
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("deactivate %s: %w", job.ID, err)
	}
	s.log.Info("job deactivated", logx.String("job", job.ID), logx.String("reason", reason))
	return s.unscheduleLocked(ctx, job.ID)
}

// retire closes the PENDING run of a waiting entry that is about to be
// replaced or cancelled. Leased entries belong to a running worker.
func (s *Service) retire(ctx context.Context, key, msg string) error {
	p, ok, err := s.q.FindByKey(ctx, key)
	if err != nil {
		return fmt.Errorf("find %s: %w", key, err)
	}
	if !ok || p.Leased || p.Payload.RunID == "" {
		return nil
	}
	run, err := s.store.GetRun(ctx, p.Payload.RunID)
	if err != nil || run.StartedAt != nil || run.Status != domain.StatusPending {
		return nil
	}
	now := s.now()
	_, err = s.store.UpdateRun(ctx, run.ID, domain.RunPatch{
		Status:       domain.Ptr(domain.StatusFailed),
		FinishedAt:   &now,
		ErrorMessage: domain.Ptr(msg),
	})
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.log.Warn("retire pending run failed", logx.String("run", run.ID), logx.Err(err))
	}
	return nil
}

func (s *Service) timezone(j domain.Job) string {
	if tz := strings.TrimSpace(j.Timezone); tz != "" {
		return tz
	}
	return s.config().DefaultTimezone
}

func (s *Service) publish(typ, jobID, runID string, next *time.Time) {
	if s.bus == nil {
		return
	}
	data := map[string]any{"jobId": jobID}
	if runID != "" {
		data["runId"] = runID
	}
	if next != nil {
		data["nextRunAt"] = *next
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// sameInstant tolerates the millisecond truncation of stored timestamps.
func sameInstant(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d < time.Millisecond
}
