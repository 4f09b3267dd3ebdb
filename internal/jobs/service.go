// Package jobs is the management surface: job and function CRUD, pause,
// resume and manual triggers.
package jobs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"chronos/internal/domain"
	"chronos/internal/queue"
	"chronos/internal/schedule"
	"chronos/internal/storage"
	"chronos/internal/task/scheduler"
	logx "chronos/pkg/logx"
)

const (
	defaultTake = 20
	maxTake     = 100
)

type Config struct {
	DefaultTimezone string
	// Policy is applied to manual triggers.
	Policy queue.Policy
}

// Scheduler keeps a job's queue entry in sync with its row.
type Scheduler interface {
	Schedule(ctx context.Context, job domain.Job) error
	Unschedule(ctx context.Context, jobID string) error
	Mutate(ctx context.Context, jobID string, build func(domain.Job) (domain.JobPatch, error)) (domain.Job, error)
}

type Service struct {
	mu  sync.RWMutex
	cfg Config

	repo      storage.Repository
	sched     Scheduler
	q         queue.Queue
	functions *FunctionService
	log       logx.Logger
	now       func() time.Time
}

func New(repo storage.Repository, sched Scheduler, q queue.Queue, functions *FunctionService, cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if functions == nil {
		functions = NewFunctionService(repo, log)
	}
	return &Service{cfg: cfg, repo: repo, sched: sched, q: q, functions: functions, log: log, now: time.Now}
}

// Apply swaps the defaults used by later requests.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Service) Create(ctx context.Context, in JobInput) (domain.Job, error) {
	name := strings.TrimSpace(deref(in.Name))
	if name == "" {
		return domain.Job{}, domain.Invalid("name", "name is required")
	}
	raw := strings.TrimSpace(deref(in.scheduleInput()))
	if raw == "" {
		return domain.Job{}, domain.Invalid("cron", "cron is required")
	}
	tz := strings.TrimSpace(deref(in.Timezone))
	if tz == "" {
		tz = s.config().DefaultTimezone
	}
	if tz == "" {
		tz = "UTC"
	}
	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}

	target, err := in.target(domain.Target{})
	if err != nil {
		return domain.Job{}, err
	}
	sched, err := schedule.Normalize(raw, tz, s.now())
	if err != nil {
		return domain.Job{}, err
	}

	job := domain.Job{
		Name:        name,
		Description: deref(in.Description),
		Schedule:    raw,
		Cron:        sched.Expr,
		Timezone:    tz,
		IsRecurring: sched.IsRecurring(),
		IsActive:    active,
		ChannelID:   target.ChannelID(),
	}
	if target.Kind == domain.TargetFunction && in.ChannelID != nil {
		job.ChannelID = strings.TrimSpace(*in.ChannelID)
	}
	if active {
		job.NextRunAt = domain.TimePtr(sched.Next)
	}
	if job.Target, err = s.prepareTarget(ctx, target, in); err != nil {
		return domain.Job{}, err
	}

	job, err = s.repo.CreateJob(ctx, job)
	if err != nil {
		return domain.Job{}, err
	}
	s.log.Info("job created",
		logx.String("job", job.ID),
		logx.String("name", job.Name),
		logx.String("kind", string(job.Target.Kind)),
		logx.String("cron", job.Cron),
		logx.Bool("recurring", job.IsRecurring),
	)
	if err := s.sched.Schedule(ctx, job); err != nil {
		return job, fmt.Errorf("schedule job %s: %w", job.ID, err)
	}
	return s.repo.GetJob(ctx, job.ID)
}

func (s *Service) Get(ctx context.Context, id string) (domain.Job, error) {
	return s.repo.GetJob(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]domain.Job, error) {
	return s.repo.ListJobs(ctx)
}

// Update applies a partial change. The next run is recomputed when the
// schedule or timezone changed, or when the job is (re)activated; an active
// recurring job is always recomputed so edits never leave a stale time. The
// patch is built from the row as it is under the scheduler's job lock and
// carries only the fields the change touches.
func (s *Service) Update(ctx context.Context, id string, in JobInput) (domain.Job, error) {
	updated, err := s.sched.Mutate(ctx, id, func(existing domain.Job) (domain.JobPatch, error) {
		return s.plan(ctx, existing, in)
	})
	if err != nil {
		return updated, err
	}
	s.log.Info("job updated", logx.String("job", id), logx.Bool("active", updated.IsActive), logx.String("cron", updated.Cron))
	return updated, nil
}

func (s *Service) plan(ctx context.Context, existing domain.Job, in JobInput) (domain.JobPatch, error) {
	var p domain.JobPatch
	next := existing

	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return p, domain.Invalid("name", "name must not be empty")
		}
		p.Name = &name
	}
	if in.Description != nil {
		p.Description = in.Description
	}
	if in.IsActive != nil && *in.IsActive != existing.IsActive {
		next.IsActive = *in.IsActive
		p.IsActive = &next.IsActive
	}
	raw := existing.Schedule
	if raw == "" {
		raw = existing.Cron
	}
	scheduleChanged := false
	if v := in.scheduleInput(); v != nil {
		raw = strings.TrimSpace(*v)
		if raw == "" {
			return p, domain.Invalid("cron", "cron must not be empty")
		}
		scheduleChanged = raw != existing.Schedule
	}
	if in.Timezone != nil {
		tz := strings.TrimSpace(*in.Timezone)
		if tz == "" {
			tz = s.config().DefaultTimezone
		}
		if tz != existing.Timezone {
			scheduleChanged = true
			next.Timezone = tz
			p.Timezone = &next.Timezone
		}
	}

	if in.touchesTarget() {
		target, err := in.target(existing.Target)
		if err != nil {
			return p, err
		}
		if target, err = s.prepareTarget(ctx, target, in); err != nil {
			return p, err
		}
		next.Target = target
		p.Target = &target
		if target.Kind == domain.TargetMessage {
			next.ChannelID = target.ChannelID()
		}
	} else if err := existing.Target.Validate(); err != nil {
		return p, err
	}
	if in.ChannelID != nil && next.Target.Kind != domain.TargetMessage {
		next.ChannelID = strings.TrimSpace(*in.ChannelID)
	}
	if next.ChannelID != existing.ChannelID {
		p.ChannelID = &next.ChannelID
	}

	activated := next.IsActive && !existing.IsActive
	recompute := scheduleChanged || activated || (next.IsActive && (existing.IsRecurring || existing.NextRunAt == nil))
	switch {
	case !next.IsActive:
		if existing.NextRunAt != nil {
			p.NextRunAt = domain.Ptr[*time.Time](nil)
		}
		if scheduleChanged {
			// Validate now so a paused job never stores a schedule it cannot run.
			sched, err := schedule.Normalize(raw, next.Timezone, s.now())
			if err != nil {
				return p, err
			}
			p.Schedule, p.Cron, p.IsRecurring = &raw, &sched.Expr, domain.Ptr(sched.IsRecurring())
		}
	case recompute:
		sched, err := schedule.Normalize(raw, next.Timezone, s.now())
		if err != nil {
			return p, err
		}
		if raw != existing.Schedule || sched.Expr != existing.Cron || sched.IsRecurring() != existing.IsRecurring {
			p.Schedule, p.Cron, p.IsRecurring = &raw, &sched.Expr, domain.Ptr(sched.IsRecurring())
		}
		p.NextRunAt = domain.Ptr(domain.TimePtr(sched.Next))
	}
	return p, nil
}

// Delete unschedules the job and removes it with its runs.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.repo.GetJob(ctx, id); err != nil {
		return err
	}
	if err := s.sched.Unschedule(ctx, id); err != nil {
		return fmt.Errorf("unschedule job %s: %w", id, err)
	}
	if err := s.repo.DeleteJob(ctx, id); err != nil {
		return err
	}
	s.log.Info("job deleted", logx.String("job", id))
	return nil
}

func (s *Service) Pause(ctx context.Context, id string) (domain.Job, error) {
	return s.Update(ctx, id, JobInput{IsActive: domain.Ptr(false)})
}

func (s *Service) Resume(ctx context.Context, id string) (domain.Job, error) {
	return s.Update(ctx, id, JobInput{IsActive: domain.Ptr(true)})
}

// Trigger enqueues an immediate manual run. It does not move the job's
// schedule.
func (s *Service) Trigger(ctx context.Context, id string) (domain.Run, error) {
	job, err := s.repo.GetJob(ctx, id)
	if err != nil {
		return domain.Run{}, err
	}
	if err := job.Target.Validate(); err != nil {
		return domain.Run{}, err
	}
	run, err := s.repo.CreateRun(ctx, domain.Run{
		JobID:        job.ID,
		ScheduledFor: s.now(),
		Status:       domain.StatusPending,
		Attempt:      1,
	})
	if err != nil {
		return domain.Run{}, err
	}
	err = s.q.Enqueue(ctx, queue.Entry{
		Key: scheduler.ManualKey(run.ID),
		Payload: queue.Payload{
			JobID:  job.ID,
			RunID:  run.ID,
			Manual: true,
			Kind:   string(job.Target.Kind),
		},
		Policy: s.config().Policy,
	})
	if err != nil {
		return domain.Run{}, fmt.Errorf("enqueue manual run: %w", err)
	}
	s.log.Info("job triggered", logx.String("job", job.ID), logx.String("run", run.ID))
	return run, nil
}

// ListRuns pages a job's runs, newest first.
func (s *Service) ListRuns(ctx context.Context, jobID string, skip, take int) ([]domain.Run, error) {
	if _, err := s.repo.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	if skip < 0 {
		skip = 0
	}
	if take <= 0 {
		take = defaultTake
	}
	if take > maxTake {
		take = maxTake
	}
	return s.repo.ListRuns(ctx, jobID, skip, take)
}

// prepareTarget validates the target and resolves its references. Inline
// function code becomes a stored function.
func (s *Service) prepareTarget(ctx context.Context, t domain.Target, in JobInput) (domain.Target, error) {
	if t.Kind == domain.TargetFunction && in.FunctionCode != nil && strings.TrimSpace(*in.FunctionCode) != "" {
		if t.Function == nil {
			t.Function = &domain.FunctionTarget{}
		}
		fn, err := s.functions.Create(ctx, FunctionInput{Name: in.Name, Code: in.FunctionCode, Limits: in.FunctionLimits})
		if err != nil {
			return domain.Target{}, err
		}
		t.Function.FunctionID = fn.ID
	}
	if err := t.Validate(); err != nil {
		return domain.Target{}, err
	}
	switch t.Kind {
	case domain.TargetMessage:
		if _, err := s.repo.GetChannel(ctx, t.Message.ChannelID); err != nil {
			if domain.IsNotFound(err) {
				return domain.Target{}, domain.Invalid("channelId", fmt.Sprintf("Channel %s not found", t.Message.ChannelID))
			}
			return domain.Target{}, err
		}
	case domain.TargetFunction:
		fn, err := s.repo.GetFunction(ctx, t.Function.FunctionID)
		if err != nil {
			if domain.IsNotFound(err) {
				return domain.Target{}, domain.Invalid("functionId", fmt.Sprintf("Function %s not found", t.Function.FunctionID))
			}
			return domain.Target{}, err
		}
		if _, err := domain.ResolveRuntime(fn.Runtime); err != nil {
			return domain.Target{}, err
		}
	}
	return t, nil
}

