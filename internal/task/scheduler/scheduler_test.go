package scheduler

import (
	"context"
	"testing"
	"time"

	"chronos/internal/domain"
	"chronos/internal/eventbus"
	"chronos/internal/queue"
	"chronos/internal/storage"
	logx "chronos/pkg/logx"
)

func newTestService(t *testing.T) (*Service, *storage.Memory, *queue.Memory) {
	t.Helper()
	repo := storage.NewMemory()
	q := queue.NewMemory()
	t.Cleanup(func() { _ = q.Close() })
	s := New(repo, q, Config{Policy: queue.Policy{Attempts: 3, Backoff: time.Second}, DefaultTimezone: "UTC"}, logx.Nop(), eventbus.New())
	return s, repo, q
}

func createJob(t *testing.T, repo *storage.Memory, j domain.Job) domain.Job {
	t.Helper()
	if j.Target.Kind == "" {
		j.Target = domain.Target{Kind: domain.TargetHTTP, HTTP: &domain.HTTPTarget{Method: "POST", URL: "http://example.com"}}
	}
	out, err := repo.CreateJob(context.Background(), j)
	if err != nil {
		t.Fatalf("CreateJob error: %v", err)
	}
	return out
}

func TestScheduleTwiceKeepsOneEntry(t *testing.T) {
	t.Parallel()
	s, repo, q := newTestService(t)
	ctx := context.Background()
	next := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	job := createJob(t, repo, domain.Job{Name: "ping", Cron: "0 * * * *", IsRecurring: true, IsActive: true, NextRunAt: &next})

	if err := s.Schedule(ctx, job); err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	if err := s.Schedule(ctx, job); err != nil {
		t.Fatalf("second Schedule error: %v", err)
	}
	if n := q.Len(); n != 1 {
		t.Fatalf("queue entries = %d, want 1", n)
	}
	p, ok, err := q.FindByKey(ctx, JobKey(job.ID))
	if err != nil || !ok {
		t.Fatalf("FindByKey = %v, %v, want entry", ok, err)
	}
	if p.Payload.Manual || p.Payload.Kind != "HTTP" {
		t.Fatalf("payload = %+v, want scheduled HTTP", p.Payload)
	}

	runs, err := repo.ListRuns(ctx, job.ID, 0, 10)
	if err != nil {
		t.Fatalf("ListRuns error: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs = %d, want 2", len(runs))
	}
	pending := 0
	for _, r := range runs {
		if r.Status == domain.StatusPending {
			pending++
			if r.ID != p.Payload.RunID {
				t.Fatalf("pending run = %s, want queued run %s", r.ID, p.Payload.RunID)
			}
		}
	}
	if pending != 1 {
		t.Fatalf("pending runs = %d, want 1", pending)
	}
}

func TestScheduleInactiveCancels(t *testing.T) {
	t.Parallel()
	s, repo, q := newTestService(t)
	ctx := context.Background()
	next := time.Now().Add(time.Hour)
	job := createJob(t, repo, domain.Job{Name: "x", Cron: "0 * * * *", IsRecurring: true, IsActive: true, NextRunAt: &next})
	if err := s.Schedule(ctx, job); err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	job.IsActive = false
	if err := s.Schedule(ctx, job); err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	if _, ok, _ := q.FindByKey(ctx, JobKey(job.ID)); ok {
		t.Fatalf("entry still queued after deactivation")
	}
}

func TestScheduleNextRecurring(t *testing.T) {
	t.Parallel()
	s, repo, q := newTestService(t)
	ctx := context.Background()
	prev := time.Now().Add(-time.Minute).Truncate(time.Minute)
	job := createJob(t, repo, domain.Job{Name: "every5", Cron: "*/5 * * * *", IsRecurring: true, IsActive: true, NextRunAt: &prev})

	if err := s.ScheduleNext(ctx, job.ID, prev); err != nil {
		t.Fatalf("ScheduleNext error: %v", err)
	}
	got, err := repo.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob error: %v", err)
	}
	if got.NextRunAt == nil || !got.NextRunAt.After(prev) {
		t.Fatalf("NextRunAt = %v, want after %v", got.NextRunAt, prev)
	}
	if !got.NextRunAt.After(time.Now()) {
		t.Fatalf("NextRunAt = %v, want in the future", got.NextRunAt)
	}
	if got.NextRunAt.Minute()%5 != 0 {
		t.Fatalf("NextRunAt minute = %d, want multiple of 5", got.NextRunAt.Minute())
	}
	if _, ok, _ := q.FindByKey(ctx, JobKey(job.ID)); !ok {
		t.Fatalf("no entry queued for next run")
	}
}

func TestScheduleNextFutureScheduledFor(t *testing.T) {
	t.Parallel()
	s, repo, _ := newTestService(t)
	ctx := context.Background()
	prev := time.Now().Add(2 * time.Hour).Truncate(time.Hour)
	job := createJob(t, repo, domain.Job{Name: "hourly", Cron: "0 * * * *", IsRecurring: true, IsActive: true, NextRunAt: &prev})

	if err := s.ScheduleNext(ctx, job.ID, prev); err != nil {
		t.Fatalf("ScheduleNext error: %v", err)
	}
	got, _ := repo.GetJob(ctx, job.ID)
	if want := prev.Add(time.Hour); got.NextRunAt == nil || !got.NextRunAt.Equal(want) {
		t.Fatalf("NextRunAt = %v, want %v", got.NextRunAt, want)
	}
}

func TestScheduleNextOneShotDeactivates(t *testing.T) {
	t.Parallel()
	s, repo, q := newTestService(t)
	ctx := context.Background()
	at := time.Now().Truncate(time.Millisecond)
	job := createJob(t, repo, domain.Job{Name: "once", Cron: "in 10 min", IsActive: true, NextRunAt: &at})
	if err := s.Schedule(ctx, job); err != nil {
		t.Fatalf("Schedule error: %v", err)
	}

	if err := s.ScheduleNext(ctx, job.ID, at); err != nil {
		t.Fatalf("ScheduleNext error: %v", err)
	}
	got, _ := repo.GetJob(ctx, job.ID)
	if got.IsActive || got.NextRunAt != nil {
		t.Fatalf("job = active %v next %v, want inactive with no next run", got.IsActive, got.NextRunAt)
	}
	if _, ok, _ := q.FindByKey(ctx, JobKey(job.ID)); ok {
		t.Fatalf("one-shot still queued")
	}
}

func TestScheduleNextRespectsReschedule(t *testing.T) {
	t.Parallel()
	s, repo, _ := newTestService(t)
	ctx := context.Background()
	prev := time.Now().Add(-time.Minute)
	moved := time.Now().Add(3 * time.Hour).Truncate(time.Millisecond)
	job := createJob(t, repo, domain.Job{Name: "moved", Cron: "0 * * * *", IsRecurring: true, IsActive: true, NextRunAt: &moved})

	if err := s.ScheduleNext(ctx, job.ID, prev); err != nil {
		t.Fatalf("ScheduleNext error: %v", err)
	}
	got, _ := repo.GetJob(ctx, job.ID)
	if got.NextRunAt == nil || !got.NextRunAt.Equal(moved) {
		t.Fatalf("NextRunAt = %v, want %v", got.NextRunAt, moved)
	}
}

func TestScheduleNextInvalidCronDeactivates(t *testing.T) {
	t.Parallel()
	s, repo, _ := newTestService(t)
	ctx := context.Background()
	prev := time.Now().Add(-time.Minute)
	job := createJob(t, repo, domain.Job{Name: "bad", Cron: "not a cron", IsRecurring: true, IsActive: true, NextRunAt: &prev})

	if err := s.ScheduleNext(ctx, job.ID, prev); err != nil {
		t.Fatalf("ScheduleNext error: %v", err)
	}
	got, _ := repo.GetJob(ctx, job.ID)
	if got.IsActive {
		t.Fatalf("job still active with invalid cron")
	}
}

func TestReconcile(t *testing.T) {
	t.Parallel()
	s, repo, q := newTestService(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour).Truncate(time.Millisecond)

	stale := createJob(t, repo, domain.Job{Name: "stale", Cron: "*/5 * * * *", IsRecurring: true, IsActive: true, NextRunAt: &past})
	missing := createJob(t, repo, domain.Job{Name: "missing", Cron: "*/5 * * * *", IsRecurring: true, IsActive: true})
	once := createJob(t, repo, domain.Job{Name: "once", Cron: "in 5 min", IsActive: true, NextRunAt: &past})
	queued := createJob(t, repo, domain.Job{Name: "queued", Cron: "0 * * * *", IsRecurring: true, IsActive: true, NextRunAt: &future})
	paused := createJob(t, repo, domain.Job{Name: "paused", Cron: "0 * * * *", IsRecurring: true, NextRunAt: &future})
	if err := s.Schedule(ctx, queued); err != nil {
		t.Fatalf("Schedule error: %v", err)
	}

	n, err := s.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if n != 3 {
		t.Fatalf("rescheduled = %d, want 3", n)
	}
	for _, id := range []string{stale.ID, missing.ID, once.ID, queued.ID} {
		if _, ok, _ := q.FindByKey(ctx, JobKey(id)); !ok {
			t.Fatalf("job %s not queued after reconcile", id)
		}
	}
	if _, ok, _ := q.FindByKey(ctx, JobKey(paused.ID)); ok {
		t.Fatalf("paused job queued")
	}
	got, _ := repo.GetJob(ctx, stale.ID)
	if got.NextRunAt == nil || !got.NextRunAt.After(time.Now()) {
		t.Fatalf("stale NextRunAt = %v, want future", got.NextRunAt)
	}
	p, _, _ := q.FindByKey(ctx, JobKey(once.ID))
	if p.DueAt.After(time.Now()) {
		t.Fatalf("past one-shot due %v, want now", p.DueAt)
	}

	n, err = s.Reconcile(ctx)
	if err != nil || n != 0 {
		t.Fatalf("second Reconcile = %d, %v, want 0, nil", n, err)
	}
}

func TestUnschedule(t *testing.T) {
	t.Parallel()
	s, repo, q := newTestService(t)
	ctx := context.Background()
	next := time.Now().Add(time.Hour)
	job := createJob(t, repo, domain.Job{Name: "x", Cron: "0 * * * *", IsRecurring: true, IsActive: true, NextRunAt: &next})
	if err := s.Schedule(ctx, job); err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	p, _, _ := q.FindByKey(ctx, JobKey(job.ID))

	if err := s.Unschedule(ctx, job.ID); err != nil {
		t.Fatalf("Unschedule error: %v", err)
	}
	if _, ok, _ := q.FindByKey(ctx, JobKey(job.ID)); ok {
		t.Fatalf("entry still queued")
	}
	run, err := repo.GetRun(ctx, p.Payload.RunID)
	if err != nil {
		t.Fatalf("GetRun error: %v", err)
	}
	if run.Status != domain.StatusFailed {
		t.Fatalf("retired run status = %s, want FAILED", run.Status)
	}
}

func TestReconcileCancelsEntriesOfInactiveJobs(t *testing.T) {
	t.Parallel()
	s, repo, q := newTestService(t)
	ctx := context.Background()
	future := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	job := createJob(t, repo, domain.Job{Name: "left", Cron: "0 * * * *", IsRecurring: true, IsActive: true, NextRunAt: &future})
	if err := s.Schedule(ctx, job); err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	p, _, _ := q.FindByKey(ctx, JobKey(job.ID))
	// Paused in the store without the queue hearing about it.
	if _, err := repo.UpdateJob(ctx, job.ID, domain.JobPatch{IsActive: domain.Ptr(false), NextRunAt: domain.Ptr[*time.Time](nil)}); err != nil {
		t.Fatalf("UpdateJob error: %v", err)
	}

	if _, err := s.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if _, ok, _ := q.FindByKey(ctx, JobKey(job.ID)); ok {
		t.Fatalf("entry of inactive job survived reconcile")
	}
	run, _ := repo.GetRun(ctx, p.Payload.RunID)
	if run.Status != domain.StatusFailed {
		t.Fatalf("pending run status = %s, want FAILED", run.Status)
	}
}

func TestMutateHoldsJobLock(t *testing.T) {
	t.Parallel()
	s, repo, q := newTestService(t)
	ctx := context.Background()
	due := time.Now().Add(-time.Second).Truncate(time.Millisecond)
	job := createJob(t, repo, domain.Job{Name: "once", Schedule: "in 1 min", Cron: "in 1 min", IsActive: true, NextRunAt: &due})
	if err := s.Schedule(ctx, job); err != nil {
		t.Fatalf("Schedule error: %v", err)
	}

	done := make(chan error, 1)
	renamed, err := s.Mutate(ctx, job.ID, func(cur domain.Job) (domain.JobPatch, error) {
		go func() { done <- s.ScheduleNext(ctx, job.ID, *cur.NextRunAt) }()
		select {
		case <-done:
			t.Errorf("ScheduleNext completed while Mutate held the job")
		case <-time.After(50 * time.Millisecond):
		}
		return domain.JobPatch{Name: domain.Ptr("renamed")}, nil
	})
	if err != nil {
		t.Fatalf("Mutate error: %v", err)
	}
	if !renamed.IsActive {
		t.Fatalf("job inactive right after rename, want ScheduleNext still waiting")
	}
	if err := <-done; err != nil {
		t.Fatalf("ScheduleNext error: %v", err)
	}
	got, _ := repo.GetJob(ctx, job.ID)
	if got.Name != "renamed" || got.IsActive || got.NextRunAt != nil {
		t.Fatalf("job = %q active %v next %v, want renamed and deactivated", got.Name, got.IsActive, got.NextRunAt)
	}
	if _, ok, _ := q.FindByKey(ctx, JobKey(job.ID)); ok {
		t.Fatalf("deactivated one-shot still queued")
	}
}

func TestMutateReschedulesOnNextRunChange(t *testing.T) {
	t.Parallel()
	s, repo, q := newTestService(t)
	ctx := context.Background()
	next := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	job := createJob(t, repo, domain.Job{Name: "x", Cron: "0 * * * *", IsRecurring: true, IsActive: true, NextRunAt: &next})
	if err := s.Schedule(ctx, job); err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	before, _, _ := q.FindByKey(ctx, JobKey(job.ID))

	if _, err := s.Mutate(ctx, job.ID, func(domain.Job) (domain.JobPatch, error) {
		return domain.JobPatch{Description: domain.Ptr("only text")}, nil
	}); err != nil {
		t.Fatalf("Mutate error: %v", err)
	}
	same, _, _ := q.FindByKey(ctx, JobKey(job.ID))
	if same.Payload.RunID != before.Payload.RunID {
		t.Fatalf("description change replaced the entry")
	}

	later := next.Add(time.Hour)
	if _, err := s.Mutate(ctx, job.ID, func(domain.Job) (domain.JobPatch, error) {
		return domain.JobPatch{NextRunAt: domain.Ptr(domain.TimePtr(later))}, nil
	}); err != nil {
		t.Fatalf("Mutate error: %v", err)
	}
	after, ok, _ := q.FindByKey(ctx, JobKey(job.ID))
	if !ok || after.Payload.RunID == before.Payload.RunID {
		t.Fatalf("entry not replaced after next run moved")
	}
}
