package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"chronos/internal/domain"
	"chronos/internal/eventbus"
	"chronos/internal/queue"
	"chronos/internal/storage"
	"chronos/internal/task/scheduler"
	logx "chronos/pkg/logx"
)

func newTestService(t *testing.T) (*Service, *storage.Memory, *queue.Memory) {
	t.Helper()
	repo := storage.NewMemory()
	q := queue.NewMemory()
	t.Cleanup(func() { _ = q.Close() })
	sched := scheduler.New(repo, q, scheduler.Config{DefaultTimezone: "UTC"}, logx.Nop(), eventbus.New())
	svc := New(repo, sched, q, nil, Config{DefaultTimezone: "UTC", Policy: queue.Policy{Attempts: 3, Backoff: time.Second}}, logx.Nop())
	return svc, repo, q
}

func httpInput(name, cron string) JobInput {
	return JobInput{
		Name:   domain.Ptr(name),
		Cron:   domain.Ptr(cron),
		URL:    domain.Ptr("https://example.com/hook"),
		Method: domain.Ptr("get"),
	}
}

func TestCreateHTTPJob(t *testing.T) {
	t.Parallel()
	svc, _, q := newTestService(t)
	ctx := context.Background()

	job, err := svc.Create(ctx, httpInput("ping", "5 min"))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if job.Cron != "*/5 * * * *" || !job.IsRecurring || !job.IsActive {
		t.Fatalf("job = cron %q recurring %v active %v, want */5 recurring active", job.Cron, job.IsRecurring, job.IsActive)
	}
	if job.Timezone != "UTC" || job.Target.HTTP.Method != "GET" {
		t.Fatalf("defaults = tz %q method %q, want UTC GET", job.Timezone, job.Target.HTTP.Method)
	}
	if job.NextRunAt == nil || !job.NextRunAt.After(time.Now()) {
		t.Fatalf("NextRunAt = %v, want future", job.NextRunAt)
	}
	if _, ok, _ := q.FindByKey(ctx, scheduler.JobKey(job.ID)); !ok {
		t.Fatalf("created job not queued")
	}
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	svc, _, q := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		in    JobInput
		field string
	}{
		{name: "missing name", in: JobInput{Cron: domain.Ptr("5 min")}, field: "name"},
		{name: "missing cron", in: JobInput{Name: domain.Ptr("x")}, field: "cron"},
		{name: "bad interval", in: httpInput("x", "25 h"), field: "cron"},
		{name: "bad timezone", in: func() JobInput { in := httpInput("x", "5 min"); in.Timezone = domain.Ptr("Mars/Base"); return in }(), field: "timezone"},
		{name: "bad kind", in: func() JobInput { in := httpInput("x", "5 min"); in.TargetType = domain.Ptr("SMTP"); return in }(), field: "targetType"},
		{name: "missing url", in: JobInput{Name: domain.Ptr("x"), Cron: domain.Ptr("5 min")}, field: "url"},
		{name: "message without recipients", in: JobInput{
			Name: domain.Ptr("x"), Cron: domain.Ptr("5 min"), TargetType: domain.Ptr("MESSAGE"),
			ChannelID: domain.Ptr(storage.DefaultChannelID), MessageTemplate: domain.Ptr("hi"),
		}, field: "recipients"},
		{name: "unknown channel", in: JobInput{
			Name: domain.Ptr("x"), Cron: domain.Ptr("5 min"), TargetType: domain.Ptr("message"),
			ChannelID: domain.Ptr("nope"), MessageTemplate: domain.Ptr("hi"), Recipients: []string{"1"},
		}, field: "channelId"},
		{name: "unknown function", in: JobInput{
			Name: domain.Ptr("x"), Cron: domain.Ptr("5 min"), TargetType: domain.Ptr("FUNCTION"), FunctionID: domain.Ptr("nope"),
		}, field: "functionId"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tt.in)
			var ve *domain.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Create error = %v, want ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Fatalf("field = %q, want %q (%v)", ve.Field, tt.field, err)
			}
		})
	}
	if n := q.Len(); n != 0 {
		t.Fatalf("queue entries = %d, want 0 after rejected creates", n)
	}
}

func TestCreateInlineFunction(t *testing.T) {
	t.Parallel()
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	job, err := svc.Create(ctx, JobInput{
		Name:         domain.Ptr("fn"),
		Cron:         domain.Ptr("in 10 min"),
		TargetType:   domain.Ptr("FUNCTION"),
		FunctionCode: domain.Ptr("module.exports = async () => 1"),
		ChannelID:    domain.Ptr(storage.DefaultChannelID),
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if job.IsRecurring || job.Cron != "in 10 min" {
		t.Fatalf("job = recurring %v cron %q, want one-shot", job.IsRecurring, job.Cron)
	}
	if job.ChannelID != storage.DefaultChannelID {
		t.Fatalf("ChannelID = %q, want default channel", job.ChannelID)
	}
	fn, err := repo.GetFunction(ctx, job.Target.Function.FunctionID)
	if err != nil {
		t.Fatalf("GetFunction error: %v", err)
	}
	if fn.Runtime != domain.RuntimeVM || fn.Version != 1 || fn.Checksum != domain.Checksum(fn.Code) {
		t.Fatalf("function = %+v, want vm v1 with checksum", fn)
	}
}

func TestPauseResume(t *testing.T) {
	t.Parallel()
	svc, _, q := newTestService(t)
	ctx := context.Background()
	job, err := svc.Create(ctx, httpInput("ping", "0 * * * *"))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	paused, err := svc.Pause(ctx, job.ID)
	if err != nil {
		t.Fatalf("Pause error: %v", err)
	}
	if paused.IsActive || paused.NextRunAt != nil {
		t.Fatalf("paused = active %v next %v, want inactive", paused.IsActive, paused.NextRunAt)
	}
	if _, ok, _ := q.FindByKey(ctx, scheduler.JobKey(job.ID)); ok {
		t.Fatalf("paused job still queued")
	}

	resumed, err := svc.Resume(ctx, job.ID)
	if err != nil {
		t.Fatalf("Resume error: %v", err)
	}
	if !resumed.IsActive || resumed.NextRunAt == nil {
		t.Fatalf("resumed = active %v next %v, want active with next run", resumed.IsActive, resumed.NextRunAt)
	}
	if _, ok, _ := q.FindByKey(ctx, scheduler.JobKey(job.ID)); !ok {
		t.Fatalf("resumed job not queued")
	}
}

func TestUpdateSchedule(t *testing.T) {
	t.Parallel()
	svc, _, q := newTestService(t)
	ctx := context.Background()
	job, err := svc.Create(ctx, httpInput("ping", "0 * * * *"))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	before, _, _ := q.FindByKey(ctx, scheduler.JobKey(job.ID))

	updated, err := svc.Update(ctx, job.ID, JobInput{Cron: domain.Ptr("daily at 9:30"), Timezone: domain.Ptr("America/Sao_Paulo")})
	if err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if updated.Cron != "30 9 * * *" || updated.Timezone != "America/Sao_Paulo" {
		t.Fatalf("updated = %q %q, want 30 9 * * * America/Sao_Paulo", updated.Cron, updated.Timezone)
	}
	loc, _ := time.LoadLocation("America/Sao_Paulo")
	if n := updated.NextRunAt.In(loc); n.Hour() != 9 || n.Minute() != 30 {
		t.Fatalf("NextRunAt = %v, want 09:30 local", n)
	}
	after, ok, _ := q.FindByKey(ctx, scheduler.JobKey(job.ID))
	if !ok || after.Payload.RunID == before.Payload.RunID {
		t.Fatalf("entry not replaced after schedule change")
	}

	renamed, err := svc.Update(ctx, job.ID, JobInput{Name: domain.Ptr("renamed")})
	if err != nil {
		t.Fatalf("rename error: %v", err)
	}
	same, _, _ := q.FindByKey(ctx, scheduler.JobKey(job.ID))
	if renamed.Name != "renamed" || same.Payload.RunID != after.Payload.RunID {
		t.Fatalf("rename rescheduled the job")
	}
}

func TestUpdateKeepsFieldsItDoesNotTouch(t *testing.T) {
	t.Parallel()
	svc, repo, q := newTestService(t)
	ctx := context.Background()
	job, err := svc.Create(ctx, httpInput("once", "in 5 min"))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	// The one-shot completed and was deactivated by its worker.
	if _, err := repo.UpdateJob(ctx, job.ID, domain.JobPatch{IsActive: domain.Ptr(false), NextRunAt: domain.Ptr[*time.Time](nil)}); err != nil {
		t.Fatalf("UpdateJob error: %v", err)
	}
	if _, err := q.Cancel(ctx, scheduler.JobKey(job.ID)); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}

	renamed, err := svc.Update(ctx, job.ID, JobInput{Name: domain.Ptr("renamed")})
	if err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if renamed.Name != "renamed" || renamed.IsActive || renamed.NextRunAt != nil {
		t.Fatalf("renamed = %q active %v next %v, want inactive without next run", renamed.Name, renamed.IsActive, renamed.NextRunAt)
	}
	if _, ok, _ := q.FindByKey(ctx, scheduler.JobKey(job.ID)); ok {
		t.Fatalf("rename re-queued a finished one-shot")
	}

	// A schedule edit on a paused job is validated and kept for resume.
	paused, err := svc.Update(ctx, job.ID, JobInput{Cron: domain.Ptr("10 min")})
	if err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if paused.Cron != "*/10 * * * *" || !paused.IsRecurring || paused.IsActive {
		t.Fatalf("paused = %q recurring %v active %v, want */10 recurring inactive", paused.Cron, paused.IsRecurring, paused.IsActive)
	}
	if _, err := svc.Update(ctx, job.ID, JobInput{Cron: domain.Ptr("not a schedule")}); !domain.IsValidation(err) {
		t.Fatalf("bad schedule on paused job error = %v, want validation error", err)
	}
}

func TestUpdateChangesTargetKind(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	job, err := svc.Create(ctx, httpInput("ping", "0 * * * *"))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	updated, err := svc.Update(ctx, job.ID, JobInput{
		TargetType:      domain.Ptr("MESSAGE"),
		ChannelID:       domain.Ptr(storage.DefaultChannelID),
		MessageTemplate: domain.Ptr("hello {{name}}"),
		Recipients:      []string{"5511999999999"},
	})
	if err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if updated.Target.Kind != domain.TargetMessage || updated.Target.HTTP != nil {
		t.Fatalf("target = %+v, want MESSAGE only", updated.Target)
	}
	if updated.ChannelID != storage.DefaultChannelID {
		t.Fatalf("ChannelID = %q, want default channel", updated.ChannelID)
	}
}

func TestTriggerAndListRuns(t *testing.T) {
	t.Parallel()
	svc, _, q := newTestService(t)
	ctx := context.Background()
	job, err := svc.Create(ctx, httpInput("ping", "0 * * * *"))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	run, err := svc.Trigger(ctx, job.ID)
	if err != nil {
		t.Fatalf("Trigger error: %v", err)
	}
	p, ok, _ := q.FindByKey(ctx, scheduler.ManualKey(run.ID))
	if !ok || !p.Payload.Manual || p.Payload.RunID != run.ID {
		t.Fatalf("manual entry = %+v (found %v), want manual run %s", p, ok, run.ID)
	}
	if p.DueAt.After(time.Now()) {
		t.Fatalf("manual run due %v, want now", p.DueAt)
	}

	runs, err := svc.ListRuns(ctx, job.ID, -1, 500)
	if err != nil {
		t.Fatalf("ListRuns error: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs = %d, want scheduled + manual", len(runs))
	}
	if _, err := svc.ListRuns(ctx, "missing", 0, 0); !domain.IsNotFound(err) {
		t.Fatalf("ListRuns(missing) error = %v, want not found", err)
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()
	svc, _, q := newTestService(t)
	ctx := context.Background()
	job, err := svc.Create(ctx, httpInput("ping", "0 * * * *"))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if err := svc.Delete(ctx, job.ID); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if _, err := svc.Get(ctx, job.ID); !domain.IsNotFound(err) {
		t.Fatalf("Get after delete error = %v, want not found", err)
	}
	if n := q.Len(); n != 0 {
		t.Fatalf("queue entries = %d, want 0", n)
	}
	if err := svc.Delete(ctx, job.ID); !domain.IsNotFound(err) {
		t.Fatalf("second Delete error = %v, want not found", err)
	}
}

func TestFunctionService(t *testing.T) {
	t.Parallel()
	repo := storage.NewMemory()
	fs := NewFunctionService(repo, logx.Nop())
	ctx := context.Background()

	if _, err := fs.Create(ctx, FunctionInput{Code: domain.Ptr("x"), Runtime: domain.Ptr("python")}); !domain.IsValidation(err) {
		t.Fatalf("Create(python) error = %v, want validation", err)
	}
	if _, err := fs.Create(ctx, FunctionInput{}); !domain.IsValidation(err) {
		t.Fatalf("Create(no code) error = %v, want validation", err)
	}
	fn, err := fs.Create(ctx, FunctionInput{Code: domain.Ptr("module.exports = () => 1")})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if _, err := repo.UpdateFunction(ctx, fn.ID, domain.FunctionPatch{State: []byte(`{"n":1}`)}); err != nil {
		t.Fatalf("UpdateFunction error: %v", err)
	}

	up, err := fs.Update(ctx, fn.ID, FunctionInput{Code: domain.Ptr("module.exports = () => 2")})
	if err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if up.Version != 2 || up.Checksum != domain.Checksum("module.exports = () => 2") {
		t.Fatalf("updated = v%d %s, want v2 with new checksum", up.Version, up.Checksum)
	}
	if string(up.State) != `{"n":1}` {
		t.Fatalf("state = %s, want kept", up.State)
	}
	if err := fs.Delete(ctx, fn.ID); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if _, err := fs.Get(ctx, fn.ID); !domain.IsNotFound(err) {
		t.Fatalf("Get after delete error = %v, want not found", err)
	}
}
