package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chronos/internal/domain"
)

// Memory is a process-local Repository.
type Memory struct {
	mu        sync.RWMutex
	jobs      map[string]domain.Job
	runs      map[string]domain.Run
	functions map[string]domain.Function
	channels  map[string]domain.Channel
	now       func() time.Time
}

func NewMemory() *Memory {
	m := &Memory{
		jobs:      map[string]domain.Job{},
		runs:      map[string]domain.Run{},
		functions: map[string]domain.Function{},
		channels:  map[string]domain.Channel{},
		now:       time.Now,
	}
	c := defaultChannel(m.now().UTC())
	m.channels[c.ID] = c
	return m
}

func (m *Memory) Close() error { return nil }

func (m *Memory) CreateJob(_ context.Context, j domain.Job) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	now := m.now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	j = trimJob(j)
	m.jobs[j.ID] = j
	return j, nil
}

func (m *Memory) GetJob(_ context.Context, id string) (domain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, domain.NotFound("chrono", id)
	}
	return j, nil
}

func (m *Memory) ListJobs(_ context.Context) ([]domain.Job, error) {
	out := m.filterJobs(func(domain.Job) bool { return true })
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out, nil
}

func (m *Memory) ListSchedulableJobs(_ context.Context) ([]domain.Job, error) {
	out := m.filterJobs(func(j domain.Job) bool { return j.IsActive })
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (m *Memory) FindDueJobs(_ context.Context, now time.Time) ([]domain.Job, error) {
	out := m.filterJobs(func(j domain.Job) bool {
		return j.IsActive && j.NextRunAt != nil && !j.NextRunAt.After(now)
	})
	sort.Slice(out, func(i, k int) bool { return out[i].NextRunAt.Before(*out[k].NextRunAt) })
	return out, nil
}

func (m *Memory) filterJobs(keep func(domain.Job) bool) []domain.Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if keep(j) {
			out = append(out, j)
		}
	}
	return out
}

func (m *Memory) UpdateJob(_ context.Context, id string, p domain.JobPatch) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, domain.NotFound("chrono", id)
	}
	p.Apply(&j)
	j.UpdatedAt = m.now()
	j = trimJob(j)
	m.jobs[id] = j
	return j, nil
}

func (m *Memory) DeleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return domain.NotFound("chrono", id)
	}
	delete(m.jobs, id)
	for rid, r := range m.runs {
		if r.JobID == id {
			delete(m.runs, rid)
		}
	}
	return nil
}

func (m *Memory) CreateRun(_ context.Context, r domain.Run) (domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[r.JobID]; !ok {
		return domain.Run{}, domain.NotFound("chrono", r.JobID)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.now()
	}
	if r.Status == "" {
		r.Status = domain.StatusPending
	}
	r = trimRun(r)
	m.runs[r.ID] = r
	return r, nil
}

func (m *Memory) GetRun(_ context.Context, id string) (domain.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return domain.Run{}, domain.NotFound("run", id)
	}
	return r, nil
}

func (m *Memory) UpdateRun(_ context.Context, id string, p domain.RunPatch) (domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return domain.Run{}, domain.NotFound("run", id)
	}
	p.Apply(&r)
	r = trimRun(r)
	m.runs[id] = r
	return r, nil
}

func (m *Memory) ListRuns(_ context.Context, jobID string, skip, take int) ([]domain.Run, error) {
	m.mu.RLock()
	out := make([]domain.Run, 0)
	for _, r := range m.runs {
		if r.JobID == jobID {
			out = append(out, r)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID > out[k].ID
		}
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	if skip < 0 {
		skip = 0
	}
	if take <= 0 {
		take = 20
	}
	if skip >= len(out) {
		return []domain.Run{}, nil
	}
	out = out[skip:]
	if len(out) > take {
		out = out[:take]
	}
	return out, nil
}

func (m *Memory) CreateFunction(_ context.Context, f domain.Function) (domain.Function, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	now := m.now()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	if f.Version <= 0 {
		f.Version = 1
	}
	if f.Checksum == "" {
		f.Checksum = domain.Checksum(f.Code)
	}
	f.CreatedAt = trimMillis(f.CreatedAt)
	f.UpdatedAt = trimMillis(f.UpdatedAt)
	m.functions[f.ID] = f
	return f, nil
}

func (m *Memory) GetFunction(_ context.Context, id string) (domain.Function, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.functions[id]
	if !ok {
		return domain.Function{}, domain.NotFound("function", id)
	}
	return f, nil
}

func (m *Memory) UpdateFunction(_ context.Context, id string, p domain.FunctionPatch) (domain.Function, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.functions[id]
	if !ok {
		return domain.Function{}, domain.NotFound("function", id)
	}
	applyFunctionPatch(&f, p, m.now())
	f.UpdatedAt = trimMillis(f.UpdatedAt)
	m.functions[id] = f
	return f, nil
}

func (m *Memory) DeleteFunction(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.functions[id]; !ok {
		return domain.NotFound("function", id)
	}
	delete(m.functions, id)
	return nil
}

func (m *Memory) GetChannel(_ context.Context, id string) (domain.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.channels[id]
	if !ok {
		return domain.Channel{}, domain.NotFound("channel", id)
	}
	return c, nil
}

func (m *Memory) FindChannelByProviderAndSession(_ context.Context, provider, session string) (domain.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := strings.ToLower(strings.TrimSpace(session))
	for _, c := range m.channels {
		if c.Provider == provider && c.Session() == want {
			return c, nil
		}
	}
	return domain.Channel{}, domain.NotFound("channel", provider+"/"+session)
}

func (m *Memory) UpsertChannel(_ context.Context, c domain.Channel) (domain.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := m.now()
	if prev, ok := m.channels[c.ID]; ok {
		c.CreatedAt = prev.CreatedAt
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.CreatedAt = trimMillis(c.CreatedAt)
	c.UpdatedAt = trimMillis(c.UpdatedAt)
	m.channels[c.ID] = c
	return c, nil
}
