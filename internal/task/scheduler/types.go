package scheduler

import (
	"context"
	"sync"
	"time"

	"chronos/internal/domain"
	"chronos/internal/eventbus"
	"chronos/internal/queue"
	logx "chronos/pkg/logx"
)

// Config controls the scheduling service.
type Config struct {
	// Policy is applied to every scheduled entry.
	Policy queue.Policy
	// DefaultTimezone is used for jobs without one (IANA, e.g. "Asia/Jakarta").
	DefaultTimezone  string
	ReconcileOnStart bool
}

// Store is the subset of the repository the scheduler writes to.
type Store interface {
	GetJob(ctx context.Context, id string) (domain.Job, error)
	ListJobs(ctx context.Context) ([]domain.Job, error)
	ListSchedulableJobs(ctx context.Context) ([]domain.Job, error)
	UpdateJob(ctx context.Context, id string, p domain.JobPatch) (domain.Job, error)
	CreateRun(ctx context.Context, r domain.Run) (domain.Run, error)
	GetRun(ctx context.Context, id string) (domain.Run, error)
	UpdateRun(ctx context.Context, id string, p domain.RunPatch) (domain.Run, error)
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	started bool

	store Store
	q     queue.Queue
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	locks keyedMutex
}

// keyedMutex serializes scheduling of one job without blocking the others.
type keyedMutex struct {
	mu sync.Mutex
	m  map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.m == nil {
		k.m = map[string]*keyedEntry{}
	}
	e := k.m[key]
	if e == nil {
		e = &keyedEntry{}
		k.m[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}
