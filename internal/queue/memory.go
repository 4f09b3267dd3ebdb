package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memEntry struct {
	payload  Payload
	policy   Policy
	token    string
	attempts int
	dueAt    time.Time
	leased   bool
	leaseTil time.Time
}

// Memory is a process-local Queue for tests and single-node development.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	notify  chan struct{}
	closed  bool
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: map[string]*memEntry{}, notify: make(chan struct{}, 1), now: time.Now}
}

// Len counts waiting and leased entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Memory) Enqueue(_ context.Context, e Entry) error {
	if e.Delay < 0 {
		e.Delay = 0
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.entries[e.Key] = &memEntry{
		payload: e.Payload,
		policy:  e.Policy.withDefaults(),
		token:   uuid.NewString(),
		dueAt:   m.now().Add(e.Delay),
	}
	m.mu.Unlock()
	signal(m.notify)
	return nil
}

func (m *Memory) FindByKey(_ context.Context, key string) (Pending, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return Pending{}, false, nil
	}
	return Pending{Key: key, Payload: e.payload, DueAt: e.dueAt, Attempts: e.attempts, Leased: e.leased}, true, nil
}

func (m *Memory) Cancel(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	delete(m.entries, key)
	return ok, nil
}

func (m *Memory) Claim(_ context.Context, now time.Time, limit int, lease time.Duration) ([]Delivery, error) {
	if limit <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	due := make([]string, 0)
	for k, e := range m.entries {
		if !e.leased && !e.dueAt.After(now) {
			due = append(due, k)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := m.entries[due[i]], m.entries[due[j]]
		if a.dueAt.Equal(b.dueAt) {
			return due[i] < due[j]
		}
		return a.dueAt.Before(b.dueAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]Delivery, 0, len(due))
	for _, k := range due {
		e := m.entries[k]
		e.attempts++
		e.leased = true
		e.leaseTil = now.Add(lease)
		out = append(out, Delivery{Key: k, Token: e.token, Payload: e.payload, Attempt: e.attempts, Policy: e.policy})
	}
	return out, nil
}

func (m *Memory) Ack(_ context.Context, d Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[d.Key]; ok && e.token == d.Token {
		delete(m.entries, d.Key)
	}
	return nil
}

func (m *Memory) Retry(_ context.Context, d Delivery, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[d.Key]
	if !ok || e.token != d.Token {
		return false, nil
	}
	if e.attempts >= e.policy.Attempts {
		delete(m.entries, d.Key)
		return false, nil
	}
	e.leased = false
	e.leaseTil = time.Time{}
	e.dueAt = now.Add(e.policy.backoffFor(e.attempts))
	signal(m.notify)
	return true, nil
}

func (m *Memory) NextDue(_ context.Context) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var next time.Time
	found := false
	for _, e := range m.entries {
		if e.leased {
			continue
		}
		if !found || e.dueAt.Before(next) {
			next, found = e.dueAt, true
		}
	}
	return next, found, nil
}

func (m *Memory) Reap(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.leased && !e.leaseTil.After(now) {
			e.leased = false
			e.dueAt = now
			n++
		}
	}
	return n, nil
}

func (m *Memory) Notify() <-chan struct{} { return m.notify }

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
