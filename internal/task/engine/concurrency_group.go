package engine

import (
	"strings"
	"sync"
)

// group admits up to limit tasks sharing a key. Tasks over the limit are
// parked on the group and handed to the worker that frees a slot, so a full
// group never holds an idle worker. The limit is fixed when the group is
// created; later requests with another limit reuse the first one.
type group struct {
	mu      sync.Mutex
	limit   int
	running int
	parked  []queuedTask
}

// admit takes a slot for qt, or parks it and reports false.
func (g *group) admit(qt queuedTask) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running < g.limit {
		g.running++
		return true
	}
	g.parked = append(g.parked, qt)
	return false
}

// handoff is called when a task of the group finished. The slot passes to
// the oldest parked task if there is one; otherwise it is freed.
func (g *group) handoff() (queuedTask, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.parked) > 0 {
		next := g.parked[0]
		g.parked[0] = queuedTask{}
		g.parked = g.parked[1:]
		return next, true
	}
	g.running--
	return queuedTask{}, false
}

// abandon frees the caller's slot and returns every parked task.
func (g *group) abandon() []queuedTask {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.running--
	out := g.parked
	g.parked = nil
	return out
}

func groupKey(concurrencyKey, name string) string {
	if k := strings.TrimSpace(concurrencyKey); k != "" {
		return k
	}
	return strings.TrimSpace(name)
}

type groupStore struct {
	mu     sync.Mutex
	groups map[string]*group
}

func (s *groupStore) get(key string, limit int) *group {
	if limit <= 0 || key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.groups == nil {
		s.groups = make(map[string]*group)
	}
	g, ok := s.groups[key]
	if !ok {
		g = &group{limit: limit}
		s.groups[key] = g
	}
	return g
}
