package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chronos/internal/eventbus"
	rtsup "chronos/internal/runtime/supervisor"
	logx "chronos/pkg/logx"
)

// Submission errors.
var (
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped: same key already running")
)

const warnThrottleEvery = 5 * time.Second

// Service is a bounded worker pool with per-task timeout, panic recovery,
// retry with backoff, overlap gating and concurrency groups.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q        chan queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	inFlight atomic.Int32
	// parked counts tasks waiting on a full concurrency group.
	parked atomic.Int32

	stateMu sync.Mutex
	states  map[string]*runState

	groups groupStore

	hmu     sync.Mutex
	history []HistoryItem

	idSeq          atomic.Uint64
	dropped        atomic.Uint64
	lastDropWarnAt atomic.Int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions
	state      *runState
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log,
		bus:    bus,
		states: make(map[string]*runState),
	}
}

// Apply swaps the config; worker or queue size changes restart the pool.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize) {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	cfg := s.cfg
	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	s.inFlight.Store(0)
	s.parked.Store(0)
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	stopCh, queue, sup := s.stopCh, s.q, s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, queue, idx)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)))
}

// Stop signals the workers and waits for in-flight tasks or ctx.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	sup.Cancel()
	go func() {
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Running reports whether workers are accepting tasks.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh != nil && s.stopDone == nil
}

// Free is the number of tasks the pool can take without queueing behind
// busy workers.
func (s *Service) Free() int {
	s.mu.Lock()
	q := s.q
	workers := s.cfg.Workers
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()
	if !running || q == nil {
		return 0
	}
	n := workers - int(s.inFlight.Load()) - int(s.parked.Load()) - len(q)
	if n < 0 {
		return 0
	}
	return n
}

// Enqueue adds a task without blocking; a full queue drops it.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit blocks until the task is queued, ctx is done, or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}

	s.mu.Lock()
	cfg, q, stopCh, stopping := s.cfg, s.q, s.stopCh, s.stopDone != nil
	s.mu.Unlock()

	if q == nil || stopCh == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	opt := t.Opt.withDefaults(cfg)

	var st *runState
	if opt.Overlap == OverlapSkipIfRunning {
		st = s.stateFor(t.Name)
		if !st.tryAcquire() {
			s.publish(eventbus.TaskSkipped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "overlap_skip"})
			s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("id", t.ID))
			return ErrOverlapSkip
		}
	}
	qt := queuedTask{task: t, enqueuedAt: now, timeout: timeout, opt: opt, state: st}

	if !block {
		select {
		case q <- qt:
			return nil
		default:
			qt.releaseState()
			s.onDropped(now, t, "queue_full")
			return ErrQueueFull
		}
	}
	select {
	case q <- qt:
		return nil
	case <-ctx.Done():
		qt.releaseState()
		return ctx.Err()
	case <-stopCh:
		qt.releaseState()
		return ErrStopping
	}
}

func (qt queuedTask) releaseState() {
	if qt.state != nil {
		qt.state.release()
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q := s.cfg, s.q
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	snap := Snapshot{
		Running:  running,
		Workers:  cfg.Workers,
		InFlight: int(s.inFlight.Load()),
		Parked:   int(s.parked.Load()),
		Dropped:  s.dropped.Load(),
		Timeout:  cfg.DefaultTimeout,
		RetryMax: cfg.RetryMax,
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) stateFor(key string) *runState {
	if key == "" {
		key = "default"
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[key]
	if st == nil {
		st = &runState{}
		s.states[key] = st
	}
	return st
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
	}
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) onDropped(now time.Time, t Task, reason string) {
	n := s.dropped.Add(1)
	s.publish(eventbus.TaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: reason})

	prev := s.lastDropWarnAt.Load()
	if prev != 0 && now.UnixNano()-prev < int64(warnThrottleEvery) {
		return
	}
	if s.lastDropWarnAt.CompareAndSwap(prev, now.UnixNano()) {
		s.log.Warn("task dropped", logx.String("task", t.Name), logx.String("id", t.ID), logx.String("reason", reason), logx.Uint64("dropped", n))
	}
}
