package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"chronos/internal/eventbus"
	logx "chronos/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSubmitRunsTask(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 2})
	done := make(chan struct{})
	if err := s.Submit(context.Background(), Task{Name: "ok", Run: func(ctx context.Context) error {
		close(done)
		return nil
	}}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("task did not run")
	}
	waitFor(t, "history", func() bool { return len(s.Snapshot().History) == 1 })
}

func TestRetryThenNoRetry(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, RetryMax: 2})

	var flaky atomic.Int32
	if err := s.Submit(context.Background(), Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
		Run: func(ctx context.Context) error {
			if flaky.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
	}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	var permanent atomic.Int32
	if err := s.Submit(context.Background(), Task{
		Name: "permanent",
		Run: func(ctx context.Context) error {
			permanent.Add(1)
			return NoRetry(errors.New("bad input"))
		},
	}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	waitFor(t, "both tasks", func() bool { return len(s.Snapshot().History) == 2 })
	if flaky.Load() != 3 {
		t.Fatalf("flaky attempts = %d, want 3", flaky.Load())
	}
	if permanent.Load() != 1 {
		t.Fatalf("permanent attempts = %d, want 1", permanent.Load())
	}
	h := s.Snapshot().History
	if h[1].Error != "bad input" {
		t.Fatalf("history error = %q, want unwrapped %q", h[1].Error, "bad input")
	}
}

func TestNoRetryKeepsMessage(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("deliver: %w", NoRetry(errors.New("channel gone")))
	if !IsNoRetry(err) {
		t.Fatalf("IsNoRetry(%v) = false, want true", err)
	}
	if err.Error() != "deliver: channel gone" {
		t.Fatalf("Error() = %q, want %q", err.Error(), "deliver: channel gone")
	}
	if IsNoRetry(errors.New("transient")) || NoRetry(nil) != nil {
		t.Fatalf("plain errors and nil must not be final")
	}
}

func TestTimeoutAndPanicBecomeErrors(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, RetryMax: -1})

	_ = s.Submit(context.Background(), Task{Name: "slow", Timeout: 10 * time.Millisecond, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	_ = s.Submit(context.Background(), Task{Name: "panics", Run: func(ctx context.Context) error {
		panic("boom")
	}})

	waitFor(t, "two results", func() bool { return len(s.Snapshot().History) == 2 })
	h := s.Snapshot().History
	if h[0].Error != context.DeadlineExceeded.Error() {
		t.Fatalf("slow error = %q, want deadline exceeded", h[0].Error)
	}
	if h[1].Error != "panic: boom" {
		t.Fatalf("panic error = %q, want %q", h[1].Error, "panic: boom")
	}
	if !s.Running() {
		t.Fatalf("engine stopped after panic")
	}
}

func TestOverlapSkip(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 2})
	release := make(chan struct{})
	started := make(chan struct{})
	task := Task{Name: "job", ConcurrencyKey: "chrono:1", Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}
	if err := s.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	<-started
	if err := s.Submit(context.Background(), task); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second Submit error = %v, want ErrOverlapSkip", err)
	}
	close(release)
}

func TestConcurrencyGroupLimit(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 4})
	var cur, peak atomic.Int32
	for i := 0; i < 6; i++ {
		err := s.Submit(context.Background(), Task{
			Name:           "fn",
			ConcurrencyKey: "function",
			Opt:            TaskOptions{ConcurrencyLimit: 2},
			Run: func(ctx context.Context) error {
				n := cur.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(15 * time.Millisecond)
				cur.Add(-1)
				return nil
			},
		})
		if err != nil {
			t.Fatalf("Submit error: %v", err)
		}
	}
	waitFor(t, "all tasks", func() bool { return len(s.Snapshot().History) == 6 })
	if peak.Load() > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestFullGroupParksInsteadOfHoldingWorkers(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 2})
	release := make(chan struct{})
	var order []int
	mu := make(chan struct{}, 1)
	for i := 0; i < 3; i++ {
		i := i
		err := s.Submit(context.Background(), Task{
			Name:           fmt.Sprintf("fn-%d", i),
			ConcurrencyKey: "function",
			Opt:            TaskOptions{ConcurrencyLimit: 1},
			Run: func(ctx context.Context) error {
				<-release
				mu <- struct{}{}
				order = append(order, i)
				<-mu
				return nil
			},
		})
		if err != nil {
			t.Fatalf("Submit error: %v", err)
		}
	}
	waitFor(t, "two parked tasks", func() bool {
		snap := s.Snapshot()
		return snap.Parked == 2 && snap.InFlight == 1 && snap.QueueLen == 0
	})
	if free := s.Free(); free != 0 {
		t.Fatalf("Free() = %d with one running and two parked, want 0", free)
	}

	// The second worker is idle, so unrelated work runs while the group is full.
	other := make(chan struct{})
	if err := s.Submit(context.Background(), Task{Name: "other", Run: func(ctx context.Context) error {
		close(other)
		return nil
	}}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	select {
	case <-other:
	case <-time.After(2 * time.Second):
		t.Fatalf("ungrouped task did not run while the group was full")
	}

	close(release)
	waitFor(t, "group drained", func() bool { return len(s.Snapshot().History) == 4 && s.Snapshot().Parked == 0 })
	mu <- struct{}{}
	defer func() { <-mu }()
	if len(order) != 3 {
		t.Fatalf("group ran %v, want all three tasks", order)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue before Start error = %v, want ErrStopped", err)
	}
	if s.Free() != 0 {
		t.Fatalf("Free before Start = %d, want 0", s.Free())
	}
	s.Start(context.Background())
	if s.Free() != 1 {
		t.Fatalf("Free = %d, want 1", s.Free())
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue after Stop error = %v, want ErrStopped", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{6, time.Second},
	}
	for _, tt := range tests {
		if got := backoffDelay(opt, tt.retry, nil); got != tt.want {
			t.Fatalf("backoffDelay(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}
