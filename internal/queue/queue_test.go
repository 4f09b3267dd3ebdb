package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"chronos/internal/eventbus"
	"chronos/internal/task/engine"
	logx "chronos/pkg/logx"
)

func backends(t *testing.T) map[string]Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	rq := NewRedis(rdb, "test", logx.Nop())
	t.Cleanup(func() { _ = rq.Close() })
	return map[string]Queue{"memory": NewMemory(), "redis": rq}
}

func claimOne(t *testing.T, q Queue, now time.Time, lease time.Duration) Delivery {
	t.Helper()
	ds, err := q.Claim(context.Background(), now, 10, lease)
	if err != nil {
		t.Fatalf("Claim error: %v", err)
	}
	if len(ds) != 1 {
		t.Fatalf("Claim returned %d deliveries, want 1", len(ds))
	}
	return ds[0]
}

func TestClaimAck(t *testing.T) {
	t.Parallel()
	for name, q := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := Payload{JobID: "j1", RunID: "r1", Kind: "HTTP"}
			if err := q.Enqueue(ctx, Entry{Key: "chrono:j1", Payload: p}); err != nil {
				t.Fatalf("Enqueue error: %v", err)
			}
			now := time.Now().Add(time.Millisecond)
			d := claimOne(t, q, now, time.Minute)
			if d.Payload != p {
				t.Fatalf("payload = %+v, want %+v", d.Payload, p)
			}
			if d.Attempt != 1 {
				t.Fatalf("attempt = %d, want 1", d.Attempt)
			}
			if ds, _ := q.Claim(ctx, now, 10, time.Minute); len(ds) != 0 {
				t.Fatalf("leased entry claimed twice")
			}
			pend, ok, err := q.FindByKey(ctx, "chrono:j1")
			if err != nil || !ok || !pend.Leased {
				t.Fatalf("FindByKey = %+v, %v, %v; want leased entry", pend, ok, err)
			}
			if err := q.Ack(ctx, d); err != nil {
				t.Fatalf("Ack error: %v", err)
			}
			if _, ok, _ := q.FindByKey(ctx, "chrono:j1"); ok {
				t.Fatalf("entry still present after Ack")
			}
		})
	}
}

func TestRetryBackoffThenDrop(t *testing.T) {
	t.Parallel()
	for name, q := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			pol := Policy{Attempts: 2, Backoff: time.Second}
			if err := q.Enqueue(ctx, Entry{Key: "k", Payload: Payload{JobID: "j"}, Policy: pol}); err != nil {
				t.Fatalf("Enqueue error: %v", err)
			}
			now := time.Now().Add(time.Millisecond)
			d := claimOne(t, q, now, time.Minute)
			ok, err := q.Retry(ctx, d, now)
			if err != nil || !ok {
				t.Fatalf("Retry = %v, %v; want true", ok, err)
			}
			next, found, err := q.NextDue(ctx)
			if err != nil || !found {
				t.Fatalf("NextDue = %v, %v, %v", next, found, err)
			}
			if got := next.Sub(now); got < 990*time.Millisecond || got > time.Second+10*time.Millisecond {
				t.Fatalf("retry delay = %v, want ~1s", got)
			}
			if ds, _ := q.Claim(ctx, now, 10, time.Minute); len(ds) != 0 {
				t.Fatalf("retried entry claimed before backoff elapsed")
			}

			d = claimOne(t, q, now.Add(2*time.Second), time.Minute)
			if d.Attempt != 2 {
				t.Fatalf("attempt = %d, want 2", d.Attempt)
			}
			ok, err = q.Retry(ctx, d, now.Add(2*time.Second))
			if err != nil || ok {
				t.Fatalf("Retry after last attempt = %v, %v; want false", ok, err)
			}
			if _, found, _ := q.FindByKey(ctx, "k"); found {
				t.Fatalf("exhausted entry still present")
			}
		})
	}
}

func TestSupersededDeliveryIsIgnored(t *testing.T) {
	t.Parallel()
	for name, q := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := q.Enqueue(ctx, Entry{Key: "k", Payload: Payload{RunID: "old"}}); err != nil {
				t.Fatalf("Enqueue error: %v", err)
			}
			old := claimOne(t, q, time.Now().Add(time.Millisecond), time.Minute)
			if err := q.Enqueue(ctx, Entry{Key: "k", Payload: Payload{RunID: "new"}, Delay: time.Hour}); err != nil {
				t.Fatalf("Enqueue error: %v", err)
			}
			if err := q.Ack(ctx, old); err != nil {
				t.Fatalf("Ack error: %v", err)
			}
			if ok, _ := q.Retry(ctx, old, time.Now()); ok {
				t.Fatalf("Retry of superseded delivery = true, want false")
			}
			pend, found, err := q.FindByKey(ctx, "k")
			if err != nil || !found {
				t.Fatalf("FindByKey = %v, %v; want replacement entry", found, err)
			}
			if pend.Payload.RunID != "new" || pend.Leased {
				t.Fatalf("pending = %+v, want waiting entry for run new", pend)
			}
		})
	}
}

func TestReapExpiredLease(t *testing.T) {
	t.Parallel()
	for name, q := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := q.Enqueue(ctx, Entry{Key: "k", Payload: Payload{JobID: "j"}, Policy: Policy{Attempts: 3}}); err != nil {
				t.Fatalf("Enqueue error: %v", err)
			}
			now := time.Now().Add(time.Millisecond)
			claimOne(t, q, now, time.Second)
			if n, _ := q.Reap(ctx, now); n != 0 {
				t.Fatalf("Reap before expiry = %d, want 0", n)
			}
			later := now.Add(2 * time.Second)
			n, err := q.Reap(ctx, later)
			if err != nil || n != 1 {
				t.Fatalf("Reap = %d, %v; want 1", n, err)
			}
			d := claimOne(t, q, later, time.Second)
			if d.Attempt != 2 {
				t.Fatalf("attempt after reap = %d, want 2", d.Attempt)
			}
		})
	}
}

func TestCancelAndNextDue(t *testing.T) {
	t.Parallel()
	for name, q := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, found, _ := q.NextDue(ctx); found {
				t.Fatalf("NextDue on empty queue found an entry")
			}
			_ = q.Enqueue(ctx, Entry{Key: "late", Delay: time.Hour})
			_ = q.Enqueue(ctx, Entry{Key: "soon", Delay: time.Minute})
			next, found, err := q.NextDue(ctx)
			if err != nil || !found {
				t.Fatalf("NextDue = %v, %v", found, err)
			}
			if d := time.Until(next); d > time.Minute || d < 50*time.Second {
				t.Fatalf("NextDue in %v, want ~1m", d)
			}
			ok, err := q.Cancel(ctx, "soon")
			if err != nil || !ok {
				t.Fatalf("Cancel = %v, %v; want true", ok, err)
			}
			if ok, _ := q.Cancel(ctx, "soon"); ok {
				t.Fatalf("second Cancel = true, want false")
			}
			next, _, _ = q.NextDue(ctx)
			if d := time.Until(next); d < 50*time.Minute {
				t.Fatalf("NextDue after cancel in %v, want ~1h", d)
			}
		})
	}
}

func TestPolicyBackoff(t *testing.T) {
	t.Parallel()
	p := Policy{Attempts: 5, Backoff: 100 * time.Millisecond}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{4, 800 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := p.backoffFor(tt.attempt); got != tt.want {
			t.Fatalf("backoffFor(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
	if got := (Policy{}).withDefaults().Attempts; got != 1 {
		t.Fatalf("default attempts = %d, want 1", got)
	}
}

func TestConsumerRetriesFailedDelivery(t *testing.T) {
	t.Parallel()
	eng := engine.New(engine.Config{Workers: 2}, logx.Nop(), eventbus.New())
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})

	q := NewMemory()
	var calls atomic.Int32
	done := make(chan Delivery, 1)
	h := func(ctx context.Context, d Delivery) error {
		if calls.Add(1) == 1 {
			return errors.New("upstream down")
		}
		done <- d
		return nil
	}
	c := NewConsumer(q, eng, h, ConsumerConfig{Lease: time.Minute, MaxIdle: 50 * time.Millisecond}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	if err := q.Enqueue(ctx, Entry{Key: "chrono:j", Payload: Payload{JobID: "j"}, Policy: Policy{Attempts: 3, Backoff: 10 * time.Millisecond}}); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	select {
	case d := <-done:
		if d.Attempt != 2 {
			t.Fatalf("successful attempt = %d, want 2", d.Attempt)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("delivery was not retried")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, found, _ := q.FindByKey(ctx, "chrono:j"); !found {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("entry still queued after successful delivery")
}

func TestConsumerAcksFinalFailure(t *testing.T) {
	t.Parallel()
	eng := engine.New(engine.Config{Workers: 2}, logx.Nop(), eventbus.New())
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})

	q := NewMemory()
	var calls atomic.Int32
	h := func(ctx context.Context, d Delivery) error {
		calls.Add(1)
		return engine.NoRetry(errors.New("Function timeout"))
	}
	c := NewConsumer(q, eng, h, ConsumerConfig{Lease: time.Minute, MaxIdle: 20 * time.Millisecond}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	if err := q.Enqueue(ctx, Entry{Key: "manual:r", Payload: Payload{JobID: "j", RunID: "r", Manual: true}, Policy: Policy{Attempts: 3, Backoff: 10 * time.Millisecond}}); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, found, _ := q.FindByKey(ctx, "manual:r"); !found && calls.Load() == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Fatalf("handler calls = %d, want 1", n)
	}
	if _, found, _ := q.FindByKey(ctx, "manual:r"); found {
		t.Fatalf("entry still queued after a final failure")
	}
}
