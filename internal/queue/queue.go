// Package queue is the durable delayed queue that drives execution.
//
// Every entry has a unique key. Enqueue with an existing key replaces the
// entry and issues a new delivery token, so Ack or Retry of a delivery that
// was superseded in the meantime is a no-op.
package queue

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("queue closed")

// Payload is what the execution worker needs to run one job.
type Payload struct {
	JobID  string `json:"jobId"`
	RunID  string `json:"runId"`
	Manual bool   `json:"manual"`
	// Kind is the job target kind, used to pick a concurrency group.
	Kind string `json:"kind,omitempty"`
}

// Policy bounds redelivery of a failed entry.
type Policy struct {
	Attempts int
	Backoff  time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	return p
}

// backoffFor returns Backoff * 2^(attempt-1).
func (p Policy) backoffFor(attempt int) time.Duration {
	d := p.Backoff
	for i := 1; i < attempt && d < 24*time.Hour; i++ {
		d *= 2
	}
	return d
}

type Entry struct {
	Key     string
	Payload Payload
	Delay   time.Duration
	Policy  Policy
}

// Delivery is a claimed entry. Attempt is 1-based.
type Delivery struct {
	Key     string
	Token   string
	Payload Payload
	Attempt int
	Policy  Policy
}

// Pending describes an entry that is waiting or leased.
type Pending struct {
	Key      string
	Payload  Payload
	DueAt    time.Time
	Attempts int
	Leased   bool
}

type Queue interface {
	// Enqueue stores e due at now+Delay, replacing any entry with the same key.
	Enqueue(ctx context.Context, e Entry) error
	FindByKey(ctx context.Context, key string) (Pending, bool, error)
	// Cancel removes the entry; it reports whether one existed.
	Cancel(ctx context.Context, key string) (bool, error)

	// Claim leases up to limit due entries until now+lease.
	Claim(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Delivery, error)
	// Ack removes a delivered entry if its token is still current.
	Ack(ctx context.Context, d Delivery) error
	// Retry reschedules a delivery with exponential backoff. It returns false
	// when attempts are exhausted (the entry is dropped) or the delivery was
	// superseded.
	Retry(ctx context.Context, d Delivery, now time.Time) (bool, error)
	// NextDue is the earliest due time of a waiting entry.
	NextDue(ctx context.Context) (time.Time, bool, error)
	// Reap returns expired leases to the waiting set, due immediately.
	Reap(ctx context.Context, now time.Time) (int, error)

	// Notify fires when new work may be due earlier than previously known.
	Notify() <-chan struct{}
	Close() error
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
