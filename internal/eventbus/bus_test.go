package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: RunStarted, Data: "r1"})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != RunStarted || e.Data != "r1" {
				t.Fatalf("event = %+v, want run.started r1", e)
			}
			if e.Time.IsZero() {
				t.Fatalf("event time not stamped")
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber did not receive event")
		}
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})

	if e := <-ch; e.Type != "a" {
		t.Fatalf("first event = %q, want a", e.Type)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %q, want dropped", e.Type)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after unsubscribe")
	}
	b.Publish(Event{Type: "after"})
}
