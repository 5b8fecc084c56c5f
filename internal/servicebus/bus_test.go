package servicebus

import (
	"context"
	"testing"
	"time"
)

func TestSubscribeSnapshotAtomicity(t *testing.T) {
	bus := New()
	var seq uint64
	svc := bus.AddService("video", 16, 16, func(swap *Subscriber) {
		swap.send(Message{VideoFrame: true, Seq: 0, Payload: "snapshot"})
	})

	sub := svc.Subscribe(1, true)
	if sub == nil {
		t.Fatal("expected non-nil subscriber")
	}

	// Live messages sent before the subscriber is promoted must not be
	// visible to it; the first message it ever observes must be the
	// snapshot, never a live frame.
	seq++
	svc.Send(Message{VideoFrame: true, Seq: seq, Payload: "live-1"})

	select {
	case msg := <-sub.Video:
		if msg.Payload != "snapshot" {
			t.Fatalf("expected snapshot first, got %v", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
	}

	select {
	case msg := <-sub.Video:
		if msg.Payload != "live-1" {
			t.Fatalf("expected live-1 after snapshot, got %v", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live frame")
	}
}

func TestSubscribeIdempotent(t *testing.T) {
	bus := New()
	svc := bus.AddService("cursor", 0, 8, nil)

	a := svc.Subscribe(1, true)
	b := svc.Subscribe(1, true)
	if a != b {
		t.Fatal("expected the same subscriber on repeated enable")
	}
	if svc.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", svc.SubscriberCount())
	}

	svc.Subscribe(1, false)
	if svc.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers after disable, got %d", svc.SubscriberCount())
	}
	svc.Subscribe(1, false) // disabling twice is a no-op, not an error
}

func TestHibernateWithNoSubscribers(t *testing.T) {
	bus := New()
	svc := bus.AddService("audio", 0, 8, nil)

	var calls int
	ctx, cancel := context.WithCancel(context.Background())
	svc.Repeat(ctx, 5*time.Millisecond, func(context.Context) error {
		calls++
		return nil
	})

	time.Sleep(30 * time.Millisecond)
	cancel()
	svc.Stop()

	if calls != 0 {
		t.Fatalf("expected callback never invoked with zero subscribers, got %d calls", calls)
	}
}

func TestRepeatDrivesSubscribedService(t *testing.T) {
	bus := New()
	svc := bus.AddService("cursor-pos", 0, 8, func(swap *Subscriber) {
		swap.send(Message{Payload: "snap"})
	})
	svc.Subscribe(1, true)

	var calls int
	ctx, cancel := context.WithCancel(context.Background())
	svc.Repeat(ctx, 5*time.Millisecond, func(context.Context) error {
		calls++
		return nil
	})

	time.Sleep(60 * time.Millisecond)
	cancel()
	svc.Stop()

	if calls == 0 {
		t.Fatal("expected callback to run at least once with a live subscriber")
	}
}
