package engine_test

import (
	"context"
	"testing"
	"time"

	"sensorlink/pkg/engine"
	"sensorlink/pkg/protocol"
)

func TestHubDoesNotBlockOnSlowConsumer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := engine.NewHub(engine.WithBroadcastBuffer(1), engine.WithClientBuffer(1))
	go hub.Run(ctx)

	fast := hub.SubscribeWithBuffer(128)
	slow := hub.SubscribeWithBuffer(1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			hub.Publish(protocol.Event{Mask: protocol.MaskRefDiode, Snapshot: protocol.SensorSnapshot{RefDiode: uint16(i)}})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatalf("publish blocked on slow consumer")
	}

	received := 0
	timeout := time.After(1 * time.Second)
	for received < 50 {
		select {
		case ev := <-fast:
			if int(ev.Snapshot.RefDiode) != received {
				t.Fatalf("out of order event: got %d want %d", ev.Snapshot.RefDiode, received)
			}
			received++
		case <-timeout:
			t.Fatalf("fast consumer timeout after %d events", received)
		}
	}

	count := 0
	for {
		select {
		case <-slow:
			count++
		default:
			if count > 1 {
				t.Fatalf("slow consumer received %d events, expected at most 1", count)
			}
			if hub.Dropped() == 0 {
				t.Fatalf("expected drops for the slow consumer")
			}
			return
		}
	}
}

func TestTryPublishNeverBlocks(t *testing.T) {
	hub := engine.NewHub(engine.WithBroadcastBuffer(2))

	// Run is not started, so only the broadcast buffer absorbs events.
	accepted := 0
	for i := 0; i < 5; i++ {
		if hub.TryPublish(protocol.Event{}) {
			accepted++
		}
	}
	if accepted != 2 {
		t.Fatalf("expected 2 accepted events, got %d", accepted)
	}
	if hub.Dropped() != 3 {
		t.Fatalf("expected 3 drops, got %d", hub.Dropped())
	}
}

func TestRunClosesSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := engine.NewHub()
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	ch := hub.Subscribe()
	other := hub.Subscribe()
	hub.Unsubscribe(other)
	if _, ok := <-other; ok {
		t.Fatalf("unsubscribed channel should be closed")
	}

	cancel()
	<-stopped
	if _, ok := <-ch; ok {
		t.Fatalf("subscriber channel should be closed after Run returns")
	}
}

func TestSubscribeAfterRunReturns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	hub := engine.NewHub()
	hub.Run(ctx)

	select {
	case <-hub.Done():
	default:
		t.Fatalf("Done should be closed once Run returns")
	}

	subscribed := make(chan chan protocol.Event, 1)
	go func() { subscribed <- hub.Subscribe() }()

	var ch chan protocol.Event
	select {
	case ch = <-subscribed:
	case <-time.After(1 * time.Second):
		t.Fatalf("Subscribe blocked after Run returned")
	}
	if _, ok := <-ch; ok {
		t.Fatalf("subscription on a closed hub should be closed")
	}

	hub.Unsubscribe(ch)

	published := make(chan struct{})
	go func() {
		hub.Publish(protocol.Event{})
		close(published)
	}()
	select {
	case <-published:
	case <-time.After(1 * time.Second):
		t.Fatalf("Publish blocked after Run returned")
	}
	if hub.TryPublish(protocol.Event{}) {
		t.Fatalf("TryPublish should refuse events once the hub is closed")
	}
}

func TestSubscribeBeforeRunReceives(t *testing.T) {
	hub := engine.NewHub()
	ch := hub.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	hub.Publish(protocol.Event{Mask: protocol.MaskTempSensor})
	select {
	case ev := <-ch:
		if ev.Mask != protocol.MaskTempSensor {
			t.Fatalf("unexpected mask %s", ev.Mask)
		}
	case <-time.After(1 * time.Second):
		t.Fatalf("early subscriber missed the event")
	}
}
