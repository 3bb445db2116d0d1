package events

import (
	"testing"
	"time"
)

func receive(t *testing.T, sub *Subscription) (Event, bool) {
	t.Helper()
	select {
	case evt, ok := <-sub.C():
		return evt, ok
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for an event")
	}
	return Event{}, false
}

func TestNoReplayForLateSubscribers(t *testing.T) {
	bus := NewBus()
	bus.Publish(UpdateStatus, "first")

	sub := bus.Subscribe(UpdateStatus)
	defer sub.Unsubscribe()

	select {
	case evt := <-sub.C():
		t.Fatalf("late subscriber should not receive events published before it subscribed, got %v", evt)
	default:
	}

	bus.Publish(UpdateStatus, "second")
	evt, _ := receive(t, sub)
	if evt.Payload != "second" || evt.Channel != UpdateStatus {
		t.Errorf("subscriber should receive the event published after subscribing, got %+v", evt)
	}
}

func TestChannelFiltering(t *testing.T) {
	bus := NewBus()
	flashSub := bus.Subscribe(FlashState, FlashStopped)
	allSub := bus.Subscribe()
	defer flashSub.Unsubscribe()
	defer allSub.Unsubscribe()

	bus.Publish(UpdateStatus, 1)
	bus.Publish(FlashStopped, true)

	evt, _ := receive(t, flashSub)
	if evt.Channel != FlashStopped {
		t.Errorf("filtered subscriber should only receive flash events, got %s", evt.Channel)
	}

	first, _ := receive(t, allSub)
	second, _ := receive(t, allSub)
	if first.Channel != UpdateStatus || second.Channel != FlashStopped {
		t.Errorf("wildcard subscriber should receive all events in order, got %s then %s", first.Channel, second.Channel)
	}

	flashSub.Remove(FlashStopped)
	flashSub.Add(Log)
	bus.Publish(FlashStopped, false)
	bus.Publish(Log, "line")
	evt, _ = receive(t, flashSub)
	if evt.Channel != Log {
		t.Errorf("subscription should follow Add/Remove changes, got %s", evt.Channel)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(Log)
	if bus.Subscribers() != 1 {
		t.Fatalf("bus should have 1 subscriber, has %d", bus.Subscribers())
	}

	sub.Unsubscribe()
	sub.Unsubscribe()

	if bus.Subscribers() != 0 {
		t.Errorf("bus should have no subscribers after Unsubscribe, has %d", bus.Subscribers())
	}
	if _, ok := <-sub.C(); ok {
		t.Errorf("subscription channel should be closed after Unsubscribe")
	}

	// publishing after unsubscribe must not panic on the closed channel
	bus.Publish(Log, "after")
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(Progress)
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufSize*2; i++ {
			bus.Publish(Progress, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish should never block on a full subscriber")
	}

	if len(sub.C()) != subscriberBufSize {
		t.Errorf("subscriber buffer should be full with %d events, has %d", subscriberBufSize, len(sub.C()))
	}
}
