// Package events is the publish/subscribe registry used by stores to notify the renderer bridge.
//
// Delivery is at-most-once: events are never replayed to late subscribers and a subscriber whose
// buffer is full misses the event instead of blocking the publisher.
package events

import (
	"sync"
	"time"

	"github.com/deskthing/deskthingd/internal/metrics"
)

// Channel names an event stream
type Channel string

// Well known channels
const (
	UpdateStatus     Channel = "update-status"
	UpdateProgress   Channel = "update-progress"
	UpdateError      Channel = "update-error"
	FlashState       Channel = "flash-state"
	TotalSteps       Channel = "total-steps"
	FlashStopped     Channel = "flash-stopped"
	FlashCompleted   Channel = "flash-completed"
	Log              Channel = "log"
	LoadingStatus    Channel = "loading-status"
	Progress         Channel = "progress"
	Notification     Channel = "notification"
	NotificationList Channel = "notification-list"
	ReleaseClient    Channel = "release-client"
	ReleaseApp       Channel = "release-app"
	ReleaseCommunity Channel = "release-community"
	SettingsUpdated  Channel = "settings-updated"
	TaskList         Channel = "task-list"
	Plugins          Channel = "plugins"
	Shutdown         Channel = "shutdown"
)

const subscriberBufSize = 100

// Event is a single message published on a channel
type Event struct {
	Channel Channel     `json:"channel"`
	Payload interface{} `json:"payload"`
	Time    time.Time   `json:"time"`
}

// Publisher is implemented by anything that can publish events. Stores depend on this instead of the Bus
type Publisher interface {
	Publish(channel Channel, payload interface{})
}

// Bus fans out published events to subscribers
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscription]struct{}
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{subscribers: map[*Subscription]struct{}{}}
}

// Publish delivers an event to every subscriber interested in the channel. It never blocks
func (b *Bus) Publish(channel Channel, payload interface{}) {
	evt := Event{Channel: channel, Payload: payload, Time: time.Now()}
	metrics.RecordEventPublished(string(channel))

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		sub.deliver(evt)
	}
}

// Subscribe registers a new subscription for the provided channels. With no channels the
// subscription receives every event. The caller must call Unsubscribe when done
func (b *Bus) Subscribe(channels ...Channel) *Subscription {
	sub := &Subscription{
		bus:      b,
		ch:       make(chan Event, subscriberBufSize),
		channels: map[Channel]bool{},
	}
	for _, c := range channels {
		sub.channels[c] = true
	}

	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Subscribers returns the number of active subscriptions
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Bus) remove(sub *Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, found := b.subscribers[sub]; !found {
		return false
	}
	delete(b.subscribers, sub)
	return true
}

// Subscription is a handle on a set of channels. Its lifetime is explicit: it receives events from
// the moment Subscribe returns until Unsubscribe is called
type Subscription struct {
	bus *Bus
	ch  chan Event

	// guarded by the bus lock for delivery and by its own lock for changes
	access   sync.RWMutex
	channels map[Channel]bool
	closed   bool
}

// C returns the channel on which events are received. It is closed by Unsubscribe
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Add extends the subscription with more channels
func (s *Subscription) Add(channels ...Channel) {
	s.access.Lock()
	defer s.access.Unlock()
	for _, c := range channels {
		s.channels[c] = true
	}
}

// Remove stops delivery for the provided channels. A subscription left with no channels receives everything,
// so callers that want silence should Unsubscribe
func (s *Subscription) Remove(channels ...Channel) {
	s.access.Lock()
	defer s.access.Unlock()
	for _, c := range channels {
		delete(s.channels, c)
	}
}

// Channels returns the channels the subscription is filtered on
func (s *Subscription) Channels() []Channel {
	s.access.RLock()
	defer s.access.RUnlock()
	channels := make([]Channel, 0, len(s.channels))
	for c := range s.channels {
		channels = append(channels, c)
	}
	return channels
}

// Unsubscribe removes the subscription from the bus and closes its channel. Safe to call multiple times
func (s *Subscription) Unsubscribe() {
	if !s.bus.remove(s) {
		return
	}
	s.access.Lock()
	defer s.access.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *Subscription) deliver(evt Event) {
	s.access.RLock()
	defer s.access.RUnlock()
	if s.closed {
		return
	}
	if len(s.channels) > 0 && !s.channels[evt.Channel] {
		return
	}
	select {
	case s.ch <- evt:
	default:
		metrics.RecordEventDropped(string(evt.Channel))
	}
}
