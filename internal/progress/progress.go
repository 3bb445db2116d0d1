// Package progress tracks long running operations and publishes their progress on the event bus.
//
// An operation can be split into weighted sub-operations, each reporting on its own channel. Progress
// reported on a sub-operation channel is scaled by its weight and offset and bubbled up to every
// enclosing operation, so a UI listening on the top level channel sees a single 0..1 value.
package progress

import (
	"math"
	"sync"

	"github.com/deskthing/deskthingd/internal/events"
	"github.com/deskthing/deskthingd/internal/util"
)

var log = util.GetLogger("progress")

// Status of a progress event
type Status string

const (
	// RUNNING - operation has started
	RUNNING Status = "running"
	// INFO - intermediate update
	INFO Status = "info"
	// COMPLETE - operation finished successfully
	COMPLETE Status = "complete"
	// ERROR - operation failed
	ERROR Status = "error"
)

// Well known progress channels
const (
	FlashRunner    = "flash-runner"
	FlashStep      = "flash-step"
	UpdateDownload = "update-download"
	UpdateRunner   = "update-runner"
	ReleaseRefresh = "release-refresh"
	PluginScan     = "plugin-scan"
)

// Event represents the status of a long running operation at a point in time
type Event struct {
	Channel   string                 `json:"channel"`
	Operation string                 `json:"operation"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message"`
	Progress  float64                `json:"progress"`
	IsLoading bool                   `json:"isLoading"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// SubOperation describes a weighted part of an operation
type SubOperation struct {
	Channel string
	Weight  float64
}

type subOperation struct {
	weight float64
	offset float64
}

type operation struct {
	channel     string
	name        string
	subs        map[string]subOperation
	totalWeight float64
	parent      *operation
}

// Bus keeps the operation hierarchy and the last event of every channel
type Bus struct {
	access     sync.Mutex
	pub        events.Publisher
	hierarchy  map[string]*operation
	active     *operation
	channelOps map[string]string
	latest     *util.Map[string, Event]
}

// NewBus creates a progress bus that publishes on the provided publisher
func NewBus(pub events.Publisher) *Bus {
	return &Bus{
		pub:        pub,
		hierarchy:  map[string]*operation{},
		channelOps: map[string]string{},
		latest:     util.NewMap[string, Event](),
	}
}

// StartOperation starts a top level (or nested, if channel is itself a sub-operation) operation
func (b *Bus) StartOperation(channel string, op string, msg string, subOps ...SubOperation) {
	b.access.Lock()
	ctx := &operation{channel: channel, name: op, subs: map[string]subOperation{}}
	for _, sub := range subOps {
		ctx.totalWeight += sub.Weight
	}
	offset := 0.0
	for _, sub := range subOps {
		if ctx.totalWeight == 0 {
			break
		}
		ctx.subs[sub.Channel] = subOperation{weight: sub.Weight, offset: offset}
		offset += sub.Weight / ctx.totalWeight
	}

	if parent, found := b.hierarchy[channel]; found {
		ctx.parent = parent
	} else if b.active != nil {
		b.clearContext()
	}
	for _, sub := range subOps {
		b.hierarchy[sub.Channel] = ctx
	}
	b.active = ctx
	b.channelOps[channel] = op

	subChannels := make([]string, 0, len(subOps))
	for _, sub := range subOps {
		subChannels = append(subChannels, sub.Channel)
	}
	evts := b.transform(Event{
		Channel:   channel,
		Operation: op,
		Status:    RUNNING,
		Message:   msg,
		Metadata:  map[string]interface{}{"subOperations": subChannels, "totalWeight": ctx.totalWeight},
	})
	b.access.Unlock()

	b.publish(evts)
}

// Start marks a channel as running
func (b *Bus) Start(channel string, op string, msg string) {
	b.access.Lock()
	b.channelOps[channel] = op
	evts := b.transform(Event{Channel: channel, Operation: op, Status: RUNNING, Message: msg})
	b.access.Unlock()

	b.publish(evts)
}

// Update reports intermediate progress (0..1) on a channel
func (b *Bus) Update(channel string, msg string, progress float64) {
	b.access.Lock()
	evts := b.transform(Event{Channel: channel, Operation: b.channelOps[channel], Status: INFO, Message: msg, Progress: clamp(progress)})
	b.access.Unlock()

	b.publish(evts)
}

// Complete marks a channel as complete
func (b *Bus) Complete(channel string, msg string) {
	b.access.Lock()
	evts := b.transform(Event{Channel: channel, Operation: b.channelOps[channel], Status: COMPLETE, Message: msg, Progress: 1})
	if b.active != nil && b.active.channel == channel {
		b.clearContext()
	}
	b.access.Unlock()

	b.publish(evts)
}

// Error marks a channel as failed
func (b *Bus) Error(channel string, msg string, err error) {
	evt := Event{Channel: channel, Status: ERROR, Message: msg}
	if err != nil {
		evt.Error = err.Error()
	}

	b.access.Lock()
	evt.Operation = b.channelOps[channel]
	if b.active != nil && b.active.channel == channel {
		b.clearContext()
	}
	b.access.Unlock()

	b.publish([]Event{evt})
}

// Latest returns the last event published for a channel
func (b *Bus) Latest(channel string) (Event, bool) {
	return b.latest.Get(channel)
}

// clearContext drops the sub-operation mappings of the active operation and makes its parent active. Caller holds the lock
func (b *Bus) clearContext() {
	if b.active == nil {
		return
	}
	for channel := range b.active.subs {
		delete(b.hierarchy, channel)
	}
	b.active = b.active.parent
}

// transform returns the event together with the events bubbled to the enclosing operations. Caller holds the lock
func (b *Bus) transform(evt Event) []Event {
	evts := []Event{evt}
	if evt.Progress == 0 || b.active == nil {
		return evts
	}

	child := evt.Channel
	progress := evt.Progress
	ctx := b.hierarchy[child]
	for ctx != nil {
		sub, found := ctx.subs[child]
		if !found || ctx.totalWeight == 0 {
			break
		}
		progress = sub.offset + progress*(sub.weight/ctx.totalWeight)
		bubbled := evt
		bubbled.Channel = ctx.channel
		bubbled.Operation = ctx.name
		bubbled.Progress = clamp(math.Round(progress*100) / 100)
		evts = append(evts, bubbled)

		child = ctx.channel
		ctx = ctx.parent
	}
	return evts
}

func (b *Bus) publish(evts []Event) {
	for _, evt := range evts {
		evt.IsLoading = evt.Status == RUNNING || evt.Status == INFO
		b.latest.Set(evt.Channel, evt)
		log.WithField("proc", evt.Channel).Debugf("Progress event: %s (%.0f%%)", evt.Message, evt.Progress*100)
		b.pub.Publish(events.Progress, evt)
	}
}

func clamp(p float64) float64 {
	return math.Min(math.Max(p, 0), 1)
}
