package progress

import (
	"sync"
	"testing"

	"github.com/deskthing/deskthingd/internal/events"
)

type recorder struct {
	mu   sync.Mutex
	evts []Event
}

func (r *recorder) Publish(channel events.Channel, payload interface{}) {
	if channel != events.Progress {
		return
	}
	r.mu.Lock()
	r.evts = append(r.evts, payload.(Event))
	r.mu.Unlock()
}

func (r *recorder) last(channel string) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.evts) - 1; i >= 0; i-- {
		if r.evts[i].Channel == channel {
			return r.evts[i], true
		}
	}
	return Event{}, false
}

func TestWeightedBubbling(t *testing.T) {
	rec := &recorder{}
	bus := NewBus(rec)

	bus.StartOperation(UpdateRunner, "update", "Updating", SubOperation{Channel: "check", Weight: 25}, SubOperation{Channel: UpdateDownload, Weight: 75})

	start, found := rec.last(UpdateRunner)
	if !found || start.Status != RUNNING || !start.IsLoading {
		t.Fatalf("StartOperation should publish a running event, got %+v", start)
	}

	bus.Update("check", "checking", 1)
	parent, _ := rec.last(UpdateRunner)
	if parent.Progress != 0.25 {
		t.Errorf("completing the first sub operation should move the parent to 0.25, got %f", parent.Progress)
	}

	bus.Update(UpdateDownload, "downloading", 0.5)
	parent, _ = rec.last(UpdateRunner)
	if parent.Progress != 0.63 {
		t.Errorf("half of the second sub operation should move the parent to 0.63, got %f", parent.Progress)
	}
	child, _ := rec.last(UpdateDownload)
	if child.Progress != 0.5 {
		t.Errorf("the sub operation event should keep its own progress, got %f", child.Progress)
	}

	bus.Complete(UpdateRunner, "done")
	latest, found := bus.Latest(UpdateRunner)
	if !found || latest.Status != COMPLETE || latest.IsLoading || latest.Progress != 1 {
		t.Errorf("Latest should return the complete event, got %+v", latest)
	}

	// after completion the sub channel is no longer bubbled
	before := len(rec.evts)
	bus.Update(UpdateDownload, "late", 0.9)
	if len(rec.evts) != before+1 {
		t.Errorf("updates after the operation completed should not bubble, got %d new events", len(rec.evts)-before)
	}
}

func TestErrorEvent(t *testing.T) {
	rec := &recorder{}
	bus := NewBus(rec)

	bus.Start(FlashRunner, "flash", "Flashing")
	bus.Error(FlashRunner, "Flash failed", errTest("device disconnected"))

	evt, _ := rec.last(FlashRunner)
	if evt.Status != ERROR || evt.Error != "device disconnected" || evt.Operation != "flash" || evt.IsLoading {
		t.Errorf("Error should publish an error event carrying the message, got %+v", evt)
	}
}

func TestClamp(t *testing.T) {
	rec := &recorder{}
	bus := NewBus(rec)
	bus.Update(PluginScan, "too far", 3)
	evt, _ := rec.last(PluginScan)
	if evt.Progress != 1 {
		t.Errorf("progress should be clamped to 1, got %f", evt.Progress)
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }
