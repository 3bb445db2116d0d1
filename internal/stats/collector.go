package stats

import (
	"context"
	"reflect"
	"time"

	"github.com/deskthing/deskthingd/internal/events"
	"github.com/deskthing/deskthingd/internal/util"
)

const resourceInterval = 30 * time.Minute

// Collector turns store events into stats
type Collector struct {
	store *Store
	sub   *events.Subscription
	done  chan struct{}
}

// NewCollector subscribes to the events that produce stats
func NewCollector(store *Store, bus *events.Bus) *Collector {
	return &Collector{
		store: store,
		sub:   bus.Subscribe(events.FlashCompleted, events.UpdateStatus, events.Plugins),
		done:  make(chan struct{}),
	}
}

// Start collects the session stats and starts listening for events
func (c *Collector) Start() {
	ctx := context.Background()
	c.collect(ctx, Stat{Stat: "usage", Type: "open", Data: map[string]interface{}{"timezone": time.Now().Location().String()}})
	util.Go("stats-collector", func() {
		ticker := time.NewTicker(resourceInterval)
		defer ticker.Stop()
		c.collectSystem(ctx)
		for {
			select {
			case evt, ok := <-c.sub.C():
				if !ok {
					return
				}
				c.handle(ctx, evt)
			case <-ticker.C:
				c.collectSystem(ctx)
			case <-c.done:
				return
			}
		}
	})
}

// Stop stops listening for events
func (c *Collector) Stop() {
	c.sub.Unsubscribe()
	close(c.done)
}

func (c *Collector) handle(ctx context.Context, evt events.Event) {
	switch evt.Channel {
	case events.FlashCompleted:
		if completed, ok := evt.Payload.(bool); ok {
			c.collect(ctx, Stat{Stat: "kv", Type: "boolean", Key: "flash_completed", Value: completed})
		}
	case events.Plugins:
		if v := reflect.ValueOf(evt.Payload); v.Kind() == reflect.Slice {
			c.collect(ctx, Stat{Stat: "kv", Type: "number", Key: "plugins_installed", Value: v.Len()})
		}
	case events.UpdateStatus:
		c.collect(ctx, Stat{Stat: "system", Type: "update", Data: map[string]interface{}{"status": evt.Payload}})
	}
}

func (c *Collector) collectSystem(ctx context.Context) {
	info, err := c.store.System(ctx)
	if err != nil {
		log.Debugf("Failed to collect system info: %s", err.Error())
		return
	}
	c.collect(ctx, Stat{Stat: "system", Type: "server", Data: map[string]interface{}{
		"os":      info.OS,
		"arch":    info.Arch,
		"version": info.Version,
		"cpu":     info.CPU.Usage,
		"memory":  info.Memory.Usage,
		"uptime":  info.Uptime,
	}})
}

func (c *Collector) collect(ctx context.Context, stat Stat) {
	if err := c.store.Collect(ctx, stat); err != nil {
		log.Errorf("Failed to collect stat: %s", err.Error())
	}
}
