package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/deskthing/deskthingd/internal/events"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	// the bridge only listens on loopback by default, browsers of any origin can connect
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Subscription actions a client can send on an open event stream
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// WSMessage is sent by clients to change the channels of their stream
type WSMessage struct {
	Action   string           `json:"action"`
	Channels []events.Channel `json:"channels"`
}

// channelFilter tracks the channels a connection wants. A filter created without channels
// receives everything except the channels the client unsubscribed from, until it subscribes to
// specific channels
type channelFilter struct {
	access   sync.Mutex
	all      bool
	channels map[events.Channel]bool
	excluded map[events.Channel]bool
}

func newChannelFilter(channels []events.Channel) *channelFilter {
	f := &channelFilter{
		all:      len(channels) == 0,
		channels: map[events.Channel]bool{},
		excluded: map[events.Channel]bool{},
	}
	for _, c := range channels {
		f.channels[c] = true
	}
	return f
}

func (f *channelFilter) apply(sub *events.Subscription, msg WSMessage) {
	f.access.Lock()
	defer f.access.Unlock()
	switch msg.Action {
	case ActionSubscribe:
		f.all = false
		f.excluded = map[events.Channel]bool{}
		for _, c := range msg.Channels {
			f.channels[c] = true
		}
		sub.Add(msg.Channels...)
	case ActionUnsubscribe:
		if f.all {
			for _, c := range msg.Channels {
				f.excluded[c] = true
			}
			return
		}
		for _, c := range msg.Channels {
			delete(f.channels, c)
		}
		sub.Remove(msg.Channels...)
	}
}

func (f *channelFilter) wants(c events.Channel) bool {
	f.access.Lock()
	defer f.access.Unlock()
	if f.all {
		return !f.excluded[c]
	}
	return f.channels[c]
}

// wsMessageReader reads subscription changes from the client until the connection goes away
func wsMessageReader(c *websocket.Conn, id string, sub *events.Subscription, filter *channelFilter, quit chan bool) {
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !strings.Contains(err.Error(), "use of closed network connection") {
				log.Debugf("Failed to read from WS connection %s: %s", id, err.Error())
			}
			quit <- true
			return
		}
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debugf("Ignoring malformed message on WS connection %s: %s", id, err.Error())
			continue
		}
		if msg.Action != ActionSubscribe && msg.Action != ActionUnsubscribe {
			log.Debugf("Ignoring unknown action '%s' on WS connection %s", msg.Action, id)
			continue
		}
		log.Debugf("WS connection %s: %s %v", id, msg.Action, msg.Channels)
		filter.apply(sub, msg)
	}
}

func eventsHandler(ha handlerAccess) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		channels := channelsFromQuery(r.URL.Query()["channel"])
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("Error upgrading websocket connection: ", err)
			return
		}
		ha.conns.Add(1)
		defer ha.conns.Done()

		conID := uuid.New().String()
		sub := ha.bus.Subscribe(channels...)
		defer sub.Unsubscribe()
		filter := newChannelFilter(channels)

		remoteQuit := make(chan bool, 1)
		go wsMessageReader(c, conID, sub, filter, remoteQuit)
		log.Debugf("Upgraded websocket connection '%s' (channels %v)", conID, channels)

		for {
			select {
			case evt, ok := <-sub.C():
				if !ok {
					c.Close()
					return
				}
				if !filter.wants(evt.Channel) {
					continue
				}
				log.Tracef("Writing to websocket connection %s: %s", conID, evt.Channel)
				if err := c.WriteJSON(evt); err != nil {
					log.Errorf("Error writing to websocket connection %s: %s", conID, err)
					c.Close()
					return
				}
			// happens when the daemon is shutting down and all WS connections need to terminate
			case <-ha.quit:
				log.Debug("Closing WS connection ", conID)
				c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "terminating"))
				c.Close()
				return
			// happens when the connection has been closed from the other side
			case <-remoteQuit:
				log.Debugf("WS connection %s remotely closed ", conID)
				c.Close()
				return
			}
		}
	})
}
