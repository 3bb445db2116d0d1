package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/deskthing/deskthingd/internal/api"
	"github.com/deskthing/deskthingd/internal/events"
	"github.com/deskthing/deskthingd/internal/ipc"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// client talks to a running daemon over its bridge
type client struct {
	addr string
	http *http.Client
}

type wireEvent struct {
	Channel events.Channel  `json:"channel"`
	Payload json.RawMessage `json:"payload"`
	Time    time.Time       `json:"time"`
}

type wireResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

func newClient(addr string) *client {
	return &client{addr: addr, http: &http.Client{Timeout: 2 * time.Minute}}
}

// invoke sends an envelope and decodes the result into out, when out is not nil
func (c *client) invoke(kind ipc.Kind, typ string, request string, payload interface{}, out interface{}) error {
	env := ipc.Envelope{Kind: kind, Type: typ, Request: request}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrap(err, "Failed to encode payload")
		}
		env.Payload = raw
	}
	body, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "Failed to encode request")
	}

	resp, err := c.http.Post("http://"+c.addr+api.PathIPC, "application/json", bytes.NewReader(body))
	if err != nil {
		return errors.Wrapf(err, "Failed to reach the DeskThing daemon at %s", c.addr)
	}
	defer resp.Body.Close()

	var wr wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return errors.Wrapf(err, "Unexpected response from the daemon (status %d)", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s/%s failed: %s", kind, typ, wr.Error)
	}
	if out != nil && len(wr.Result) > 0 {
		if err := json.Unmarshal(wr.Result, out); err != nil {
			return errors.Wrap(err, "Failed to decode result")
		}
	}
	return nil
}

// watch opens an event stream on the provided channels. The returned channel is closed when the stream ends
func (c *client) watch(channels ...events.Channel) (<-chan wireEvent, func(), error) {
	q := url.Values{}
	for _, ch := range channels {
		q.Add("channel", string(ch))
	}
	u := url.URL{Scheme: "ws", Host: c.addr, Path: api.PathEvents, RawQuery: q.Encode()}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "Failed to open the event stream at %s", u.String())
	}

	evts := make(chan wireEvent, 100)
	go func() {
		defer close(evts)
		for {
			var evt wireEvent
			if err := conn.ReadJSON(&evt); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					log.Debugf("Event stream ended: %s", err.Error())
				}
				return
			}
			evts <- evt
		}
	}()
	stop := func() {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}
	return evts, stop, nil
}
