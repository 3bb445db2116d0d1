// Package notification keeps the notifications waiting for a user response
package notification

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/deskthing/deskthingd/internal/events"
	"github.com/deskthing/deskthingd/internal/util"

	"github.com/emirpasic/gods/maps/linkedhashmap"
	"github.com/pkg/errors"
	"github.com/segmentio/ksuid"
)

var log = util.GetLogger("notification")

// Name is the registry name of the notification store
const Name = "notification"

// Notification types
const (
	TypeText        = "text"
	TypeAcknowledge = "acknowledge"
	TypeConfirm     = "confirm"
	TypeYesNo       = "yesno"
)

// Notification is a message shown to the user, optionally waiting for a response
type Notification struct {
	ID           string         `json:"id"`
	Title        string         `json:"title" validate:"required"`
	Source       string         `json:"source"`
	Description  string         `json:"description,omitempty"`
	Type         string         `json:"type" validate:"omitempty,oneof=text acknowledge confirm yesno"`
	Acknowledged bool           `json:"acknowledged"`
	Response     bool           `json:"response,omitempty"`
	ActionLabel  string         `json:"action_label,omitempty"`
	Link         string         `json:"link,omitempty"`
	CreatedAt    util.Timestamp `json:"created_at"`
}

// Callback is invoked once when a notification is acknowledged or cleared
type Callback func(n Notification)

// Store keeps notifications in insertion order
type Store struct {
	access    sync.Mutex
	pub       events.Publisher
	all       *linkedhashmap.Map
	callbacks map[string][]Callback
}

// New creates an empty notification store
func New(pub events.Publisher) *Store {
	return &Store{pub: pub, all: linkedhashmap.New(), callbacks: map[string][]Callback{}}
}

// Name returns the registry name of the store
func (s *Store) Name() string {
	return Name
}

// Add stores a notification. A notification whose id is already present is not replaced, but the
// callback is still attached to it. An empty id gets a generated one
func (s *Store) Add(n Notification, cb Callback) Notification {
	if n.ID == "" {
		n.ID = ksuid.New().String()
	}
	if n.Type == "" {
		n.Type = TypeText
	}

	s.access.Lock()
	existing, found := s.all.Get(n.ID)
	if found {
		n = existing.(Notification)
	} else {
		n.CreatedAt = util.Now()
		s.all.Put(n.ID, n)
	}
	if cb != nil {
		s.callbacks[n.ID] = append(s.callbacks[n.ID], cb)
	}
	list := s.list()
	s.access.Unlock()

	if !found {
		log.Debugf("Added notification '%s' (%s)", n.ID, n.Title)
		s.pub.Publish(events.Notification, n)
		s.pub.Publish(events.NotificationList, list)
	}
	return n
}

// Acknowledge merges the patch into the notification, marks it acknowledged, removes it and runs its callbacks
func (s *Store) Acknowledge(id string, patch json.RawMessage) (Notification, error) {
	s.access.Lock()
	existing, found := s.all.Get(id)
	if !found {
		s.access.Unlock()
		return Notification{}, util.NewTypedError(util.ErrNotFound, "notification '%s' not found", id)
	}
	n := existing.(Notification)
	if len(patch) > 0 {
		if err := json.Unmarshal(patch, &n); err != nil {
			s.access.Unlock()
			return Notification{}, util.WrapTyped(err, util.ErrValidation, "invalid notification update")
		}
	}
	n.ID = id
	n.Acknowledged = true
	s.all.Remove(id)
	cbs := s.callbacks[id]
	delete(s.callbacks, id)
	list := s.list()
	s.access.Unlock()

	runCallbacks(n, cbs)
	s.pub.Publish(events.NotificationList, list)
	return n, nil
}

// List returns the notifications in insertion order
func (s *Store) List() []Notification {
	s.access.Lock()
	defer s.access.Unlock()
	return s.list()
}

// list returns the notifications. Caller holds the lock
func (s *Store) list() []Notification {
	list := make([]Notification, 0, s.all.Size())
	it := s.all.Iterator()
	for it.Next() {
		list = append(list, it.Value().(Notification))
	}
	return list
}

// Get returns a notification by id
func (s *Store) Get(id string) (Notification, error) {
	s.access.Lock()
	defer s.access.Unlock()
	n, found := s.all.Get(id)
	if !found {
		return Notification{}, util.NewTypedError(util.ErrNotFound, "notification '%s' not found", id)
	}
	return n.(Notification), nil
}

// Delete removes a notification without running its callbacks
func (s *Store) Delete(id string) error {
	s.access.Lock()
	if _, found := s.all.Get(id); !found {
		s.access.Unlock()
		return util.NewTypedError(util.ErrNotFound, "notification '%s' not found", id)
	}
	s.all.Remove(id)
	delete(s.callbacks, id)
	list := s.list()
	s.access.Unlock()

	s.pub.Publish(events.NotificationList, list)
	return nil
}

// ClearCache drops every notification. Callbacks run with the notification unacknowledged
func (s *Store) ClearCache(ctx context.Context) error {
	s.access.Lock()
	pending := s.list()
	callbacks := s.callbacks
	s.all.Clear()
	s.callbacks = map[string][]Callback{}
	s.access.Unlock()

	for _, n := range pending {
		runCallbacks(n, callbacks[n.ID])
	}
	s.pub.Publish(events.NotificationList, []Notification{})
	return nil
}

// SaveToFile is a no-op, notifications are not persisted
func (s *Store) SaveToFile(ctx context.Context) error {
	return nil
}

func runCallbacks(n Notification, cbs []Callback) {
	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("Notification callback for '%s' panicked: %v", n.ID, r)
				}
			}()
			cb(n)
		}()
	}
}

// FlagStore reads and writes boolean user flags
type FlagStore interface {
	GetFlag(flag string) bool
	SetFlag(ctx context.Context, flag string, value bool) error
}

const (
	flagAdvancedMode         = "advancedMode"
	flagAdvancedModeAcked    = "advancedModeAcknowledged"
	advancedModeNotification = "advancedModeActive"
)

// CheckForNotifications adds the notifications the daemon raises on its own, based on the user flags
func (s *Store) CheckForNotifications(ctx context.Context, flags FlagStore) error {
	if flags == nil {
		return errors.New("no flag store provided")
	}
	if flags.GetFlag(flagAdvancedMode) || flags.GetFlag(flagAdvancedModeAcked) {
		return nil
	}

	s.Add(Notification{
		ID:          advancedModeNotification,
		Title:       "Advanced Settings Disabled",
		Source:      "server",
		Description: "Advanced mode is disabled by default, do you want to keep it this way?",
		Type:        TypeYesNo,
		Response:    true,
	}, func(n Notification) {
		if !n.Acknowledged {
			return
		}
		if err := flags.SetFlag(context.Background(), flagAdvancedModeAcked, true); err != nil {
			log.Errorf("Failed to save flag '%s': %s", flagAdvancedModeAcked, err.Error())
		}
		// keeping it this way means advanced mode stays off
		if err := flags.SetFlag(context.Background(), flagAdvancedMode, !n.Response); err != nil {
			log.Errorf("Failed to save flag '%s': %s", flagAdvancedMode, err.Error())
		}
	})
	return nil
}
