// Package logstore keeps the most recent log entries in memory and streams them to bridge clients
package logstore

import (
	"context"
	"sync"
	"time"

	"github.com/deskthing/deskthingd/internal/events"

	"github.com/sirupsen/logrus"
)

// Name is the registry name of the log store
const Name = "log"

// DefaultSize is the number of entries kept when no size is configured
const DefaultSize = 1000

// Entry is a single log line as exposed to clients
type Entry struct {
	Level   string                 `json:"level"`
	Message string                 `json:"message"`
	Context string                 `json:"context,omitempty"`
	Time    time.Time              `json:"time"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
}

// Store is a logrus hook that keeps a bounded ring of entries
type Store struct {
	mu     sync.Mutex
	pub    events.Publisher
	level  logrus.Level
	buf    []Entry
	next   int
	filled bool
}

// New creates a log store that keeps up to size entries at or above level
func New(pub events.Publisher, size int, level logrus.Level) *Store {
	if size <= 0 {
		size = DefaultSize
	}
	return &Store{pub: pub, level: level, buf: make([]Entry, size)}
}

// Name returns the registry name of the store
func (s *Store) Name() string {
	return Name
}

// Levels returns the levels the hook fires for
func (s *Store) Levels() []logrus.Level {
	levels := []logrus.Level{}
	for _, lvl := range logrus.AllLevels {
		if lvl <= s.level {
			levels = append(levels, lvl)
		}
	}
	return levels
}

// Fire records the entry and publishes it on the log channel
func (s *Store) Fire(entry *logrus.Entry) error {
	e := Entry{
		Level:   entry.Level.String(),
		Message: entry.Message,
		Time:    entry.Time,
	}
	for k, v := range entry.Data {
		if k == "context" {
			if ctx, ok := v.(string); ok {
				e.Context = ctx
				continue
			}
		}
		if e.Fields == nil {
			e.Fields = map[string]interface{}{}
		}
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		e.Fields[k] = v
	}

	s.mu.Lock()
	s.buf[s.next] = e
	s.next = (s.next + 1) % len(s.buf)
	if s.next == 0 {
		s.filled = true
	}
	s.mu.Unlock()

	// publishing must not log, or the hook would fire recursively
	s.pub.Publish(events.Log, e)
	return nil
}

// Logs returns the kept entries, oldest first
func (s *Store) Logs() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.filled {
		return append([]Entry{}, s.buf[:s.next]...)
	}
	logs := make([]Entry, 0, len(s.buf))
	logs = append(logs, s.buf[s.next:]...)
	return append(logs, s.buf[:s.next]...)
}

// ClearCache drops all kept entries
func (s *Store) ClearCache(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = make([]Entry, len(s.buf))
	s.next = 0
	s.filled = false
	return nil
}

// SaveToFile is a no-op, logs are not persisted
func (s *Store) SaveToFile(ctx context.Context) error {
	return nil
}
