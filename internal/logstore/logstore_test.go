package logstore

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/deskthing/deskthingd/internal/events"

	"github.com/sirupsen/logrus"
)

func newTestLogger(store *Store) *logrus.Logger {
	logger := logrus.New()
	logger.Out = io.Discard
	logger.Level = logrus.DebugLevel
	logger.AddHook(store)
	return logger
}

func TestRingBuffer(t *testing.T) {
	store := New(events.NewBus(), 3, logrus.InfoLevel)
	logger := newTestLogger(store)

	logger.Debug("ignored")
	for _, msg := range []string{"one", "two", "three", "four"} {
		logger.WithField("context", "test").Info(msg)
	}

	logs := store.Logs()
	if len(logs) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(logs))
	}
	for i, msg := range []string{"two", "three", "four"} {
		if logs[i].Message != msg {
			t.Errorf("Entry %d should be '%s' but is '%s'", i, msg, logs[i].Message)
		}
		if logs[i].Context != "test" {
			t.Errorf("Entry %d should carry the context field, got '%s'", i, logs[i].Context)
		}
	}

	if err := store.ClearCache(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(store.Logs()) != 0 {
		t.Error("ClearCache() should drop all entries")
	}
}

func TestLogEvents(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(events.Log)
	defer sub.Unsubscribe()

	store := New(bus, 10, logrus.WarnLevel)
	logger := newTestLogger(store)
	logger.WithError(errors.New("disk full")).Warn("write failed")

	select {
	case evt := <-sub.C():
		entry := evt.Payload.(Entry)
		if entry.Message != "write failed" || entry.Level != "warning" {
			t.Errorf("Unexpected log entry %+v", entry)
		}
		if entry.Fields["error"] != "disk full" {
			t.Errorf("Errors should be flattened to strings, got %v", entry.Fields["error"])
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for the log event")
	}
}
