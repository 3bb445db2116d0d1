package notification

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/deskthing/deskthingd/internal/events"
	"github.com/deskthing/deskthingd/internal/util"

	"github.com/golang/mock/gomock"
)

func TestAddAndList(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(events.Notification)
	defer sub.Unsubscribe()
	store := New(bus)

	first := store.Add(Notification{Title: "first"}, nil)
	if first.ID == "" {
		t.Fatal("Add() should generate an id when none is provided")
	}
	store.Add(Notification{ID: "second", Title: "second"}, nil)
	dup := store.Add(Notification{ID: "second", Title: "replaced"}, nil)
	if dup.Title != "second" {
		t.Errorf("A duplicate id should not replace the notification, got '%s'", dup.Title)
	}

	list := store.List()
	if len(list) != 2 || list[0].ID != first.ID || list[1].ID != "second" {
		t.Errorf("List() should return notifications in insertion order, got %v", list)
	}

	received := 0
	timeout := time.After(time.Second)
	for received < 2 {
		select {
		case <-sub.C():
			received++
		case <-timeout:
			t.Fatalf("Expected 2 notification events, got %d", received)
		}
	}
	select {
	case evt := <-sub.C():
		t.Errorf("A duplicate should not publish a notification event, got %v", evt)
	default:
	}
}

func TestAcknowledge(t *testing.T) {
	store := New(events.NewBus())
	calls := 0
	var got Notification
	store.Add(Notification{ID: "update", Title: "Update?", Type: TypeYesNo, Response: true}, func(n Notification) {
		calls++
		got = n
	})
	// the callback of a duplicate is attached to the original
	store.Add(Notification{ID: "update", Title: "Update?"}, func(n Notification) { calls++ })

	n, err := store.Acknowledge("update", json.RawMessage(`{"response": false}`))
	if err != nil {
		t.Fatalf("Acknowledge() should not return an error: %s", err.Error())
	}
	if !n.Acknowledged || n.Response || n.Title != "Update?" {
		t.Errorf("Acknowledge() should merge the patch, got %+v", n)
	}
	if calls != 2 || !got.Acknowledged {
		t.Errorf("Both callbacks should run once with the acknowledged notification (calls=%d)", calls)
	}
	if _, err := store.Get("update"); !util.IsErrorType(err, util.ErrNotFound) {
		t.Error("An acknowledged notification should be removed")
	}
	if _, err := store.Acknowledge("update", nil); err == nil {
		t.Error("Acknowledging a missing notification should fail")
	}
	if calls != 2 {
		t.Error("Callbacks should only run once")
	}
}

func TestDeleteAndClear(t *testing.T) {
	store := New(events.NewBus())
	cleared := []string{}
	store.Add(Notification{ID: "a", Title: "a"}, func(n Notification) { t.Error("Delete() should not run callbacks") })
	store.Add(Notification{ID: "b", Title: "b"}, func(n Notification) {
		if n.Acknowledged {
			t.Error("ClearCache() should pass the notification unacknowledged")
		}
		cleared = append(cleared, n.ID)
	})

	if err := store.Delete("a"); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete("a"); err == nil {
		t.Error("Deleting a missing notification should fail")
	}
	if err := store.ClearCache(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(store.List()) != 0 || len(cleared) != 1 || cleared[0] != "b" {
		t.Errorf("ClearCache() should drop everything and run the remaining callbacks, cleared %v", cleared)
	}
}

func TestCheckForNotifications(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	flags := NewMockFlagStore(ctrl)
	flags.EXPECT().GetFlag(flagAdvancedMode).Return(false)
	flags.EXPECT().GetFlag(flagAdvancedModeAcked).Return(false)
	flags.EXPECT().SetFlag(gomock.Any(), flagAdvancedModeAcked, true).Return(nil)
	flags.EXPECT().SetFlag(gomock.Any(), flagAdvancedMode, false).Return(nil)

	store := New(events.NewBus())
	if err := store.CheckForNotifications(context.Background(), flags); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(advancedModeNotification); err != nil {
		t.Fatalf("Expected the advanced mode notification: %s", err.Error())
	}
	// "yes, keep it this way"
	if _, err := store.Acknowledge(advancedModeNotification, json.RawMessage(`{"response": true}`)); err != nil {
		t.Fatal(err)
	}
}

func TestCheckForNotificationsAcknowledged(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	flags := NewMockFlagStore(ctrl)
	flags.EXPECT().GetFlag(flagAdvancedMode).Return(false)
	flags.EXPECT().GetFlag(flagAdvancedModeAcked).Return(true)

	store := New(events.NewBus())
	if err := store.CheckForNotifications(context.Background(), flags); err != nil {
		t.Fatal(err)
	}
	if len(store.List()) != 0 {
		t.Error("No notification should be added once the user answered")
	}
}
