package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/deskthing/deskthingd/internal/events"
	"github.com/deskthing/deskthingd/internal/notification"
	"github.com/deskthing/deskthingd/internal/registry"
	"github.com/deskthing/deskthingd/internal/settings"
	"github.com/deskthing/deskthingd/internal/task"
	"github.com/deskthing/deskthingd/internal/util"
)

func newTestDispatcher(t *testing.T, shutdown func()) (*Dispatcher, *registry.Registry) {
	bus := events.NewBus()
	reg := registry.New(bus)
	settingsPath := filepath.Join(t.TempDir(), "settings.yaml")
	reg.Register(settings.Name, func(ctx context.Context, r *registry.Registry) (registry.Store, error) {
		s := settings.New(bus, settingsPath)
		return s, s.Load(ctx)
	})
	reg.Register(notification.Name, func(ctx context.Context, r *registry.Registry) (registry.Store, error) {
		return notification.New(bus), nil
	})
	reg.Register(task.Name, func(ctx context.Context, r *registry.Registry) (registry.Store, error) {
		return task.CreateManager(bus), nil
	})

	d, err := New(Deps{Registry: reg, Shutdown: shutdown, PluginDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New() should not return an error: %s", err.Error())
	}
	return d, reg
}

func TestNewDispatcherExhaustive(t *testing.T) {
	noop := func(ctx context.Context, env Envelope) (interface{}, error) { return nil, nil }
	declared := map[Kind][]Op{KindUtility: {{"ping", ""}, {"settings", "get"}}}

	if _, err := NewDispatcher(declared, map[Kind]Handlers{KindUtility: {{"ping", ""}: noop}}); err == nil {
		t.Error("NewDispatcher() should fail when a declared operation has no handler")
	}
	extra := map[Kind]Handlers{KindUtility: {{"ping", ""}: noop, {"settings", "get"}: noop, {"settings", "set"}: noop}}
	if _, err := NewDispatcher(declared, extra); err == nil {
		t.Error("NewDispatcher() should fail when a handler serves an undeclared operation")
	}
	undeclaredKind := map[Kind]Handlers{
		KindUtility: {{"ping", ""}: noop, {"settings", "get"}: noop},
		KindFlash:   {{"state", ""}: noop},
	}
	if _, err := NewDispatcher(declared, undeclaredKind); err == nil {
		t.Error("NewDispatcher() should fail when a kind is not declared")
	}
	if _, err := NewDispatcher(declared, map[Kind]Handlers{KindUtility: {{"ping", ""}: noop, {"settings", "get"}: noop}}); err != nil {
		t.Errorf("NewDispatcher() should accept a complete table: %s", err.Error())
	}

	// every declared operation of the daemon is served
	if _, err := NewDispatcher(Operations, NewHandlers(Deps{})); err != nil {
		t.Errorf("The daemon dispatch table is incomplete: %s", err.Error())
	}
}

func TestDispatchErrors(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	ctx := context.Background()

	_, err := d.Dispatch(ctx, Envelope{Kind: "music", Type: "play"})
	if !errors.Is(err, ErrUnknownKind) || !util.IsErrorType(err, util.ErrNotFound) {
		t.Errorf("An unknown kind should fail with ErrUnknownKind, got %v", err)
	}

	_, err = d.Dispatch(ctx, Envelope{Kind: KindUpdate, Type: "rollback"})
	if !errors.Is(err, ErrUnhandled) || !util.IsErrorType(err, util.ErrValidation) {
		t.Errorf("An unknown type should fail with ErrUnhandled, got %v", err)
	}

	_, err = d.Dispatch(ctx, Envelope{Kind: KindUtility, Type: "ping", Request: "set"})
	if !errors.Is(err, ErrUnhandled) {
		t.Errorf("A request on an operation without request variants should fail with ErrUnhandled, got %v", err)
	}

	_, err = d.Dispatch(ctx, Envelope{Kind: KindUtility})
	if !util.IsErrorType(err, util.ErrValidation) {
		t.Errorf("An envelope without type should be a validation error, got %v", err)
	}

	_, err = d.Dispatch(ctx, Envelope{Kind: KindUtility, Type: "settings", Request: "patch"})
	if !util.IsErrorType(err, util.ErrValidation) {
		t.Errorf("An unsupported request should be a validation error, got %v", err)
	}

	_, err = d.Dispatch(ctx, Envelope{Kind: KindUtility, Type: "flag", Request: "get", Payload: json.RawMessage(`42`)})
	if !util.IsErrorType(err, util.ErrValidation) {
		t.Errorf("A payload of the wrong shape should be a validation error, got %v", err)
	}
}

func TestDispatchRecoversPanics(t *testing.T) {
	declared := map[Kind][]Op{KindUtility: {{"ping", ""}}}
	d, err := NewDispatcher(declared, map[Kind]Handlers{KindUtility: {{"ping", ""}: func(ctx context.Context, env Envelope) (interface{}, error) {
		panic("boom")
	}}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Dispatch(context.Background(), Envelope{Kind: KindUtility, Type: "ping"}); !util.IsErrorType(err, util.ErrInternal) {
		t.Errorf("A panicking handler should produce an internal error, got %v", err)
	}
}

func TestUtility(t *testing.T) {
	shutdowns := 0
	d, _ := newTestDispatcher(t, func() { shutdowns++ })
	ctx := context.Background()

	res, err := d.Dispatch(ctx, Envelope{Kind: KindUtility, Type: "ping"})
	if err != nil || res != "pong" {
		t.Errorf("ping returned %v, %v", res, err)
	}

	res, err = d.Dispatch(ctx, Envelope{Kind: KindUtility, Type: "settings", Request: "get"})
	if err != nil {
		t.Fatalf("settings get should not return an error: %s", err.Error())
	}
	if res.(settings.Settings).CallbackPort != settings.Defaults().CallbackPort {
		t.Errorf("settings get should return the default settings, got %+v", res)
	}

	_, err = d.Dispatch(ctx, Envelope{Kind: KindUtility, Type: "setting", Request: "set", Payload: json.RawMessage(`{"key": "devicePort", "value": 8900}`)})
	if err != nil {
		t.Fatalf("setting set should not return an error: %s", err.Error())
	}
	res, _ = d.Dispatch(ctx, Envelope{Kind: KindUtility, Type: "settings", Request: "get"})
	if res.(settings.Settings).DevicePort != 8900 {
		t.Errorf("setting set should update the device port, got %+v", res)
	}

	if _, err := d.Dispatch(ctx, Envelope{Kind: KindUtility, Type: "flag", Request: "set", Payload: json.RawMessage(`{"flagId": "advancedMode", "flagState": true}`)}); err != nil {
		t.Fatalf("flag set should not return an error: %s", err.Error())
	}
	res, err = d.Dispatch(ctx, Envelope{Kind: KindUtility, Type: "flag", Request: "toggle", Payload: json.RawMessage(`"advancedMode"`)})
	if err != nil || res != false {
		t.Errorf("flag toggle returned %v, %v", res, err)
	}
	res, err = d.Dispatch(ctx, Envelope{Kind: KindUtility, Type: "flag", Request: "get", Payload: json.RawMessage(`"advancedMode"`)})
	if err != nil || res != false {
		t.Errorf("flag get returned %v, %v", res, err)
	}

	if _, err := d.Dispatch(ctx, Envelope{Kind: KindUtility, Type: "save"}); err != nil {
		t.Errorf("save should not return an error: %s", err.Error())
	}

	if _, err := d.Dispatch(ctx, Envelope{Kind: KindUtility, Type: "shutdown"}); err != nil || shutdowns != 1 {
		t.Errorf("shutdown should call the shutdown function once, got %d calls and %v", shutdowns, err)
	}
}

func TestNotificationAndTask(t *testing.T) {
	d, reg := newTestDispatcher(t, nil)
	ctx := context.Background()

	store, err := registry.Lookup[*notification.Store](ctx, reg, notification.Name)
	if err != nil {
		t.Fatal(err)
	}
	responses := make(chan bool, 1)
	n := store.Add(notification.Notification{Title: "Advanced mode", Type: "yesno"}, func(n notification.Notification) {
		responses <- n.Response
	})

	res, err := d.Dispatch(ctx, Envelope{Kind: KindNotification, Type: "list"})
	if err != nil || len(res.([]notification.Notification)) != 1 {
		t.Fatalf("notification list returned %v, %v", res, err)
	}
	if _, err := d.Dispatch(ctx, Envelope{Kind: KindNotification, Type: "acknowledge", Payload: json.RawMessage(`{"id": "` + n.ID + `", "response": true}`)}); err != nil {
		t.Fatalf("acknowledge should not return an error: %s", err.Error())
	}
	if !<-responses {
		t.Error("The acknowledge callback should receive the response")
	}
	if _, err := d.Dispatch(ctx, Envelope{Kind: KindNotification, Type: "get", Payload: json.RawMessage(`"` + n.ID + `"`)}); !util.IsErrorType(err, util.ErrNotFound) {
		t.Errorf("An acknowledged notification should be gone, got %v", err)
	}

	if _, err := d.Dispatch(ctx, Envelope{Kind: KindTask, Type: "kill", Payload: json.RawMessage(`"missing"`)}); !util.IsErrorType(err, util.ErrNotFound) {
		t.Errorf("Killing an unknown task should be a not found error, got %v", err)
	}
	res, err = d.Dispatch(ctx, Envelope{Kind: KindTask, Type: "list"})
	if err != nil || len(res.([]task.Base)) != 0 {
		t.Errorf("task list returned %v, %v", res, err)
	}
}

func TestUnregisteredStore(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	_, err := d.Dispatch(context.Background(), Envelope{Kind: KindFlash, Type: "state"})
	if !errors.Is(err, registry.ErrStoreNotFound) {
		t.Errorf("A request for a store that is not registered should fail with ErrStoreNotFound, got %v", err)
	}
}
