package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/deskthing/deskthingd/internal/events"
	"github.com/deskthing/deskthingd/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *events.Bus, string) {
	bus := events.NewBus()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	return New(bus, path), bus, path
}

func TestLoadDefaults(t *testing.T) {
	store, _, path := newTestStore(t)
	require.NoError(t, store.Load(context.Background()))
	assert.Equal(t, 8891, store.Get().DevicePort)
	_, err := os.Stat(path)
	assert.NoError(t, err, "defaults should be written to disk")

	// a second store reads the same values back
	other := New(events.NewBus(), path)
	require.NoError(t, other.Load(context.Background()))
	assert.Equal(t, store.Get().Address, other.Get().Address)
}

func TestLoadOutdated(t *testing.T) {
	store, _, path := newTestStore(t)
	require.NoError(t, os.WriteFile(path, []byte("version: 0.9.0\ndevicePort: 1234\naddress: 0.0.0.0\nlogLevel: info\n"), 0644))
	require.NoError(t, store.Load(context.Background()))
	assert.Equal(t, 8891, store.Get().DevicePort, "outdated settings should be replaced by the defaults")
}

func TestSaveAndUpdate(t *testing.T) {
	store, bus, _ := newTestStore(t)
	require.NoError(t, store.Load(context.Background()))
	sub := bus.Subscribe(events.SettingsUpdated)
	defer sub.Unsubscribe()

	settings := store.Get()
	settings.DevicePort = 0
	_, err := store.Save(context.Background(), settings)
	assert.True(t, util.IsErrorType(err, util.ErrValidation), "an invalid port should be rejected")

	updated, err := store.Update(context.Background(), "devicePort", json.RawMessage(`9000`))
	require.NoError(t, err)
	assert.Equal(t, 9000, updated.DevicePort)

	select {
	case evt := <-sub.C():
		assert.Equal(t, 9000, evt.Payload.(Settings).DevicePort)
	case <-time.After(time.Second):
		t.Fatal("expected a settings-updated event")
	}

	_, err = store.Update(context.Background(), "doesNotExist", json.RawMessage(`1`))
	assert.Error(t, err)
	_, err = store.Update(context.Background(), "devicePort", json.RawMessage(`"not a number"`))
	assert.Error(t, err)
}

func TestFlags(t *testing.T) {
	store, _, path := newTestStore(t)
	require.NoError(t, store.Load(context.Background()))
	assert.False(t, store.GetFlag("advancedMode"))

	require.NoError(t, store.SetFlag(context.Background(), "advancedMode", true))
	assert.True(t, store.GetFlag("advancedMode"))

	value, err := store.ToggleFlag(context.Background(), "advancedMode")
	require.NoError(t, err)
	assert.False(t, value)

	require.NoError(t, store.SetFlag(context.Background(), "nerd", true))
	other := New(events.NewBus(), path)
	require.NoError(t, other.Load(context.Background()))
	assert.True(t, other.GetFlag("nerd"), "flags should be persisted")

	assert.Error(t, store.SetFlag(context.Background(), "", true))
}

func TestConcurrentFlags(t *testing.T) {
	store, _, path := newTestStore(t)
	require.NoError(t, store.Load(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, store.SetFlag(context.Background(), fmt.Sprintf("f%d", i), true))
		}(i)
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ToggleFlag(context.Background(), "toggled")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for i := 0; i < 20; i++ {
		assert.True(t, store.GetFlag(fmt.Sprintf("f%d", i)), "flag f%d was lost", i)
	}
	assert.False(t, store.GetFlag("toggled"), "an even number of toggles should leave the flag unset")

	other := New(events.NewBus(), path)
	require.NoError(t, other.Load(context.Background()))
	assert.Len(t, other.Get().Flags, 21)
}

func TestSaveFailureKeepsSettings(t *testing.T) {
	store, _, path := newTestStore(t)
	require.NoError(t, store.Load(context.Background()))
	before := store.Get()

	// a directory in place of the file makes every write fail
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.Mkdir(path, 0755))

	_, err := store.Update(context.Background(), "devicePort", json.RawMessage(`9000`))
	require.Error(t, err)
	assert.Error(t, store.SetFlag(context.Background(), "advancedMode", true))

	after := store.Get()
	assert.Equal(t, before.DevicePort, after.DevicePort)
	assert.False(t, after.Flags["advancedMode"])
}

func TestWatchReloads(t *testing.T) {
	store, bus, path := newTestStore(t)
	require.NoError(t, store.Load(context.Background()))
	sub := bus.Subscribe(events.SettingsUpdated)
	defer sub.Unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go store.Watch(ctx)
	time.Sleep(100 * time.Millisecond)

	external := "version: 0.10.4\ncallbackPort: 8888\ndevicePort: 7000\naddress: 0.0.0.0\nlogLevel: debug\nrefreshInterval: -1\n"
	require.NoError(t, os.WriteFile(path, []byte(external), 0644))

	assert.Eventually(t, func() bool { return store.Get().DevicePort == 7000 }, 3*time.Second, 20*time.Millisecond)
	select {
	case evt := <-sub.C():
		assert.Equal(t, "debug", evt.Payload.(Settings).LogLevel)
	case <-time.After(time.Second):
		t.Fatal("expected a settings-updated event after an external edit")
	}
}
