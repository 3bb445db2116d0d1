package flash

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deskthing/deskthingd/internal/events"
	"github.com/deskthing/deskthingd/internal/progress"
	"github.com/deskthing/deskthingd/internal/task"
)

type fakeRunner struct {
	mu      sync.Mutex
	steps   []string
	blockOn string
	entered chan struct{}
	release chan struct{}
	failOn  string
}

func (fr *fakeRunner) Run(ctx context.Context, step string, args []string, onLine func(line string)) error {
	name := step
	if step == "write" {
		name = "write:" + args[0]
	}
	if name == fr.blockOn {
		close(fr.entered)
		<-fr.release
	}
	onLine("progress: 50%")
	onLine("some other output")
	fr.mu.Lock()
	fr.steps = append(fr.steps, name)
	fr.mu.Unlock()
	if name == fr.failOn {
		return errors.New("device disconnected")
	}
	return nil
}

func (fr *fakeRunner) ran() []string {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return append([]string{}, fr.steps...)
}

func writeImage(t *testing.T) string {
	dir := t.TempDir()
	manifest := `{"version": "8.9.2", "partitions": [{"name": "boot", "file": "boot.img"}, {"name": "system", "file": "system.img"}]}`
	for name, content := range map[string]string{"image.json": manifest, "boot.img": "boot", "system.img": "system"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func newTestStore(t *testing.T, runner Runner) (*Store, *events.Bus, string) {
	bus := events.NewBus()
	marker := filepath.Join(t.TempDir(), ".flashed")
	return New(runner, bus, progress.NewBus(bus), task.CreateManager(bus), marker), bus, marker
}

func waitFor(t *testing.T, sub *events.Subscription, channel events.Channel) events.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case evt := <-sub.C():
			if evt.Channel == channel {
				return evt
			}
		case <-timeout:
			t.Fatalf("Timed out waiting for a '%s' event", channel)
		}
	}
}

func TestLoadImage(t *testing.T) {
	img, err := LoadImage(writeImage(t))
	if err != nil {
		t.Fatalf("LoadImage() should not return an error: %s", err.Error())
	}
	if len(img.Partitions) != 2 || img.Steps() != 5 || img.Version != "8.9.2" {
		t.Errorf("Unexpected image metadata %+v", img)
	}

	file := filepath.Join(t.TempDir(), "firmware.bin")
	os.WriteFile(file, []byte("firmware"), 0644)
	img, err = LoadImage(file)
	if err != nil || img.Steps() != 4 {
		t.Errorf("A single file image should have 4 steps, got %d (%v)", img.Steps(), err)
	}

	if _, err := LoadImage(t.TempDir()); err == nil {
		t.Error("A directory without image.json should be rejected")
	}
	if _, err := LoadImage(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("A missing image should be rejected")
	}
}

func TestParseProgress(t *testing.T) {
	if pct, ok := parseProgress("[boot] progress: 42.5%"); !ok || pct != 42.5 {
		t.Errorf("Expected 42.5, got %f (%t)", pct, ok)
	}
	if _, ok := parseProgress("writing block 12"); ok {
		t.Error("Lines without progress should be ignored")
	}
}

func TestFlash(t *testing.T) {
	runner := &fakeRunner{}
	store, bus, marker := newTestStore(t, runner)
	sub := bus.Subscribe(events.TotalSteps, events.FlashStopped, events.FlashCompleted)
	defer sub.Unsubscribe()

	tsk, err := store.StartFlash(context.Background(), writeImage(t))
	if err != nil {
		t.Fatalf("StartFlash() should not return an error: %s", err.Error())
	}

	if total := waitFor(t, sub, events.TotalSteps).Payload.(int); total != 5 {
		t.Errorf("Expected 5 steps, got %d", total)
	}
	if completed := waitFor(t, sub, events.FlashCompleted).Payload.(bool); !completed {
		t.Error("flash-completed should be true after a verified flash")
	}
	if stopped := waitFor(t, sub, events.FlashStopped).Payload.(bool); !stopped {
		t.Error("flash-stopped should be true once the run ended")
	}
	if err := tsk.Wait(); err != nil {
		t.Fatalf("Flash task failed: %s", err.Error())
	}

	expected := []string{"usb-mode", "write:boot", "write:system", "verify"}
	if strings.Join(runner.ran(), ",") != strings.Join(expected, ",") {
		t.Errorf("Expected steps %v, got %v", expected, runner.ran())
	}
	st := store.State()
	if st.State != StateCompleted || st.Step != 5 || st.StepTotal != 5 || len(st.PastTitles) != 5 {
		t.Errorf("Unexpected final state %+v", st)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Error("The flash marker should be written after verification")
	}
	if store.Running() {
		t.Error("The store should not be running after the flash")
	}
}

func TestCancelFlash(t *testing.T) {
	runner := &fakeRunner{blockOn: "write:boot", entered: make(chan struct{}), release: make(chan struct{})}
	store, bus, marker := newTestStore(t, runner)
	os.WriteFile(marker, []byte("old"), 0644)
	sub := bus.Subscribe(events.FlashStopped)
	defer sub.Unsubscribe()

	if err := store.CancelFlash(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("CancelFlash() without a running flash should return ErrInvalidState, got %v", err)
	}

	tsk, err := store.StartFlash(context.Background(), writeImage(t))
	if err != nil {
		t.Fatal(err)
	}
	<-runner.entered

	if _, err := store.StartFlash(context.Background(), writeImage(t)); !errors.Is(err, ErrInvalidState) {
		t.Errorf("A second StartFlash() should return ErrInvalidState, got %v", err)
	}
	if err := store.CancelFlash(); err != nil {
		t.Fatalf("CancelFlash() should not return an error: %s", err.Error())
	}
	// the write in flight is not interrupted
	close(runner.release)

	if stopped := waitFor(t, sub, events.FlashStopped).Payload.(bool); !stopped {
		t.Error("flash-stopped should be true after a cancelled run")
	}
	if err := tsk.Wait(); !errors.Is(err, task.ErrKilledByUser) {
		t.Errorf("Expected a cancellation error, got %v", err)
	}
	if tsk.GetStatus() != task.CANCELLED {
		t.Errorf("Expected task status %s, got %s", task.CANCELLED, tsk.GetStatus())
	}

	ran := runner.ran()
	if ran[len(ran)-1] != "write:boot" {
		t.Errorf("The in-flight write should complete and nothing after it should run, got %v", ran)
	}
	if store.State().State != StateCancelled {
		t.Errorf("Expected state %s, got %s", StateCancelled, store.State().State)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Error("A cancelled flash should not leave the image marked as valid")
	}
}

func TestFlashFailure(t *testing.T) {
	runner := &fakeRunner{failOn: "write:system"}
	store, _, marker := newTestStore(t, runner)

	tsk, err := store.StartFlash(context.Background(), writeImage(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := tsk.Wait(); err == nil {
		t.Fatal("The flash should fail")
	}
	st := store.State()
	if st.State != StateError || !strings.Contains(st.ErrorText, "device disconnected") {
		t.Errorf("Unexpected state after failure %+v", st)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Error("A failed flash should not leave a marker")
	}

	// a new flash can be started after a failure
	runner.failOn = ""
	tsk, err = store.StartFlash(context.Background(), writeImage(t))
	if err != nil {
		t.Fatalf("StartFlash() after a failure should be accepted: %s", err.Error())
	}
	tsk.Wait()
}

func TestExecRunner(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	runner := ExecRunner{Tool: "sh", Args: []string{"-c", `echo "$0 progress: 42%"; echo warning >&2`}}
	lines := []string{}
	err := runner.Run(context.Background(), "write", []string{"boot"}, func(line string) {
		lines = append(lines, line)
	})
	if err != nil {
		t.Fatalf("Run() should not return an error: %s", err.Error())
	}
	if len(lines) != 1 || lines[0] != "write progress: 42%" {
		t.Errorf("Unexpected stdout lines %v", lines)
	}

	failing := ExecRunner{Tool: "sh", Args: []string{"-c", "exit 3"}}
	if err := failing.Run(context.Background(), "verify", nil, func(string) {}); err == nil {
		t.Error("A failing tool should return an error")
	}
}

func TestConfigureUSBModeClaimsStore(t *testing.T) {
	runner := &fakeRunner{blockOn: "usb-mode", entered: make(chan struct{}), release: make(chan struct{})}
	store, _, _ := newTestStore(t, runner)
	img := writeImage(t)

	done := make(chan error, 1)
	go func() {
		done <- store.ConfigureUSBMode(context.Background(), img)
	}()
	<-runner.entered

	if !store.Running() {
		t.Error("The store should be busy while USB mode is configured")
	}
	if _, err := store.StartFlash(context.Background(), img); !errors.Is(err, ErrInvalidState) {
		t.Errorf("StartFlash() while configuring the device should return ErrInvalidState, got %v", err)
	}
	if err := store.ConfigureUSBMode(context.Background(), img); !errors.Is(err, ErrInvalidState) {
		t.Errorf("A second ConfigureUSBMode() should return ErrInvalidState, got %v", err)
	}

	close(runner.release)
	if err := <-done; err != nil {
		t.Fatalf("ConfigureUSBMode() should not return an error: %s", err.Error())
	}
	if store.Running() {
		t.Error("The store should be released once USB mode is configured")
	}
	if st := store.State(); st.State != StateCompleted {
		t.Errorf("Expected state %s, got %s", StateCompleted, st.State)
	}

	tsk, err := store.StartFlash(context.Background(), img)
	if err != nil {
		t.Fatalf("StartFlash() after configuring the device should be accepted: %s", err.Error())
	}
	tsk.Wait()
}
