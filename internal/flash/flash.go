// Package flash drives the device flashing pipeline: validate image, configure USB mode, write
// every partition and verify
package flash

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/deskthing/deskthingd/internal/events"
	"github.com/deskthing/deskthingd/internal/progress"
	"github.com/deskthing/deskthingd/internal/task"
	"github.com/deskthing/deskthingd/internal/util"

	"github.com/jinzhu/copier"
	"github.com/pkg/errors"
)

var log = util.GetLogger("flash")

// Name is the registry name of the flash store
const Name = "flash"

// validate, configure USB mode and verify
const fixedSteps = 3

// State of the flash store
type State string

const (
	// StateIdle - nothing has been flashed yet
	StateIdle State = "idle"
	// StateProgress - a flash is running
	StateProgress State = "progress"
	// StateCompleted - the last flash was verified
	StateCompleted State = "completed"
	// StateError - the last flash failed
	StateError State = "error"
	// StateCancelled - the last flash was cancelled
	StateCancelled State = "cancelled"
)

var (
	// ErrInvalidState is returned when an operation is not valid for the current state
	ErrInvalidState = util.NewTypedError(util.ErrValidation, "operation not valid in the current flash state")
	// ErrFlashCancelled is returned by a flash run that was stopped by the user
	ErrFlashCancelled = fmt.Errorf("flash cancelled: %w", task.ErrKilledByUser)
)

// StepProgress is the progress of the step being run
type StepProgress struct {
	Percent  float64 `json:"percent"`
	ElapsedS float64 `json:"elapsedS"`
	EtaS     float64 `json:"etaS"`
	Rate     float64 `json:"rate"`
}

// FlashState is the state of the flash store as seen by clients
type FlashState struct {
	State      State        `json:"state"`
	Step       int          `json:"step"`
	StepTotal  int          `json:"stepTotal"`
	StepTitle  string       `json:"stepTitle,omitempty"`
	PastTitles []string     `json:"pastTitles"`
	Progress   StepProgress `json:"progress"`
	ErrorText  string       `json:"errorText,omitempty"`
	Suggestion string       `json:"suggestion,omitempty"`
}

// Store runs one flash at a time
type Store struct {
	access   sync.Mutex
	pub      events.Publisher
	progress *progress.Bus
	tasks    *task.Manager
	runner   Runner
	marker   string

	state   FlashState
	running *task.Base
	// set while USB mode is configured outside of a flash run
	configuring bool
}

// New creates a flash store. marker is the file written after a verified flash
func New(runner Runner, pub events.Publisher, pb *progress.Bus, tm *task.Manager, marker string) *Store {
	return &Store{
		pub:      pub,
		progress: pb,
		tasks:    tm,
		runner:   runner,
		marker:   marker,
		state:    FlashState{State: StateIdle, PastTitles: []string{}},
	}
}

// Name returns the registry name of the store
func (s *Store) Name() string {
	return Name
}

// State returns a copy of the current flash state
func (s *Store) State() FlashState {
	s.access.Lock()
	defer s.access.Unlock()
	return s.copyState()
}

// copyState snapshots the state. Caller holds the lock
func (s *Store) copyState() FlashState {
	var st FlashState
	if err := copier.CopyWithOption(&st, &s.state, copier.Option{DeepCopy: true}); err != nil {
		log.Panic(err)
	}
	if st.PastTitles == nil {
		st.PastTitles = []string{}
	}
	return st
}

// update modifies the state under the lock and publishes the result
func (s *Store) update(fn func(st *FlashState)) {
	s.access.Lock()
	fn(&s.state)
	st := s.copyState()
	s.access.Unlock()
	s.pub.Publish(events.FlashState, st)
}

// Steps returns the number of steps needed to flash the image at path
func (s *Store) Steps(ctx context.Context, path string) (int, error) {
	img, err := LoadImage(path)
	if err != nil {
		return 0, err
	}
	return img.Steps(), nil
}

// Running reports whether a flash is in progress
func (s *Store) Running() bool {
	s.access.Lock()
	defer s.access.Unlock()
	return s.running != nil || s.configuring
}

// StartFlash starts flashing the image at path in the background
func (s *Store) StartFlash(ctx context.Context, path string) (*task.Base, error) {
	if path == "" {
		return nil, util.NewTypedError(util.ErrValidation, "no image path provided")
	}
	s.access.Lock()
	defer s.access.Unlock()
	if s.running != nil {
		return nil, errors.Wrap(ErrInvalidState, "a flash is already running")
	}
	if s.configuring {
		return nil, errors.Wrap(ErrInvalidState, "the device is being configured")
	}
	s.state = FlashState{State: StateProgress, StepTitle: "Initializing", PastTitles: []string{}}
	s.pub.Publish(events.FlashState, s.copyState())
	s.running = s.tasks.New(&flashTask{store: s, path: path})
	return s.running, nil
}

// CancelFlash asks the running flash to stop before its next step
func (s *Store) CancelFlash() error {
	s.access.Lock()
	running := s.running
	s.access.Unlock()
	if running == nil {
		return errors.Wrap(ErrInvalidState, "no flash is running")
	}
	log.Info("Cancelling flash, it will stop before the next step")
	return running.Kill()
}

// ConfigureUSBMode switches the device into USB mode using the image at path, without flashing
func (s *Store) ConfigureUSBMode(ctx context.Context, path string) error {
	s.access.Lock()
	if s.running != nil {
		s.access.Unlock()
		return errors.Wrap(ErrInvalidState, "a flash is running")
	}
	if s.configuring {
		s.access.Unlock()
		return errors.Wrap(ErrInvalidState, "the device is already being configured")
	}
	s.configuring = true
	s.access.Unlock()
	defer func() {
		s.access.Lock()
		s.configuring = false
		s.access.Unlock()
	}()

	s.progress.StartOperation(progress.FlashRunner, "Configure-Device", "Initializing USB mode", progress.SubOperation{Channel: progress.FlashStep, Weight: 100})
	img, err := LoadImage(path)
	if err == nil {
		s.update(func(st *FlashState) {
			st.State = StateProgress
			st.StepTitle = "Configure USB mode"
		})
		err = s.runner.Run(ctx, "usb-mode", []string{img.Path}, func(string) {})
	}
	if err != nil {
		s.progress.Error(progress.FlashRunner, "Failed to configure device", err)
		s.update(func(st *FlashState) {
			st.State = StateError
			st.ErrorText = err.Error()
			st.Suggestion = "Check that the device is connected and in USB mode"
		})
		return util.WrapTyped(err, util.ErrExternal, "failed to configure USB mode")
	}
	s.progress.Complete(progress.FlashRunner, "Device configured successfully")
	s.update(func(st *FlashState) { st.State = StateCompleted })
	return nil
}

// ClearCache resets the flash state when no flash is running
func (s *Store) ClearCache(ctx context.Context) error {
	s.access.Lock()
	defer s.access.Unlock()
	if s.running == nil && !s.configuring {
		s.state = FlashState{State: StateIdle, PastTitles: []string{}}
	}
	return nil
}

// SaveToFile is a no-op, the flash state is not persisted
func (s *Store) SaveToFile(ctx context.Context) error {
	return nil
}

func (s *Store) removeMarker() {
	if err := os.Remove(s.marker); err != nil && !os.IsNotExist(err) {
		log.Warnf("Failed to remove flash marker '%s': %s", s.marker, err.Error())
	}
}

// flashTask runs the pipeline. Cancellation is only honoured between steps
type flashTask struct {
	store *Store
	path  string
}

// Name returns the name of the task
func (t *flashTask) Name() string {
	return "Flash device"
}

// Run executes every step of the pipeline and publishes the outcome
func (t *flashTask) Run(parent *task.Base, id string, p task.Progrs) error {
	s := t.store
	s.progress.StartOperation(progress.FlashRunner, "Flash-Device", "Initializing flash process", progress.SubOperation{Channel: progress.FlashStep, Weight: 100})
	// the device content is invalid from here until a verified run
	s.removeMarker()

	err := t.pipeline(parent, id, p)

	switch {
	case err == nil:
		if werr := os.WriteFile(s.marker, []byte(time.Now().UTC().Format(time.RFC3339)), 0644); werr != nil {
			log.Warnf("Failed to write flash marker '%s': %s", s.marker, werr.Error())
		}
		s.progress.Complete(progress.FlashStep, "Device flashed successfully")
		s.progress.Complete(progress.FlashRunner, "Device flashed successfully")
		s.update(func(st *FlashState) {
			st.State = StateCompleted
			st.Progress.Percent = 100
		})
	case errors.Is(err, task.ErrKilledByUser):
		s.removeMarker()
		s.progress.Error(progress.FlashRunner, "Flash cancelled", err)
		s.update(func(st *FlashState) {
			st.State = StateCancelled
			st.ErrorText = "Flash was cancelled"
			st.Suggestion = "Start the flash again to finish writing the device"
		})
	default:
		s.removeMarker()
		s.progress.Error(progress.FlashRunner, "Error flashing device", err)
		s.update(func(st *FlashState) {
			st.State = StateError
			st.ErrorText = err.Error()
			if st.Suggestion == "" {
				st.Suggestion = "Read the logs for the full error"
			}
		})
	}

	s.access.Lock()
	s.running = nil
	s.access.Unlock()
	s.pub.Publish(events.FlashCompleted, err == nil)
	s.pub.Publish(events.FlashStopped, true)
	return err
}

func (t *flashTask) pipeline(parent *task.Base, id string, p task.Progrs) error {
	s := t.store
	step := 0
	total := fixedSteps
	begin := func(title string) error {
		if parent.Killed() {
			return ErrFlashCancelled
		}
		step++
		log.WithField("proc", id).Infof("Flash step %d/%d: %s", step, total, title)
		s.update(func(st *FlashState) {
			st.Step = step
			st.StepTitle = title
			st.PastTitles = append(st.PastTitles, title)
			st.State = StateProgress
			st.Progress = StepProgress{}
			st.ErrorText = ""
			st.Suggestion = ""
		})
		pct := float64(step-1) / float64(total)
		p.SetPercentage(int(pct * 100))
		p.SetState(title)
		s.progress.Update(progress.FlashStep, title, pct)
		return nil
	}
	run := func(stepName string, args ...string) error {
		start := time.Now()
		return s.runner.Run(context.Background(), stepName, args, func(line string) {
			t.onLine(line, step, total, start)
		})
	}

	if err := begin("Validate image"); err != nil {
		return err
	}
	img, err := LoadImage(t.path)
	if err != nil {
		s.update(func(st *FlashState) { st.Suggestion = "Select a valid firmware image" })
		return err
	}
	total = img.Steps()
	s.update(func(st *FlashState) { st.StepTotal = total })
	s.pub.Publish(events.TotalSteps, total)

	if err := begin("Configure USB mode"); err != nil {
		return err
	}
	if err := run("usb-mode", img.Path); err != nil {
		s.update(func(st *FlashState) { st.Suggestion = "Check that the device is connected and in USB mode" })
		return err
	}

	for _, part := range img.Partitions {
		if err := begin("Write " + part.Name); err != nil {
			return err
		}
		if err := run("write", part.Name, part.File); err != nil {
			return err
		}
	}

	if err := begin("Verify"); err != nil {
		return err
	}
	return run("verify", img.Path)
}

// onLine forwards progress lines of the flash tool to the state and the progress bus
func (t *flashTask) onLine(line string, step int, total int, start time.Time) {
	pct, ok := parseProgress(line)
	if !ok {
		return
	}
	elapsed := time.Since(start).Seconds()
	sp := StepProgress{Percent: pct, ElapsedS: elapsed}
	if pct > 0 && elapsed > 0 {
		sp.Rate = pct / elapsed
		sp.EtaS = elapsed * (100 - pct) / pct
	}
	t.store.update(func(st *FlashState) { st.Progress = sp })
	overall := (float64(step-1) + pct/100) / float64(total)
	t.store.progress.Update(progress.FlashStep, fmt.Sprintf("Step %d/%d - %.2f%% Complete", step, total, pct), overall)
}
