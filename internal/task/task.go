package task

import (
	"errors"
	"fmt"
	"sync"

	"github.com/deskthing/deskthingd/internal/metrics"
	"github.com/deskthing/deskthingd/internal/util"

	"github.com/icholy/killable"
	"github.com/jinzhu/copier"
)

var log = util.GetLogger("task")

const (
	// REQUESTED - task has been created
	REQUESTED = "requested"
	// INPROGRESS - task is in progress
	INPROGRESS = "inprogress"
	// FAILED - task has failed
	FAILED = "failed"
	// FINISHED - task has been completed
	FINISHED = "finished"
	// CANCELLED - task was killed before it finished
	CANCELLED = "cancelled"
)

// ErrKilledByUser is returned when a task is canceled/killed by the user
var ErrKilledByUser = errors.New("task cancelled by user")

// CustomTask is the interface that is implemented by custom tasks in various packages
type CustomTask interface {
	Name() string
	Run(parent *Base, id string, progress Progrs) error
}

// Progress tracks the percentage and message of a task
type Progress struct {
	Percentage int    `json:"percentage"`
	State      string `json:"state"`
}

// Progrs is an interface used to communicate progress inside a task
type Progrs interface {
	SetPercentage(percent int)
	SetState(stateText string)
}

// Base represents an asynchronous piece of work that a store runs in the background
type Base struct {
	access   *sync.Mutex
	custom   CustomTask
	parent   *Manager
	killable killable.Killable
	finish   chan error
	err      error

	// public members
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Status     string         `json:"status"`
	Progress   Progress       `json:"progress"`
	StartedAt  util.Timestamp `json:"started-at,omitempty"`
	FinishedAt util.Timestamp `json:"finished-at,omitempty"`
}

// GetID returns the id of the task
func (b *Base) GetID() string {
	b.access.Lock()
	defer b.access.Unlock()
	return b.ID
}

// SetPercentage sets the progress percentage of the task base
func (b *Base) SetPercentage(percent int) {
	b.access.Lock()
	b.Progress.Percentage = percent
	b.access.Unlock()
	b.Save()
}

// GetPercentage gets the progress percentage of the task base
func (b *Base) GetPercentage() int {
	b.access.Lock()
	defer b.access.Unlock()
	return b.Progress.Percentage
}

// SetState sets the progress state of the task base
func (b *Base) SetState(msg string) {
	b.access.Lock()
	b.Progress.State = msg
	b.access.Unlock()
	b.Save()
}

// SetStatus sets the status of the task base
func (b *Base) SetStatus(msg string) {
	b.access.Lock()
	b.Status = msg
	b.access.Unlock()
	b.Save()
}

// GetStatus returns the status of the task
func (b *Base) GetStatus() string {
	b.access.Lock()
	defer b.access.Unlock()
	return b.Status
}

// Kill asks a running task to stop. The task notices it through Dying at its next checkpoint
func (b *Base) Kill() error {
	b.access.Lock()
	defer b.access.Unlock()
	if b.killable == nil || b.Status == FINISHED || b.Status == FAILED || b.Status == CANCELLED {
		return util.NewTypedError(util.ErrValidation, "task %s(%s) is not cancellable or is not running anymore", b.ID, b.Name)
	}
	b.killable.Kill(ErrKilledByUser)
	return nil
}

// Dying returns a channel that is closed when the task has been killed
func (b *Base) Dying() <-chan struct{} {
	b.access.Lock()
	defer b.access.Unlock()
	if b.killable != nil {
		return b.killable.Dying()
	}
	return nil
}

// Killed reports, without blocking, whether the task has been asked to stop
func (b *Base) Killed() bool {
	select {
	case <-b.Dying():
		return true
	default:
		return false
	}
}

// Copy returns a copy of the public fields of the task base
func (b *Base) Copy() *Base {
	var baseCopy Base
	b.access.Lock()
	err := copier.Copy(&baseCopy, b)
	b.access.Unlock()
	if err != nil {
		log.Panic(err)
	}
	return &baseCopy
}

// Save sends a copy of the task to the task manager
func (b *Base) Save() {
	if b.parent != nil {
		b.parent.saveTask(b)
	}
}

// Wait waits for the task to finish and returns an error if there was one. Used to mimic a blocking call
func (b *Base) Wait() error {
	err, ok := <-b.finish
	if !ok {
		b.access.Lock()
		defer b.access.Unlock()
		return b.err
	}
	return err
}

// Run runs the custom task and records its result
func (b *Base) Run() {
	log.Debugf("Starting async task '%s'", b.ID)
	metrics.TaskStarted()
	defer metrics.TaskFinished()
	b.SetStatus(INPROGRESS)

	err := b.runCustom()

	b.access.Lock()
	b.FinishedAt = util.Now()
	switch {
	case err == nil:
		log.WithField("proc", b.ID).Debugf("Task '%s' finished successfully", b.ID)
		b.Progress.Percentage = 100
		b.Status = FINISHED
	case errors.Is(err, ErrKilledByUser):
		log.WithField("proc", b.ID).Infof("Task '%s' was cancelled", b.ID)
		b.Progress.State = err.Error()
		b.Status = CANCELLED
	default:
		log.WithField("proc", b.ID).Errorf("Failed to finish task '%s': %s", b.ID, err.Error())
		b.Progress.State = err.Error()
		b.Status = FAILED
	}
	b.err = err
	b.access.Unlock()
	b.Save()

	b.finish <- err
	close(b.finish)
}

func (b *Base) runCustom() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task '%s' panicked: %v", b.Name, r)
		}
	}()
	return b.custom.Run(b, b.ID, b)
}
