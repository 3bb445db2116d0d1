package task

import (
	"sync"

	"github.com/deskthing/deskthingd/internal/events"
	"github.com/deskthing/deskthingd/internal/util"

	"github.com/emirpasic/gods/maps/linkedhashmap"
	"github.com/icholy/killable"
	"github.com/rs/xid"
)

// Name is the registry name of the task manager
const Name = "task"

// maxFinishedTasks bounds how many finished tasks are kept for inspection
const maxFinishedTasks = 50

// taskContainer is a thread safe tasks map that remembers insertion order
type taskContainer struct {
	access *sync.Mutex
	all    *linkedhashmap.Map
}

// put saves a task into the task map
func (tm taskContainer) put(id string, task *Base) {
	tm.access.Lock()
	tm.all.Put(id, task)
	tm.access.Unlock()
}

// get retrieves a task from the task map
func (tm taskContainer) get(id string) (*Base, error) {
	tm.access.Lock()
	task, found := tm.all.Get(id)
	tm.access.Unlock()
	if found {
		return task.(*Base), nil
	}
	return nil, util.NewTypedError(util.ErrNotFound, "could not find task %s", id)
}

// copy returns copies of all the tasks, oldest first
func (tm taskContainer) copy() []Base {
	tm.access.Lock()
	defer tm.access.Unlock()
	tsks := make([]Base, 0, tm.all.Size())
	it := tm.all.Iterator()
	for it.Next() {
		tsk := it.Value().(*Base)
		tsk.access.Lock()
		ltsk := *tsk
		tsk.access.Unlock()
		ltsk.access = nil
		ltsk.finish = nil
		tsks = append(tsks, ltsk)
	}
	return tsks
}

// prune drops the oldest finished tasks so that at most max of them are kept
func (tm taskContainer) prune(max int) {
	tm.access.Lock()
	defer tm.access.Unlock()
	finished := []interface{}{}
	it := tm.all.Iterator()
	for it.Next() {
		tsk := it.Value().(*Base)
		tsk.access.Lock()
		status := tsk.Status
		tsk.access.Unlock()
		if status == FINISHED || status == FAILED || status == CANCELLED {
			finished = append(finished, it.Key())
		}
	}
	for i := 0; i < len(finished)-max; i++ {
		tm.all.Remove(finished[i])
	}
}

func getLastNTasks(n int, tsks []Base) []Base {
	if len(tsks) <= n {
		return tsks
	}
	return tsks[len(tsks)-n:]
}

// Manager keeps track of all the tasks
type Manager struct {
	tasks taskContainer
	pub   events.Publisher
}

// CreateManager creates and returns a task manager
func CreateManager(pub events.Publisher) *Manager {
	log.WithField("proc", "taskManager").Debug("Creating task manager")
	return &Manager{pub: pub, tasks: taskContainer{access: &sync.Mutex{}, all: linkedhashmap.New()}}
}

//
// Public methods
//

// Name returns the registry name of the task manager
func (tm *Manager) Name() string {
	return Name
}

// New creates a new task, starts it in the background and returns it. Every task can be killed
func (tm *Manager) New(ct CustomTask) *Base {
	tsk := &Base{
		access:   &sync.Mutex{},
		custom:   ct,
		parent:   tm,
		killable: killable.New(),

		ID:        xid.New().String(),
		Name:      ct.Name(),
		Status:    REQUESTED,
		Progress:  Progress{Percentage: 0},
		StartedAt: util.Now(),

		finish: make(chan error, 1),
	}
	tm.tasks.put(tsk.ID, tsk)
	tsk.Save()
	tm.tasks.prune(maxFinishedTasks)
	util.Go("task-"+tsk.ID, tsk.Run)
	return tsk
}

// GetAll returns all the available tasks, oldest first
func (tm *Manager) GetAll() []Base {
	return tm.tasks.copy()
}

// GetLast returns the last n tasks
func (tm *Manager) GetLast(n int) []Base {
	return getLastNTasks(n, tm.tasks.copy())
}

// Get returns a task based on its id
func (tm *Manager) Get(id string) (*Base, error) {
	return tm.tasks.get(id)
}

// Kill stops a task based on its id
func (tm *Manager) Kill(id string) error {
	tsk, err := tm.tasks.get(id)
	if err != nil {
		return err
	}
	return tsk.Kill()
}

func (tm *Manager) saveTask(btsk *Base) {
	btsk.access.Lock()
	ltask := *btsk
	btsk.access.Unlock()
	ltask.access = nil
	ltask.finish = nil
	log.WithField("proc", "taskManager").Tracef("Publishing task %s (%s)", ltask.ID, ltask.Status)
	tm.pub.Publish(events.TaskList, ltask)
}
