// Package registry holds the stores of the process. A store is constructed and initialized the first time
// it is requested and the same instance is returned afterwards.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/deskthing/deskthingd/internal/events"
	"github.com/deskthing/deskthingd/internal/metrics"
	"github.com/deskthing/deskthingd/internal/util"
)

var log = util.GetLogger("registry")

// ErrStoreNotFound is returned when a store name has not been registered
var ErrStoreNotFound = errors.New("store not found")

// Store is implemented by every store managed by the registry
type Store interface {
	Name() string
}

// Cacheable is implemented by stores that hold caches or persisted state
type Cacheable interface {
	ClearCache(ctx context.Context) error
	SaveToFile(ctx context.Context) error
}

// Closer is implemented by stores that run background work
type Closer interface {
	Close() error
}

// InitFunc constructs and initializes a store. It can look up other stores through the registry
type InitFunc func(ctx context.Context, r *Registry) (Store, error)

type entry struct {
	init  InitFunc
	store Store

	// done is non nil while an initialization is in flight. Waiters block on it
	done chan struct{}
	err  error
}

// Registry maps store names to lazily created store instances
type Registry struct {
	access  sync.Mutex
	entries map[string]*entry
	pub     events.Publisher
}

// New creates an empty registry
func New(pub events.Publisher) *Registry {
	return &Registry{entries: map[string]*entry{}, pub: pub}
}

// Register adds a store initializer. Registering the same name twice replaces the initializer of a store
// that has not been created yet
func (r *Registry) Register(name string, init InitFunc) {
	r.access.Lock()
	defer r.access.Unlock()
	if e, found := r.entries[name]; found && e.store != nil {
		log.Warnf("Store '%s' is already initialized, ignoring new initializer", name)
		return
	}
	r.entries[name] = &entry{init: init}
}

// Get returns the store registered under name, initializing it on first use. Concurrent callers of a store
// that is not yet initialized wait for the same initialization. A failed initialization is reported to all
// of them and retried by the next call
func (r *Registry) Get(ctx context.Context, name string) (Store, error) {
	r.access.Lock()
	e, found := r.entries[name]
	if !found {
		r.access.Unlock()
		return nil, errors.Wrapf(ErrStoreNotFound, "store '%s'", name)
	}
	if e.store != nil {
		store := e.store
		r.access.Unlock()
		return store, nil
	}
	if e.done != nil {
		done := e.done
		r.access.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		r.access.Lock()
		defer r.access.Unlock()
		if e.store != nil {
			return e.store, nil
		}
		return nil, e.err
	}

	done := make(chan struct{})
	e.done = done
	r.access.Unlock()

	store, err := r.initialize(ctx, name, e.init)

	r.access.Lock()
	if err != nil {
		e.err = err
	} else {
		e.store = store
		e.err = nil
	}
	e.done = nil
	r.access.Unlock()
	close(done)

	return store, err
}

func (r *Registry) initialize(ctx context.Context, name string, init InitFunc) (store Store, err error) {
	log.Debugf("Initializing store '%s'", name)
	r.pub.Publish(events.LoadingStatus, LoadingStatus{Store: name, IsLoading: true})

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic while initializing store '%s': %v", name, rec)
		}
		metrics.RecordStoreInitialization(name, err)
		status := LoadingStatus{Store: name, IsLoading: false}
		if err != nil {
			log.Errorf("Failed to initialize store '%s': %s", name, err.Error())
			status.Error = err.Error()
		}
		r.pub.Publish(events.LoadingStatus, status)
	}()

	store, err = init(ctx, r)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to initialize store '%s'", name)
	}
	if store == nil {
		return nil, errors.Errorf("initializer for store '%s' returned no store", name)
	}
	return store, nil
}

// LoadingStatus is published on the loading-status channel around store initialization
type LoadingStatus struct {
	Store     string `json:"store"`
	IsLoading bool   `json:"isLoading"`
	Error     string `json:"error,omitempty"`
}

// Names returns the registered store names, sorted
func (r *Registry) Names() []string {
	r.access.Lock()
	defer r.access.Unlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// initialized returns the stores created so far
func (r *Registry) initialized() []Store {
	r.access.Lock()
	defer r.access.Unlock()
	stores := []Store{}
	for _, e := range r.entries {
		if e.store != nil {
			stores = append(stores, e.store)
		}
	}
	sort.Slice(stores, func(i, j int) bool { return stores[i].Name() < stores[j].Name() })
	return stores
}

// ClearAllCaches clears the caches of every initialized store. All stores are visited, the first error is returned
func (r *Registry) ClearAllCaches(ctx context.Context) error {
	return r.forEachCacheable(func(c Cacheable) error { return c.ClearCache(ctx) }, "clear cache")
}

// SaveAllToFile persists every initialized store. All stores are visited, the first error is returned
func (r *Registry) SaveAllToFile(ctx context.Context) error {
	return r.forEachCacheable(func(c Cacheable) error { return c.SaveToFile(ctx) }, "save")
}

func (r *Registry) forEachCacheable(fn func(Cacheable) error, action string) error {
	var wg sync.WaitGroup
	var errAccess sync.Mutex
	var firstErr error
	for _, store := range r.initialized() {
		c, ok := store.(Cacheable)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(name string, c Cacheable) {
			defer wg.Done()
			if err := fn(c); err != nil {
				log.Errorf("Failed to %s store '%s': %s", action, name, err.Error())
				errAccess.Lock()
				if firstErr == nil {
					firstErr = errors.Wrapf(err, "failed to %s store '%s'", action, name)
				}
				errAccess.Unlock()
			}
		}(store.Name(), c)
	}
	wg.Wait()
	return firstErr
}

// Close closes every initialized store that runs background work
func (r *Registry) Close() error {
	var firstErr error
	for _, store := range r.initialized() {
		if c, ok := store.(Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = errors.Wrapf(err, "failed to close store '%s'", store.Name())
			}
		}
	}
	return firstErr
}

// Lookup returns the store registered under name as type T
func Lookup[T Store](ctx context.Context, r *Registry, name string) (T, error) {
	var zero T
	store, err := r.Get(ctx, name)
	if err != nil {
		return zero, err
	}
	typed, ok := store.(T)
	if !ok {
		return zero, errors.Errorf("store '%s' has unexpected type %T", name, store)
	}
	return typed, nil
}
