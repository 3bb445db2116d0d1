// Package stats queues anonymous usage statistics and sends them to the stats endpoint in batches
package stats

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deskthing/deskthingd/internal/util"

	"github.com/denisbrodbeck/machineid"
	"github.com/pkg/errors"
)

var log = util.GetLogger("stats")

// Name is the registry name of the stats store
const Name = "stats"

const (
	maxQueue = 100
	// stats beyond the backlog drop the oldest ones while the endpoint is unreachable
	maxBacklog           = 10 * maxQueue
	defaultFlushInterval = 5 * time.Minute
	flushTimeout         = 30 * time.Second
)

// Stat is a single statistic
type Stat struct {
	Stat  string                 `json:"stat" validate:"required,oneof=system usage app kv"`
	Type  string                 `json:"type" validate:"required"`
	Key   string                 `json:"key,omitempty"`
	Value interface{}            `json:"value,omitempty"`
	Data  map[string]interface{} `json:"data,omitempty"`
	Time  util.Timestamp         `json:"time"`
}

// Config holds the parameters of the stats store
type Config struct {
	Endpoint      string
	ClientID      string
	FlushInterval time.Duration
	Version       string
	DataDir       string
}

// Store queues stats and flushes them periodically
type Store struct {
	access sync.Mutex
	flush  sync.Mutex
	cfg    Config
	client *http.Client
	queue  []Stat
	// total number of stats dropped from the head of the queue
	dropped int

	flushing int32
	pending  sync.WaitGroup

	stop    chan struct{}
	stopped sync.WaitGroup
	closed  bool
}

// New creates a stats store. Without an endpoint the store logs and drops every stat. An empty client
// id defaults to an id derived from the machine id
func New(cfg Config) *Store {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.Endpoint != "" && cfg.ClientID == "" {
		id, err := machineid.ProtectedID("deskthing")
		if err != nil {
			log.Warnf("Failed to derive a stats client id: %s", err.Error())
		} else {
			cfg.ClientID = id
		}
	}
	return &Store{cfg: cfg, client: &http.Client{Timeout: flushTimeout}, queue: []Stat{}, stop: make(chan struct{})}
}

// Name returns the registry name of the store
func (s *Store) Name() string {
	return Name
}

// Configured reports whether stats are sent anywhere
func (s *Store) Configured() bool {
	return s.cfg.Endpoint != "" && s.cfg.ClientID != ""
}

// Start starts the periodic flush
func (s *Store) Start() {
	if !s.Configured() {
		log.Warn("Stats endpoint not configured, stats will be dropped")
		return
	}
	s.stopped.Add(1)
	util.Go("stats-flush", func() {
		defer s.stopped.Done()
		ticker := time.NewTicker(s.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.Flush(context.Background()); err != nil {
					log.Error(err.Error())
				}
			case <-s.stop:
				return
			}
		}
	})
}

// Collect queues a stat. A full queue is flushed in the background
func (s *Store) Collect(ctx context.Context, stat Stat) error {
	if !s.Configured() {
		log.Debugf("Dropping '%s/%s' stat, stats are not configured", stat.Stat, stat.Type)
		return nil
	}
	if stat.Time.Time().IsZero() {
		stat.Time = util.Now()
	}

	s.access.Lock()
	s.queue = append(s.queue, stat)
	if over := len(s.queue) - maxBacklog; over > 0 {
		s.queue = s.queue[over:]
		s.dropped += over
		log.Warnf("Stats backlog is full, dropped %d stats", over)
	}
	full := len(s.queue) >= maxQueue && !s.closed
	if full {
		s.pending.Add(1)
	}
	s.access.Unlock()

	if full {
		s.flushInBackground()
	}
	return nil
}

// flushInBackground starts a flush unless one is already running. Caller added to pending
func (s *Store) flushInBackground() {
	if !atomic.CompareAndSwapInt32(&s.flushing, 0, 1) {
		s.pending.Done()
		return
	}
	util.Go("stats-flush-full", func() {
		defer s.pending.Done()
		defer atomic.StoreInt32(&s.flushing, 0)
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		if err := s.Flush(ctx); err != nil {
			log.Error(err.Error())
		}
	})
}

// Queued returns the number of stats waiting to be sent
func (s *Store) Queued() int {
	s.access.Lock()
	defer s.access.Unlock()
	return len(s.queue)
}

// Flush sends the queued stats. The queue is only emptied when the endpoint accepted them
func (s *Store) Flush(ctx context.Context) error {
	s.flush.Lock()
	defer s.flush.Unlock()

	s.access.Lock()
	batch := append([]Stat{}, s.queue...)
	droppedBefore := s.dropped
	s.access.Unlock()
	if !s.Configured() || len(batch) == 0 {
		return nil
	}

	body, err := json.Marshal(map[string]interface{}{"clientId": s.cfg.ClientID, "stats": batch})
	if err != nil {
		return errors.Wrap(err, "Failed to encode stats")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "Failed to create stats request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client-Id", s.cfg.ClientID)

	resp, err := s.client.Do(req)
	if err != nil {
		return util.WrapTyped(err, util.ErrExternal, "failed to flush stats")
	}
	defer resp.Body.Close()
	if err := util.HTTPBadResponse(resp); err != nil {
		return util.WrapTyped(err, util.ErrExternal, "failed to flush stats")
	}

	s.access.Lock()
	// stats of the batch dropped meanwhile are no longer in the queue
	sent := len(batch) - (s.dropped - droppedBefore)
	if sent > len(s.queue) {
		sent = len(s.queue)
	}
	if sent > 0 {
		s.queue = s.queue[sent:]
	}
	s.access.Unlock()
	log.Debugf("Flushed %d stats", len(batch))
	return nil
}

// ClearCache drops the queued stats
func (s *Store) ClearCache(ctx context.Context) error {
	s.access.Lock()
	defer s.access.Unlock()
	s.queue = []Stat{}
	return nil
}

// SaveToFile flushes the queue, stats are never written to disk
func (s *Store) SaveToFile(ctx context.Context) error {
	return s.Flush(ctx)
}

// Close stops the periodic flush and sends what is left
func (s *Store) Close() error {
	s.access.Lock()
	if s.closed {
		s.access.Unlock()
		return nil
	}
	s.closed = true
	s.access.Unlock()

	close(s.stop)
	s.stopped.Wait()
	s.pending.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Flush(ctx)
}
