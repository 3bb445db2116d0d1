package stats

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/deskthing/deskthingd/internal/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statsServer struct {
	mu       sync.Mutex
	batches  [][]Stat
	clientID string
	fail     bool
}

func (ss *statsServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.fail {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	var body struct {
		ClientID string `json:"clientId"`
		Stats    []Stat `json:"stats"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ss.clientID = body.ClientID
	ss.batches = append(ss.batches, body.Stats)
}

func (ss *statsServer) count() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.batches)
}

func newTestServer(t *testing.T) (*statsServer, string) {
	ss := &statsServer{}
	srv := httptest.NewServer(ss)
	t.Cleanup(srv.Close)
	return ss, srv.URL
}

func TestCollectAndFlush(t *testing.T) {
	ss, url := newTestServer(t)
	store := New(Config{Endpoint: url, ClientID: "client-1"})
	ctx := context.Background()

	require.NoError(t, store.Collect(ctx, Stat{Stat: "usage", Type: "open"}))
	assert.Equal(t, 1, store.Queued())
	require.NoError(t, store.Flush(ctx))
	assert.Equal(t, 0, store.Queued())
	require.Equal(t, 1, ss.count())
	assert.Equal(t, "client-1", ss.clientID)
	assert.False(t, ss.batches[0][0].Time.Time().IsZero(), "collected stats should be timestamped")
}

func TestFlushWhenFull(t *testing.T) {
	ss, url := newTestServer(t)
	store := New(Config{Endpoint: url, ClientID: "client-1"})
	for i := 0; i < maxQueue; i++ {
		require.NoError(t, store.Collect(context.Background(), Stat{Stat: "kv", Type: "number", Key: "n", Value: i}))
	}
	assert.Eventually(t, func() bool { return ss.count() == 1 && store.Queued() == 0 }, 2*time.Second, 10*time.Millisecond, "a full queue should be flushed")
	ss.mu.Lock()
	assert.Len(t, ss.batches[0], maxQueue)
	ss.mu.Unlock()
}

func TestBacklogCapped(t *testing.T) {
	ss, url := newTestServer(t)
	ss.fail = true
	store := New(Config{Endpoint: url, ClientID: "client-1"})
	for i := 0; i < maxBacklog+50; i++ {
		require.NoError(t, store.Collect(context.Background(), Stat{Stat: "kv", Type: "number", Key: "n", Value: i}))
	}
	store.pending.Wait()

	assert.Equal(t, maxBacklog, store.Queued(), "the queue should not grow past the backlog")
	store.access.Lock()
	assert.Equal(t, 50, store.queue[0].Value, "the oldest stats should be dropped first")
	store.access.Unlock()

	// once the endpoint is back the backlog is sent
	ss.mu.Lock()
	ss.fail = false
	ss.mu.Unlock()
	require.NoError(t, store.Flush(context.Background()))
	assert.Equal(t, 0, store.Queued())
}

func TestFlushFailureKeepsQueue(t *testing.T) {
	ss, url := newTestServer(t)
	ss.fail = true
	store := New(Config{Endpoint: url, ClientID: "client-1"})
	require.NoError(t, store.Collect(context.Background(), Stat{Stat: "usage", Type: "open"}))
	assert.Error(t, store.Flush(context.Background()))
	assert.Equal(t, 1, store.Queued(), "failed stats should stay queued")
}

func TestNotConfigured(t *testing.T) {
	store := New(Config{})
	assert.False(t, store.Configured())
	require.NoError(t, store.Collect(context.Background(), Stat{Stat: "usage", Type: "open"}))
	assert.Equal(t, 0, store.Queued(), "stats should be dropped without an endpoint")
	assert.NoError(t, store.Flush(context.Background()))
}

func TestCloseFlushes(t *testing.T) {
	ss, url := newTestServer(t)
	store := New(Config{Endpoint: url, ClientID: "client-1", FlushInterval: time.Hour})
	store.Start()
	require.NoError(t, store.Collect(context.Background(), Stat{Stat: "usage", Type: "open"}))
	require.NoError(t, store.Close())
	assert.Equal(t, 1, ss.count())
	assert.NoError(t, store.Close(), "Close() should be idempotent")
}

func TestCollectorFlashEvent(t *testing.T) {
	_, url := newTestServer(t)
	store := New(Config{Endpoint: url, ClientID: "client-1", FlushInterval: time.Hour})
	bus := events.NewBus()
	collector := NewCollector(store, bus)
	collector.Start()
	defer collector.Stop()

	bus.Publish(events.FlashCompleted, true)
	assert.Eventually(t, func() bool {
		store.access.Lock()
		defer store.access.Unlock()
		for _, stat := range store.queue {
			if stat.Key == "flash_completed" && stat.Value == true {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}
