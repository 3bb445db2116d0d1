package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// The process that emits metrics
	subsystem = "deskthingd"

	ipcRequestsTotalMetricName          = "ipc_requests_total"
	ipcRequestDurationSecondsMetricName = "ipc_request_duration_seconds"
	storeInitializationsTotalMetricName = "store_initializations_total"
	eventsPublishedTotalMetricName      = "events_published_total"
	eventsDroppedTotalMetricName        = "events_dropped_total"
	tasksRunningMetricName              = "tasks_running"
)

// Status label values for IPC requests
const (
	StatusOK        = "ok"
	StatusUnhandled = "unhandled"
	StatusError     = "error"
)

func init() {
	prometheus.MustRegister(ipcRequestsTotal)
	prometheus.MustRegister(ipcRequestDurationSeconds)
	prometheus.MustRegister(storeInitializationsTotal)
	prometheus.MustRegister(eventsPublishedTotal)
	prometheus.MustRegister(eventsDroppedTotal)
	prometheus.MustRegister(tasksRunning)
}

var (
	// ipcRequestsTotal counts every envelope handled by the dispatcher, labeled by
	// kind, type and outcome ("ok", "unhandled", "error").
	ipcRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      ipcRequestsTotalMetricName,
			Help:      "Total IPC requests dispatched, labeled by kind, type and status.",
		},
		[]string{"kind", "type", "status"},
	)

	// ipcRequestDurationSeconds measures handler latency per kind. Most handlers are
	// in-memory lookups, the slow tail comes from network bound release and update calls.
	ipcRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: subsystem,
			Name:      ipcRequestDurationSecondsMetricName,
			Help:      "Histogram of IPC request processing time in seconds",
			Buckets:   []float64{0.0001, 0.001, 0.01, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"kind"},
	)

	storeInitializationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      storeInitializationsTotalMetricName,
			Help:      "Store initializations, labeled by store name and result.",
		},
		[]string{"store", "result"},
	)

	eventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      eventsPublishedTotalMetricName,
			Help:      "Events published on the bus, labeled by channel.",
		},
		[]string{"channel"},
	)

	// eventsDroppedTotal counts events that were not delivered because a subscriber buffer was full.
	eventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      eventsDroppedTotalMetricName,
			Help:      "Events dropped for slow subscribers, labeled by channel.",
		},
		[]string{"channel"},
	)

	tasksRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      tasksRunningMetricName,
			Help:      "Number of long running tasks currently in progress.",
		},
	)
)

// RecordIPCRequest records the outcome and latency of a dispatched request
func RecordIPCRequest(kind, typ, status string, duration time.Duration) {
	ipcRequestsTotal.With(prometheus.Labels{
		"kind":   kind,
		"type":   typ,
		"status": status,
	}).Inc()
	ipcRequestDurationSeconds.With(prometheus.Labels{"kind": kind}).Observe(duration.Seconds())
}

// RecordStoreInitialization records a store initialization attempt
func RecordStoreInitialization(store string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	storeInitializationsTotal.With(prometheus.Labels{"store": store, "result": result}).Inc()
}

// RecordEventPublished records an event published on a channel
func RecordEventPublished(channel string) {
	eventsPublishedTotal.With(prometheus.Labels{"channel": channel}).Inc()
}

// RecordEventDropped records an event dropped for a slow subscriber
func RecordEventDropped(channel string) {
	eventsDroppedTotal.With(prometheus.Labels{"channel": channel}).Inc()
}

// TaskStarted increments the running tasks gauge
func TaskStarted() {
	tasksRunning.Inc()
}

// TaskFinished decrements the running tasks gauge
func TaskFinished() {
	tasksRunning.Dec()
}
