package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodekit",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nodekit",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	lifecycleEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodekit",
			Subsystem: "lifecycle",
			Name:      "events_total",
			Help:      "Lifecycle events appended to node status streams.",
		},
		[]string{"node", "state", "success"},
	)
	supergraphFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodekit",
			Subsystem: "supergraph",
			Name:      "fetches_total",
			Help:      "Supergraph stream reads by result (snapshot, absent, error).",
		},
		[]string{"result"},
	)
	sharedMemorySegments = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nodekit",
			Subsystem: "shm",
			Name:      "segments_mapped",
			Help:      "Shared-memory segments currently mapped by this process.",
		},
	)
	sharedMemoryBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nodekit",
			Subsystem: "shm",
			Name:      "bytes_mapped",
			Help:      "Bytes of shared memory currently mapped by this process.",
		},
	)
	signalsHandled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodekit",
			Subsystem: "realtime",
			Name:      "signals_handled_total",
			Help:      "Signals dispatched to installed handlers.",
		},
		[]string{"signal"},
	)
	loopLateness = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "nodekit",
			Subsystem: "realtime",
			Name:      "loop_wake_lateness_seconds",
			Help:      "How late the real-time loop woke relative to its period boundary.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			lifecycleEvents,
			supergraphFetches,
			sharedMemorySegments,
			sharedMemoryBytes,
			signalsHandled,
			loopLateness,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordLifecycleEvent(node, state string, success bool) {
	RegisterMetrics()
	lifecycleEvents.WithLabelValues(node, state, strconv.FormatBool(success)).Inc()
}

func RecordSupergraphFetch(result string) {
	RegisterMetrics()
	supergraphFetches.WithLabelValues(result).Inc()
}

// RecordSegmentMapped adjusts the mapped shared-memory gauges; pass a
// negative size when a segment is unmapped.
func RecordSegmentMapped(size int) {
	RegisterMetrics()
	if size >= 0 {
		sharedMemorySegments.Inc()
	} else {
		sharedMemorySegments.Dec()
	}
	sharedMemoryBytes.Add(float64(size))
}

func RecordSignal(name string) {
	RegisterMetrics()
	signalsHandled.WithLabelValues(name).Inc()
}

func RecordLoopLateness(late time.Duration) {
	RegisterMetrics()
	loopLateness.Observe(late.Seconds())
}
