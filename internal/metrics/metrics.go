package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the generation method being instrumented.
type CacheOperation string

const (
	CacheOperationMatch  CacheOperation = "match"
	CacheOperationPut    CacheOperation = "put"
	CacheOperationDelete CacheOperation = "delete"
)

// CacheResult captures the result of a generation operation.
type CacheResult string

const (
	CacheResultHit    CacheResult = "hit"
	CacheResultMiss   CacheResult = "miss"
	CacheResultStored CacheResult = "stored"
	CacheResultOK     CacheResult = "ok"
	CacheResultError  CacheResult = "error"

	// CacheResultSkipped marks a write dropped because its generation was
	// retired while the write was pending.
	CacheResultSkipped CacheResult = "skipped"
)

// Recorder publishes Prometheus metrics for controller activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	fetchRequests *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec
	lifecycleEvents *prometheus.CounterVec
	syncReplays     *prometheus.CounterVec
	backgroundTasks *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	fetchRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offlinecache",
		Subsystem: "fetch",
		Name:      "requests_total",
		Help:      "Intercepted requests by classification and response source.",
	}, []string{"class", "source"})

	fetchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "offlinecache",
		Subsystem: "fetch",
		Name:      "duration_seconds",
		Help:      "Latency distribution for intercepted requests.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 3, 5},
	}, []string{"class"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offlinecache",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Cache generation operations executed by the controller.",
	}, []string{"generation_role", "operation", "result"})

	lifecycleEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offlinecache",
		Subsystem: "lifecycle",
		Name:      "events_total",
		Help:      "Lifecycle events handled by the controller.",
	}, []string{"event", "result"})

	syncReplays := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offlinecache",
		Subsystem: "sync",
		Name:      "replays_total",
		Help:      "Pending sync item replay attempts.",
	}, []string{"result"})

	backgroundTasks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offlinecache",
		Subsystem: "background",
		Name:      "tasks_total",
		Help:      "Detached background tasks by kind and outcome.",
	}, []string{"kind", "result"})

	reg.MustRegister(fetchRequests, fetchLatency, cacheOperations, lifecycleEvents, syncReplays, backgroundTasks)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:        reg,
		handler:         handler,
		fetchRequests:   fetchRequests,
		fetchLatency:    fetchLatency,
		cacheOperations: cacheOperations,
		lifecycleEvents: lifecycleEvents,
		syncReplays:     syncReplays,
		backgroundTasks: backgroundTasks,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveFetch records the source that answered an intercepted request.
func (r *Recorder) ObserveFetch(class, source string, duration time.Duration) {
	if r == nil {
		return
	}
	classLabel := normalizeLabel(class)
	r.fetchRequests.WithLabelValues(classLabel, normalizeLabel(source)).Inc()
	r.fetchLatency.WithLabelValues(classLabel).Observe(duration.Seconds())
}

// ObserveCache records a generation operation.
func (r *Recorder) ObserveCache(role string, operation CacheOperation, result CacheResult) {
	if r == nil {
		return
	}
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationMatch)
	}
	resLabel := string(result)
	if resLabel == "" {
		resLabel = string(CacheResultError)
	}
	r.cacheOperations.WithLabelValues(normalizeLabel(role), opLabel, resLabel).Inc()
}

// ObserveLifecycle records an install, activate, or upgrade outcome.
func (r *Recorder) ObserveLifecycle(event string, err error) {
	if r == nil {
		return
	}
	r.lifecycleEvents.WithLabelValues(normalizeLabel(event), resultLabel(err)).Inc()
}

// ObserveReplay records a single sync item replay.
func (r *Recorder) ObserveReplay(err error) {
	if r == nil {
		return
	}
	r.syncReplays.WithLabelValues(resultLabel(err)).Inc()
}

// ObserveBackground records a background task outcome. result is usually
// "ok", "error", or "dropped".
func (r *Recorder) ObserveBackground(kind, result string) {
	if r == nil {
		return
	}
	r.backgroundTasks.WithLabelValues(normalizeLabel(kind), normalizeLabel(result)).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
