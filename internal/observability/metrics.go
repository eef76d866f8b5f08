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
			Namespace: "forgectl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "forgectl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forgectl",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Events published onto the bus.",
		},
		[]string{"kind"},
	)
	eventsMissed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "forgectl",
			Subsystem: "events",
			Name:      "missed_total",
			Help:      "Events dropped by lagging subscribers.",
		},
	)
	instanceOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forgectl",
			Subsystem: "instance",
			Name:      "operations_total",
			Help:      "Instance lifecycle operations by outcome.",
		},
		[]string{"op", "outcome"},
	)
	monitorTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "forgectl",
			Subsystem: "monitor",
			Name:      "tick_duration_seconds",
			Help:      "Time spent collecting one monitor tick across all instances.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			eventsPublished,
			eventsMissed,
			instanceOps,
			monitorTickDuration,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordEventPublished(kind string) {
	RegisterMetrics()
	eventsPublished.WithLabelValues(kind).Inc()
}

func RecordEventsMissed(n uint64) {
	RegisterMetrics()
	eventsMissed.Add(float64(n))
}

func RecordInstanceOp(op string, err error) {
	RegisterMetrics()
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	instanceOps.WithLabelValues(op, outcome).Inc()
}

func ObserveMonitorTick(duration time.Duration) {
	RegisterMetrics()
	monitorTickDuration.Observe(duration.Seconds())
}
