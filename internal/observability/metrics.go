package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/mfpsync/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every mfpsync collector. It is separate from the default
// registry so textfile exports carry only sync metrics.
var Registry = prometheus.NewRegistry()

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mfpsync",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests served.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mfpsync",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	syncRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mfpsync",
			Subsystem: "sync",
			Name:      "requests_total",
			Help:      "Sync endpoint round trips by outcome.",
		},
		[]string{"op", "result"},
	)
	syncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mfpsync",
			Subsystem: "sync",
			Name:      "request_duration_seconds",
			Help:      "Sync endpoint round trip duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)
	syncRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mfpsync",
			Subsystem: "sync",
			Name:      "retries_total",
			Help:      "Requests resent after a temporary transport failure.",
		},
		[]string{"op"},
	)
	syncPages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mfpsync",
			Subsystem: "sync",
			Name:      "pages_total",
			Help:      "Response pages received.",
		},
	)
	syncPageRecords = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mfpsync",
			Subsystem: "sync",
			Name:      "page_records",
			Help:      "Record envelopes per response page.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		},
	)
	syncPackets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mfpsync",
			Subsystem: "sync",
			Name:      "packets_total",
			Help:      "Normalized packets yielded by kind.",
		},
		[]string{"kind"},
	)
	syncSchemaErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mfpsync",
			Subsystem: "sync",
			Name:      "schema_errors_total",
			Help:      "Records rejected by the schema by kind.",
		},
		[]string{"kind"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		Registry.MustRegister(
			httpRequests, httpDuration,
			syncRequests, syncDuration, syncRetries,
			syncPages, syncPageRecords, syncPackets, syncSchemaErrors,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// SyncObserver feeds syncer run events into the sync collectors.
type SyncObserver struct{}

func NewSyncObserver() SyncObserver {
	RegisterMetrics()
	return SyncObserver{}
}

func (SyncObserver) RequestDone(op string, d time.Duration, err error) {
	syncRequests.WithLabelValues(op, requestResult(err)).Inc()
	syncDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (SyncObserver) Retry(op string, _ int, _ error) {
	syncRetries.WithLabelValues(op).Inc()
}

func (SyncObserver) Page(records int) {
	syncPages.Inc()
	syncPageRecords.Observe(float64(records))
}

func (SyncObserver) Packet(kind string) {
	syncPackets.WithLabelValues(kind).Inc()
}

func (SyncObserver) SchemaError(kind string) {
	syncSchemaErrors.WithLabelValues(kind).Inc()
}

func requestResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case transport.IsTemporary(err):
		return "temporary"
	default:
		return "error"
	}
}

// WriteTextfile writes the registry in the node_exporter textfile format.
func WriteTextfile(path string) error {
	RegisterMetrics()
	return prometheus.WriteToTextfile(path, Registry)
}
