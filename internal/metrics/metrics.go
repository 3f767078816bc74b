// Package metrics exposes Prometheus collectors for the sync core.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Flush results.
const (
	FlushSynced  = "synced"
	FlushPartial = "partial"
	FlushOffline = "offline"
	FlushSkipped = "skipped"
)

var (
	pendingWritesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "farmacontrol_pending_writes",
		Help: "Pending writes waiting for remote confirmation",
	})

	queueOverflowGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "farmacontrol_queue_overflow",
		Help: "1 when the pending write queue refused an enqueue since the last full flush",
	})

	flushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farmacontrol_flush_total",
		Help: "Flush attempts by result",
	}, []string{"result"})

	syncErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farmacontrol_sync_errors_total",
		Help: "Remote write failures by collection and kind",
	}, []string{"collection", "kind"})

	hydrationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "farmacontrol_hydration_duration_seconds",
		Help:    "Time to load the session snapshot",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"source"})

	rolloverTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farmacontrol_rollover_total",
		Help: "Period rollover attempts by status",
	}, []string{"status"})
)

// SetPending records the current queue length.
func SetPending(n int) {
	pendingWritesGauge.Set(float64(n))
}

// SetOverflow records the queue overflow flag.
func SetOverflow(overflow bool) {
	if overflow {
		queueOverflowGauge.Set(1)
		return
	}
	queueOverflowGauge.Set(0)
}

// ObserveFlush counts one flush attempt.
func ObserveFlush(result string) {
	flushTotal.WithLabelValues(result).Inc()
}

// ObserveSyncError counts one failed remote write.
func ObserveSyncError(collection, kind string) {
	syncErrorsTotal.WithLabelValues(collection, kind).Inc()
}

// ObserveHydration records how long a load took and where the data came from.
func ObserveHydration(source string, d time.Duration) {
	hydrationDuration.WithLabelValues(source).Observe(d.Seconds())
}

// ObserveRollover counts one rollover attempt.
func ObserveRollover(status string) {
	rolloverTotal.WithLabelValues(status).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
