package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the lazily-initialised registry for the oracle pipeline.
type Metrics struct {
	TxSubmissions  *prometheus.CounterVec
	TxRetries      *prometheus.CounterVec
	JobsProcessed  *prometheus.CounterVec
	JobRetries     prometheus.Counter
	BackfillRounds *prometheus.CounterVec
	CursorHeight   *prometheus.GaugeVec
	ActiveEscrows  prometheus.Gauge
	JobDuration    *prometheus.HistogramVec
}

var (
	oracleMetricsOnce sync.Once
	oracleRegistry    *Metrics
)

// OracleMetrics returns the shared metrics registry, registering the
// collectors on first use.
func OracleMetrics() *Metrics {
	oracleMetricsOnce.Do(func() {
		oracleRegistry = &Metrics{
			TxSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "chain",
				Name:      "tx_submissions_total",
				Help:      "Transaction submissions segmented by call label and outcome.",
			}, []string{"label", "outcome"}),
			TxRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "chain",
				Name:      "tx_retries_total",
				Help:      "Transient send failures that triggered an in-place retry.",
			}, []string{"label"}),
			JobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "watcher",
				Name:      "jobs_total",
				Help:      "Escrow jobs segmented by terminal outcome.",
			}, []string{"outcome"}),
			JobRetries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "watcher",
				Name:      "job_retries_total",
				Help:      "Job attempts beyond the first.",
			}),
			BackfillRounds: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "watcher",
				Name:      "backfill_rounds_total",
				Help:      "Backfill rounds segmented by outcome.",
			}, []string{"outcome"}),
			CursorHeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "escrowd",
				Subsystem: "watcher",
				Name:      "cursor_height",
				Help:      "Last fully reconciled block per network.",
			}, []string{"network"}),
			ActiveEscrows: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "escrowd",
				Subsystem: "watcher",
				Name:      "active_escrows",
				Help:      "Escrows currently bound to a worker.",
			}),
			JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrowd",
				Subsystem: "watcher",
				Name:      "job_duration_seconds",
				Help:      "Latency distribution for escrow job processing.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"kind"}),
		}
		prometheus.MustRegister(
			oracleRegistry.TxSubmissions,
			oracleRegistry.TxRetries,
			oracleRegistry.JobsProcessed,
			oracleRegistry.JobRetries,
			oracleRegistry.BackfillRounds,
			oracleRegistry.CursorHeight,
			oracleRegistry.ActiveEscrows,
			oracleRegistry.JobDuration,
		)
	})
	return oracleRegistry
}
