package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Cycle result labels for CyclesTotal.
const (
	CycleOK         = "ok"
	CycleFetchError = "fetch_error"
	CycleParseError = "parse_error"
	CycleRejected   = "rejected"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// alert relay.
type Metrics struct {
	CyclesTotal     *prometheus.CounterVec // labels: result={ok,fetch_error,parse_error,rejected}
	AlertsFetched   prometheus.Counter
	AlertsDuplicate prometheus.Counter
	AlertsFiltered  prometheus.Counter
	AlertsDelivered prometheus.Counter
	DeliveryErrors  prometheus.Counter
	CycleDuration   prometheus.Histogram
	RecordsPurged   prometheus.Counter
	IngestRunning   prometheus.Gauge
}

// NewMetrics creates and registers all relay metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.CyclesTotal,
		m.AlertsFetched,
		m.AlertsDuplicate,
		m.AlertsFiltered,
		m.AlertsDelivered,
		m.DeliveryErrors,
		m.CycleDuration,
		m.RecordsPurged,
		m.IngestRunning,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alert_relay",
			Name:      "cycles_total",
			Help:      "Ingestion cycles by result.",
		}, []string{"result"}),
		AlertsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "alert_relay",
			Name:      "alerts_fetched_total",
			Help:      "Alerts parsed from the feed across all cycles.",
		}),
		AlertsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "alert_relay",
			Name:      "alerts_duplicate_total",
			Help:      "Alerts skipped because they were already delivered.",
		}),
		AlertsFiltered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "alert_relay",
			Name:      "alerts_filtered_total",
			Help:      "Alerts dropped by the filter policy.",
		}),
		AlertsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "alert_relay",
			Name:      "alerts_delivered_total",
			Help:      "Alerts successfully sent to the transport.",
		}),
		DeliveryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "alert_relay",
			Name:      "delivery_errors_total",
			Help:      "Transport send failures. Failed alerts are skipped, not retried.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "alert_relay",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a complete fetch-filter-deliver cycle.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}),
		RecordsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "alert_relay",
			Name:      "records_purged_total",
			Help:      "Delivered-alert records removed by the retention sweep.",
		}),
		IngestRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "alert_relay",
			Name:      "ingest_running",
			Help:      "1 while an ingestion cycle holds the run lock.",
		}),
	}
}
