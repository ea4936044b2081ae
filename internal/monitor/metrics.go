package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the key broker.
type Metrics struct {
	Registry *prometheus.Registry

	SelectionsTotal    *prometheus.CounterVec
	UsageRecordsTotal  *prometheus.CounterVec
	TokensRecorded     prometheus.Counter
	KeysExhaustedTotal prometheus.Counter
	QuotaResetsTotal   prometheus.Counter
	QuotaResetKeys     prometheus.Gauge
	LaunchesTotal      *prometheus.CounterVec
	LaunchDuration     *prometheus.HistogramVec
	ActiveLaunches     prometheus.Gauge
	NotificationsTotal *prometheus.CounterVec
	RequestsInFlight   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		SelectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "broker",
				Name:      "key_selections_total",
				Help:      "Total key selection attempts by outcome.",
			},
			[]string{"outcome"},
		),

		UsageRecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "broker",
				Name:      "usage_records_total",
				Help:      "Total usage record attempts by status (recorded, gap).",
			},
			[]string{"status"},
		),

		TokensRecorded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "broker",
				Name:      "tokens_recorded_total",
				Help:      "Total tokens recorded against the key pool.",
			},
		),

		KeysExhaustedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "broker",
				Name:      "keys_exhausted_total",
				Help:      "Number of times a recorded usage crossed a quota ceiling.",
			},
		),

		QuotaResetsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "broker",
				Name:      "quota_resets_total",
				Help:      "Number of quota reset runs.",
			},
		),

		QuotaResetKeys: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "broker",
				Name:      "quota_reset_keys",
				Help:      "Rows affected by the most recent quota reset.",
			},
		),

		LaunchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "broker",
				Name:      "launches_total",
				Help:      "Total external CLI launches by runtime and status.",
			},
			[]string{"runtime", "status"},
		),

		LaunchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "broker",
				Name:      "launch_duration_seconds",
				Help:      "Wall-clock duration of external CLI launches.",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"runtime"},
		),

		ActiveLaunches: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "broker",
				Name:      "active_launches",
				Help:      "Number of external CLI invocations currently running.",
			},
		),

		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "broker",
				Name:      "notifications_total",
				Help:      "Notification deliveries by level and status.",
			},
			[]string{"level", "status"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "broker",
				Subsystem: "dashboard",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),
	}

	reg.MustRegister(
		m.SelectionsTotal,
		m.UsageRecordsTotal,
		m.TokensRecorded,
		m.KeysExhaustedTotal,
		m.QuotaResetsTotal,
		m.QuotaResetKeys,
		m.LaunchesTotal,
		m.LaunchDuration,
		m.ActiveLaunches,
		m.NotificationsTotal,
		m.RequestsInFlight,
	)

	return m
}

// RecordSelection records the outcome of one key selection attempt.
func (m *Metrics) RecordSelection(outcome string) {
	m.SelectionsTotal.WithLabelValues(outcome).Inc()
}

// RecordLaunch records metrics for a completed launch.
func (m *Metrics) RecordLaunch(runtime, status string, durationSec float64) {
	m.LaunchesTotal.WithLabelValues(runtime, status).Inc()
	m.LaunchDuration.WithLabelValues(runtime).Observe(durationSec)
}

// RecordUsage records a persisted usage update.
func (m *Metrics) RecordUsage(tokens int64, exhausted bool) {
	m.UsageRecordsTotal.WithLabelValues("recorded").Inc()
	m.TokensRecorded.Add(float64(tokens))
	if exhausted {
		m.KeysExhaustedTotal.Inc()
	}
}

// RecordReconciliationGap records a usage update that failed to persist.
func (m *Metrics) RecordReconciliationGap() {
	m.UsageRecordsTotal.WithLabelValues("gap").Inc()
}

// RecordReset records a completed quota reset run.
func (m *Metrics) RecordReset(rows int64) {
	m.QuotaResetsTotal.Inc()
	m.QuotaResetKeys.Set(float64(rows))
}
