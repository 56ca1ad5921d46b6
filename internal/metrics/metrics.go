package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/notifyhub/dispatchd/internal/breaker"
	"github.com/notifyhub/dispatchd/internal/domain"
	"github.com/notifyhub/dispatchd/internal/queue"
	"github.com/notifyhub/dispatchd/internal/worker"
)

// Metrics groups all Prometheus instruments used across the application.
// Registered once at startup via New(); passed by pointer wherever needed.
type Metrics struct {
	NotificationsSent        *prometheus.CounterVec
	NotificationsFailed      *prometheus.CounterVec
	NotificationsDeadLetters *prometheus.CounterVec
	SendLatency              *prometheus.HistogramVec
	QueueDepth               *prometheus.GaugeVec
	OldestVisibleAge         prometheus.Gauge
	BreakerState             *prometheus.GaugeVec
	LeasesReaped             prometheus.Counter
}

// New registers all instruments with the given Prometheus registerer and
// returns the populated Metrics struct.
// Using a custom registry (instead of prometheus.DefaultRegisterer) keeps
// tests isolated and avoids global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "Total number of successfully delivered notifications.",
		}, []string{"channel"}),

		NotificationsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_failed_total",
			Help: "Total number of terminally failed notifications.",
		}, []string{"channel"}),

		NotificationsDeadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_dead_lettered_total",
			Help: "Total number of notifications routed to the dead letter sink.",
		}, []string{"channel"}),

		SendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "notification_send_seconds",
			Help:    "Per-attempt latency from claim to provider ack.",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel"}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Currently claimable queue entries by priority.",
		}, []string{"priority"}),

		OldestVisibleAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_oldest_visible_age_seconds",
			Help: "Age of the oldest currently claimable queue entry.",
		}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit state per provider: 0=closed, 1=half_open, 2=open.",
		}, []string{"provider"}),

		LeasesReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_leases_reaped_total",
			Help: "Total number of expired leases reclaimed by the sweeper.",
		}),
	}

	reg.MustRegister(
		m.NotificationsSent,
		m.NotificationsFailed,
		m.NotificationsDeadLetters,
		m.SendLatency,
		m.QueueDepth,
		m.OldestVisibleAge,
		m.BreakerState,
		m.LeasesReaped,
	)

	return m
}

// WorkerHooks returns the metric callbacks expected by worker.MetricHooks.
// Centralises the prometheus observation calls so the worker stays
// import-free.
func (m *Metrics) WorkerHooks() worker.MetricHooks {
	return worker.MetricHooks{
		OnSent: func(ch domain.Channel, latency time.Duration) {
			m.NotificationsSent.WithLabelValues(string(ch)).Inc()
			m.SendLatency.WithLabelValues(string(ch)).Observe(latency.Seconds())
		},
		OnFailed: func(ch domain.Channel) {
			m.NotificationsFailed.WithLabelValues(string(ch)).Inc()
		},
		OnDeadLettered: func(ch domain.Channel) {
			m.NotificationsDeadLetters.WithLabelValues(string(ch)).Inc()
			m.NotificationsFailed.WithLabelValues(string(ch)).Inc()
		},
	}
}

// ObserveDepths refreshes the per-priority queue depth gauges.
func (m *Metrics) ObserveDepths(d queue.Depths) {
	m.QueueDepth.WithLabelValues("urgent").Set(float64(d.Urgent))
	m.QueueDepth.WithLabelValues("high").Set(float64(d.High))
	m.QueueDepth.WithLabelValues("normal").Set(float64(d.Normal))
	m.QueueDepth.WithLabelValues("low").Set(float64(d.Low))
}

// ObserveBreakers refreshes the breaker state gauges from a registry snapshot.
func (m *Metrics) ObserveBreakers(snaps []breaker.Snapshot) {
	for _, s := range snaps {
		var v float64
		switch s.State {
		case breaker.StateHalfOpen:
			v = 1
		case breaker.StateOpen:
			v = 2
		}
		m.BreakerState.WithLabelValues(s.Provider).Set(v)
	}
}
