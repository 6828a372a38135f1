// Package metrics provides the Prometheus metrics exported by pitcrew.
// Every method is safe to call on a nil *Metrics so components can run
// without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pitcrew"

// Metrics holds all collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	ingestEvents      prometheus.Counter
	ingestDropped     *prometheus.CounterVec
	sessionsActive    prometheus.Gauge
	sessionsEvicted   *prometheus.CounterVec
	sessionsSaved     prometheus.Counter
	lapsCompleted     prometheus.Counter
	reconcileActions  *prometheus.CounterVec
	reconcileDuration prometheus.Histogram
	coachesDesired    prometheus.Gauge
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ingestEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Telemetry events applied to the session registry.",
		}),
		ingestDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "dropped_total",
			Help:      "Telemetry events dropped before reaching a session.",
		}, []string{"reason"}),
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Sessions currently held in the registry.",
		}),
		sessionsEvicted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "evicted_total",
			Help:      "Sessions removed from the registry.",
		}, []string{"policy"}),
		sessionsSaved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "saved_total",
			Help:      "Session snapshots written to storage.",
		}),
		lapsCompleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "laps_completed_total",
			Help:      "Laps completed across all sessions.",
		}),
		reconcileActions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "actions_total",
			Help:      "Coach start/stop calls issued by the reconciler.",
		}, []string{"action", "result"}),
		reconcileDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "duration_seconds",
			Help:      "Duration of one reconciliation pass.",
			Buckets:   prometheus.DefBuckets,
		}),
		coachesDesired: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "coaches_desired",
			Help:      "Drivers that should have a coach running.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) EventIngested() {
	if m == nil {
		return
	}
	m.ingestEvents.Inc()
}

func (m *Metrics) EventDropped(reason string) {
	if m == nil {
		return
	}
	m.ingestDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

func (m *Metrics) SessionsEvicted(policy string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.sessionsEvicted.WithLabelValues(policy).Add(float64(n))
}

func (m *Metrics) SessionsSaved(n int) {
	if m == nil || n == 0 {
		return
	}
	m.sessionsSaved.Add(float64(n))
}

func (m *Metrics) LapCompleted() {
	if m == nil {
		return
	}
	m.lapsCompleted.Inc()
}

// ReconcileAction records one start or stop call and whether it succeeded.
func (m *Metrics) ReconcileAction(action string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.reconcileActions.WithLabelValues(action, result).Inc()
}

func (m *Metrics) ObserveReconcile(d time.Duration, desired int) {
	if m == nil {
		return
	}
	m.reconcileDuration.Observe(d.Seconds())
	m.coachesDesired.Set(float64(desired))
}
