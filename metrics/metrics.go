// Package metrics exposes prometheus collectors for the dispatch, liveness and
// reconnect paths. A nil *Metrics is valid and records nothing, so components
// take one optionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "natsrpc"

	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeDropped  = "dropped"
	OutcomeOneway   = "oneway"
	OutcomeGaveUp   = "gave_up"
	OutcomeCanceled = "canceled"
)

type Metrics struct {
	jobs            *prometheus.CounterVec
	queueLatency    prometheus.Histogram
	backedUp        prometheus.Counter
	heartbeatMisses *prometheus.CounterVec
	reopenAttempts  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg leaves them
// unregistered, which is convenient in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "jobs_total",
			Help:      "Inbound requests handled by the dispatcher, by outcome.",
		}, []string{"outcome"}),
		queueLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "queue_latency_seconds",
			Help:      "Time a request waited in the work queue before processing.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}),
		backedUp: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "backed_up_total",
			Help:      "Requests whose queue latency exceeded the high watermark.",
		}),
		heartbeatMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "missed_total",
			Help:      "Heartbeat intervals that elapsed without hearing from the peer.",
		}, []string{"side"}),
		reopenAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "reopen_attempts_total",
			Help:      "Reconnect attempts made by the transport monitor, by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.jobs, m.queueLatency, m.backedUp, m.heartbeatMisses, m.reopenAttempts)
	}
	return m
}

func (m *Metrics) Job(outcome string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) QueueLatency(d time.Duration, backedUp bool) {
	if m == nil {
		return
	}
	m.queueLatency.Observe(d.Seconds())
	if backedUp {
		m.backedUp.Inc()
	}
}

// HeartbeatMissed counts one missed interval; side is "client" or "server".
func (m *Metrics) HeartbeatMissed(side string) {
	if m == nil {
		return
	}
	m.heartbeatMisses.WithLabelValues(side).Inc()
}

func (m *Metrics) ReopenAttempt(outcome string) {
	if m == nil {
		return
	}
	m.reopenAttempts.WithLabelValues(outcome).Inc()
}

// Collectors returns the underlying collectors, for tests and custom registries.
func (m *Metrics) Collectors() (jobs *prometheus.CounterVec, backedUp prometheus.Counter, heartbeatMisses, reopenAttempts *prometheus.CounterVec) {
	return m.jobs, m.backedUp, m.heartbeatMisses, m.reopenAttempts
}
