package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Job(OutcomeOK)
		m.QueueLatency(time.Second, true)
		m.HeartbeatMissed("client")
		m.ReopenAttempt(OutcomeGaveUp)
	})
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Job(OutcomeOK)
	m.Job(OutcomeOK)
	m.Job(OutcomeError)
	m.QueueLatency(time.Millisecond, false)
	m.QueueLatency(10*time.Second, true)
	m.HeartbeatMissed("server")

	jobs, backedUp, misses, _ := m.Collectors()
	assert.Equal(t, 2.0, testutil.ToFloat64(jobs.WithLabelValues(OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(jobs.WithLabelValues(OutcomeError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(backedUp))
	assert.Equal(t, 1.0, testutil.ToFloat64(misses.WithLabelValues("server")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
