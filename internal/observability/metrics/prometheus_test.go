package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.DoseTaken()
	m.DosesMarkedMissed("sweep", 3)
	m.DosesMarkedMissed("sweep", 0)
	m.TakeRejectedFor("no_eligible_slot")
	m.SweepFinished("sweep", "ok", 20*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DosesTaken))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.DosesMissed.WithLabelValues("sweep")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TakeRejected.WithLabelValues("no_eligible_slot")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SweepRuns.WithLabelValues("sweep", "ok")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.DoseTaken()
		m.DosesMarkedMissed("status", 1)
		m.ObserveHTTP("GET", "/x", 200, time.Millisecond)
		m.SetBreakerState("broker", 1)
		m.SetConsumerLag("g", map[string]map[int32]int64{"t": {0: 1}})
	})
}

func TestConsumerLagSumsPartitions(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SetConsumerLag("reminder-planner", map[string]map[int32]int64{
		"medication.changed": {0: 3, 1: 0, 2: 4},
	})
	assert.Equal(t, 7.0, testutil.ToFloat64(m.ConsumerLag.WithLabelValues("reminder-planner", "medication.changed")))

	m.SetConsumerLag("reminder-planner", map[string]map[int32]int64{
		"medication.changed": {0: 0, 1: 0, 2: 0},
	})
	assert.Zero(t, testutil.ToFloat64(m.ConsumerLag.WithLabelValues("reminder-planner", "medication.changed")))
}
