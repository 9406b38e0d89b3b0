// Package metrics provides Prometheus metrics for the adherence services.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "adherence"

// Metrics holds all application metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	DosesTaken          prometheus.Counter
	DosesMissed         *prometheus.CounterVec
	TakeRejected        *prometheus.CounterVec
	SweepRuns           *prometheus.CounterVec
	SweepDuration       prometheus.Histogram
	RemindersPlanned    prometheus.Counter
	OutboxPending       prometheus.Gauge
	HTTPRequests        *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec
	CircuitBreakerState *prometheus.GaugeVec
	ConsumerLag         *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		DosesTaken: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "doses_taken_total",
			Help:      "Doses marked as taken",
		}),
		DosesMissed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "doses_missed_total",
			Help:      "Missed dose records created, by source (status, sweep, backfill)",
		}, []string{"source"}),
		TakeRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "take_rejected_total",
			Help:      "Take requests rejected, by reason",
		}, []string{"reason"}),
		SweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_runs_total",
			Help:      "Sweep and backfill runs, by kind and result",
		}, []string{"kind", "result"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of SweepAll and BackfillActive runs",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		RemindersPlanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminders_planned_total",
			Help:      "Reminder instants handed to push delivery",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_pending_entries",
			Help:      "Pending outbox entries",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "route"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		ConsumerLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumer_group_lag",
			Help:      "Records behind the log end, summed over partitions",
		}, []string{"group", "topic"}),
	}

	reg.MustRegister(
		m.DosesTaken,
		m.DosesMissed,
		m.TakeRejected,
		m.SweepRuns,
		m.SweepDuration,
		m.RemindersPlanned,
		m.OutboxPending,
		m.HTTPRequests,
		m.HTTPDuration,
		m.CircuitBreakerState,
		m.ConsumerLag,
	)

	return m
}

func (m *Metrics) DoseTaken() {
	if m == nil {
		return
	}
	m.DosesTaken.Inc()
}

func (m *Metrics) DosesMarkedMissed(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DosesMissed.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) TakeRejectedFor(reason string) {
	if m == nil {
		return
	}
	m.TakeRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) SweepFinished(kind, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.SweepRuns.WithLabelValues(kind, result).Inc()
	m.SweepDuration.Observe(d.Seconds())
}

func (m *Metrics) RemindersAdded(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RemindersPlanned.Add(float64(n))
}

func (m *Metrics) SetOutboxPending(n int64) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Metrics) SetBreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(state)
}

// SetConsumerLag publishes per-topic lag from per-partition values.
func (m *Metrics) SetConsumerLag(group string, lag map[string]map[int32]int64) {
	if m == nil {
		return
	}
	for topic, partitions := range lag {
		var total int64
		for _, n := range partitions {
			total += n
		}
		m.ConsumerLag.WithLabelValues(group, topic).Set(float64(total))
	}
}

// Handler returns the Prometheus HTTP handler for the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves a specific gatherer, used with private registries.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
