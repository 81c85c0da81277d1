package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps Prometheus metrics for the saga coordinator.
type Metrics struct {
	registry         *prometheus.Registry
	sagaOutcome      *prometheus.CounterVec
	sagaLatency      prometheus.Histogram
	stepErrors       *prometheus.CounterVec
	compensations    *prometheus.CounterVec
	logWriteFailures prometheus.Counter
	inFlight         prometheus.Gauge
	staleEntries     *prometheus.GaugeVec
}

// New creates a metrics registry and registers saga metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	sagaOutcome := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_outcome_total",
		Help: "Total number of finished sagas by terminal state.",
	}, []string{"state"})

	sagaLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "saga_duration_seconds",
		Help:    "Wall time of a saga from start to terminal state.",
		Buckets: prometheus.DefBuckets,
	})

	stepErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_step_errors_total",
		Help: "Total number of forward step failures.",
	}, []string{"step", "code"})

	compensations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_compensations_total",
		Help: "Compensating actions attempted, by action and result.",
	}, []string{"action", "result"})

	logWriteFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "saga_log_write_failures_total",
		Help: "Total number of saga log writes that could not be persisted.",
	})

	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "saga_in_flight",
		Help: "Sagas currently executing in this process.",
	})

	staleEntries := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "saga_stale_entries",
		Help: "Saga log entries stuck in a non-terminal state past the stale threshold.",
	}, []string{"state"})

	registry.MustRegister(sagaOutcome, sagaLatency, stepErrors, compensations, logWriteFailures, inFlight, staleEntries)

	return &Metrics{
		registry:         registry,
		sagaOutcome:      sagaOutcome,
		sagaLatency:      sagaLatency,
		stepErrors:       stepErrors,
		compensations:    compensations,
		logWriteFailures: logWriteFailures,
		inFlight:         inFlight,
		staleEntries:     staleEntries,
	}
}

// Handler exposes the metrics registry via HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SagaStarted marks a saga as in flight.
func (m *Metrics) SagaStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

// SagaFinished records the terminal state and duration of one saga.
func (m *Metrics) SagaFinished(state string, d time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.sagaOutcome.WithLabelValues(state).Inc()
	m.sagaLatency.Observe(d.Seconds())
}

func (m *Metrics) IncStepError(step, code string) {
	if m == nil {
		return
	}
	m.stepErrors.WithLabelValues(step, code).Inc()
}

func (m *Metrics) IncCompensation(action string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.compensations.WithLabelValues(action, result).Inc()
}

func (m *Metrics) IncLogWriteFailure() {
	if m == nil {
		return
	}
	m.logWriteFailures.Inc()
}

// SetStaleEntries publishes the last sweep result for one state.
func (m *Metrics) SetStaleEntries(state string, count int) {
	if m == nil {
		return
	}
	m.staleEntries.WithLabelValues(state).Set(float64(count))
}
