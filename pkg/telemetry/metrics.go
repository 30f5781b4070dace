package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the orchestration runtime.
// A nil *Metrics is valid and records nothing, so callers never need to
// guard their instrumentation sites.
type Metrics struct {
	// Router metrics
	ActivationsTotal *prometheus.CounterVec
	EmissionsTotal   *prometheus.CounterVec
	StepDuration     *prometheus.HistogramVec

	// Lock metrics
	LockWaitSeconds *prometheus.HistogramVec

	// Store metrics
	StoreOpsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on the default registerer.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the metrics on reg; tests pass a fresh
// prometheus.NewRegistry to avoid duplicate-registration panics.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ActivationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xorca_activations_total",
				Help: "Total number of actor activations handled by the router",
			},
			[]string{"handler", "outcome"}, // handler: init, continuation, system; outcome: ok, error
		),

		EmissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xorca_emissions_total",
				Help: "Total number of envelopes emitted by state machines",
			},
			[]string{"machine"},
		),

		StepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "xorca_step_duration_seconds",
				Help:    "Duration of a full activation (lock, read, step, write)",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"machine"},
		),

		LockWaitSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "xorca_lock_wait_seconds",
				Help:    "Time spent waiting on subject locks",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"outcome"}, // outcome: acquired, timeout
		),

		StoreOpsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xorca_store_ops_total",
				Help: "Total number of store operations issued by actors",
			},
			[]string{"op", "outcome"}, // op: read, write, projection
		),
	}
}

// RecordActivation records one handled activation.
func (m *Metrics) RecordActivation(handler string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ActivationsTotal.WithLabelValues(handler, outcome).Inc()
}

// RecordEmissions counts envelopes produced by one machine activation.
func (m *Metrics) RecordEmissions(machine string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.EmissionsTotal.WithLabelValues(machine).Add(float64(n))
}

// RecordStepDuration records the wall time of a full activation.
func (m *Metrics) RecordStepDuration(machine string, d time.Duration) {
	if m == nil {
		return
	}
	m.StepDuration.WithLabelValues(machine).Observe(d.Seconds())
}

// RecordLockWait records how long a lock acquisition took and whether it
// succeeded.
func (m *Metrics) RecordLockWait(d time.Duration, acquired bool) {
	if m == nil {
		return
	}
	outcome := "timeout"
	if acquired {
		outcome = "acquired"
	}
	m.LockWaitSeconds.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordStoreOp counts one store operation.
func (m *Metrics) RecordStoreOp(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.StoreOpsTotal.WithLabelValues(op, outcome).Inc()
}
