package workers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments worker state for Prometheus scraping.
type Metrics struct {
	load       *prometheus.GaugeVec
	healthy    *prometheus.GaugeVec
	failures   *prometheus.CounterVec
	selections *prometheus.CounterVec
}

// NewMetrics registers the worker metric family on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		load: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_worker_load",
			Help: "In-flight requests per worker.",
		}, []string{"worker"}),
		healthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_worker_healthy",
			Help: "Whether the worker is currently healthy (1) or cooling down (0).",
		}, []string{"worker"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_worker_failures_total",
			Help: "Terminal worker failures by reason.",
		}, []string{"worker", "reason"}),
		selections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_worker_selections_total",
			Help: "Worker selections by routing policy.",
		}, []string{"worker", "policy"}),
	}
}

func (m *Metrics) observeLoad(workerID string, load int) {
	m.load.WithLabelValues(workerID).Set(float64(load))
}

func (m *Metrics) observeHealth(workerID string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.healthy.WithLabelValues(workerID).Set(v)
}

func (m *Metrics) observeFailure(workerID string, reason FailureReason) {
	m.failures.WithLabelValues(workerID, string(reason)).Inc()
}

func (m *Metrics) observeSelection(workerID, policy string) {
	m.selections.WithLabelValues(workerID, policy).Inc()
}
