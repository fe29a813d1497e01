package saga

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// MetricsEvents is an Events sink exporting Prometheus counters for saga
// executions, steps, and compensations, plus a gauge of active
// executions. Attach it with WithEvents, alone or inside a composite.
type MetricsEvents struct {
	Started       *prometheus.CounterVec
	Completed     *prometheus.CounterVec
	Steps         *prometheus.CounterVec
	Compensations *prometheus.CounterVec
	Active        prometheus.Gauge
}

// NewMetricsEvents creates the collectors and registers them on reg.
func NewMetricsEvents(reg prometheus.Registerer) *MetricsEvents {
	m := &MetricsEvents{
		Started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_executions_started_total",
			Help: "Number of saga executions started.",
		}, []string{"saga"}),
		Completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_executions_completed_total",
			Help: "Number of saga executions completed, by outcome.",
		}, []string{"saga", "outcome"}),
		Steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_steps_total",
			Help: "Number of saga steps finished, by outcome.",
		}, []string{"saga", "outcome"}),
		Compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_compensations_total",
			Help: "Number of compensation calls made, by outcome.",
		}, []string{"saga", "outcome"}),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "saga_executions_active",
			Help: "Number of saga executions currently running.",
		}),
	}
	reg.MustRegister(m.Started, m.Completed, m.Steps, m.Compensations, m.Active)
	return m
}

// NewDefaultMetricsEvents registers on the default Prometheus registerer.
func NewDefaultMetricsEvents() *MetricsEvents {
	return NewMetricsEvents(prometheus.DefaultRegisterer)
}

func (m *MetricsEvents) OnStart(saga, correlationID string) {
	m.Started.WithLabelValues(saga).Inc()
	m.Active.Inc()
}

func (m *MetricsEvents) OnStepSuccess(saga, correlationID, stepID string, result any) {
	m.Steps.WithLabelValues(saga, outcomeSuccess).Inc()
}

func (m *MetricsEvents) OnStepFailed(saga, correlationID, stepID string, err error) {
	m.Steps.WithLabelValues(saga, outcomeFailure).Inc()
}

func (m *MetricsEvents) OnCompensated(saga, correlationID, stepID string, err error) {
	outcome := outcomeSuccess
	if err != nil {
		outcome = outcomeFailure
	}
	m.Compensations.WithLabelValues(saga, outcome).Inc()
}

func (m *MetricsEvents) OnCompleted(saga, correlationID string, success bool) {
	m.Active.Dec()
	outcome := outcomeSuccess
	if !success {
		outcome = outcomeFailure
	}
	m.Completed.WithLabelValues(saga, outcome).Inc()
}

var _ Events = (*MetricsEvents)(nil)
