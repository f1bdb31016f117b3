package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "meter_rule_engine"

// Metrics holds the Prometheus collectors of the rule engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	readingsTotal      *prometheus.CounterVec
	firedTotal         *prometheus.CounterVec
	dispatchesTotal    *prometheus.CounterVec
	dispatchErrors     *prometheus.CounterVec
	evaluationDuration prometheus.Histogram
	ingestTotal        *prometheus.CounterVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		readingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_total",
			Help:      "Readings submitted for evaluation, by outcome",
		}, []string{"result"}),
		firedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conditions_fired_total",
			Help:      "Conditions that fired, by target, action and mode",
		}, []string{"target", "action", "mode"}),
		dispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Side effect calls made by the action dispatcher",
		}, []string{"step"}),
		dispatchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_errors_total",
			Help:      "Side effect calls that failed",
		}, []string{"step"}),
		evaluationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Time spent recording and evaluating one reading",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		ingestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_entries_total",
			Help:      "Ingest message entries, by validation status",
		}, []string{"status"}),
	}

	for _, c := range []prometheus.Collector{
		m.readingsTotal,
		m.firedTotal,
		m.dispatchesTotal,
		m.dispatchErrors,
		m.evaluationDuration,
		m.ingestTotal,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// ObserveReading records the outcome and duration of one RecordReading call
func (m *Metrics) ObserveReading(result string, started time.Time) {
	if m == nil {
		return
	}
	m.readingsTotal.WithLabelValues(result).Inc()
	m.evaluationDuration.Observe(time.Since(started).Seconds())
}

// ConditionFired counts a fired condition
func (m *Metrics) ConditionFired(target, action, mode string) {
	if m == nil {
		return
	}
	m.firedTotal.WithLabelValues(target, action, mode).Inc()
}

// Dispatched counts a side effect call and its failure, if any
func (m *Metrics) Dispatched(step string, err error) {
	if m == nil {
		return
	}
	m.dispatchesTotal.WithLabelValues(step).Inc()
	if err != nil {
		m.dispatchErrors.WithLabelValues(step).Inc()
	}
}

// IngestEntry counts one validated or rejected ingest entry
func (m *Metrics) IngestEntry(status string) {
	if m == nil {
		return
	}
	m.ingestTotal.WithLabelValues(status).Inc()
}
