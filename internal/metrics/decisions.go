package metrics

import "github.com/prometheus/client_golang/prometheus"

// Decisions counts inbound call routing decisions.
type Decisions struct {
	counter *prometheus.CounterVec
}

// NewDecisions creates the decision counter. Register it with Collector().
func NewDecisions() *Decisions {
	return &Decisions{
		counter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frontdesk_call_decisions_total",
			Help: "Inbound call routing decisions",
		}, []string{"decision"}),
	}
}

// RecordDecision increments the counter for decision.
func (d *Decisions) RecordDecision(decision string) {
	d.counter.WithLabelValues(decision).Inc()
}

// Collector returns the underlying prometheus collector.
func (d *Decisions) Collector() prometheus.Collector {
	return d.counter
}
