package watcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Event outcomes as counted by Metrics.
const (
	outcomeHandled   = "handled"
	outcomeIgnored   = "ignored"
	outcomeMalformed = "malformed"
	outcomeError     = "error"
)

// Metrics counts what the watcher saw and did. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	events      *prometheus.CounterVec
	invocations *prometheus.CounterVec
	failures    prometheus.Counter
}

// NewMetrics registers the watcher's collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inputplug",
			Name:      "events_total",
			Help:      "Events read from the X server, by outcome.",
		}, []string{"outcome"}),
		invocations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inputplug",
			Name:      "invocations_total",
			Help:      "Hook invocations, by change and whether they were only traced.",
		}, []string{"change", "dry_run"}),
		failures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "inputplug",
			Name:      "invocation_failures_total",
			Help:      "Hook invocations that failed to start or exited non-zero.",
		}),
	}
}

func (m *Metrics) event(outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(outcome).Inc()
}

func (m *Metrics) invocation(change string, dryRun bool) {
	if m == nil {
		return
	}
	label := "false"
	if dryRun {
		label = "true"
	}
	m.invocations.WithLabelValues(change, label).Inc()
}

func (m *Metrics) failure() {
	if m == nil {
		return
	}
	m.failures.Inc()
}
