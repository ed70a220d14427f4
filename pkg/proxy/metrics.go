package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts proxy decisions. A nil *Metrics records nothing.
type Metrics struct {
	Responses   *prometheus.CounterVec
	FetchErrors prometheus.Counter
}

// NewMetrics registers the proxy collectors on reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Responses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "coi",
				Subsystem: "proxy",
				Name:      "responses_total",
				Help:      "Responses passed through the interception proxy, by decision",
			},
			[]string{"decision"},
		),
		FetchErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "coi",
				Subsystem: "proxy",
				Name:      "fetch_errors_total",
				Help:      "Network fetches that failed inside the interception proxy",
			},
		),
	}
}

func (m *Metrics) observe(d Decision) {
	if m == nil {
		return
	}
	m.Responses.WithLabelValues(d.String()).Inc()
}

func (m *Metrics) fetchFailed() {
	if m == nil {
		return
	}
	m.FetchErrors.Inc()
}
