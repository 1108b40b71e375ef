package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	MetricGatekeeperDecisions = "cfedge_gatekeeper_decisions_total"
	MetricOfflineResponses    = "cfedge_offline_responses_total"
)

// Registry holds the counters shared by the gatekeeper and the offline cache
// controller. A nil *Registry is valid and records nothing.
type Registry struct {
	reg       *prometheus.Registry
	decisions *prometheus.CounterVec
	responses *prometheus.CounterVec
}

func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}
	r.decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricGatekeeperDecisions,
			Help: "Gatekeeper outcomes per request.",
		},
		[]string{"decision"},
	)
	r.responses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricOfflineResponses,
			Help: "Offline cache controller responses by source.",
		},
		[]string{"source"},
	)
	r.reg.MustRegister(
		r.decisions,
		r.responses,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return r
}

func (r *Registry) Decision(decision string) {
	if r == nil {
		return
	}
	r.decisions.WithLabelValues(decision).Inc()
}

func (r *Registry) Response(source string) {
	if r == nil {
		return
	}
	r.responses.WithLabelValues(source).Inc()
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry to tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
