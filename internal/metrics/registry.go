/*
Package metrics wires the handful of Prometheus series SPEC_FULL §10 calls for: the in-flight
request gauge the Concurrency Gate drives, egress send/drop counters, and DNS lookup latency. It is
grounded on etalazz-vsa's internal/ratelimiter/telemetry/churn/prom_counters.go for the shape of the
metric set, but uses an explicit *prometheus.Registry constructed in New() and injected into the
server rather than that package's global MustRegister-at-init style, matching this repo's general
preference (dependency injection over ambient singletons, SPEC_FULL §9) for constructed-not-global
state.
*/
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric haraxy exports plus the *prometheus.Registry they're registered
// against, so Handler() never reaches for the global DefaultRegisterer.
type Registry struct {
	reg *prometheus.Registry

	InFlight       prometheus.Gauge
	EgressSent     prometheus.Counter
	EgressDropped  prometheus.Counter
	DNSLatency     prometheus.Histogram
	RequestsTotal  *prometheus.CounterVec
}

// New constructs and registers the metric set. Errors are deliberately impossible here (the metric
// definitions are static), so New never returns one; it exists as a function, not a package-level
// var block, purely so tests can construct an isolated Registry per test.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "haraxy_in_flight_requests",
			Help: "Number of requests currently admitted by the concurrency gate",
		}),
		EgressSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "haraxy_egress_sent_total",
			Help: "Total HAR datapoints successfully handed to the egress channel",
		}),
		EgressDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "haraxy_egress_dropped_total",
			Help: "Total HAR datapoints dropped because the egress channel was unavailable or timed out",
		}),
		DNSLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "haraxy_dns_lookup_seconds",
			Help:    "Latency of upstream hostname resolutions through the DNS resolver pool",
			Buckets: prometheus.DefBuckets,
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "haraxy_requests_total",
			Help: "Total proxied requests by terminal outcome",
		}, []string{"outcome"}),
	}

	reg.MustRegister(r.InFlight, r.EgressSent, r.EgressDropped, r.DNSLatency, r.RequestsTotal)
	return r
}

// Handler returns the /metrics http.Handler scoped to this Registry only.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
