// Package metrics exposes gateway metrics in the Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "routegate"

// Registry holds the gateway collectors on a private prometheus registry.
type Registry struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	inflight *prometheus.GaugeVec
	leases   *prometheus.CounterVec
	sessions *prometheus.GaugeVec
}

func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of requests.",
		}, []string{"route", "method", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_seconds",
			Help:      "Upstream latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lb_inflight",
			Help:      "Backends currently leased, per route and backend.",
		}, []string{"route", "backend"}),
		leases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lb_leases_total",
			Help:      "Lease attempts by balancer type and result.",
		}, []string{"route", "balancer", "result"}),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lb_sticky_sessions",
			Help:      "Sticky sessions held, per route.",
		}, []string{"route"}),
	}
	r.registry.MustRegister(r.requests, r.latency, r.inflight, r.leases, r.sessions)
	r.registry.MustRegister(collectors.NewGoCollector())
	return r
}

func (r *Registry) IncRequest(route, method, status string) {
	r.requests.WithLabelValues(route, method, status).Inc()
}

func (r *Registry) ObserveLatency(route string, d time.Duration) {
	r.latency.WithLabelValues(route).Observe(d.Seconds())
}

// IncLease counts a lease attempt; result is "ok" or an error kind.
func (r *Registry) IncLease(route, balancer, result string) {
	r.leases.WithLabelValues(route, balancer, result).Inc()
}

func (r *Registry) IncInflight(route, backend string) {
	r.inflight.WithLabelValues(route, backend).Inc()
}

func (r *Registry) DecInflight(route, backend string) {
	r.inflight.WithLabelValues(route, backend).Dec()
}

// SetStickySessions records the number of sessions a route's sticky
// balancer holds.
func (r *Registry) SetStickySessions(route string, n int) {
	r.sessions.WithLabelValues(route).Set(float64(n))
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
