// Package metrics exposes the viewer's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the viewer updates.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	HuntSessionsSearched prometheus.Counter
	HuntSessionsMatched  prometheus.Counter
	HuntSessionsFailed   prometheus.Counter

	CronSessionsProcessed *prometheus.CounterVec

	ExpiredFiles prometheus.Counter
	ExpiredBytes prometheus.Counter

	ProxiedRequests *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "owlcap_http_requests_total",
			Help: "HTTP requests served, by handler and status class.",
		}, []string{"handler", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "owlcap_http_request_duration_seconds",
			Help:    "HTTP request latency, by handler.",
			Buckets: prometheus.DefBuckets,
		}, []string{"handler"}),
		HuntSessionsSearched: factory.NewCounter(prometheus.CounterOpts{
			Name: "owlcap_hunt_sessions_searched_total",
			Help: "Sessions examined by the hunt engine.",
		}),
		HuntSessionsMatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "owlcap_hunt_sessions_matched_total",
			Help: "Sessions matched by the hunt engine.",
		}),
		HuntSessionsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "owlcap_hunt_sessions_failed_total",
			Help: "Sessions the hunt engine could not reach.",
		}),
		CronSessionsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "owlcap_cron_sessions_processed_total",
			Help: "Sessions acted on by the cron engine, by action.",
		}, []string{"action"}),
		ExpiredFiles: factory.NewCounter(prometheus.CounterOpts{
			Name: "owlcap_expired_files_total",
			Help: "PCAP files deleted by the expiry engine.",
		}),
		ExpiredBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "owlcap_expired_bytes_total",
			Help: "PCAP bytes deleted by the expiry engine.",
		}),
		ProxiedRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "owlcap_proxied_requests_total",
			Help: "Requests proxied to owning nodes, by target node.",
		}, []string{"node"}),
	}
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
