package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Proxy metrics
	ProxyRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluster_proxy_requests_total",
			Help: "Total number of Kubernetes API requests forwarded per cluster",
		},
		[]string{"cluster", "method"},
	)

	ProxyErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluster_proxy_upstream_errors_total",
			Help: "Total number of upstream errors per cluster and error type",
		},
		[]string{"cluster", "error_type"},
	)

	ProxyUnroutedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cluster_proxy_unrouted_requests_total",
			Help: "Total number of requests that did not resolve to a cluster",
		},
	)

	// Connection metrics
	ClustersConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cluster_proxy_connections",
			Help: "Current number of clusters with a running local proxy",
		},
	)

	ClusterProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cluster_proxy_probe_duration_seconds",
			Help:    "Reachability probe latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	// Watch metrics
	WatchStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cluster_proxy_watch_streams",
			Help: "Current number of shared upstream watch streams",
		},
	)

	WatchSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cluster_proxy_watch_subscribers",
			Help: "Current number of watch subscribers",
		},
	)

	WatchEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluster_proxy_watch_events_total",
			Help: "Total number of upstream watch events received",
		},
		[]string{"type"},
	)

	WatchResyncsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluster_proxy_watch_resyncs_total",
			Help: "Total number of cache invalidations followed by a relist",
		},
		[]string{"cluster"},
	)
)
