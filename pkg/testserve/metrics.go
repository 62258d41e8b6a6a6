package testserve

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testserve_http_requests_total",
			Help: "Total number of HTTP requests dispatched.",
		},
		[]string{"method", "status", "proto"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "testserve_http_request_duration_seconds",
			Help:    "Time spent in handler dispatch.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "proto"},
	)

	requestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "testserve_http_requests_in_flight",
			Help: "Requests currently being handled.",
		},
	)

	openConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "testserve_open_connections",
			Help: "Open client connections by protocol.",
		},
		[]string{"proto"},
	)

	activeStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "testserve_h2_active_streams",
			Help: "HTTP/2 streams currently being served.",
		},
	)
)

func observeRequest(method, proto string, status int, took time.Duration) {
	requestsTotal.WithLabelValues(method, strconv.Itoa(status), proto).Inc()
	requestDuration.WithLabelValues(method, proto).Observe(took.Seconds())
}
