package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Métricas de la capa HTTP.

var (
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "faro_http_requests_total",
		Help: "Requests HTTP atendidos por ruta, método y status",
	}, []string{"route", "method", "status"})

	HTTPLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "faro_http_request_seconds",
		Help:    "Latencia de requests HTTP por ruta",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

// RegisterHTTP registra las métricas HTTP.
func RegisterHTTP(reg prometheus.Registerer) error {
	return registerAll(reg,
		HTTPRequests,
		HTTPLatency,
	)
}

// ObserveHTTP registra un request atendido.
func ObserveHTTP(route, method string, status int, took time.Duration) {
	HTTPRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	HTTPLatency.WithLabelValues(route).Observe(took.Seconds())
}
