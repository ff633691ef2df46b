package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Métricas de la capa de coordinación: forwarding, supervisión y landlord.

var (
	ForwardAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "faro_forward_attempts_total",
		Help: "Intentos de envío de comandos por resultado",
	}, []string{"outcome"}) // outcome: local|forwarded|retried|failed

	ForwardLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "faro_forward_latency_seconds",
		Help:    "Latencia total de Submit (incluye reintentos)",
		Buckets: prometheus.DefBuckets,
	})

	CommandsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "faro_commands_applied_total",
		Help: "Comandos aplicados por la máquina de estados, por tipo",
	}, []string{"type"})

	DatabasesLoaded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "faro_databases_loaded",
		Help: "Bases de datos con controlador cargado en memoria",
	})

	NodeHealthy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "faro_node_healthy",
		Help: "1 si el último sondeo del nodo respondió, 0 si no",
	}, []string{"node_tag"})

	MaintenanceActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "faro_maintenance_actions_total",
		Help: "Acciones del supervisor de mantenimiento por tipo",
	}, []string{"action"}) // action: watch_start|watch_stop|node_removed|leadership_lost
)

// RegisterCoordination registra las métricas de coordinación.
func RegisterCoordination(reg prometheus.Registerer) error {
	return registerAll(reg,
		ForwardAttempts,
		ForwardLatency,
		CommandsApplied,
		DatabasesLoaded,
		NodeHealthy,
		MaintenanceActions,
	)
}

// ObserveForward registra el resultado y la latencia de un Submit completo.
func ObserveForward(outcome string, took time.Duration) {
	ForwardAttempts.WithLabelValues(outcome).Inc()
	ForwardLatency.Observe(took.Seconds())
}
