// Package metrics exposes the Prometheus collectors shared by the
// scheduler, the executor callbacks and the WebSocket gateway, plus the
// handler serving them at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gantry_tasks",
			Help: "Number of tasks in the store by status",
		},
		[]string{"status"},
	)

	TasksDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gantry_tasks_dispatched_total",
			Help: "Total number of tasks handed to the executor",
		},
	)

	TaskCompletions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gantry_task_completions_total",
			Help: "Total number of finished agent runs by final status",
		},
		[]string{"status"},
	)

	ActiveAgents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gantry_active_agents",
			Help: "Number of agent processes currently running",
		},
	)

	// Gateway metrics
	ObserversConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gantry_ws_observers",
			Help: "Number of connected WebSocket observers",
		},
	)

	BroadcastDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gantry_broadcast_drops_total",
			Help: "Total number of observers detached for failing to keep up",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gantry_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gantry_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(TasksByStatus)
	prometheus.MustRegister(TasksDispatched)
	prometheus.MustRegister(TaskCompletions)
	prometheus.MustRegister(ActiveAgents)
	prometheus.MustRegister(ObserversConnected)
	prometheus.MustRegister(BroadcastDrops)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
