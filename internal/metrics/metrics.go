// Package metrics exposes Prometheus instrumentation for the daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DevicesConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "droidmirror_devices_connected",
		Help: "Devices currently visible to the enumeration probe.",
	})

	PollCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "droidmirror_poll_cycles_total",
		Help: "Completed device enumeration cycles, including failed ones.",
	})

	ProbeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "droidmirror_probe_failures_total",
		Help: "Device enumeration cycles that failed and were skipped.",
	})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "droidmirror_sessions_active",
		Help: "Mirroring sessions with a running process.",
	})

	SessionsEnded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "droidmirror_sessions_ended_total",
		Help: "Mirroring sessions that reached a terminal state.",
	})

	SpawnFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "droidmirror_spawn_failures_total",
		Help: "Mirroring processes that could not be spawned.",
	})

	SessionLogLines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "droidmirror_session_log_lines_total",
		Help: "Output lines streamed from mirroring processes.",
	})

	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "droidmirror_ws_clients",
		Help: "Connected WebSocket clients.",
	})
)

// Handler serves the default Prometheus registry, mounted at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
