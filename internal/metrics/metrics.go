package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DevicesRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetd_devices_registered",
		Help: "Number of registered, non-revoked devices.",
	})
	DevicesOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetd_devices_online",
		Help: "Number of devices within the liveness timeout.",
	})
	HeartbeatsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetd_heartbeats_total",
		Help: "Total heartbeats accepted.",
	})
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_commands_total",
		Help: "Command state transitions by resulting status.",
	}, []string{"status"})
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetd_command_queue_depth",
		Help: "Commands currently queued or delivered across all devices.",
	})
	AuthFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_auth_failures_total",
		Help: "Authentication failures by principal kind.",
	}, []string{"kind"})
	ShellSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetd_shell_sessions_active",
		Help: "Shell sessions currently open.",
	})
	ShellSessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetd_shell_sessions_total",
		Help: "Total shell sessions opened.",
	})
	PollRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetd_poll_requests_total",
		Help: "Total device poll requests served.",
	})
)
