package proxyvisor

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	instanceStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proxyvisor_instance_starts_total",
			Help: "Total number of instance processes spawned.",
		},
	)
	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxyvisor_spawn_failures_total",
			Help: "Total number of start requests that did not produce a process.",
		},
		[]string{"reason"},
	)
	instanceStops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proxyvisor_instance_stops_total",
			Help: "Total number of stop requests handled.",
		},
	)
	instanceExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxyvisor_instance_exits_total",
			Help: "Total number of instance process exits by outcome.",
		},
		[]string{"outcome"},
	)
	forcedKills = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proxyvisor_forced_kills_total",
			Help: "Total number of instances that needed SIGKILL after the grace interval.",
		},
	)
	restartCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxyvisor_restart_total",
			Help: "Total number of instance restarts by reason.",
		},
		[]string{"reason"},
	)
	logLines = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proxyvisor_log_lines_total",
			Help: "Total number of output lines relayed from instances.",
		},
	)
	eventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proxyvisor_log_events_dropped_total",
			Help: "Total number of log events dropped because a subscriber was full.",
		},
	)
	runningGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxyvisor_instances_running",
			Help: "Number of instances currently registered.",
		},
	)
	activeGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxyvisor_active",
			Help: "1 while at least one instance runs and the wake lease is held.",
		},
	)
	uptimeGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxyvisor_uptime_seconds",
			Help: "Supervisor uptime in seconds.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		instanceStarts, spawnFailures, instanceStops, instanceExits, forcedKills,
		restartCounter, logLines, eventsDropped, runningGauge, activeGauge, uptimeGauge,
	)
}

// trackUptime updates the uptime gauge until ctx is done.
func trackUptime(ctx context.Context, since time.Time) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			uptimeGauge.Set(time.Since(since).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
