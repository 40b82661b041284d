// Package metrics holds the Prometheus collectors shared by the miner and the
// completion watcher. Collectors are registered with the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WatcherWaiters = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "minerd",
			Subsystem: "watcher",
			Name:      "waiters",
			Help:      "Waiter threads currently in the pool",
		},
	)

	WatcherBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "minerd",
			Subsystem: "watcher",
			Name:      "busy_waiters",
			Help:      "Waiter threads blocked on a completion signal",
		},
	)

	WatcherSpawned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "minerd",
			Subsystem: "watcher",
			Name:      "spawned_total",
			Help:      "Waiter threads started",
		},
	)

	WatcherDead = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "minerd",
			Subsystem: "watcher",
			Name:      "dead_total",
			Help:      "Waiter threads that failed while waiting",
		},
	)

	WatcherCompletions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "minerd",
			Subsystem: "watcher",
			Name:      "completions_total",
			Help:      "Completion signals delivered, by status",
		},
		[]string{"status"},
	)

	Hashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "minerd",
			Subsystem: "miner",
			Name:      "hashes_total",
			Help:      "Nonces scanned, by device",
		},
		[]string{"device"},
	)

	Results = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "minerd",
			Subsystem: "miner",
			Name:      "results_total",
			Help:      "Nonces reported by devices, by verdict",
		},
		[]string{"device", "verdict"},
	)

	DeviceErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "minerd",
			Subsystem: "miner",
			Name:      "device_errors_total",
			Help:      "Device failures, by kind",
		},
		[]string{"device", "kind"},
	)

	ActiveDevices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "minerd",
			Subsystem: "miner",
			Name:      "active_devices",
			Help:      "Devices with an allocated, non-excluded instance",
		},
	)

	ScanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "minerd",
			Subsystem: "miner",
			Name:      "scan_duration_seconds",
			Help:      "Time from work upload to result harvest",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"device"},
	)
)

func init() {
	prometheus.MustRegister(
		WatcherWaiters, WatcherBusy, WatcherSpawned, WatcherDead, WatcherCompletions,
		Hashes, Results, DeviceErrors, ActiveDevices, ScanDuration,
	)
}
