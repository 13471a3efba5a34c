package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency across all fleetctl modes.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "fleetctl",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

var OrchestrationActionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetctl",
		Subsystem: "orchestration",
		Name:      "actions_total",
		Help:      "Total number of start/stop orchestrations by action and result.",
	},
	[]string{"action", "result"},
)

var OrchestrationDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "fleetctl",
		Subsystem: "orchestration",
		Name:      "duration_seconds",
		Help:      "Start/stop orchestration wall-clock duration in seconds.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
	},
	[]string{"action"},
)

var AggregationDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "fleetctl",
		Subsystem: "status",
		Name:      "aggregation_duration_seconds",
		Help:      "Per-application status aggregation duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	},
	[]string{},
)

var SharedDBStopsBlockedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fleetctl",
		Subsystem: "resourceshare",
		Name:      "stops_blocked_total",
		Help:      "Total number of DB stops blocked because a co-tenant was live.",
	},
)

var SchedulerActionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetctl",
		Subsystem: "scheduler",
		Name:      "actions_total",
		Help:      "Total number of start/stop actions fired by the scheduler.",
	},
	[]string{"action"},
)

var VMCacheHitsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetctl",
		Subsystem: "cloudadapter",
		Name:      "vm_cache_results_total",
		Help:      "Total number of find_vm_by_private_ip calls by cache outcome.",
	},
	[]string{"outcome"},
)

// All returns all fleetctl-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		OrchestrationActionsTotal,
		OrchestrationDuration,
		AggregationDuration,
		SharedDBStopsBlockedTotal,
		SchedulerActionsTotal,
		VMCacheHitsTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors
// plus every fleetctl-specific collector from All().
func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, c := range All() {
		reg.MustRegister(c)
	}
	return reg
}
