package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks RPC request latency across the HTTP surface.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "leasekeeper",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

var DispatcherTicksTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "leasekeeper",
		Subsystem: "dispatcher",
		Name:      "ticks_total",
		Help:      "Total number of dispatcher tick iterations.",
	},
)

var EventsHandledTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "leasekeeper",
		Subsystem: "dispatcher",
		Name:      "events_handled_total",
		Help:      "Total number of lease events handled, by type and outcome.",
	},
	[]string{"event_type", "outcome"},
)

var EventHandleDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "leasekeeper",
		Subsystem: "dispatcher",
		Name:      "event_handle_duration_seconds",
		Help:      "Time spent handling a single lease event.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"event_type"},
)

// LedgerAdmissionsTotal, HostMatchesTotal and NotificationsTotal are
// registered through All, but no package increments them, so they always
// report zero.
var LedgerAdmissionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "leasekeeper",
		Subsystem: "ledger",
		Name:      "admissions_total",
		Help:      "Total number of usage-ledger admission checks, by outcome.",
	},
	[]string{"outcome"},
)

var HostMatchesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "leasekeeper",
		Subsystem: "host_matcher",
		Name:      "matches_total",
		Help:      "Total number of host matcher invocations, by outcome.",
	},
	[]string{"outcome"},
)

var NotificationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "leasekeeper",
		Subsystem: "notify",
		Name:      "sent_total",
		Help:      "Total number of lease lifecycle notifications sent, by provider.",
	},
	[]string{"provider", "event_type"},
)

// All returns all leasekeeper-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		DispatcherTicksTotal,
		EventsHandledTotal,
		EventHandleDuration,
		LedgerAdmissionsTotal,
		HostMatchesTotal,
		NotificationsTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors, the shared HTTP request metric, and any additional
// service-specific collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
