// Package metrics defines the Prometheus instrumentation shared across the
// dispatch table, entry registry, and enclave client.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ExitHandlersRegistered counts successful exit-handler registrations.
	ExitHandlersRegistered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "enclaveprim",
		Subsystem: "dispatch",
		Name:      "exit_handlers_registered_total",
		Help:      "Total exit-call handlers registered on the untrusted side.",
	})

	// ExitHandlerMisses counts exit calls for which no handler was registered.
	ExitHandlerMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "enclaveprim",
		Subsystem: "dispatch",
		Name:      "exit_handler_misses_total",
		Help:      "Total exit calls for an unregistered selector.",
	})

	// ExitHandlerLatency observes exit-handler execution time in seconds.
	ExitHandlerLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "enclaveprim",
		Subsystem: "dispatch",
		Name:      "exit_handler_duration_seconds",
		Help:      "Exit-call handler execution latency.",
		Buckets:   prometheus.DefBuckets,
	})

	// EntryHandlersRegistered counts successful trusted-side registrations.
	EntryHandlersRegistered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "enclaveprim",
		Subsystem: "entry",
		Name:      "handlers_registered_total",
		Help:      "Total entry handlers registered on the trusted side.",
	})

	// EntryHandlerPanics counts entry handlers that recovered from a panic.
	EntryHandlerPanics = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "enclaveprim",
		Subsystem: "entry",
		Name:      "handler_panics_total",
		Help:      "Total entry handler invocations that recovered from a panic.",
	})

	// EntryDispatchLatency observes trusted-side handler execution time in
	// seconds, by selector. Distinct from EnclaveCallLatency, which also
	// includes the boundary transfer itself.
	EntryDispatchLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "enclaveprim",
		Subsystem: "entry",
		Name:      "dispatch_duration_seconds",
		Help:      "Trusted-side entry handler execution latency by selector.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"selector"})

	// EnclaveCallLatency observes EnclaveCall round-trip time in seconds.
	EnclaveCallLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "enclaveprim",
		Subsystem: "enclave",
		Name:      "call_duration_seconds",
		Help:      "EnclaveCall latency by selector.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"selector"})

	// EnclaveCallsTotal counts EnclaveCall invocations by outcome.
	EnclaveCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "enclaveprim",
		Subsystem: "enclave",
		Name:      "calls_total",
		Help:      "Total EnclaveCall invocations by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		ExitHandlersRegistered,
		ExitHandlerMisses,
		ExitHandlerLatency,
		EntryHandlersRegistered,
		EntryHandlerPanics,
		EntryDispatchLatency,
		EnclaveCallLatency,
		EnclaveCallsTotal,
	)
}
