// Package metric provides the Prometheus metrics registry and the core
// substrate metrics shared by the rpc, telemetry, and statestore
// layers. Each process owns one Registry; channels receive it through
// their options and record into the core metrics by label.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "meshrpc"

// Core holds the substrate-level metrics.
type Core struct {
	// RPC invoker
	Invocations        *prometheus.CounterVec   // command, status
	InvocationDuration *prometheus.HistogramVec // command
	PendingInvocations prometheus.Gauge

	// RPC executor
	Dispatches    *prometheus.CounterVec // command, outcome
	CacheHits     prometheus.Counter
	HandlerPanics prometheus.Counter

	// Telemetry
	EventsSent     *prometheus.CounterVec // topic
	EventsReceived *prometheus.CounterVec // topic
	HandlerErrors  prometheus.Counter

	// Coordination client
	StoreOps             *prometheus.CounterVec // op, outcome
	Notifications        prometheus.Counter
	NotificationsDropped prometheus.Counter
	ResyncKeys           *prometheus.CounterVec // outcome

	// Transport
	Connected  prometheus.Gauge
	Reconnects prometheus.Counter
}

func newCore() *Core {
	return &Core{
		Invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rpc", Name: "invocations_total",
			Help: "RPC invocations by command and terminal status.",
		}, []string{"command", "status"}),

		InvocationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "rpc", Name: "invocation_duration_seconds",
			Help:    "End-to-end invocation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),

		PendingInvocations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "rpc", Name: "pending_invocations",
			Help: "Invocations awaiting a response.",
		}),

		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "executor", Name: "dispatches_total",
			Help: "Executor request dispatches by command and outcome.",
		}, []string{"command", "outcome"}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "executor", Name: "cache_hits_total",
			Help: "Requests answered from the idempotency cache.",
		}),

		HandlerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "executor", Name: "handler_panics_total",
			Help: "Panics recovered from executor handlers.",
		}),

		EventsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "telemetry", Name: "events_sent_total",
			Help: "Telemetry events published.",
		}, []string{"topic"}),

		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "telemetry", Name: "events_received_total",
			Help: "Telemetry events delivered to handlers.",
		}, []string{"topic"}),

		HandlerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "telemetry", Name: "handler_errors_total",
			Help: "Errors returned by telemetry handlers.",
		}),

		StoreOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "statestore", Name: "operations_total",
			Help: "Coordination service operations by op and outcome.",
		}, []string{"op", "outcome"}),

		Notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "statestore", Name: "notifications_total",
			Help: "Key change notifications fanned out to subscribers.",
		}),

		NotificationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "statestore", Name: "notifications_dropped_total",
			Help: "Notifications dropped because a subscriber buffer was full.",
		}),

		ResyncKeys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "statestore", Name: "resync_keys_total",
			Help: "Per-key reconnect resynchronization results.",
		}, []string{"outcome"}),

		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "transport", Name: "connected",
			Help: "Transport session status (0=down, 1=up).",
		}),

		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "reconnects_total",
			Help: "Transport reconnections observed.",
		}),
	}
}

// Registry owns a private Prometheus registry with the core substrate
// metrics and Go runtime collectors pre-registered.
type Registry struct {
	reg  *prometheus.Registry
	core *Core
}

// NewRegistry creates a registry with core metrics registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	core := newCore()

	reg.MustRegister(
		core.Invocations, core.InvocationDuration, core.PendingInvocations,
		core.Dispatches, core.CacheHits, core.HandlerPanics,
		core.EventsSent, core.EventsReceived, core.HandlerErrors,
		core.StoreOps, core.Notifications, core.NotificationsDropped, core.ResyncKeys,
		core.Connected, core.Reconnects,
	)
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Registry{reg: reg, core: core}
}

// Core returns the core substrate metrics.
func (r *Registry) Core() *Core { return r.core }

// Prometheus returns the underlying registry for scraping or custom
// registration.
func (r *Registry) Prometheus() *prometheus.Registry { return r.reg }
