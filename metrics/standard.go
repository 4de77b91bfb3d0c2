package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ---- Tree metrics ----

	// LeavesAppended counts leaves newly written to a leaf store.
	LeavesAppended = factory.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace, Subsystem: "tree", Name: "leaves_appended_total",
		Help: "Leaves newly written to the leaf store.",
	})
	// DuplicateLeaves counts redelivered leaves, by whether the value
	// matched the stored one.
	DuplicateLeaves = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace, Subsystem: "tree", Name: "duplicate_leaves_total",
		Help: "Redelivered leaves, identical or conflicting.",
	}, []string{"kind"})
	// UpdatePasses counts update passes that committed new metadata.
	UpdatePasses = factory.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace, Subsystem: "tree", Name: "update_passes_total",
		Help: "Update passes that committed a new root.",
	})
	// NodesWritten counts node upserts made by update passes.
	NodesWritten = factory.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace, Subsystem: "tree", Name: "nodes_written_total",
		Help: "Nodes upserted by update passes.",
	})
	// UpdateDuration records the duration of committed update passes.
	UpdateDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace, Subsystem: "tree", Name: "update_duration_seconds",
		Help:    "Duration of committed update passes.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
	})
	// PathRequests counts path lookups by kind (sibling, direct).
	PathRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace, Subsystem: "tree", Name: "path_requests_total",
		Help: "Path lookups by kind.",
	}, []string{"kind"})

	// ---- Ingestion metrics ----

	// StartRequests counts ingestion start requests by outcome.
	StartRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace, Subsystem: "ingest", Name: "start_requests_total",
		Help: "Ingestion start requests by outcome.",
	}, []string{"outcome"})
	// ActiveSubscriptions tracks the number of live ledger subscriptions.
	ActiveSubscriptions = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace, Subsystem: "ingest", Name: "active_subscriptions",
		Help: "Live ledger subscriptions.",
	})
	// LedgerEvents counts decoded ledger events by event name.
	LedgerEvents = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace, Subsystem: "ingest", Name: "ledger_events_total",
		Help: "Decoded ledger events by name.",
	}, []string{"event"})
	// PendingLeaves tracks leaves buffered while waiting for a gap to close.
	PendingLeaves = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace, Subsystem: "ingest", Name: "pending_leaves",
		Help: "Out-of-order leaves buffered until the gap closes.",
	})

	// ---- HTTP metrics ----

	// HTTPRequests counts API requests by route and status code.
	HTTPRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace, Subsystem: "http", Name: "requests_total",
		Help: "API requests by route and status.",
	}, []string{"route", "code"})
	// HTTPLatency records API latency by route.
	HTTPLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace, Subsystem: "http", Name: "request_duration_seconds",
		Help:    "API latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)
