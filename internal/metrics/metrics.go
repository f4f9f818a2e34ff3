// Package metrics registers the Prometheus instruments exposed at /metrics,
// adapted from the teacher's promauto-based gauge/counter/histogram
// registration pattern and retargeted from scheduler/region metrics to the
// gossip, election, envelope, provider, and memory subsystems this node
// actually runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Gossip Metrics ─────────────────────────────────────────────────────────

// RosterSize tracks the number of members currently known to the gossip engine.
var RosterSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "tutumesh",
	Subsystem: "gossip",
	Name:      "roster_size",
	Help:      "Number of members known to the gossip engine, by state.",
}, []string{"state"})

// GossipMessages tracks SWIM protocol messages sent and received by type.
var GossipMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tutumesh",
	Subsystem: "gossip",
	Name:      "messages_total",
	Help:      "Total gossip protocol messages, by type and direction.",
}, []string{"type", "direction"})

// SuspectTransitions tracks how often a peer moves into the Suspect state.
var SuspectTransitions = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "tutumesh",
	Subsystem: "gossip",
	Name:      "suspect_transitions_total",
	Help:      "Total transitions of a peer into the suspect state.",
})

// ─── Election Metrics ───────────────────────────────────────────────────────

// ElectionTerm tracks the current election term observed by this node.
var ElectionTerm = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "tutumesh",
	Subsystem: "election",
	Name:      "term",
	Help:      "Current election term as observed by this node.",
})

// ElectionRole tracks the current coordinator role (0=follower, 1=candidate, 2=leader).
var ElectionRole = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "tutumesh",
	Subsystem: "election",
	Name:      "role",
	Help:      "Current coordinator role: 0=follower, 1=candidate, 2=leader.",
})

// LeadershipChanges tracks total leadership transitions observed.
var LeadershipChanges = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "tutumesh",
	Subsystem: "election",
	Name:      "leadership_changes_total",
	Help:      "Total number of times this node's leader view changed.",
})

// ─── Session Fabric Metrics ─────────────────────────────────────────────────

// ActiveSessions tracks the number of sessions currently in the Active state.
var ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "tutumesh",
	Subsystem: "session",
	Name:      "active_sessions",
	Help:      "Number of sessions currently in the ACTIVE state.",
})

// EnvelopesDispatched tracks envelope dispatch counts by message type.
var EnvelopesDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tutumesh",
	Subsystem: "session",
	Name:      "envelopes_dispatched_total",
	Help:      "Total envelopes dispatched, by type.",
}, []string{"type"})

// EnvelopesDeduplicated tracks envelopes short-circuited as probable redelivery.
var EnvelopesDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "tutumesh",
	Subsystem: "session",
	Name:      "envelopes_deduplicated_total",
	Help:      "Total envelopes short-circuited by the per-session dedup filter.",
})

// SlowClientDisconnects tracks sessions closed for exceeding outbound backpressure.
var SlowClientDisconnects = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "tutumesh",
	Subsystem: "session",
	Name:      "slow_client_disconnects_total",
	Help:      "Total sessions closed for exceeding the outbound queue depth.",
})

// RateLimitRejections tracks messages rejected by the per-session rate limiter.
var RateLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "tutumesh",
	Subsystem: "session",
	Name:      "rate_limit_rejections_total",
	Help:      "Total messages rejected by the per-session rate limiter.",
})

// ─── Provider Metrics ───────────────────────────────────────────────────────

// ProviderRequests tracks requests routed to each provider, by outcome.
var ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tutumesh",
	Subsystem: "provider",
	Name:      "requests_total",
	Help:      "Total requests routed to a provider, by provider and outcome.",
}, []string{"provider", "outcome"})

// ProviderLatency tracks provider response latency in milliseconds.
var ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "tutumesh",
	Subsystem: "provider",
	Name:      "latency_ms",
	Help:      "Provider response latency in milliseconds.",
	Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
}, []string{"provider"})

// ProviderFallbacks tracks how often routing fell back from a preferred provider.
var ProviderFallbacks = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "tutumesh",
	Subsystem: "provider",
	Name:      "fallbacks_total",
	Help:      "Total requests that fell back away from the preferred or first-choice provider.",
})

// ProviderHealthy tracks whether each provider currently passes its health probe.
var ProviderHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "tutumesh",
	Subsystem: "provider",
	Name:      "healthy",
	Help:      "Whether a provider's last health probe succeeded (1) or not (0).",
}, []string{"provider"})

// ─── Memory Service Metrics ─────────────────────────────────────────────────

// HotCacheSize tracks the number of memories held in the per-session hot cache.
var HotCacheSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "tutumesh",
	Subsystem: "memory",
	Name:      "hot_cache_size",
	Help:      "Number of session memories currently held in the hot cache, by session.",
}, []string{"session_id"})

// MemoryQueries tracks memory service query counts by kind.
var MemoryQueries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tutumesh",
	Subsystem: "memory",
	Name:      "queries_total",
	Help:      "Total memory service queries, by kind.",
}, []string{"kind"})

// ─── Task Queue Metrics ─────────────────────────────────────────────────────

// TaskQueueDepth tracks the number of tasks pending drain.
var TaskQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "tutumesh",
	Subsystem: "taskqueue",
	Name:      "pending_depth",
	Help:      "Current number of tasks awaiting drain.",
})

// TasksCompleted tracks completed task outcomes by kind and status.
var TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tutumesh",
	Subsystem: "taskqueue",
	Name:      "completed_total",
	Help:      "Total tasks completed, by kind and status.",
}, []string{"kind", "status"})
