// Package metrics provides Prometheus metrics for the boop daemon.
// Counters, gauges and histograms for discovery, messaging, boops, ranging
// and health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "boop"

// ─── Discovery ──────────────────────────────────────────────────────────────

// PeersVisible tracks peers currently in the discovery registry.
var PeersVisible = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "peers_visible",
	Help:      "Number of peers currently visible to discovery.",
})

// PeersDiscovered counts first sightings.
var PeersDiscovered = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "peers_discovered_total",
	Help:      "Total first sightings of peers.",
})

// PeersRemoved counts stale peers removed by the sweeper.
var PeersRemoved = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "peers_removed_total",
	Help:      "Total peers removed for staleness.",
})

// SightingsReceived counts raw sightings, including repeats.
var SightingsReceived = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "sightings_total",
	Help:      "Total discovery sightings received.",
})

// SweepDuration tracks time spent in one staleness sweep.
var SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "sweep_duration_seconds",
	Help:      "Duration of a staleness sweep.",
	Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
})

// ─── Messaging ──────────────────────────────────────────────────────────────

// MessagesReceived counts decoded inbound frames by message type.
var MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "messages_received_total",
	Help:      "Total inbound wire messages by type.",
}, []string{"type"})

// MessagesSent counts outbound frames by message type.
var MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "messages_sent_total",
	Help:      "Total outbound wire messages by type.",
}, []string{"type"})

// MessagesDropped counts inbound frames dropped before dispatch.
var MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "messages_dropped_total",
	Help:      "Total inbound frames dropped by reason.",
}, []string{"reason"})

// ─── Connections ────────────────────────────────────────────────────────────

// ConnectionsActive tracks peers in the Connected state.
var ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "connections_active",
	Help:      "Number of peers currently connected.",
})

// ConnectAttempts counts transport connect requests.
var ConnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "connect_attempts_total",
	Help:      "Total transport connect requests issued.",
})

// TransportFailures counts asynchronous transport failures by operation.
var TransportFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "transport_failures_total",
	Help:      "Total transport failures by operation.",
}, []string{"op"})

// ─── Boops ──────────────────────────────────────────────────────────────────

// BoopsSent counts boops delivered to the transport.
var BoopsSent = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "boops_sent_total",
	Help:      "Total boops sent.",
})

// BoopsReceived counts inbound boops.
var BoopsReceived = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "boops_received_total",
	Help:      "Total boops received.",
})

// BoopsFailed counts boops abandoned by reason.
var BoopsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "boops_failed_total",
	Help:      "Total boops abandoned by reason.",
}, []string{"reason"})

// BoopQueueDepth tracks peers waiting in the boop queue.
var BoopQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "boop_queue_depth",
	Help:      "Number of peers waiting in the boop queue.",
})

// ─── Ranging ────────────────────────────────────────────────────────────────

// RangingSessions tracks active ranging sessions.
var RangingSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "ranging_sessions",
	Help:      "Number of active ranging sessions.",
})

// RangingSamples counts ranging samples received.
var RangingSamples = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "ranging_samples_total",
	Help:      "Total ranging samples received.",
})

// ProximityTransitions counts tier changes by the tier entered.
var ProximityTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "proximity_transitions_total",
	Help:      "Total proximity tier changes by new tier.",
}, []string{"tier"})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus tracks health check results (1=healthy, 0=unhealthy).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "health_check_status",
	Help:      "Health check result per component (1=healthy, 0=unhealthy).",
}, []string{"check"})

// HistoryWriteErrors counts failed history inserts.
var HistoryWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "history_write_errors_total",
	Help:      "Total failed history journal writes.",
})
