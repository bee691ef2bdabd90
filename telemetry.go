package server

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// telemetryCounters are cheap always-on counters surfaced by the
// diagnostics endpoint. They are updated with atomics and never
// require the hub mutex to read.
type telemetryCounters struct {
	broadcastEvents   atomic.Uint64
	broadcastBytes    atomic.Uint64
	snapshotsSent     atomic.Uint64
	paintsApplied     atomic.Uint64
	paintsRejected    atomic.Uint64
	heartbeats        atomic.Uint64
	timeoutEvictions  atomic.Uint64
	slowConsumerDrops atomic.Uint64
	malformedInbound  atomic.Uint64
}

// telemetrySnapshot is the JSON shape served by /diagnostics.
type telemetrySnapshot struct {
	BroadcastEvents   uint64 `json:"broadcastEvents"`
	BroadcastBytes    uint64 `json:"broadcastBytes"`
	SnapshotsSent     uint64 `json:"snapshotsSent"`
	PaintsApplied     uint64 `json:"paintsApplied"`
	PaintsRejected    uint64 `json:"paintsRejected"`
	Heartbeats        uint64 `json:"heartbeats"`
	TimeoutEvictions  uint64 `json:"timeoutEvictions"`
	SlowConsumerDrops uint64 `json:"slowConsumerDrops"`
	MalformedInbound  uint64 `json:"malformedInbound"`
}

func (t *telemetryCounters) snapshot() telemetrySnapshot {
	return telemetrySnapshot{
		BroadcastEvents:   t.broadcastEvents.Load(),
		BroadcastBytes:    t.broadcastBytes.Load(),
		SnapshotsSent:     t.snapshotsSent.Load(),
		PaintsApplied:     t.paintsApplied.Load(),
		PaintsRejected:    t.paintsRejected.Load(),
		Heartbeats:        t.heartbeats.Load(),
		TimeoutEvictions:  t.timeoutEvictions.Load(),
		SlowConsumerDrops: t.slowConsumerDrops.Load(),
		MalformedInbound:  t.malformedInbound.Load(),
	}
}

// Metrics is the Prometheus view of the session. It is optional; a
// nil *Metrics disables collection without branching at call sites
// thanks to the nil-safe methods below.
type Metrics struct {
	eventsBroadcast *prometheus.CounterVec
	broadcastBytes  prometheus.Counter
	paintsRejected  prometheus.Counter
	slowDrops       prometheus.Counter
	connections     *prometheus.GaugeVec
	participants    prometheus.Gauge
	gridSize        prometheus.Gauge
}

// NewMetrics builds and registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsBroadcast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mosaic",
			Name:      "events_broadcast_total",
			Help:      "Events fanned out to subscribers, by event type.",
		}, []string{"type"}),
		broadcastBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mosaic",
			Name:      "broadcast_bytes_total",
			Help:      "Encoded bytes enqueued for broadcast.",
		}),
		paintsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mosaic",
			Name:      "paints_rejected_total",
			Help:      "Paint requests refused for validation or ownership.",
		}),
		slowDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mosaic",
			Name:      "slow_consumer_drops_total",
			Help:      "Connections dropped because their send queue overflowed.",
		}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mosaic",
			Name:      "connections",
			Help:      "Live websocket connections, by mode.",
		}, []string{"mode"}),
		participants: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mosaic",
			Name:      "participants",
			Help:      "Participants currently holding a grid cell.",
		}),
		gridSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mosaic",
			Name:      "grid_size",
			Help:      "Current side length of the session grid.",
		}),
	}
	reg.MustRegister(
		m.eventsBroadcast, m.broadcastBytes, m.paintsRejected,
		m.slowDrops, m.connections, m.participants, m.gridSize,
	)
	return m
}

func (m *Metrics) observeBroadcast(eventType string, bytes int) {
	if m == nil {
		return
	}
	m.eventsBroadcast.WithLabelValues(eventType).Inc()
	m.broadcastBytes.Add(float64(bytes))
}

func (m *Metrics) observePaintRejected() {
	if m == nil {
		return
	}
	m.paintsRejected.Inc()
}

func (m *Metrics) observeSlowDrop() {
	if m == nil {
		return
	}
	m.slowDrops.Inc()
}

func (m *Metrics) setConnections(counts map[Mode]int) {
	if m == nil {
		return
	}
	for _, mode := range []Mode{ModeFull, ModeMonitoring, ModeBot} {
		m.connections.WithLabelValues(string(mode)).Set(float64(counts[mode]))
	}
}

func (m *Metrics) setGrid(participants, size int) {
	if m == nil {
		return
	}
	m.participants.Set(float64(participants))
	m.gridSize.Set(float64(size))
}
