// Package metrics defines the prometheus collectors of a collab replica.
//
// Collectors are created per Metrics value and registered on the registry
// passed to New, never on the global default, so tests and multiple rooms
// in one process do not collide.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "collab"

// Metrics holds every collector. The zero value is not usable; call New.
type Metrics struct {
	OpsApplied       *prometheus.CounterVec
	OpsBuffered      prometheus.Gauge
	Messages         *prometheus.CounterVec
	DecodeErrors     prometheus.Counter
	Resyncs          prometheus.Counter
	Stalls           prometheus.Counter
	Compacted        prometheus.Counter
	Connections      *prometheus.GaugeVec
	AwarenessRecords prometheus.Gauge
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered, which is what tests that ignore metrics want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OpsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ops_applied_total",
			Help:      "Document operations applied, by origin.",
		}, []string{"origin"}),
		OpsBuffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ops_buffered",
			Help:      "Remote operations waiting for their causal dependencies.",
		}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Wire messages, by direction and type.",
		}, []string{"direction", "type"}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Inbound messages that failed to decode.",
		}),
		Resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resyncs_total",
			Help:      "Sessions forced back into the handshake.",
		}),
		Stalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_stalls_total",
			Help:      "Ticks on which buffered operations exceeded the stall window.",
		}),
		Compacted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tombstones_compacted_total",
			Help:      "Tombstones reclaimed by compaction.",
		}),
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open connections, by kind.",
		}, []string{"kind"}),
		AwarenessRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "awareness_records",
			Help:      "Presence records currently held, including the local one.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.OpsApplied,
			m.OpsBuffered,
			m.Messages,
			m.DecodeErrors,
			m.Resyncs,
			m.Stalls,
			m.Compacted,
			m.Connections,
			m.AwarenessRecords,
		)
	}
	return m
}

// Nop returns unregistered collectors.
func Nop() *Metrics {
	return New(nil)
}

// MessageIn counts an inbound message of type typ.
func (m *Metrics) MessageIn(typ string) {
	m.Messages.WithLabelValues("in", typ).Inc()
}

// MessageOut counts an outbound message of type typ.
func (m *Metrics) MessageOut(typ string) {
	m.Messages.WithLabelValues("out", typ).Inc()
}
