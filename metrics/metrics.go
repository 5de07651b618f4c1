// SPDX-License-Identifier: AGPL-3.0-only

// Package metrics exposes the engine's operational counters as prometheus
// collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the collector set shared by the replication, prediction and
// connection layers.  A nil *Metrics is valid and drops every observation,
// so library users who do not scrape pay nothing.
type Metrics struct {
	PacketsSent       prometheus.Counter
	PacketsReceived   prometheus.Counter
	BytesSent         prometheus.Counter
	BytesReceived     prometheus.Counter
	MessagesDelivered prometheus.Counter

	Rollbacks     prometheus.Counter
	RollbackDepth prometheus.Histogram
	Resyncs       prometheus.Counter

	StaleUpdates       prometheus.Counter
	DuplicateMessages  prometheus.Counter
	MissedInputs       prometheus.Counter
	InterpolationStall prometheus.Counter
	ProtocolViolations prometheus.Counter

	ConnectedPeers prometheus.Gauge
	RTT            prometheus.Histogram
}

// New registers the collector set with reg (or the default registerer when
// nil) under the given namespace.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		PacketsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Datagrams handed to the transport.",
		}),
		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Datagrams accepted from the transport.",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Payload bytes handed to the transport.",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Payload bytes accepted from the transport.",
		}),
		MessagesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Messages completed by the channel layer.",
		}),
		Rollbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Prediction mismatches that triggered a rollback.",
		}),
		RollbackDepth: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rollback_depth_ticks",
			Help:      "Ticks re-simulated per rollback.",
			Buckets:   prometheus.LinearBuckets(1, 4, 16),
		}),
		Resyncs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resyncs_total",
			Help:      "Hard timeline resets after unrecoverable divergence.",
		}),
		StaleUpdates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_updates_total",
			Help:      "Replication updates older than the history window.",
		}),
		DuplicateMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_messages_total",
			Help:      "Duplicate packets and messages absorbed.",
		}),
		MissedInputs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "missed_inputs_total",
			Help:      "Server ticks simulated with a reused input snapshot.",
		}),
		InterpolationStall: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interpolation_stalls_total",
			Help:      "Render samples held because no bracket was available.",
		}),
		ProtocolViolations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Malformed datagrams dropped.",
		}),
		ConnectedPeers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_peers",
			Help:      "Peers currently in the connected state.",
		}),
		RTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rtt_seconds",
			Help:      "Smoothed round trip time samples.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
}

// RecordSend accounts one outgoing datagram.
func (m *Metrics) RecordSend(bytes int) {
	if m == nil {
		return
	}
	m.PacketsSent.Inc()
	m.BytesSent.Add(float64(bytes))
}

// RecordRecv accounts one incoming datagram.
func (m *Metrics) RecordRecv(bytes int) {
	if m == nil {
		return
	}
	m.PacketsReceived.Inc()
	m.BytesReceived.Add(float64(bytes))
}

// RecordRollback accounts one rollback spanning depth ticks.
func (m *Metrics) RecordRollback(depth int) {
	if m == nil {
		return
	}
	m.Rollbacks.Inc()
	m.RollbackDepth.Observe(float64(depth))
}

// RecordRTT folds in a smoothed round trip sample.
func (m *Metrics) RecordRTT(seconds float64) {
	if m == nil {
		return
	}
	m.RTT.Observe(seconds)
}

// IncResyncs, and the other single counter helpers, tolerate a nil receiver.
func (m *Metrics) IncResyncs() {
	if m != nil {
		m.Resyncs.Inc()
	}
}

func (m *Metrics) IncStaleUpdates() {
	if m != nil {
		m.StaleUpdates.Inc()
	}
}

func (m *Metrics) IncDuplicates() {
	if m != nil {
		m.DuplicateMessages.Inc()
	}
}

func (m *Metrics) IncMissedInputs() {
	if m != nil {
		m.MissedInputs.Inc()
	}
}

func (m *Metrics) IncInterpolationStalls() {
	if m != nil {
		m.InterpolationStall.Inc()
	}
}

func (m *Metrics) IncProtocolViolations() {
	if m != nil {
		m.ProtocolViolations.Inc()
	}
}

// AddConnectedPeers moves the connected peer gauge by delta.
func (m *Metrics) AddConnectedPeers(delta int) {
	if m != nil {
		m.ConnectedPeers.Add(float64(delta))
	}
}
