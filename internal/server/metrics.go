// Package server exports relay activity as Prometheus metrics.
package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the relay's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	peers       prometheus.Gauge
	events      *prometheus.CounterVec
	broadcasts  prometheus.Counter
	strikes     *prometheus.CounterVec
	bans        prometheus.Counter
	rejected    *prometheus.CounterVec
	droppedPeer prometheus.Counter
}

// NewMetrics creates the relay collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gorelay_peers",
			Help: "Number of peers currently admitted by the hub.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gorelay_events_total",
			Help: "Events processed by the hub, by type.",
		}, []string{"type"}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gorelay_broadcasts_total",
			Help: "Messages fanned out to other peers.",
		}),
		strikes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gorelay_strikes_total",
			Help: "Strikes recorded against peers, by reason.",
		}, []string{"reason"}),
		bans: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gorelay_bans_total",
			Help: "Bans issued after a peer reached the strike limit.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gorelay_rejected_connections_total",
			Help: "Connections refused before admission, by reason.",
		}, []string{"reason"}),
		droppedPeer: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gorelay_dropped_peers_total",
			Help: "Peers disconnected because their send queue overflowed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.peers, m.events, m.broadcasts, m.strikes, m.bans, m.rejected, m.droppedPeer)
	}
	return m
}

func (m *Metrics) setPeers(n int) {
	if m == nil {
		return
	}
	m.peers.Set(float64(n))
}

func (m *Metrics) recordEvent(ev Event) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(ev.eventType()).Inc()
}

func (m *Metrics) recordBroadcast() {
	if m == nil {
		return
	}
	m.broadcasts.Inc()
}

func (m *Metrics) recordStrike(reason string) {
	if m == nil {
		return
	}
	m.strikes.WithLabelValues(reason).Inc()
}

func (m *Metrics) recordBan() {
	if m == nil {
		return
	}
	m.bans.Inc()
}

func (m *Metrics) recordRejected(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) recordDroppedPeer() {
	if m == nil {
		return
	}
	m.droppedPeer.Inc()
}
