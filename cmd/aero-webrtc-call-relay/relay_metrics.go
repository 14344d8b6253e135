package main

import (
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/relay"
)

// registerRelayGauges exposes the relay's live sizes on /metrics.
func registerRelayGauges(m *metrics.Metrics, r *relay.Relay) error {
	gauges := []struct {
		name, help string
		fn         func(relay.Stats) int
	}{
		{"connections", "Registered signaling connections.", func(s relay.Stats) int { return s.Connections }},
		{"rooms", "Rooms with at least one member.", func(s relay.Stats) int { return s.Rooms }},
		{"negotiation_sessions", "Live negotiation sessions.", func(s relay.Stats) int { return s.Sessions }},
	}
	for _, g := range gauges {
		fn := g.fn
		if err := m.RegisterGauge(g.name, g.help, func() float64 { return float64(fn(r.Stats())) }); err != nil {
			return err
		}
	}
	return nil
}
