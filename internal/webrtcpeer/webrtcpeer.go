// Package webrtcpeer builds the client-side PeerConnections used to exercise
// the relay end to end.
//
// The relay forwards only offers and answers, so peers here never trickle:
// every description is sent after ICE gathering completes and carries all
// candidates.
package webrtcpeer

import (
	"log/slog"

	"github.com/pion/ice/v4"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"
)

type APIConfig struct {
	// Logger receives pion's internal logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Net replaces the OS network stack, e.g. with a vnet.Net in tests.
	Net transport.Net

	// DisableMDNS turns off mDNS host candidates.
	DisableMDNS bool
}

func NewAPI(cfg APIConfig) *webrtc.API {
	se := webrtc.SettingEngine{}
	se.LoggerFactory = NewLoggerFactory(cfg.Logger)
	if cfg.Net != nil {
		se.SetNet(cfg.Net)
	}
	if cfg.DisableMDNS {
		se.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}
