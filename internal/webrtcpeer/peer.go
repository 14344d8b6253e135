package webrtcpeer

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Peer is one side of a call.
type Peer struct {
	pc *webrtc.PeerConnection
}

func NewPeer(api *webrtc.API, iceServers []webrtc.ICEServer) (*Peer, error) {
	if api == nil {
		api = webrtc.NewAPI()
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, err
	}
	return &Peer{pc: pc}, nil
}

func (p *Peer) PeerConnection() *webrtc.PeerConnection {
	return p.pc
}

// CreateOffer creates an offer and returns it once every local candidate is
// included. Used for both the first call and renegotiation.
func (p *Peer) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return p.setLocal(ctx, offer)
}

// AcceptOffer applies a remote offer and returns the complete answer.
func (p *Peer) AcceptOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if offer.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("expected offer, got %s", offer.Type)
	}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return p.setLocal(ctx, answer)
}

// AcceptAnswer applies the remote answer to this peer's outstanding offer.
func (p *Peer) AcceptAnswer(answer webrtc.SessionDescription) error {
	if answer.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("expected answer, got %s", answer.Type)
	}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (p *Peer) Close() error {
	return p.pc.Close()
}

func (p *Peer) setLocal(ctx context.Context, desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local %s: %w", desc.Type, err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return webrtc.SessionDescription{}, fmt.Errorf("ice gathering: %w", ctx.Err())
	}
	local := p.pc.LocalDescription()
	if local == nil {
		return webrtc.SessionDescription{}, errors.New("missing local description after SetLocalDescription")
	}
	return *local, nil
}
