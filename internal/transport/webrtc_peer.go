package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// PeerConfig configures a WebRTC mesh peer.
type PeerConfig struct {
	// ICEServers are STUN/TURN URLs.
	ICEServers []string

	// Loopback allows loopback ICE candidates, for peers on one host.
	Loopback bool

	// Kind is reported by the negotiated channel. Defaults to KindMesh;
	// a channel to the relay server is KindRelay.
	Kind Kind
}

// Peer negotiates one WebRTC data channel with one remote peer. The SDP
// blobs it produces travel over whatever signalling path the caller has;
// candidates are gathered up front so one offer and one answer suffice.
type Peer struct {
	pc     *webrtc.PeerConnection
	kind   Kind
	opened chan *DataChannel
	once   sync.Once
}

// NewPeer creates a peer connection.
func NewPeer(cfg PeerConfig) (*Peer, error) {
	var se webrtc.SettingEngine
	if cfg.Loopback {
		se.SetIncludeLoopbackCandidate(true)
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	var servers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	p := &Peer{pc: pc, kind: cfg.Kind, opened: make(chan *DataChannel, 1)}
	if p.kind == 0 {
		p.kind = KindMesh
	}
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() == DataChannelLabel {
			p.watch(dc)
		}
	})
	return p, nil
}

// watch wraps dc immediately so no early message is lost, and publishes the
// wrapper once the channel opens.
func (p *Peer) watch(dc *webrtc.DataChannel) {
	ch := NewDataChannel(dc)
	ch.peer = p
	ch.kind = p.kind
	dc.OnOpen(func() {
		p.once.Do(func() { p.opened <- ch })
	})
}

// Offer creates the data channel and returns the local offer SDP.
func (p *Peer) Offer(ctx context.Context) (string, error) {
	dc, err := p.pc.CreateDataChannel(DataChannelLabel, nil)
	if err != nil {
		return "", fmt.Errorf("create data channel: %w", err)
	}
	p.watch(dc)

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	return p.gather(ctx, offer)
}

// Answer applies a remote offer and returns the local answer SDP.
func (p *Peer) Answer(ctx context.Context, offer string) (string, error) {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	return p.gather(ctx, answer)
}

// Accept applies the remote answer to an offer made by this peer.
func (p *Peer) Accept(answer string) error {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (p *Peer) gather(ctx context.Context, desc webrtc.SessionDescription) (string, error) {
	complete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-complete:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return p.pc.LocalDescription().SDP, nil
}

// Channel waits for the negotiated data channel to open.
func (p *Peer) Channel(ctx context.Context) (*DataChannel, error) {
	select {
	case ch := <-p.opened:
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the peer connection.
func (p *Peer) Close() error {
	return p.pc.Close()
}
