// Package transport wraps a pion PeerConnection as the connectivity engine
// behind a negotiation session.
package transport

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/walkie/internal/media"
	"github.com/1ureka/walkie/internal/negotiation"
	"github.com/1ureka/walkie/internal/util"
)

// Peer wraps a single PeerConnection carrying one audio call. It implements
// negotiation.Engine.
//
// The PeerConnection state is recorded for inspection; only the failed state
// is reported upward.
type Peer struct {
	pc *webrtc.PeerConnection

	mu       sync.RWMutex
	pcState  webrtc.PeerConnectionState
	onFailed func()
}

// NewPeer creates a Peer backed by a new PeerConnection.
func NewPeer(stunServers []string) (*Peer, error) {
	pc, err := newPeerConnection(stunServers)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	p := &Peer{
		pc:      pc,
		pcState: webrtc.PeerConnectionStateNew,
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())

		p.mu.Lock()
		p.pcState = state
		fn := p.onFailed
		p.mu.Unlock()

		switch state {
		case webrtc.PeerConnectionStateConnected:
			util.LogSuccess("peer connected")
		case webrtc.PeerConnectionStateFailed:
			if fn != nil {
				fn()
			}
		}
	})

	return p, nil
}

// Factory returns an engine factory producing Peers with the given STUN
// servers.
func Factory(stunServers []string) negotiation.EngineFactory {
	return func() (negotiation.Engine, error) {
		p, err := NewPeer(stunServers)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Close shuts down the PeerConnection.
func (p *Peer) Close() error {
	return p.pc.Close()
}

// ConnectionState returns the last observed PeerConnection state.
func (p *Peer) ConnectionState() webrtc.PeerConnectionState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pcState
}

// OnConnectionFailed registers a callback for the failed connection state.
func (p *Peer) OnConnectionFailed(fn func()) {
	p.mu.Lock()
	p.onFailed = fn
	p.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Media
// ---------------------------------------------------------------------------

// AddTrack attaches a local track and starts reading its RTCP.
func (p *Peer) AddTrack(track webrtc.TrackLocal) error {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("failed to add track %s: %w", track.ID(), err)
	}
	go drainRTCP(sender)
	return nil
}

// OnTrack registers a callback for every remote track.
func (p *Peer) OnTrack(fn func(media.RemoteStream)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		util.LogDebug("remote track %s (%s)", track.ID(), track.Codec().MimeType)
		fn(track)
	})
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (p *Peer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP and starts candidate gathering.
func (p *Peer) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP. Any failure is reported as
// negotiation.ErrDescriptionRejected.
func (p *Peer) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("%w: %v", negotiation.ErrDescriptionRejected, err)
	}
	return nil
}

// OnICECandidate registers a callback invoked for every gathered local
// candidate. The end-of-gathering marker is not forwarded.
func (p *Peer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			util.LogDebug("ICE gathering complete")
			return
		}
		fn(c.ToJSON())
	})
}

// AddICECandidate adds a remote candidate received through signaling. It
// fails with negotiation.ErrCandidateRejected when no remote description has
// been applied yet or the candidate is invalid.
func (p *Peer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if p.pc.RemoteDescription() == nil {
		return fmt.Errorf("%w: remote description not set", negotiation.ErrCandidateRejected)
	}
	if err := p.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("%w: %v", negotiation.ErrCandidateRejected, err)
	}
	return nil
}
