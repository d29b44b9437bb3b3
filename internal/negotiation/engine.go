package negotiation

import (
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/walkie/internal/media"
	"github.com/1ureka/walkie/internal/signaling"
)

var (
	ErrDescriptionRejected = errors.New("session description rejected")
	ErrCandidateRejected   = errors.New("connectivity candidate rejected")
	ErrProtocolViolation   = errors.New("protocol violation")
	ErrSessionClosed       = errors.New("negotiation session closed")
)

// Engine is the peer connectivity engine a Session drives. transport.Peer is
// the pion-backed implementation.
//
// Callbacks may fire on any goroutine. OnICECandidate is never called with
// the end-of-gathering marker.
type Engine interface {
	AddTrack(track webrtc.TrackLocal) error

	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnTrack(fn func(media.RemoteStream))
	OnConnectionFailed(fn func())

	Close() error
}

// EngineFactory creates the engine for one call attempt.
type EngineFactory func() (Engine, error)

// Sender delivers signaling messages to the remote peer. *signaling.Channel
// implements it.
type Sender interface {
	Send(msg signaling.Message) error
}
