// Package negotiationtest provides an in-memory negotiation engine and
// message recorder for tests.
package negotiationtest

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/walkie/internal/media"
	"github.com/1ureka/walkie/internal/negotiation"
	"github.com/1ureka/walkie/internal/signaling"
)

var engineSeq atomic.Int64

// Engine is a fake negotiation.Engine. Descriptions are opaque strings, and
// candidates are rejected until a remote description is set, like a real
// peer connection.
type Engine struct {
	// LocalCandidates are emitted in order, from a separate goroutine, after
	// SetLocalDescription succeeds.
	LocalCandidates []string

	// BeforeCreateOffer, when set, runs inside CreateOffer before it returns.
	BeforeCreateOffer func()

	id string

	mu          sync.Mutex
	tracks      []webrtc.TrackLocal
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	closed      bool
	onCandidate func(webrtc.ICECandidateInit)
	onTrack     func(media.RemoteStream)
	onFailed    func()
}

// NewEngine returns an engine with a unique id used in its descriptions.
func NewEngine() *Engine {
	return &Engine{id: fmt.Sprintf("fake-%d", engineSeq.Add(1))}
}

func (e *Engine) AddTrack(track webrtc.TrackLocal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tracks = append(e.tracks, track)
	return nil
}

func (e *Engine) CreateOffer() (webrtc.SessionDescription, error) {
	if e.BeforeCreateOffer != nil {
		e.BeforeCreateOffer()
	}
	if e.isClosed() {
		return webrtc.SessionDescription{}, errors.New("engine closed")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-from-" + e.id}, nil
}

func (e *Engine) CreateAnswer() (webrtc.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.remote == nil || e.remote.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-from-" + e.id}, nil
}

func (e *Engine) SetLocalDescription(desc webrtc.SessionDescription) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errors.New("engine closed")
	}
	e.local = &desc
	fn := e.onCandidate
	cands := e.LocalCandidates
	e.mu.Unlock()

	if fn != nil && len(cands) > 0 {
		go func() {
			for _, c := range cands {
				fn(webrtc.ICECandidateInit{Candidate: c})
			}
		}()
	}
	return nil
}

// SetRemoteDescription rejects empty descriptions and descriptions whose SDP
// is "reject".
func (e *Engine) SetRemoteDescription(desc webrtc.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("engine closed")
	}
	if desc.SDP == "" || desc.SDP == "reject" {
		return fmt.Errorf("%w: unparsable sdp %q", negotiation.ErrDescriptionRejected, desc.SDP)
	}
	e.remote = &desc
	return nil
}

func (e *Engine) AddICECandidate(c webrtc.ICECandidateInit) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.remote == nil {
		return fmt.Errorf("%w: remote description not set", negotiation.ErrCandidateRejected)
	}
	e.candidates = append(e.candidates, c)
	return nil
}

func (e *Engine) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	e.mu.Lock()
	e.onCandidate = fn
	e.mu.Unlock()
}

func (e *Engine) OnTrack(fn func(media.RemoteStream)) {
	e.mu.Lock()
	e.onTrack = fn
	e.mu.Unlock()
}

func (e *Engine) OnConnectionFailed(fn func()) {
	e.mu.Lock()
	e.onFailed = fn
	e.mu.Unlock()
}

func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

// ---------------------------------------------------------------------------
// Test controls
// ---------------------------------------------------------------------------

// EmitCandidate delivers a local candidate as if it had just been gathered.
func (e *Engine) EmitCandidate(candidate string) {
	e.mu.Lock()
	fn := e.onCandidate
	e.mu.Unlock()
	if fn != nil {
		fn(webrtc.ICECandidateInit{Candidate: candidate})
	}
}

// EmitTrack delivers a remote stream.
func (e *Engine) EmitTrack(rs media.RemoteStream) {
	e.mu.Lock()
	fn := e.onTrack
	e.mu.Unlock()
	if fn != nil {
		fn(rs)
	}
}

// Fail reports a failed connection.
func (e *Engine) Fail() {
	e.mu.Lock()
	fn := e.onFailed
	e.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Candidates returns the remote candidates applied so far, in order.
func (e *Engine) Candidates() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.candidates))
	for i, c := range e.candidates {
		out[i] = c.Candidate
	}
	return out
}

func (e *Engine) Tracks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tracks)
}

func (e *Engine) Remote() *webrtc.SessionDescription {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remote
}

func (e *Engine) Local() *webrtc.SessionDescription {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.local
}

func (e *Engine) Closed() bool {
	return e.isClosed()
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// ---------------------------------------------------------------------------
// Factory
// ---------------------------------------------------------------------------

// Factory hands out fake engines and remembers them.
type Factory struct {
	// Configure, when set, adjusts each engine before it is returned.
	Configure func(*Engine)
	// Err, when set, is returned instead of an engine.
	Err error

	mu      sync.Mutex
	engines []*Engine
}

func (f *Factory) New() (negotiation.Engine, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	e := NewEngine()
	if f.Configure != nil {
		f.Configure(e)
	}
	f.mu.Lock()
	f.engines = append(f.engines, e)
	f.mu.Unlock()
	return e, nil
}

// Last returns the most recently created engine, or nil.
func (f *Factory) Last() *Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.engines) == 0 {
		return nil
	}
	return f.engines[len(f.engines)-1]
}

func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.engines)
}

// ---------------------------------------------------------------------------
// Recorder
// ---------------------------------------------------------------------------

// Recorder is a negotiation.Sender that keeps every message it is given.
type Recorder struct {
	// Err, when set, is returned from Send and nothing is recorded.
	Err error

	mu   sync.Mutex
	msgs []signaling.Message
}

func (r *Recorder) Send(msg signaling.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *Recorder) Messages() []signaling.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]signaling.Message(nil), r.msgs...)
}

// Kinds lists the kinds of the recorded messages, in order.
func (r *Recorder) Kinds() []signaling.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]signaling.Kind, len(r.msgs))
	for i, m := range r.msgs {
		kinds[i] = m.Kind()
	}
	return kinds
}
