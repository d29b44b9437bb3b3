// Package negotiation drives one peer's side of the offer/answer exchange.
//
// A Session owns a connectivity engine and reacts to signaling messages from
// the remote peer. Every transition, inbound message and outbound candidate
// goes through a single actor goroutine, so engine operations never overlap.
// Stop is the exception: it runs on the caller's goroutine and results that
// arrive afterwards are discarded.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cheggaaa/mb/v3"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/walkie/internal/media"
	"github.com/1ureka/walkie/internal/signaling"
	"github.com/1ureka/walkie/internal/util"
)

// Config wires a Session to its collaborators. Stream and Sink are optional.
type Config struct {
	NewEngine EngineFactory
	Sender    Sender
	Stream    media.Stream
	Sink      media.Sink
}

// Session is the negotiation state machine for one call attempt.
type Session struct {
	newEngine EngineFactory
	sender    Sender
	stream    media.Stream
	sink      media.Sink

	events *mb.MB[func()]
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	state     State
	engine    Engine
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

// NewSession creates an idle session and starts its actor goroutine.
func NewSession(cfg Config) (*Session, error) {
	if cfg.NewEngine == nil || cfg.Sender == nil {
		return nil, errors.New("negotiation session needs an engine factory and a sender")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		newEngine: cfg.NewEngine,
		sender:    cfg.Sender,
		stream:    cfg.Stream,
		sink:      cfg.Sink,
		events:    mb.New[func()](0),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     Idle,
	}

	go s.run()

	return s, nil
}

// ---------------------------------------------------------------------------
// Public API
// ---------------------------------------------------------------------------

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session reaches Closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Initiate starts a call by sending an offer. It is only valid from Idle and
// returns once the offer has been sent or the attempt failed. A failure
// other than a protocol violation stops the session.
func (s *Session) Initiate(ctx context.Context) error {
	errc := make(chan error, 1)
	err := s.submit(func() {
		err := s.initiate()
		errc <- err
		switch {
		case err == nil, errors.Is(err, ErrSessionClosed), errors.Is(err, ErrProtocolViolation):
		default:
			util.LogError("negotiation failed on initiate: %v", err)
			s.Stop()
		}
	})
	if err != nil {
		return err
	}

	select {
	case err := <-errc:
		return err
	case <-s.done:
		// A failed initiate stops the session after reporting its error.
		select {
		case err := <-errc:
			return err
		default:
			return ErrSessionClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleMessage queues an inbound signaling message. Messages are processed
// in the order they are handed in; invalid ones are logged and ignored.
func (s *Session) HandleMessage(msg signaling.Message) {
	if err := s.submit(func() { s.handle(msg) }); err != nil {
		util.LogDebug("dropping %s after session end", msg.Kind())
	}
}

// Stop releases the engine and the local media and moves to Closed. It is
// idempotent and safe to call while an engine operation is in flight.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = Closed
	engine := s.engine
	s.engine = nil
	s.pending = nil
	s.mu.Unlock()

	s.cancel()
	_ = s.events.Close()

	if engine != nil {
		if err := engine.Close(); err != nil {
			util.LogDebug("engine close: %v", err)
		}
	}
	if s.stream != nil {
		s.stream.Stop()
	}

	close(s.done)
	util.LogDebug("negotiation %s -> %s", prev, Closed)
}

// ---------------------------------------------------------------------------
// Actor
// ---------------------------------------------------------------------------

func (s *Session) run() {
	for {
		fn, err := s.events.WaitOne(s.ctx)
		if err != nil {
			return
		}
		fn()
	}
}

func (s *Session) submit(fn func()) error {
	if err := s.events.TryAdd(fn); err != nil {
		return ErrSessionClosed
	}
	return nil
}

// transition moves from one state to the next. It fails if the session was
// stopped or is not in the expected state.
func (s *Session) transition(from, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Closed:
		return ErrSessionClosed
	case from:
		s.state = to
		util.LogDebug("negotiation %s -> %s", from, to)
		return nil
	default:
		return fmt.Errorf("%w: expected %s, in %s", ErrProtocolViolation, from, s.state)
	}
}

func (s *Session) closed() bool {
	return s.State() == Closed
}

// ensureEngine creates the engine on first use, wiring its callbacks and
// adding the local tracks.
func (s *Session) ensureEngine() (Engine, error) {
	s.mu.Lock()
	engine := s.engine
	s.mu.Unlock()
	if engine != nil {
		return engine, nil
	}

	engine, err := s.newEngine()
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	engine.OnICECandidate(func(c webrtc.ICECandidateInit) {
		_ = s.submit(func() { s.sendCandidate(c) })
	})
	engine.OnTrack(func(rs media.RemoteStream) {
		util.LogInfo("receiving remote audio (%s)", rs.ID())
		if s.sink != nil {
			go s.sink.Attach(rs)
		}
	})
	engine.OnConnectionFailed(func() {
		util.LogError("peer connection failed")
		go s.Stop()
	})

	if s.stream != nil {
		for _, track := range s.stream.Tracks() {
			if err := engine.AddTrack(track); err != nil {
				_ = engine.Close()
				return nil, fmt.Errorf("failed to add local track: %w", err)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		_ = engine.Close()
		return nil, ErrSessionClosed
	}
	s.engine = engine
	return engine, nil
}

// ---------------------------------------------------------------------------
// Handlers (actor goroutine only)
// ---------------------------------------------------------------------------

func (s *Session) initiate() error {
	if st := s.State(); st != Idle {
		return fmt.Errorf("%w: cannot initiate in %s", ErrProtocolViolation, st)
	}

	engine, err := s.ensureEngine()
	if err != nil {
		return err
	}
	if err := s.transition(Idle, LocalOfferPending); err != nil {
		return err
	}

	offer, err := engine.CreateOffer()
	if s.closed() {
		return ErrSessionClosed
	}
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}

	if err := engine.SetLocalDescription(offer); err != nil {
		if s.closed() {
			return ErrSessionClosed
		}
		return fmt.Errorf("failed to apply local offer: %w", err)
	}
	if s.closed() {
		return ErrSessionClosed
	}

	if err := s.sender.Send(signaling.Offer{Description: offer}); err != nil {
		return fmt.Errorf("failed to send offer: %w", err)
	}

	return s.transition(LocalOfferPending, LocalOfferSent)
}

func (s *Session) handle(msg signaling.Message) {
	var err error

	switch m := msg.(type) {
	case signaling.Offer:
		err = s.acceptOffer(m.Description)
	case signaling.Answer:
		err = s.acceptAnswer(m.Description)
	case signaling.Candidate:
		err = s.addRemoteCandidate(m.Candidate)
	case signaling.Welcome:
		util.LogDebug("relay says: %s", m.Text)
	default:
		err = fmt.Errorf("%w: unexpected message %T", ErrProtocolViolation, msg)
	}

	switch {
	case err == nil, errors.Is(err, ErrSessionClosed):
	case errors.Is(err, ErrProtocolViolation),
		errors.Is(err, ErrDescriptionRejected),
		errors.Is(err, ErrCandidateRejected):
		util.LogWarning("ignoring %s: %v", msg.Kind(), err)
	default:
		util.LogError("negotiation failed on %s: %v", msg.Kind(), err)
		s.Stop()
	}
}

func (s *Session) acceptOffer(desc webrtc.SessionDescription) error {
	if st := s.State(); st != Idle {
		return fmt.Errorf("%w: offer received in %s", ErrProtocolViolation, st)
	}

	engine, err := s.ensureEngine()
	if err != nil {
		return err
	}

	if err := engine.SetRemoteDescription(desc); err != nil {
		if s.closed() {
			return ErrSessionClosed
		}
		return reject(err, ErrDescriptionRejected)
	}
	if err := s.markRemoteSet(Idle, RemoteOfferApplied); err != nil {
		return err
	}
	s.drainPending(engine)

	if err := s.transition(RemoteOfferApplied, LocalAnswerPending); err != nil {
		return err
	}

	answer, err := engine.CreateAnswer()
	if s.closed() {
		return ErrSessionClosed
	}
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}

	if err := engine.SetLocalDescription(answer); err != nil {
		if s.closed() {
			return ErrSessionClosed
		}
		return fmt.Errorf("failed to apply local answer: %w", err)
	}
	if s.closed() {
		return ErrSessionClosed
	}

	if err := s.sender.Send(signaling.Answer{Description: answer}); err != nil {
		return fmt.Errorf("failed to send answer: %w", err)
	}

	return s.transition(LocalAnswerPending, Connected)
}

func (s *Session) acceptAnswer(desc webrtc.SessionDescription) error {
	s.mu.Lock()
	st, engine := s.state, s.engine
	s.mu.Unlock()

	if st != LocalOfferSent || engine == nil {
		return fmt.Errorf("%w: answer received in %s", ErrProtocolViolation, st)
	}

	if err := engine.SetRemoteDescription(desc); err != nil {
		if s.closed() {
			return ErrSessionClosed
		}
		return reject(err, ErrDescriptionRejected)
	}
	if err := s.markRemoteSet(LocalOfferSent, Connected); err != nil {
		return err
	}
	s.drainPending(engine)

	return nil
}

// addRemoteCandidate applies c, or queues it until a remote description
// has been set.
func (s *Session) addRemoteCandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if !s.remoteSet {
		s.pending = append(s.pending, c)
		n := len(s.pending)
		s.mu.Unlock()
		util.LogDebug("queued remote candidate (%d pending)", n)
		return nil
	}
	engine := s.engine
	s.mu.Unlock()

	if err := engine.AddICECandidate(c); err != nil {
		return reject(err, ErrCandidateRejected)
	}
	return nil
}

// markRemoteSet records that the engine holds a remote description together
// with the accompanying transition.
func (s *Session) markRemoteSet(from, to State) error {
	if err := s.transition(from, to); err != nil {
		return err
	}
	s.mu.Lock()
	s.remoteSet = s.state != Closed
	s.mu.Unlock()
	return nil
}

// drainPending applies queued candidates in arrival order. Failures are
// logged and skipped.
func (s *Session) drainPending(engine Engine) {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, c := range pending {
		if s.closed() {
			return
		}
		if err := engine.AddICECandidate(c); err != nil {
			util.LogWarning("ignoring queued candidate: %v", reject(err, ErrCandidateRejected))
		}
	}
	if len(pending) > 0 {
		util.LogDebug("applied %d queued candidates", len(pending))
	}
}

func (s *Session) sendCandidate(c webrtc.ICECandidateInit) {
	if s.closed() {
		return
	}
	if err := s.sender.Send(signaling.Candidate{Candidate: c}); err != nil {
		util.LogWarning("failed to send candidate: %v", err)
	}
}

// reject wraps err with sentinel unless it already carries it.
func reject(err, sentinel error) error {
	if errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %v", sentinel, err)
}
