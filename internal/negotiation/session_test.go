package negotiation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/walkie/internal/media"
	"github.com/1ureka/walkie/internal/negotiation"
	"github.com/1ureka/walkie/internal/negotiation/negotiationtest"
	"github.com/1ureka/walkie/internal/signaling"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

type stubStream struct {
	mu    sync.Mutex
	stops int
}

func (s *stubStream) Tracks() []webrtc.TrackLocal { return nil }

func (s *stubStream) Stop() {
	s.mu.Lock()
	s.stops++
	s.mu.Unlock()
}

func (s *stubStream) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

type stubRemote struct{}

func (stubRemote) ID() string { return "remote-audio" }

func (stubRemote) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return nil, nil, errors.New("eof")
}

type recordingSink struct {
	mu  sync.Mutex
	ids []string
}

func (s *recordingSink) Attach(rs media.RemoteStream) {
	s.mu.Lock()
	s.ids = append(s.ids, rs.ID())
	s.mu.Unlock()
}

func (s *recordingSink) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

type harness struct {
	session  *negotiation.Session
	factory  *negotiationtest.Factory
	recorder *negotiationtest.Recorder
	stream   *stubStream
	sink     *recordingSink
}

func newHarness(t *testing.T, configure func(*negotiationtest.Engine)) *harness {
	t.Helper()

	h := &harness{
		factory:  &negotiationtest.Factory{Configure: configure},
		recorder: &negotiationtest.Recorder{},
		stream:   &stubStream{},
		sink:     &recordingSink{},
	}

	s, err := negotiation.NewSession(negotiation.Config{
		NewEngine: h.factory.New,
		Sender:    h.recorder,
		Stream:    h.stream,
		Sink:      h.sink,
	})
	require.NoError(t, err)
	t.Cleanup(s.Stop)

	h.session = s
	return h
}

func (h *harness) waitState(t *testing.T, want negotiation.State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.session.State() == want }, waitFor, tick,
		"state is %s, want %s", h.session.State(), want)
}

// barrier waits until every message handed in before it has been processed.
// A candidate sent after the remote description is set is applied
// immediately, so its arrival at the engine marks the point.
func (h *harness) barrier(t *testing.T, marker string) {
	t.Helper()
	h.session.HandleMessage(candidate(marker))
	require.Eventually(t, func() bool {
		e := h.factory.Last()
		return e != nil && contains(e.Candidates(), marker)
	}, waitFor, tick)
}

func offer(sdp string) signaling.Message {
	return signaling.Offer{Description: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}}
}

func answer(sdp string) signaling.Message {
	return signaling.Answer{Description: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}}
}

func candidate(c string) signaling.Message {
	return signaling.Candidate{Candidate: webrtc.ICECandidateInit{Candidate: c}}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Caller side
// ---------------------------------------------------------------------------

func TestInitiateSendsOffer(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.session.Initiate(context.Background()))

	assert.Equal(t, negotiation.LocalOfferSent, h.session.State())
	assert.Equal(t, []signaling.Kind{signaling.KindOffer}, h.recorder.Kinds())

	engine := h.factory.Last()
	require.NotNil(t, engine.Local())
	assert.Equal(t, webrtc.SDPTypeOffer, engine.Local().Type)
}

func TestInitiateOnlyFromIdle(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.session.Initiate(context.Background()))
	err := h.session.Initiate(context.Background())

	assert.ErrorIs(t, err, negotiation.ErrProtocolViolation)
	assert.Equal(t, 1, h.factory.Count())
	assert.Len(t, h.recorder.Kinds(), 1)
}

func TestInitiateFailsWhenEngineCannotBeCreated(t *testing.T) {
	h := newHarness(t, nil)
	h.factory.Err = errors.New("no engine today")

	err := h.session.Initiate(context.Background())

	require.Error(t, err)
	assert.Equal(t, negotiation.Closed, h.session.State())
	assert.Empty(t, h.recorder.Kinds())
	assert.Equal(t, 1, h.stream.Stops())
}

func TestInitiateFailureStopsSession(t *testing.T) {
	h := newHarness(t, func(e *negotiationtest.Engine) {
		e.BeforeCreateOffer = func() { _ = e.Close() }
	})

	err := h.session.Initiate(context.Background())

	require.Error(t, err)
	assert.NotErrorIs(t, err, negotiation.ErrSessionClosed)
	assert.Equal(t, negotiation.Closed, h.session.State())
	assert.Empty(t, h.recorder.Kinds())

	select {
	case <-h.session.Done():
	case <-time.After(waitFor):
		t.Fatal("session not stopped after the offer could not be created")
	}
	assert.True(t, h.factory.Last().Closed())

	h.session.HandleMessage(offer("late"))
	assert.Equal(t, 1, h.factory.Count())
}

func TestInitiateSendFailureStopsSession(t *testing.T) {
	h := newHarness(t, nil)
	h.recorder.Err = signaling.ErrChannelClosed

	err := h.session.Initiate(context.Background())

	assert.ErrorIs(t, err, signaling.ErrChannelClosed)
	h.waitState(t, negotiation.Closed)
}

func TestAnswerConnectsCaller(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.session.Initiate(context.Background()))

	h.session.HandleMessage(answer("remote-answer"))

	h.waitState(t, negotiation.Connected)
	assert.Equal(t, "remote-answer", h.factory.Last().Remote().SDP)
}

func TestLocalCandidatesAreForwarded(t *testing.T) {
	h := newHarness(t, func(e *negotiationtest.Engine) {
		e.LocalCandidates = []string{"local-1", "local-2"}
	})

	require.NoError(t, h.session.Initiate(context.Background()))

	require.Eventually(t, func() bool { return len(h.recorder.Kinds()) == 3 }, waitFor, tick)
	msgs := h.recorder.Messages()
	assert.Equal(t, signaling.KindOffer, msgs[0].Kind())
	assert.Equal(t, "local-1", msgs[1].(signaling.Candidate).Candidate.Candidate)
	assert.Equal(t, "local-2", msgs[2].(signaling.Candidate).Candidate.Candidate)
}

// ---------------------------------------------------------------------------
// Callee side
// ---------------------------------------------------------------------------

func TestOfferProducesAnswer(t *testing.T) {
	h := newHarness(t, nil)

	h.session.HandleMessage(offer("remote-offer"))

	h.waitState(t, negotiation.Connected)
	assert.Equal(t, []signaling.Kind{signaling.KindAnswer}, h.recorder.Kinds())

	engine := h.factory.Last()
	assert.Equal(t, "remote-offer", engine.Remote().SDP)
	assert.Equal(t, webrtc.SDPTypeAnswer, engine.Local().Type)
}

func TestRejectedOfferLeavesSessionIdle(t *testing.T) {
	h := newHarness(t, nil)

	h.session.HandleMessage(offer("reject"))
	h.session.HandleMessage(offer("good-offer"))

	h.waitState(t, negotiation.Connected)
	assert.Equal(t, "good-offer", h.factory.Last().Remote().SDP)
	assert.Equal(t, []signaling.Kind{signaling.KindAnswer}, h.recorder.Kinds())
}

// ---------------------------------------------------------------------------
// Candidate ordering
// ---------------------------------------------------------------------------

func TestCandidatesQueuedUntilRemoteOffer(t *testing.T) {
	h := newHarness(t, nil)

	h.session.HandleMessage(candidate("c1"))
	h.session.HandleMessage(candidate("c2"))
	h.session.HandleMessage(offer("remote-offer"))
	h.session.HandleMessage(candidate("c3"))

	h.waitState(t, negotiation.Connected)
	require.Eventually(t, func() bool { return len(h.factory.Last().Candidates()) == 3 }, waitFor, tick)
	assert.Equal(t, []string{"c1", "c2", "c3"}, h.factory.Last().Candidates())
}

func TestCandidatesQueuedUntilRemoteAnswer(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.session.Initiate(context.Background()))

	h.session.HandleMessage(candidate("c1"))
	h.session.HandleMessage(candidate("c2"))
	h.session.HandleMessage(answer("remote-answer"))

	h.waitState(t, negotiation.Connected)
	h.barrier(t, "c3")
	assert.Equal(t, []string{"c1", "c2", "c3"}, h.factory.Last().Candidates())
}

// ---------------------------------------------------------------------------
// Invalid transitions
// ---------------------------------------------------------------------------

func TestOfferIgnoredWhenConnected(t *testing.T) {
	h := newHarness(t, nil)
	h.session.HandleMessage(offer("first"))
	h.waitState(t, negotiation.Connected)

	h.session.HandleMessage(offer("second"))
	h.barrier(t, "marker")

	assert.Equal(t, negotiation.Connected, h.session.State())
	assert.Equal(t, "first", h.factory.Last().Remote().SDP)
	assert.Equal(t, []signaling.Kind{signaling.KindAnswer}, h.recorder.Kinds())
}

func TestAnswerIgnoredWhileIdle(t *testing.T) {
	h := newHarness(t, nil)

	h.session.HandleMessage(answer("stray"))
	h.session.HandleMessage(offer("remote-offer"))

	h.waitState(t, negotiation.Connected)
	assert.Equal(t, "remote-offer", h.factory.Last().Remote().SDP)
	assert.Equal(t, 1, h.factory.Count())
}

func TestAnswerIgnoredWhenConnected(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.session.Initiate(context.Background()))
	h.session.HandleMessage(answer("first"))
	h.waitState(t, negotiation.Connected)

	h.session.HandleMessage(answer("second"))
	h.barrier(t, "marker")

	assert.Equal(t, "first", h.factory.Last().Remote().SDP)
}

// ---------------------------------------------------------------------------
// Stop
// ---------------------------------------------------------------------------

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.session.Initiate(context.Background()))

	h.session.Stop()
	h.session.Stop()

	assert.Equal(t, negotiation.Closed, h.session.State())
	assert.True(t, h.factory.Last().Closed())
	assert.Equal(t, 1, h.stream.Stops())

	select {
	case <-h.session.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestStopBeforeAnyEngine(t *testing.T) {
	h := newHarness(t, nil)

	h.session.Stop()

	assert.Equal(t, negotiation.Closed, h.session.State())
	assert.Zero(t, h.factory.Count())
	assert.Equal(t, 1, h.stream.Stops())
}

func TestStopDuringPendingOfferDiscardsResult(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	h := newHarness(t, func(e *negotiationtest.Engine) {
		e.BeforeCreateOffer = func() {
			close(entered)
			<-release
		}
	})

	errc := make(chan error, 1)
	go func() { errc <- h.session.Initiate(context.Background()) }()

	<-entered
	h.session.Stop()
	assert.ErrorIs(t, <-errc, negotiation.ErrSessionClosed)

	close(release)

	require.Never(t, func() bool { return len(h.recorder.Kinds()) > 0 }, 200*time.Millisecond, tick)
	assert.Equal(t, negotiation.Closed, h.session.State())
}

func TestMessagesAfterStopAreDropped(t *testing.T) {
	h := newHarness(t, nil)
	h.session.Stop()

	h.session.HandleMessage(offer("late"))
	err := h.session.Initiate(context.Background())

	assert.ErrorIs(t, err, negotiation.ErrSessionClosed)
	assert.Zero(t, h.factory.Count())
	assert.Empty(t, h.recorder.Kinds())
}

func TestConnectionFailureStopsSession(t *testing.T) {
	h := newHarness(t, nil)
	h.session.HandleMessage(offer("remote-offer"))
	h.waitState(t, negotiation.Connected)

	h.factory.Last().Fail()

	select {
	case <-h.session.Done():
	case <-time.After(waitFor):
		t.Fatal("session not stopped after connection failure")
	}
	assert.True(t, h.factory.Last().Closed())
}

func TestSendFailureStopsSession(t *testing.T) {
	h := newHarness(t, nil)
	h.recorder.Err = signaling.ErrChannelClosed

	h.session.HandleMessage(offer("remote-offer"))

	h.waitState(t, negotiation.Closed)
}

// ---------------------------------------------------------------------------
// Media
// ---------------------------------------------------------------------------

func TestRemoteTrackGoesToSink(t *testing.T) {
	h := newHarness(t, nil)
	h.session.HandleMessage(offer("remote-offer"))
	h.waitState(t, negotiation.Connected)

	h.factory.Last().EmitTrack(stubRemote{})

	require.Eventually(t, func() bool { return len(h.sink.IDs()) == 1 }, waitFor, tick)
	assert.Equal(t, "remote-audio", h.sink.IDs()[0])
	assert.Equal(t, negotiation.Connected, h.session.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "local-offer-sent", negotiation.LocalOfferSent.String())
	assert.Equal(t, "closed", negotiation.Closed.String())
	assert.Equal(t, "state(42)", negotiation.State(42).String())
}
