// Package session runs walkie-talkie calls: it validates the chosen
// frequency, acquires local audio, connects to the relay and hands the
// signaling channel to a negotiation session.
//
// The frequency is shown to the user but does not scope who hears the call:
// the relay forwards every message to every other client.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/walkie/internal/media"
	"github.com/1ureka/walkie/internal/negotiation"
	"github.com/1ureka/walkie/internal/signaling"
	"github.com/1ureka/walkie/internal/util"
)

const (
	MinFrequency = 1
	MaxFrequency = 20
)

var (
	ErrFrequencyOutOfRange = errors.New("frequency out of range")
	ErrAlreadyActive       = errors.New("a call is already active")
)

// User-facing messages.
var (
	msgFrequencyRange = fmt.Sprintf("Please select a frequency between %d and %d.", MinFrequency, MaxFrequency)
	msgStopped        = "Communication stopped."
)

func msgStarted(frequency int) string {
	return fmt.Sprintf("Communication started on frequency %d.", frequency)
}

// ValidateFrequency accepts 1 to 20 inclusive.
func ValidateFrequency(frequency int) error {
	if frequency < MinFrequency || frequency > MaxFrequency {
		return fmt.Errorf("%w: %d", ErrFrequencyOutOfRange, frequency)
	}
	return nil
}

// Channel is the signaling connection a call runs over. *signaling.Channel
// implements it.
type Channel interface {
	Send(msg signaling.Message) error
	OnMessage(fn func(signaling.Message))
	OnClose(fn func())
	Listen()
	Close() error
}

// Dialer opens a Channel to the relay.
type Dialer func(ctx context.Context, url string) (Channel, error)

// DialRelay is the default Dialer.
func DialRelay(ctx context.Context, url string) (Channel, error) {
	ch, err := signaling.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Config wires a Controller to its collaborators. Source, Dial and Notify
// default to media.MuteSource, DialRelay and util.Notify; Sink may be nil.
type Config struct {
	RelayURL  string
	Source    media.Source
	Sink      media.Sink
	NewEngine negotiation.EngineFactory
	Dial      Dialer
	Notify    func(message string)
}

// Controller owns at most one call at a time.
type Controller struct {
	cfg Config

	mu     sync.Mutex
	active *call
}

type call struct {
	frequency int
	channel   Channel
	session   *negotiation.Session
	done      chan struct{}
}

// NewController creates an idle controller.
func NewController(cfg Config) *Controller {
	if cfg.Source == nil {
		cfg.Source = media.MuteSource{}
	}
	if cfg.Dial == nil {
		cfg.Dial = DialRelay
	}
	if cfg.Notify == nil {
		cfg.Notify = util.Notify
	}
	return &Controller{cfg: cfg}
}

// ---------------------------------------------------------------------------
// Call lifecycle
// ---------------------------------------------------------------------------

// Start begins a call on frequency. With initiate set the controller sends
// the offer; otherwise it waits for one. Start returns once the call is set
// up (and, when initiating, the offer is sent). A failure at any step leaves
// the controller idle.
func (c *Controller) Start(ctx context.Context, frequency int, initiate bool) error {
	if err := ValidateFrequency(frequency); err != nil {
		c.cfg.Notify(msgFrequencyRange)
		return err
	}

	cl := &call{frequency: frequency, done: make(chan struct{})}

	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		return ErrAlreadyActive
	}
	c.active = cl
	c.mu.Unlock()

	c.cfg.Notify(msgStarted(frequency))

	if err := c.setup(ctx, cl); err != nil {
		c.release(cl)
		return err
	}

	if initiate {
		if err := cl.session.Initiate(ctx); err != nil {
			c.end(cl)
			return fmt.Errorf("failed to start call: %w", err)
		}
	}

	return nil
}

// setup acquires the microphone, connects to the relay and starts the
// negotiation session.
func (c *Controller) setup(ctx context.Context, cl *call) error {
	stream, err := c.cfg.Source.Acquire(media.KindAudio)
	if err != nil {
		return fmt.Errorf("failed to acquire audio: %w", err)
	}

	ch, err := c.cfg.Dial(ctx, c.cfg.RelayURL)
	if err != nil {
		stream.Stop()
		return err
	}

	sess, err := negotiation.NewSession(negotiation.Config{
		NewEngine: c.cfg.NewEngine,
		Sender:    ch,
		Stream:    stream,
		Sink:      c.cfg.Sink,
	})
	if err != nil {
		stream.Stop()
		_ = ch.Close()
		return err
	}

	c.mu.Lock()
	if c.active != cl {
		c.mu.Unlock()
		sess.Stop()
		_ = ch.Close()
		return negotiation.ErrSessionClosed
	}
	cl.channel = ch
	cl.session = sess
	c.mu.Unlock()

	ch.OnMessage(sess.HandleMessage)
	ch.OnClose(func() {
		util.LogWarning("call on frequency %d interrupted: %v", cl.frequency, signaling.ErrChannelClosed)
		c.end(cl)
	})
	ch.Listen()

	go func() {
		<-sess.Done()
		c.end(cl)
	}()

	return nil
}

// Stop ends the active call, if any. It is idempotent.
func (c *Controller) Stop() {
	c.mu.Lock()
	cl := c.active
	c.mu.Unlock()

	if cl != nil {
		c.end(cl)
	}
}

// end tears down cl if it is still the active call.
func (c *Controller) end(cl *call) {
	if !c.release(cl) {
		return
	}

	if cl.session != nil {
		cl.session.Stop()
	}
	if cl.channel != nil {
		_ = cl.channel.Close()
	}

	c.cfg.Notify(msgStopped)
}

// release clears cl as the active call and reports whether it was active.
func (c *Controller) release(cl *call) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != cl {
		return false
	}
	c.active = nil
	close(cl.done)
	return true
}

// ---------------------------------------------------------------------------
// Inspection
// ---------------------------------------------------------------------------

// Active reports whether a call is in progress.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// Session returns the active call's negotiation session, or nil.
func (c *Controller) Session() *negotiation.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return nil
	}
	return c.active.session
}

// Done returns a channel closed when the active call ends. With no call in
// progress the returned channel is already closed.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return c.active.done
}
