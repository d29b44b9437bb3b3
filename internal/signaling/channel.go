package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/walkie/internal/util"
)

// ErrChannelClosed is returned by Send once the channel is no longer
// connected. Connection loss is terminal; there is no reconnection.
var ErrChannelClosed = errors.New("signaling channel closed")

const writeWait = 5 * time.Second

// Channel is a peer's duplex message channel to the relay. Outbound writes
// are serialized by a mutex; inbound frames are decoded and handed to the
// OnMessage handler one at a time, in receipt order, on the reader goroutine.
type Channel struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	onMessage func(Message)
	onClose   func()

	listenOnce sync.Once
	closeOnce  sync.Once
	done       chan struct{}
}

// Dial connects to the relay at url.
func Dial(ctx context.Context, url string) (*Channel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay %s: %w", url, err)
	}
	return NewChannel(conn), nil
}

// NewChannel wraps an established WebSocket connection.
func NewChannel(conn *websocket.Conn) *Channel {
	return &Channel{
		conn: conn,
		done: make(chan struct{}),
	}
}

// OnMessage registers the inbound message handler. Register before Listen.
func (c *Channel) OnMessage(fn func(Message)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// OnClose registers a handler that fires exactly once when the channel
// closes, whether by remote close, read error or a local Close.
func (c *Channel) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// Listen starts the reader goroutine. Calling it more than once is a no-op.
func (c *Channel) Listen() {
	c.listenOnce.Do(func() {
		go c.watch()
	})
}

// Done is closed when the channel has shut down.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Send encodes msg and writes it as one text frame.
func (c *Channel) Send(msg Message) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}

	data, err := Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()

	if err != nil {
		c.shutdown()
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

// Close sends a close frame (best effort) and releases the connection.
func (c *Channel) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}

	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(writeWait))

	c.shutdown()
	return nil
}

// watch is the single reader loop. It exits when the connection fails.
func (c *Channel) watch() {
	defer c.shutdown()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					util.LogWarning("relay connection lost: %v", err)
				} else {
					util.LogDebug("relay connection closed: %v", err)
				}
			}
			return
		}

		msg, err := Decode(data)
		if err != nil {
			util.LogWarning("dropping undecodable signaling frame: %v", err)
			continue
		}

		c.mu.Lock()
		fn := c.onMessage
		c.mu.Unlock()

		if fn != nil {
			fn(msg)
		}
	}
}

func (c *Channel) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()

		c.mu.Lock()
		fn := c.onClose
		c.mu.Unlock()

		if fn != nil {
			fn()
		}
	})
}
