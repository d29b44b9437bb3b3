package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cheggaaa/mb/v3"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/1ureka/walkie/internal/util"
)

// frame is one WebSocket message exactly as it was read, so it can be
// forwarded without re-encoding.
type frame struct {
	typ  int
	data []byte
}

// Connection is the relay-side handle of one connected client. Outbound
// frames go through a bounded queue drained by a single writer goroutine, so
// a slow client never blocks a broadcast.
type Connection struct {
	id   uuid.UUID
	conn *websocket.Conn

	queue *mb.MB[frame]
	live  atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newConnection(conn *websocket.Conn, queueSize int) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:     uuid.New(),
		conn:   conn,
		queue:  mb.New[frame](queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	c.live.Store(true)
	return c
}

// ID returns the connection's unique identity.
func (c *Connection) ID() uuid.UUID { return c.id }

// Live reports whether the connection still accepts frames.
func (c *Connection) Live() bool { return c.live.Load() }

// enqueue adds f to the outbound queue without blocking. It returns false
// when the connection is closed or its queue is full.
func (c *Connection) enqueue(f frame) bool {
	if !c.Live() {
		return false
	}
	return c.queue.TryAdd(f) == nil
}

// writeLoop is the connection's only data writer. It exits when the
// connection closes or a write fails; a failed write closes the connection,
// which in turn ends the read loop.
func (c *Connection) writeLoop(writeTimeout time.Duration, onWrite func(n int)) {
	defer c.close()

	for {
		f, err := c.queue.WaitOne(c.ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, mb.ErrClosed) {
				util.LogDebug("[%s] outbound queue: %v", c.short(), err)
			}
			return
		}

		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(f.typ, f.data); err != nil {
			util.LogDebug("[%s] write failed, skipping client: %v", c.short(), err)
			return
		}

		if onWrite != nil {
			onWrite(len(f.data))
		}
	}
}

// keepalive pings the client every interval; the read loop's deadline is
// pushed forward by each pong. A zero interval disables it.
func (c *Connection) keepalive(interval, writeTimeout time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// close marks the connection dead and releases its resources exactly once.
func (c *Connection) close() {
	c.closeOnce.Do(func() {
		c.live.Store(false)
		c.cancel()
		_ = c.queue.Close()
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

func (c *Connection) short() string {
	return c.id.String()[:8]
}
