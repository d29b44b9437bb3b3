// Package relay implements the walkie-talkie signaling relay: every frame a
// client sends is forwarded, unmodified, to every other connected client.
//
// The relay never decodes client frames. Malformed payloads are forwarded
// like any other, and there is no session scoping: with three or more
// clients connected, an offer reaches all of them.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1ureka/walkie/internal/config"
	"github.com/1ureka/walkie/internal/signaling"
	"github.com/1ureka/walkie/internal/util"
)

const shutdownTimeout = 5 * time.Second

// Server accepts WebSocket clients and fans their frames out to each other.
type Server struct {
	cfg      config.Relay
	registry *Registry
	upgrader websocket.Upgrader
	welcome  []byte
	stats    counters
	gatherer prometheus.Gatherer
}

// NewServer creates a relay. Metrics are registered on reg; a nil reg gets a
// private registry.
func NewServer(cfg config.Relay, reg *prometheus.Registry) (*Server, error) {
	if cfg.QueueSize < 1 {
		return nil, fmt.Errorf("queue size must be positive, got %d", cfg.QueueSize)
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = config.DefaultWriteTimeout
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	welcome, err := signaling.Encode(signaling.Welcome{Text: cfg.Welcome})
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		registry: NewRegistry(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		welcome:  welcome,
		gatherer: reg,
	}
	s.registerMetrics(reg)

	return s, nil
}

// Registry exposes the live connection set for inspection.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Handler returns the relay's HTTP routes: the WebSocket endpoint on "/"
// (and therefore "/ws") plus the metrics endpoint when configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", s)
	if s.cfg.MetricsPath != "" {
		mux.Handle(s.cfg.MetricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Serve runs the relay on ln until ctx is cancelled, then closes every
// client connection.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		s.CloseAll()
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("relay stopped: %w", err)
	}
	return nil
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to start relay on %s: %w", s.cfg.ListenAddr, err)
	}
	util.LogInfo("relay listening on ws://%s", ln.Addr())
	return s.Serve(ctx, ln)
}

// ServeHTTP upgrades the request and runs the connection until it ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "walkie-talkie relay: WebSocket upgrade required", http.StatusUpgradeRequired)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.LogDebug("upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	s.handle(conn, r.RemoteAddr)
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

func (s *Server) handle(conn *websocket.Conn, remote string) {
	c := newConnection(conn, s.cfg.QueueSize)
	s.registry.add(c)
	s.stats.joined.Add(1)
	util.LogInfo("[%s] client connected from %s (%d online)", c.short(), remote, s.registry.Len())

	if ping := s.cfg.PingInterval; ping > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(2 * ping))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(2 * ping))
		})
	}

	c.enqueue(frame{typ: websocket.TextMessage, data: s.welcome})

	go c.writeLoop(s.cfg.WriteTimeout, func(n int) { s.stats.bytesOut.Add(int64(n)) })
	go c.keepalive(s.cfg.PingInterval, s.cfg.WriteTimeout)

	s.readLoop(c)
	s.drop(c)
}

// readLoop forwards every inbound frame until the client goes away.
func (s *Server) readLoop(c *Connection) {
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.Live() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				util.LogDebug("[%s] read error: %v", c.short(), err)
			}
			return
		}

		s.stats.received.Add(1)
		s.stats.bytesIn.Add(int64(len(data)))
		s.broadcast(c, frame{typ: typ, data: data})
	}
}

// broadcast forwards f to every other live client. Clients whose queue is
// full are disconnected rather than waited on.
func (s *Server) broadcast(from *Connection, f frame) {
	delivered, overflowed := s.registry.broadcast(from.id, f)
	s.stats.forwarded.Add(int64(delivered))

	for _, c := range overflowed {
		s.stats.dropped.Add(1)
		util.LogWarning("[%s] outbound queue full, disconnecting client", c.short())
		s.drop(c)
	}
}

// drop removes c from the registry and closes it. Safe to call repeatedly.
func (s *Server) drop(c *Connection) {
	c.close()
	if _, ok := s.registry.remove(c.id); ok {
		s.stats.left.Add(1)
		util.LogInfo("[%s] client disconnected (%d online)", c.short(), s.registry.Len())
	}
}

// CloseAll disconnects every client without stopping the listener.
func (s *Server) CloseAll() {
	for _, c := range s.registry.drain() {
		c.close()
		s.stats.left.Add(1)
	}
}
