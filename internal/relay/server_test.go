package relay

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/walkie/internal/config"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func startRelay(t *testing.T) (*Server, string) {
	t.Helper()

	cfg := config.Default().Relay
	cfg.PingInterval = 0

	return startRelayWith(t, cfg)
}

func startRelayWith(t *testing.T, cfg config.Relay) (*Server, string) {
	t.Helper()

	srv, err := NewServer(cfg, nil)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.CloseAll()
		ts.Close()
	})

	return srv, ts.URL
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// dialClient connects to the relay and consumes the welcome message, which
// also guarantees the connection is registered.
func dialClient(t *testing.T, baseURL string) *websocket.Conn {
	t.Helper()

	c, _, err := websocket.DefaultDialer.Dial(wsURL(baseURL), nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	typ, data, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, typ)
	assert.JSONEq(t, `{"message":"Welcome to the Walkie Talkie app!"}`, string(data))

	return c
}

func readFrame(t *testing.T, c *websocket.Conn) (int, []byte) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	typ, data, err := c.ReadMessage()
	require.NoError(t, err)
	return typ, data
}

func assertSilent(t *testing.T, c *websocket.Conn) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, data, err := c.ReadMessage()
	require.Error(t, err, "unexpected frame %q", data)
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestBroadcastExcludesSender(t *testing.T) {
	srv, url := startRelay(t)

	a := dialClient(t, url)
	b := dialClient(t, url)
	c := dialClient(t, url)
	require.Equal(t, 3, srv.Registry().Len())

	offer := []byte(`{"type":"offer","offer":{"type":"offer","sdp":"v=0"}}`)
	require.NoError(t, a.WriteMessage(websocket.TextMessage, offer))

	for _, peer := range []*websocket.Conn{b, c} {
		typ, data := readFrame(t, peer)
		assert.Equal(t, websocket.TextMessage, typ)
		assert.Equal(t, offer, data)
	}
	assertSilent(t, a)
}

func TestDisconnectCleanup(t *testing.T) {
	srv, url := startRelay(t)

	a := dialClient(t, url)
	b := dialClient(t, url)
	c := dialClient(t, url)

	require.NoError(t, b.Close())
	require.Eventually(t, func() bool { return srv.Registry().Len() == 2 }, 2*time.Second, 10*time.Millisecond)

	msg := []byte(`{"type":"candidate","candidate":{"candidate":"candidate:1 1 udp 1 10.0.0.1 9 typ host"}}`)
	require.NoError(t, a.WriteMessage(websocket.TextMessage, msg))

	_, data := readFrame(t, c)
	assert.Equal(t, msg, data)

	snap := srv.Snapshot()
	assert.Equal(t, int64(3), snap.Joined)
	assert.Equal(t, int64(1), snap.Left)
	assert.Equal(t, 2, snap.Clients)
	assert.Len(t, srv.Registry().IDs(), 2)
}

func TestMalformedFramesAreForwardedVerbatim(t *testing.T) {
	_, url := startRelay(t)

	a := dialClient(t, url)
	b := dialClient(t, url)

	garbage := []byte(`not json {`)
	require.NoError(t, a.WriteMessage(websocket.TextMessage, garbage))
	_, data := readFrame(t, b)
	assert.Equal(t, garbage, data)

	binary := []byte{0x00, 0xff, 0x10}
	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, binary))
	typ, data := readFrame(t, b)
	assert.Equal(t, websocket.BinaryMessage, typ)
	assert.Equal(t, binary, data)
}

func TestPlainHTTPRequestIsRejected(t *testing.T) {
	_, url := startRelay(t)

	resp, err := http.Get(url + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	_, url := startRelay(t)

	a := dialClient(t, url)
	b := dialClient(t, url)
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{}`)))
	readFrame(t, b)

	scrape := func() string {
		resp, err := http.Get(url + "/metrics")
		if err != nil {
			return ""
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return string(body)
	}

	require.Eventually(t, func() bool {
		return strings.Contains(scrape(), "walkie_relay_frames_forwarded_total 1")
	}, 2*time.Second, 20*time.Millisecond)

	body := scrape()
	assert.Contains(t, body, "walkie_relay_connections_total 2")
	assert.Contains(t, body, "walkie_relay_connections_active 2")
}

func TestStalledClientIsDroppedWithoutAffectingOthers(t *testing.T) {
	cfg := config.Default().Relay
	cfg.PingInterval = 0
	cfg.QueueSize = 2
	cfg.WriteTimeout = 10 * time.Second
	srv, url := startRelayWith(t, cfg)

	sender := dialClient(t, url)
	_ = dialClient(t, url) // never reads past the welcome
	receiver := dialClient(t, url)
	require.Equal(t, 3, srv.Registry().Len())

	var received atomic.Int64
	texts := make(chan []byte, 1)
	go func() {
		_ = receiver.SetReadDeadline(time.Time{})
		for {
			typ, data, err := receiver.ReadMessage()
			if err != nil {
				return
			}
			if typ == websocket.TextMessage {
				texts <- data
				continue
			}
			received.Add(1)
		}
	}()

	// Each frame is paced on the reading client, so only the stalled
	// client's queue can fill up.
	payload := make([]byte, 1<<20)
	for i := int64(1); i <= 128 && srv.Snapshot().Dropped == 0; i++ {
		require.NoError(t, sender.WriteMessage(websocket.BinaryMessage, payload))
		require.Eventually(t, func() bool { return received.Load() >= i }, 2*time.Second, time.Millisecond)
	}

	require.Eventually(t, func() bool { return srv.Registry().Len() == 2 }, 2*time.Second, 10*time.Millisecond)
	snap := srv.Snapshot()
	assert.Equal(t, int64(1), snap.Dropped)
	assert.Equal(t, 2, snap.Clients)

	msg := []byte(`{"type":"answer","answer":{"type":"answer","sdp":"v=0"}}`)
	require.NoError(t, sender.WriteMessage(websocket.TextMessage, msg))

	select {
	case data := <-texts:
		assert.Equal(t, msg, data)
	case <-time.After(2 * time.Second):
		t.Fatal("remaining client stopped receiving after the stalled one was dropped")
	}
}
