package server

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gorelay/internal/testhelpers"
)

const testMessageRate = 10 * time.Millisecond

func testConfig() *Config {
	cfg := NewConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.AllowedOrigins = []string{"*"}
	cfg.ConnectLimit = ConnectLimitConfig{}
	cfg.Policy.MessageRate = testMessageRate
	return cfg
}

func startServer(t *testing.T, cfg *Config) *Server {
	t.Helper()

	s := New(cfg, discardLogger())
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		_ = s.Shutdown(3 * time.Second)
	})
	return s
}

func waitForPeers(t *testing.T, s *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		snap, err := s.Hub().Snapshot(ctx)
		return err == nil && len(snap.Peers) == n
	}, 3*time.Second, 10*time.Millisecond)
	// Let every peer age past the message rate.
	time.Sleep(5 * testMessageRate)
}

// TestRelayBroadcastsBetweenTCPPeers runs broadcast exclusion over real sockets.
func TestRelayBroadcastsBetweenTCPPeers(t *testing.T) {
	s := startServer(t, testConfig())
	addr := s.Addr().String()

	a := testhelpers.DialTCP(t, addr)
	b := testhelpers.DialTCP(t, addr)
	c := testhelpers.DialTCP(t, addr)
	waitForPeers(t, s, 3)

	_, err := a.Write([]byte("hello from a\n"))
	require.NoError(t, err)

	assert.Equal(t, "hello from a\n", string(testhelpers.ReadExactly(t, b, len("hello from a\n"))))
	assert.Equal(t, "hello from a\n", string(testhelpers.ReadExactly(t, c, len("hello from a\n"))))
	testhelpers.ExpectNoData(t, a, 200*time.Millisecond)
}

// TestRelayChunkFidelity sends a message longer than the read chunk and checks
// the observer receives every byte in order.
func TestRelayChunkFidelity(t *testing.T) {
	s := startServer(t, testConfig())
	addr := s.Addr().String()

	sender := testhelpers.DialTCP(t, addr)
	observer := testhelpers.DialTCP(t, addr)
	waitForPeers(t, s, 2)

	payload := bytes.Repeat([]byte("abcdefghij"), 20)
	_, err := sender.Write(payload)
	require.NoError(t, err)

	assert.Equal(t, payload, testhelpers.ReadExactly(t, observer, len(payload)))
	testhelpers.ExpectNoData(t, observer, 100*time.Millisecond)
}

// TestRelayBansAndRefusesPeer drives a ban end to end with a strike limit of one.
func TestRelayBansAndRefusesPeer(t *testing.T) {
	cfg := testConfig()
	cfg.Policy.StrikeLimit = 1
	s := startServer(t, cfg)
	addr := s.Addr().String()

	offender := testhelpers.DialTCP(t, addr)
	observer := testhelpers.DialTCP(t, addr)
	waitForPeers(t, s, 2)

	_, err := offender.Write([]byte{0xff, 0xfe})
	require.NoError(t, err)
	assert.Equal(t, "You are banned!\n", string(testhelpers.ReadUntilClosed(t, offender)))

	// The observer shares the loopback IP, so the ban evicts it as well and a
	// new connection from the same IP is refused.
	assert.Equal(t, "You are banned!\n", string(testhelpers.ReadUntilClosed(t, observer)))

	retry := testhelpers.DialTCP(t, addr)
	notice := string(testhelpers.ReadUntilClosed(t, retry))
	assert.True(t, strings.HasPrefix(notice, "you are banned!: "), notice)
	assert.True(t, strings.HasSuffix(notice, " secs left\n"), notice)
}

// TestRelayWebSocketPeer verifies WebSocket and TCP peers share one relay.
func TestRelayWebSocketPeer(t *testing.T) {
	s := startServer(t, testConfig())

	tcpPeer := testhelpers.DialTCP(t, s.Addr().String())
	ws, err := testhelpers.ConnectWebSocket("ws://"+s.HTTPAddr().String()+"/ws", "http://localhost:8080")
	require.NoError(t, err)
	defer ws.Close()
	waitForPeers(t, s, 2)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("from ws")))
	assert.Equal(t, "from ws", string(testhelpers.ReadExactly(t, tcpPeer, len("from ws"))))

	_, err = tcpPeer.Write([]byte("from tcp"))
	require.NoError(t, err)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	msgType, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)
	assert.Equal(t, "from tcp", string(data))
}

// TestWebSocketRejectsDisallowedOrigin verifies the origin allowlist.
func TestWebSocketRejectsDisallowedOrigin(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"http://localhost:8080"}
	s := startServer(t, cfg)

	_, err := testhelpers.ConnectWebSocket("ws://"+s.HTTPAddr().String()+"/ws", "http://evil.example")
	assert.ErrorIs(t, err, websocket.ErrBadHandshake)
}

func TestWebSocketEndpointRequiresGET(t *testing.T) {
	s := startServer(t, testConfig())

	resp := testhelpers.MakeRequest(t, http.MethodPost, "http://"+s.HTTPAddr().String()+"/ws")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

// TestHealthAndMetricsRoutes verifies the HTTP side.
func TestHealthAndMetricsRoutes(t *testing.T) {
	s := startServer(t, testConfig())
	testhelpers.DialTCP(t, s.Addr().String())
	waitForPeers(t, s, 1)

	resp := testhelpers.MakeRequest(t, http.MethodGet, "http://"+s.HTTPAddr().String()+"/")
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Equal(t, "gorelay is running: 1 peers, 0 bans\n", string(body))

	resp = testhelpers.MakeRequest(t, http.MethodGet, "http://"+s.HTTPAddr().String()+"/metrics")
	body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "gorelay_peers 1")
	assert.Contains(t, string(body), `gorelay_events_total{type="connected"} 1`)
}

// TestThrottledConnectionsAreClosed verifies per-IP admission throttling.
func TestThrottledConnectionsAreClosed(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectLimit = ConnectLimitConfig{Rate: 0.001, Burst: 1}
	s := startServer(t, cfg)

	testhelpers.DialTCP(t, s.Addr().String())
	waitForPeers(t, s, 1)

	throttled := testhelpers.DialTCP(t, s.Addr().String())
	assert.Empty(t, testhelpers.ReadUntilClosed(t, throttled))
}

// TestServerShutdownClosesPeers verifies graceful shutdown.
func TestServerShutdownClosesPeers(t *testing.T) {
	s := New(testConfig(), discardLogger())
	require.NoError(t, s.Start())
	addr := s.Addr().String()

	peer := testhelpers.DialTCP(t, addr)
	waitForPeers(t, s, 1)

	require.NoError(t, s.Shutdown(3*time.Second))
	assert.Empty(t, testhelpers.ReadUntilClosed(t, peer))

	_, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err, "listener must be closed")
}

func TestStartFailsOnBusyAddress(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig()
	cfg.ListenAddr = ln.Addr().String()
	assert.Error(t, New(cfg, discardLogger()).Start())
}
