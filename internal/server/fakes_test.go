package server

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeConn records writes and blocks reads until closed. When blockWrites is
// set, writes hang until the connection is closed.
type fakeConn struct {
	addr        net.Addr
	blockWrites bool

	mu              sync.Mutex
	written         bytes.Buffer
	closed          bool
	writeAfterClose bool
	closedCh        chan struct{}
	closeOnce       sync.Once
}

func newFakeConn(addr string) *fakeConn {
	return &fakeConn{
		addr:     net.TCPAddrFromAddrPort(netip.MustParseAddrPort(addr)),
		closedCh: make(chan struct{}),
	}
}

func (c *fakeConn) Read(_ []byte) (int, error) {
	<-c.closedCh
	return 0, net.ErrClosed
}

func (c *fakeConn) Write(p []byte) (int, error) {
	if c.blockWrites {
		<-c.closedCh
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.writeAfterClose = true
		return 0, net.ErrClosed
	}
	c.written.Write(p)
	return len(p), nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.closedCh)
	})
	return nil
}

func (c *fakeConn) RemoteAddr() net.Addr { return c.addr }

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Data() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written.String()
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) WroteAfterClose() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeAfterClose
}

func startHub(t *testing.T, policy Policy, clock *fakeClock) *Hub {
	t.Helper()

	h := NewHub(policy, WithClock(clock.Now), WithLogger(discardLogger()))
	go h.Run()
	t.Cleanup(func() {
		_ = h.Shutdown(2 * time.Second)
	})
	return h
}

func submit(t *testing.T, h *Hub, ev Event) {
	t.Helper()
	require.NoError(t, h.Submit(context.Background(), ev))
}

func connectPeer(t *testing.T, h *Hub, addr string) *fakeConn {
	t.Helper()
	conn := newFakeConn(addr)
	submit(t, h, Connected{Addr: netip.MustParseAddrPort(addr), Conn: conn})
	return conn
}

func sendMessage(t *testing.T, h *Hub, addr string, payload []byte) {
	t.Helper()
	submit(t, h, NewMessage{Addr: netip.MustParseAddrPort(addr), Bytes: payload})
}

// settle waits until every event submitted so far has been processed.
func settle(t *testing.T, h *Hub) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := h.Snapshot(ctx)
	require.NoError(t, err)
	return snap
}

func peerAddrs(snap Snapshot) []string {
	addrs := make([]string, 0, len(snap.Peers))
	for _, p := range snap.Peers {
		addrs = append(addrs, p.Addr.String())
	}
	return addrs
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	got    chan Event
}

func newRecordingSink(err error) *recordingSink {
	return &recordingSink{err: err, got: make(chan Event, 256)}
}

func (s *recordingSink) Submit(_ context.Context, ev Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	s.got <- ev
	return s.err
}
