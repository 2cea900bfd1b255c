// Package server defines the events exchanged between connection workers and
// the hub, and the connection capabilities the relay relies on.
package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strings"
	"time"
)

// ErrHubStopped is returned when an event is submitted after the hub exited.
var ErrHubStopped = errors.New("hub stopped")

// Conn is the transport handle shared between a connection worker, which
// reads from it, and the hub's writer, which writes to and closes it. Close
// must unblock a concurrent Read.
type Conn interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
	SetWriteDeadline(t time.Time) error
}

// Event is anything the hub consumes from its event channel.
type Event interface {
	eventType() string
}

// Connected announces a freshly accepted connection.
type Connected struct {
	Addr netip.AddrPort
	Conn Conn
}

// Disconnected announces that a connection's read side has ended.
type Disconnected struct {
	Addr netip.AddrPort
}

// NewMessage carries exactly the bytes returned by a single read.
type NewMessage struct {
	Addr  netip.AddrPort
	Bytes []byte
}

// snapshotRequest asks the hub for a read-only copy of its state.
type snapshotRequest struct {
	reply chan Snapshot
}

func (Connected) eventType() string       { return "connected" }
func (Disconnected) eventType() string    { return "disconnected" }
func (NewMessage) eventType() string      { return "message" }
func (snapshotRequest) eventType() string { return "snapshot" }

// Snapshot is a point-in-time view of hub state.
type Snapshot struct {
	Peers  []PeerInfo
	Banned []netip.Addr
}

// PeerInfo describes one connected peer.
type PeerInfo struct {
	Addr        netip.AddrPort
	LastMessage time.Time
	Strikes     int
}

// peerAddr extracts a comparable endpoint from a connection. IPv4-mapped IPv6
// addresses are unmapped so bans match regardless of listener family.
func peerAddr(addr net.Addr) (netip.AddrPort, error) {
	if addr == nil {
		return netip.AddrPort{}, errors.New("connection has no remote address")
	}

	var ap netip.AddrPort
	if tcp, ok := addr.(*net.TCPAddr); ok {
		ap = tcp.AddrPort()
	} else {
		parsed, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("parse remote address %q: %w", addr.String(), err)
		}
		ap = parsed
	}

	if !ap.Addr().IsValid() {
		return netip.AddrPort{}, fmt.Errorf("invalid remote address %q", addr.String())
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}
