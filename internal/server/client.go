// Package server manages individual relay connections: the worker that turns
// socket reads into hub events, and the per-peer writer that drains the
// outbound queue so slow peers never stall the hub.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"github.com/Tyrowin/gorelay/internal/logging"
)

// EventSink accepts events for the hub. *Hub implements it.
type EventSink interface {
	Submit(ctx context.Context, ev Event) error
}

// Client is the hub's record of one admitted peer. Every field except conn is
// touched only by the hub goroutine; conn is shared with the peer's worker,
// which reads from it, and its writer, which writes to and closes it.
type Client struct {
	conn         Conn
	addr         netip.AddrPort
	send         chan []byte
	lastMessage  time.Time
	strikes      int
	closed       bool
	writeTimeout time.Duration
	logger       *slog.Logger
}

func newClient(conn Conn, addr netip.AddrPort, policy Policy, logger *slog.Logger) *Client {
	return &Client{
		conn:         conn,
		addr:         addr,
		send:         make(chan []byte, policy.SendQueueSize),
		writeTimeout: policy.WriteTimeout,
		logger:       logger,
	}
}

// enqueue hands msg to the writer without blocking. It returns false when the
// queue is full or already closed.
func (c *Client) enqueue(msg []byte) bool {
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// closeSend stops accepting messages. The writer flushes what is queued and
// then closes the connection.
func (c *Client) closeSend() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) writePump() {
	defer c.closeConnection()

	for msg := range c.send {
		if !c.writeMessage(msg) {
			return
		}
	}
}

// writeMessage writes one queued message and returns false if the connection
// should be closed.
func (c *Client) writeMessage(msg []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("error setting write deadline", logging.Addr(c.addr), slog.Any("error", err))
		}
		return false
	}

	if _, err := c.conn.Write(msg); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("error writing to peer", logging.Addr(c.addr), slog.Any("error", err))
		}
		return false
	}
	return true
}

// closeConnection safely closes the connection with proper error handling.
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Warn("error closing connection", logging.Addr(c.addr), slog.Any("error", err))
	}
}

// Worker reads one connection and reports what it sees to the hub. It never
// touches hub state directly.
type Worker struct {
	conn   Conn
	addr   netip.AddrPort
	sink   EventSink
	chunk  int
	logger *slog.Logger
}

// NewWorker prepares a worker for conn. It fails when the remote address
// cannot be turned into an IP and port.
func NewWorker(conn Conn, sink EventSink, chunk int, logger *slog.Logger) (*Worker, error) {
	addr, err := peerAddr(conn.RemoteAddr())
	if err != nil {
		return nil, err
	}
	if chunk <= 0 {
		chunk = defaultReadChunk
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		conn:   conn,
		addr:   addr,
		sink:   sink,
		chunk:  chunk,
		logger: logger,
	}, nil
}

// Addr returns the peer endpoint the worker reports under.
func (w *Worker) Addr() netip.AddrPort {
	return w.addr
}

// Run announces the connection, relays every read as a NewMessage and reports
// Disconnected once the connection fails or the peer closes it.
func (w *Worker) Run(ctx context.Context) {
	defer func() {
		if err := w.conn.Close(); err != nil && !isExpectedCloseError(err) {
			w.logger.Debug("error closing connection in worker", logging.Addr(w.addr), slog.Any("error", err))
		}
	}()

	// Nobody owns the connection if the hub is already gone.
	if err := w.submit(ctx, Connected{Addr: w.addr, Conn: w.conn}); errors.Is(err, ErrHubStopped) {
		return
	}

	buf := make([]byte, w.chunk)
	for {
		n, err := w.conn.Read(buf)
		if n > 0 {
			msg := make([]byte, n)
			copy(msg, buf[:n])
			w.submit(ctx, NewMessage{Addr: w.addr, Bytes: msg})
		}

		if err != nil {
			w.logReadError(err)
			w.submit(ctx, Disconnected{Addr: w.addr})
			return
		}

		if n == 0 {
			w.logger.Debug("peer closed connection", logging.Addr(w.addr))
			w.submit(ctx, Disconnected{Addr: w.addr})
			return
		}
	}
}

// submit delivers ev to the hub. Failures are logged and returned, and the
// caller decides whether to carry on.
func (w *Worker) submit(ctx context.Context, ev Event) error {
	err := w.sink.Submit(ctx, ev)
	if errors.Is(err, ErrHubStopped) || errors.Is(err, context.Canceled) {
		w.logger.Debug("hub is shutting down; event dropped",
			logging.Addr(w.addr),
			slog.String("event", ev.eventType()))
	} else if err != nil {
		w.logger.Error("could not deliver event to hub",
			logging.Addr(w.addr),
			slog.String("event", ev.eventType()),
			slog.Any("error", err))
	}
	return err
}

func (w *Worker) logReadError(err error) {
	if isExpectedCloseError(err) {
		w.logger.Debug("peer connection closed", logging.Addr(w.addr), slog.Any("error", err))
		return
	}
	w.logger.Warn("could not read from peer", logging.Addr(w.addr), slog.Any("error", err))
}
