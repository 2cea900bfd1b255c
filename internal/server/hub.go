// Package server coordinates peer admission, message broadcast, strikes and
// bans for the relay via the Hub type.
package server

import (
	"context"
	"log/slog"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/Tyrowin/gorelay/internal/logging"
)

const (
	defaultEventBuffer = 1024
	maxSweepInterval   = time.Minute
)

// Hub is the single owner of connection, ban and strike state. All mutations
// arrive as events on one channel and are applied one at a time by Run, so
// no state is guarded by locks.
type Hub struct {
	events        chan Event
	policy        Policy
	clients       map[netip.AddrPort]*Client
	bans          *banList
	now           func() time.Time
	logger        *slog.Logger
	metrics       *Metrics
	sweepInterval time.Duration
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
	started       atomic.Bool
	done          chan struct{}
}

// HubOption customizes a Hub created by NewHub.
type HubOption func(*Hub)

// WithClock replaces time.Now as the hub's time source.
func WithClock(now func() time.Time) HubOption {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

// WithLogger sets the hub's logger.
func WithLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMetrics attaches Prometheus collectors to the hub.
func WithMetrics(m *Metrics) HubOption {
	return func(h *Hub) {
		h.metrics = m
	}
}

// WithEventBuffer sets the capacity of the event channel.
func WithEventBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.events = make(chan Event, n)
		}
	}
}

// NewHub creates a Hub enforcing policy. Non-positive policy values are
// replaced by the defaults.
func NewHub(policy Policy, opts ...HubOption) *Hub {
	policy = sanitizePolicy(policy)
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		events:  make(chan Event, defaultEventBuffer),
		policy:  policy,
		clients: make(map[netip.AddrPort]*Client),
		bans:    newBanList(policy.BanDuration),
		now:     time.Now,
		logger:  slog.Default(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.sweepInterval = policy.BanDuration
	if h.sweepInterval > maxSweepInterval {
		h.sweepInterval = maxSweepInterval
	}
	return h
}

// Policy returns the moderation policy the hub enforces.
func (h *Hub) Policy() Policy {
	return h.policy
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Submit queues ev for the hub. It returns ErrHubStopped once the hub has
// exited, or ctx.Err() if ctx ends while the channel is full.
func (h *Hub) Submit(ctx context.Context, ev Event) error {
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}

	select {
	case h.events <- ev:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of the hub's state as of the moment the request is
// processed, ordered after every event submitted before it by the caller.
func (h *Hub) Snapshot(ctx context.Context) (Snapshot, error) {
	req := snapshotRequest{reply: make(chan Snapshot, 1)}
	if err := h.Submit(ctx, req); err != nil {
		return Snapshot{}, err
	}

	select {
	case snap := <-req.reply:
		return snap, nil
	case <-h.done:
		return Snapshot{}, ErrHubStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Run processes events until Shutdown is called, usually in its own
// goroutine. Only the first call runs; later calls, and calls after Shutdown,
// return immediately.
func (h *Hub) Run() {
	if !h.started.CompareAndSwap(false, true) {
		return
	}
	defer close(h.done)

	sweep := time.NewTicker(h.sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case <-sweep.C:
			if removed := h.bans.sweep(h.now()); removed > 0 {
				h.logger.Debug("expired bans removed", slog.Int("count", removed), slog.Int("remaining", h.bans.len()))
			}

		case ev := <-h.events:
			h.handle(ev)
		}
	}
}

func (h *Hub) handle(ev Event) {
	switch ev := ev.(type) {
	case Connected:
		h.metrics.recordEvent(ev)
		h.handleConnected(ev)
	case Disconnected:
		h.metrics.recordEvent(ev)
		h.handleDisconnected(ev)
	case NewMessage:
		h.metrics.recordEvent(ev)
		h.handleNewMessage(ev)
	case snapshotRequest:
		ev.reply <- h.snapshot()
	default:
		h.logger.Warn("ignoring unknown event", slog.String("type", ev.eventType()))
	}
}

func (h *Hub) handleConnected(ev Connected) {
	if ev.Conn == nil {
		h.logger.Warn("received connection event without a connection; skipping", logging.Addr(ev.Addr))
		return
	}

	now := h.now()
	if remaining, banned := h.bans.check(ev.Addr.Addr(), now); banned {
		h.logger.Info("refusing banned peer", logging.Addr(ev.Addr), slog.Duration("remaining", remaining))
		h.metrics.recordRejected("banned")
		h.reject(ev.Conn, ev.Addr, banNotice(remaining))
		return
	}

	if old, ok := h.clients[ev.Addr]; ok {
		if old.conn == ev.Conn {
			return
		}
		h.logger.Warn("replacing stale peer record", logging.Addr(ev.Addr))
		old.closeSend()
	}

	client := newClient(ev.Conn, ev.Addr, h.policy, h.logger)
	client.lastMessage = now
	h.clients[ev.Addr] = client
	h.startWriter(client)

	h.metrics.setPeers(len(h.clients))
	h.logger.Info("peer connected", logging.Addr(ev.Addr), slog.Int("peers", len(h.clients)))
}

func (h *Hub) handleDisconnected(ev Disconnected) {
	client, ok := h.clients[ev.Addr]
	if !ok {
		return
	}
	h.removeClient(client, nil)
	h.logger.Info("peer disconnected", logging.Addr(ev.Addr), slog.Int("peers", len(h.clients)))
}

func (h *Hub) handleNewMessage(ev NewMessage) {
	client, ok := h.clients[ev.Addr]
	if !ok {
		return
	}

	now := h.now()
	diff := elapsedSince(client.lastMessage, now)
	if h.policy.RefreshLastMessage {
		client.lastMessage = now
	}

	if diff < h.policy.MessageRate {
		h.strike(client, now, strikeTooSoon)
		return
	}

	if !utf8.Valid(ev.Bytes) {
		h.strike(client, now, strikeInvalidText)
		return
	}

	h.broadcast(client, ev.Bytes)
}

// strike records a violation and bans the peer's IP once the limit is reached.
func (h *Hub) strike(client *Client, now time.Time, reason string) {
	client.strikes++
	h.metrics.recordStrike(reason)
	h.logger.Debug("strike recorded",
		logging.Addr(client.addr),
		slog.String("reason", reason),
		slog.Int("strikes", client.strikes))

	if client.strikes < h.policy.StrikeLimit {
		return
	}

	ip := client.addr.Addr()
	h.bans.ban(ip, now)
	h.metrics.recordBan()

	// A banned IP holds no connections, so siblings of the offender go too.
	evicted := 0
	for _, c := range h.clients {
		if c.addr.Addr() == ip {
			h.removeClient(c, strikeOutNotice)
			evicted++
		}
	}

	h.logger.Warn("peer banned",
		logging.Addr(client.addr),
		slog.Int("strikes", client.strikes),
		slog.Int("evicted", evicted),
		slog.Duration("duration", h.policy.BanDuration))
}

// broadcast queues payload for every peer except the sender. Peers whose
// queue is full are disconnected after the fan-out.
func (h *Hub) broadcast(sender *Client, payload []byte) {
	var failed []*Client
	for addr, client := range h.clients {
		if addr == sender.addr {
			continue
		}
		if !client.enqueue(payload) {
			failed = append(failed, client)
		}
	}

	h.metrics.recordBroadcast()
	h.logger.Debug("broadcasting message",
		logging.Addr(sender.addr),
		slog.Int("bytes", len(payload)),
		slog.Int("targets", len(h.clients)-1))

	h.removeFailedClients(failed)
}

func (h *Hub) removeFailedClients(failed []*Client) {
	for _, client := range failed {
		if current, ok := h.clients[client.addr]; !ok || current != client {
			continue
		}
		h.removeClient(client, nil)
		h.forceClose(client)
		h.metrics.recordDroppedPeer()
		h.logger.Warn("peer removed due to full send queue", logging.Addr(client.addr))
	}
}

// removeClient drops the record, optionally queues a final notice, and lets
// the writer close the connection.
func (h *Hub) removeClient(client *Client, notice []byte) {
	delete(h.clients, client.addr)
	if notice != nil {
		client.enqueue(notice)
	}
	client.closeSend()
	h.metrics.setPeers(len(h.clients))
}

// reject writes notice to a connection that is not admitted and closes it.
func (h *Hub) reject(conn Conn, addr netip.AddrPort, notice []byte) {
	client := newClient(conn, addr, h.policy, h.logger)
	h.startWriter(client)
	client.enqueue(notice)
	client.closeSend()
}

// forceClose closes the connection without waiting for the writer, which may
// be stuck on a peer that stopped reading.
func (h *Hub) forceClose(client *Client) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		client.closeConnection()
	}()
}

func (h *Hub) startWriter(client *Client) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
}

func (h *Hub) snapshot() Snapshot {
	snap := Snapshot{
		Peers:  make([]PeerInfo, 0, len(h.clients)),
		Banned: h.bans.addrs(),
	}
	for addr, client := range h.clients {
		snap.Peers = append(snap.Peers, PeerInfo{
			Addr:        addr,
			LastMessage: client.lastMessage,
			Strikes:     client.strikes,
		})
	}
	sort.Slice(snap.Peers, func(i, j int) bool {
		return snap.Peers[i].Addr.Compare(snap.Peers[j].Addr) < 0
	})
	return snap
}

// shutdownClients closes every peer, including connections still waiting in
// the event channel.
func (h *Hub) shutdownClients() {
	h.logger.Info("shutting down all peer connections")

	count := len(h.clients)
	for _, client := range h.clients {
		h.removeClient(client, nil)
	}

	for {
		select {
		case ev := <-h.events:
			if connected, ok := ev.(Connected); ok && connected.Conn != nil {
				_ = connected.Conn.Close()
				count++
			}
		default:
			h.logger.Info("closed peer connections", slog.Int("count", count))
			return
		}
	}
}

// Shutdown stops the hub and waits for every writer goroutine to finish.
// It returns context.DeadlineExceeded if they do not finish within timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")

	h.cancel()
	if h.started.CompareAndSwap(false, true) {
		// Run never started; claim it so a late Run exits at once.
		close(h.done)
		return nil
	}
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timeout reached, some writers may still be running")
		return context.DeadlineExceeded
	}
}
