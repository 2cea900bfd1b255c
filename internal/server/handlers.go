// Package server exposes HTTP handlers, including WebSocket upgrades into the
// relay and health checks.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/Tyrowin/gorelay/internal/logging"
)

const healthTimeout = 2 * time.Second

// webSocketHandler upgrades the request and hands the connection to a
// worker, so WebSocket peers join the same relay as TCP peers.
func (s *Server) webSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	if addr, err := netip.ParseAddrPort(r.RemoteAddr); err == nil && !s.limiter.allow(addr.Addr().Unmap()) {
		s.logger.Info("WebSocket connection throttled", logging.Addr(addr))
		s.metrics.recordRejected("throttled")
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", slog.Any("error", err))
		return
	}
	ws.SetReadLimit(s.cfg.MaxFrameSize)

	conn := newWSConn(ws)
	worker, err := NewWorker(conn, s.hub, s.cfg.Policy.ReadChunk, s.logger)
	if err != nil {
		s.logger.Warn("dropping WebSocket with unusable address", slog.Any("error", err))
		_ = conn.Close()
		return
	}

	s.startWorker(worker)
}

// healthHandler reports whether the hub is alive along with its peer and ban counts.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	snap, err := s.hub.Snapshot(ctx)
	if err != nil {
		http.Error(w, "relay unavailable: "+err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "gorelay is running: %d peers, %d bans\n", len(snap.Peers), len(snap.Banned))
}
