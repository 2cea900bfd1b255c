// Package server implements per-IP connection throttling that protects the
// hub from connection floods before a worker is ever started.
package server

import (
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const connLimiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// connLimiter hands out one token bucket per remote IP. It is shared by the
// TCP accept loop and the WebSocket handler.
type connLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	entries   map[netip.Addr]*limiterEntry
	lastPrune time.Time
	clockNow  func() time.Time
}

// newConnLimiter returns nil when cfg disables throttling; a nil limiter
// allows everything.
func newConnLimiter(cfg ConnectLimitConfig) *connLimiter {
	if cfg.Rate <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &connLimiter{
		limit:    rate.Limit(cfg.Rate),
		burst:    burst,
		entries:  make(map[netip.Addr]*limiterEntry),
		clockNow: time.Now,
	}
}

func (cl *connLimiter) allow(ip netip.Addr) bool {
	if cl == nil {
		return true
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := cl.clockNow()
	cl.pruneLocked(now)

	entry, ok := cl.entries[ip]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(cl.limit, cl.burst)}
		cl.entries[ip] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (cl *connLimiter) pruneLocked(now time.Time) {
	if now.Sub(cl.lastPrune) < connLimiterIdleTTL {
		return
	}
	cl.lastPrune = now
	for ip, entry := range cl.entries {
		if now.Sub(entry.lastSeen) > connLimiterIdleTTL {
			delete(cl.entries, ip)
		}
	}
}
