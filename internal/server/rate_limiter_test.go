package server

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnLimiterBurstAndRefill(t *testing.T) {
	limiter := newConnLimiter(ConnectLimitConfig{Rate: 1, Burst: 2})
	require.NotNil(t, limiter)

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.clockNow = func() time.Time { return now }

	ip := netip.MustParseAddr("203.0.113.9")
	assert.True(t, limiter.allow(ip))
	assert.True(t, limiter.allow(ip))
	assert.False(t, limiter.allow(ip), "burst exhausted")
	assert.True(t, limiter.allow(netip.MustParseAddr("203.0.113.10")), "limits are per IP")

	now = now.Add(time.Second)
	assert.True(t, limiter.allow(ip), "one token refilled")
}

func TestConnLimiterDisabled(t *testing.T) {
	limiter := newConnLimiter(ConnectLimitConfig{Rate: 0})
	assert.Nil(t, limiter)
	for i := 0; i < 100; i++ {
		assert.True(t, limiter.allow(netip.MustParseAddr("203.0.113.1")))
	}
}

func TestConnLimiterPrunesIdleEntries(t *testing.T) {
	limiter := newConnLimiter(ConnectLimitConfig{Rate: 1, Burst: 1})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.clockNow = func() time.Time { return now }

	limiter.allow(netip.MustParseAddr("203.0.113.1"))
	now = now.Add(2 * connLimiterIdleTTL)
	limiter.allow(netip.MustParseAddr("203.0.113.2"))

	assert.Len(t, limiter.entries, 1)
}
