// Package server implements the moderation policy applied by the hub: ban
// bookkeeping keyed by IP and strike accounting per connection.
package server

import (
	"fmt"
	"math"
	"net/netip"
	"sort"
	"time"
)

const (
	strikeTooSoon     = "too_soon"
	strikeInvalidText = "invalid_text"
)

// elapsedSince returns now - then, clamped to zero when the clock went backwards.
func elapsedSince(then, now time.Time) time.Duration {
	d := now.Sub(then)
	if d < 0 {
		return 0
	}
	return d
}

// banList tracks active bans. It is owned by the hub goroutine and is not safe
// for concurrent use.
type banList struct {
	duration time.Duration
	bannedAt map[netip.Addr]time.Time
}

func newBanList(duration time.Duration) *banList {
	return &banList{
		duration: duration,
		bannedAt: make(map[netip.Addr]time.Time),
	}
}

// ban records ip as banned at now, replacing any older entry.
func (b *banList) ban(ip netip.Addr, now time.Time) {
	b.bannedAt[ip] = now
}

// check reports whether ip is still banned at now and, if so, how long the ban
// has left. Expired entries are dropped; live entries keep their original
// timestamp so repeated attempts never extend a ban.
func (b *banList) check(ip netip.Addr, now time.Time) (time.Duration, bool) {
	bannedAt, ok := b.bannedAt[ip]
	if !ok {
		return 0, false
	}

	elapsed := elapsedSince(bannedAt, now)
	if elapsed >= b.duration {
		delete(b.bannedAt, ip)
		return 0, false
	}
	return b.duration - elapsed, true
}

// sweep drops every expired entry and returns how many were removed.
func (b *banList) sweep(now time.Time) int {
	removed := 0
	for ip, bannedAt := range b.bannedAt {
		if elapsedSince(bannedAt, now) >= b.duration {
			delete(b.bannedAt, ip)
			removed++
		}
	}
	return removed
}

func (b *banList) addrs() []netip.Addr {
	addrs := make([]netip.Addr, 0, len(b.bannedAt))
	for ip := range b.bannedAt {
		addrs = append(addrs, ip)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })
	return addrs
}

func (b *banList) len() int {
	return len(b.bannedAt)
}

// banNotice is written to a peer refused at admission.
func banNotice(remaining time.Duration) []byte {
	secs := int64(math.Ceil(remaining.Seconds()))
	return []byte(fmt.Sprintf("you are banned!: %d secs left\n", secs))
}

// strikeOutNotice is written to a connected peer that reached the strike limit.
var strikeOutNotice = []byte("You are banned!\n")
