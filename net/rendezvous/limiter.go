// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package rendezvous

import (
	"net/netip"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

// sourceIdleTTL is how long a source IP's token bucket is remembered
// after its last datagram.
const sourceIdleTTL = time.Minute

// sourceLimiter is a token bucket per source IP. A nil *sourceLimiter
// allows everything.
type sourceLimiter struct {
	limit rate.Limit
	burst int
	cache *ttlcache.Cache[netip.Addr, *rate.Limiter]
}

func newSourceLimiter(limit rate.Limit, burst, capacity int) *sourceLimiter {
	if limit <= 0 {
		return nil
	}
	return &sourceLimiter{
		limit: limit,
		burst: burst,
		cache: ttlcache.New(
			ttlcache.WithTTL[netip.Addr, *rate.Limiter](sourceIdleTTL),
			ttlcache.WithCapacity[netip.Addr, *rate.Limiter](uint64(capacity)),
		),
	}
}

// allow reports whether a datagram from src may be processed at now.
func (l *sourceLimiter) allow(now time.Time, src netip.Addr) bool {
	if l == nil {
		return true
	}
	var lim *rate.Limiter
	if it := l.cache.Get(src); it != nil {
		lim = it.Value()
	} else {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.cache.Set(src, lim, ttlcache.DefaultTTL)
	}
	return lim.AllowN(now, 1)
}

// sweep evicts idle sources.
func (l *sourceLimiter) sweep() {
	if l != nil {
		l.cache.DeleteExpired()
	}
}

func (l *sourceLimiter) len() int {
	if l == nil {
		return 0
	}
	return l.cache.Len()
}
