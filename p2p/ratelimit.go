package p2p

import (
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	ipLimiterMaxTracked = 4096
	ipLimiterIdle       = time.Minute
)

// ipLimiter throttles inbound connection attempts per remote address.
type ipLimiter struct {
	rate  rate.Limit
	burst int

	mu     sync.Mutex
	limits map[netip.Addr]*ipLimit
}

type ipLimit struct {
	limiter *rate.Limiter
	seen    time.Time
}

// newIPLimiter returns nil, which allows everything, when perSecond is not
// positive.
func newIPLimiter(perSecond float64, burst int) *ipLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &ipLimiter{
		rate:   rate.Limit(perSecond),
		burst:  burst,
		limits: make(map[netip.Addr]*ipLimit),
	}
}

func (l *ipLimiter) allow(addr netip.Addr, now time.Time) bool {
	if l == nil || !addr.IsValid() {
		return true
	}
	addr = addr.Unmap()

	l.mu.Lock()
	defer l.mu.Unlock()
	entry := l.limits[addr]
	if entry == nil {
		if len(l.limits) >= ipLimiterMaxTracked && l.pruneLocked(now.Add(-ipLimiterIdle)) == 0 {
			l.evictOldestLocked()
		}
		entry = &ipLimit{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limits[addr] = entry
	}
	entry.seen = now
	return entry.limiter.AllowN(now, 1)
}

// pruneLocked forgets addresses not seen since cutoff.
func (l *ipLimiter) pruneLocked(cutoff time.Time) int {
	removed := 0
	for addr, entry := range l.limits {
		if entry.seen.Before(cutoff) {
			delete(l.limits, addr)
			removed++
		}
	}
	return removed
}

// evictOldestLocked forgets the least recently seen address.
func (l *ipLimiter) evictOldestLocked() {
	var (
		oldest netip.Addr
		seen   time.Time
	)
	for addr, entry := range l.limits {
		if !oldest.IsValid() || entry.seen.Before(seen) {
			oldest, seen = addr, entry.seen
		}
	}
	if oldest.IsValid() {
		delete(l.limits, oldest)
	}
}

func (l *ipLimiter) tracked() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limits)
}
