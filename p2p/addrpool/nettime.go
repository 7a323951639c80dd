package addrpool

import (
	"net/netip"
	"slices"
	"sync"
	"time"
)

const (
	maxTimeSamples      = 200
	minTimeSamples      = 5
	maxAllowedTimeDrift = 70 * time.Minute
)

// netClock keeps one clock offset sample per remote IP and derives the
// network-adjusted time from their median.
type netClock struct {
	mu      sync.RWMutex
	seen    map[netip.Addr]struct{}
	samples []time.Duration
	offset  time.Duration
}

func newNetClock() *netClock {
	return &netClock{seen: make(map[netip.Addr]struct{})}
}

func (c *netClock) add(addr netip.Addr, delta time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.seen[addr]; dup {
		return false
	}
	if len(c.samples) >= maxTimeSamples {
		return false
	}
	c.seen[addr] = struct{}{}
	c.samples = append(c.samples, delta)
	if len(c.samples) < minTimeSamples || len(c.samples)%2 == 0 {
		return true
	}
	sorted := slices.Clone(c.samples)
	slices.Sort(sorted)
	median := sorted[len(sorted)/2]
	if median < 0 && -median > maxAllowedTimeDrift || median > maxAllowedTimeDrift {
		c.offset = 0
	} else {
		c.offset = median
	}
	return true
}

func (c *netClock) current() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

// ReportTimeOffset records the clock delta observed from a peer at addr.
// Only the first sample per IP counts.
func (p *Pool) ReportTimeOffset(addr netip.Addr, delta time.Duration) bool {
	return p.clock.add(addr.Unmap(), delta)
}

// NetTimeOffset returns the median peer clock offset.
func (p *Pool) NetTimeOffset() time.Duration {
	return p.clock.current()
}

// NetTime returns local time adjusted by the network offset.
func (p *Pool) NetTime() time.Time {
	return p.cfg.Now().Add(p.clock.current())
}
