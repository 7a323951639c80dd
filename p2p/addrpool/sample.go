package addrpool

import (
	"math/rand/v2"

	"dnseed/p2p/wire"
)

const oversampleFactor = 10

// SampleGoodAddresses returns up to maxCount distinct addresses scoring at
// least threshold. When more candidates qualify than requested, entries are
// drawn uniformly at random; a linear scan fills any shortfall left by the
// bounded number of random draws.
func (p *Pool) SampleGoodAddresses(maxCount, threshold int) []wire.AddressEntry {
	if maxCount <= 0 {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	candidates := make([]*Entry, 0, len(p.order))
	for _, entry := range p.order {
		if entry.Score >= threshold {
			candidates = append(candidates, entry)
		}
	}
	if len(candidates) <= maxCount {
		out := make([]wire.AddressEntry, 0, len(candidates))
		for _, entry := range candidates {
			out = append(out, addressOf(entry))
		}
		return out
	}

	out := make([]wire.AddressEntry, 0, maxCount)
	for i := 0; i < len(candidates)*oversampleFactor && len(out) < maxCount; i++ {
		pos := rand.IntN(len(candidates))
		if candidates[pos] == nil {
			continue
		}
		out = append(out, addressOf(candidates[pos]))
		candidates[pos] = nil
	}
	for _, entry := range candidates {
		if len(out) >= maxCount {
			break
		}
		if entry != nil {
			out = append(out, addressOf(entry))
		}
	}
	return out
}

func addressOf(entry *Entry) wire.AddressEntry {
	return wire.AddressEntry{Services: entry.Services, Endpoint: entry.Endpoint}
}
