package addrpool

import (
	"dnseed/p2p/wire"
	"dnseed/storage"
)

const (
	exactHeightReward    = 10
	distantHeightPenalty = -10
)

// heightScoreDelta maps the distance between a peer's height and the
// confidence height to a score change. The reward falls linearly from +10 at
// zero distance to 0 at the tolerance edge; past ten tolerances it is -10.
func heightScoreDelta(diff, tolerance int) int {
	if diff < 0 {
		diff = -diff
	}
	switch {
	case diff == 0:
		return exactHeightReward
	case diff <= tolerance:
		return exactHeightReward - diff*exactHeightReward/tolerance
	case diff >= tolerance*10:
		return distantHeightPenalty
	default:
		steps := (diff - tolerance) / 10
		return -(steps * 10 / tolerance)
	}
}

// ReportHeight records the starting height a peer advertised during its
// handshake. Ordinary entries are scored against the confidence height;
// confidence entries refresh the confidence height instead.
func (p *Pool) ReportHeight(ep wire.Endpoint, height int32) bool {
	p.mu.Lock()
	entry := p.entries[ep.String()]
	if entry == nil {
		p.mu.Unlock()
		return false
	}
	entry.StartingHeight = height

	if entry.Confident {
		entry.Score = MaxScore
		var total int64
		var count int64
		for _, candidate := range p.order {
			if candidate.Confident && candidate.StartingHeight > 0 {
				total += int64(candidate.StartingHeight)
				count++
			}
		}
		p.mu.Unlock()
		if count > 0 {
			p.SetConfidenceHeight(int32(total / count))
		}
		return true
	}

	old := entry.Score
	delta := heightScoreDelta(int(height)-int(p.ConfidenceHeight()), p.cfg.HeightTolerance)
	entry.Score = clampScore(entry.Score + delta)
	var event storage.Event
	if entry.Score != old {
		event = storage.Event{Kind: storage.EventUpdate, Record: entry.record()}
	}
	p.mu.Unlock()
	p.post(event)
	return true
}

// ConfidenceHeight returns the mean starting height of confidence entries.
func (p *Pool) ConfidenceHeight() int32 {
	p.confMu.RLock()
	defer p.confMu.RUnlock()
	return p.confHeight
}

// SetConfidenceHeight overrides the confidence height estimate.
func (p *Pool) SetConfidenceHeight(height int32) {
	p.confMu.Lock()
	p.confHeight = height
	p.confMu.Unlock()
}
