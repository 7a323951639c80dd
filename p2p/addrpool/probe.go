package addrpool

// NextProbeBatch walks the pool round-robin from where the previous call
// stopped and returns up to count entries whose probe interval has elapsed.
// Each selected entry has its last probe time stamped and, outside stress
// mode, its interval grown toward the configured maximum.
func (p *Pool) NextProbeBatch(count int, stress bool) []Entry {
	if count <= 0 {
		return nil
	}
	now := p.cfg.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	total := len(p.order)
	if total == 0 {
		p.cursor = 0
		return nil
	}
	if p.cursor >= total {
		p.cursor = 0
	}

	out := make([]Entry, 0, count)
	for checked := 0; checked < total && len(out) < count; checked++ {
		entry := p.order[p.cursor]
		p.cursor = (p.cursor + 1) % total
		if !entry.LastProbe.IsZero() && now.Sub(entry.LastProbe) < entry.ProbeInterval {
			continue
		}
		entry.LastProbe = now
		entry.ProbeCount++
		if stress {
			entry.ProbeInterval = stressProbeInterval
		} else {
			p.growIntervalLocked(entry)
		}
		out = append(out, *entry)
	}
	return out
}

func (p *Pool) growIntervalLocked(entry *Entry) {
	if entry.ProbeInterval >= p.cfg.MaxProbeInterval {
		return
	}
	switch {
	case entry.Score >= p.cfg.GoodScore:
		entry.ProbeInterval += healthyIntervalIncrement
	case entry.ProbeInterval < p.cfg.StartProbeInterval:
		entry.ProbeInterval = p.cfg.StartProbeInterval
	default:
		entry.ProbeInterval += marginalIntervalIncrement
	}
	if entry.ProbeInterval > p.cfg.MaxProbeInterval {
		entry.ProbeInterval = p.cfg.MaxProbeInterval
	}
}
