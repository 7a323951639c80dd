package addrpool

import (
	"sync"
	"time"

	"dnseed/p2p/wire"
	"dnseed/storage"
)

// Score bounds shared by every entry.
const (
	MaxScore = 100
	MinScore = -200
)

const (
	defaultGoodScore          = 10
	defaultHeightTolerance    = 20
	defaultInitialInterval    = 5 * time.Second
	defaultStartInterval      = 60 * time.Second
	defaultMaxInterval        = 7200 * time.Second
	trustedProbeInterval      = time.Second
	stressProbeInterval       = time.Second
	marginalIntervalIncrement = 10 * time.Second
	healthyIntervalIncrement  = 120 * time.Second
)

// Persister receives fire-and-forget persistence events.
type Persister interface {
	PostEvent(storage.Event)
}

// Config tunes scoring and probe scheduling.
type Config struct {
	GoodScore       int
	HeightTolerance int

	InitialProbeInterval time.Duration
	StartProbeInterval   time.Duration
	MaxProbeInterval     time.Duration

	Persister Persister
	Now       func() time.Time
}

// Entry is a snapshot of one known address.
type Entry struct {
	Endpoint       wire.Endpoint
	Services       uint64
	Score          int
	Confident      bool
	StartingHeight int32

	LastProbe     time.Time
	ProbeInterval time.Duration
	ProbeCount    uint64
}

func (e *Entry) record() storage.Record {
	return storage.Record{
		Address:  e.Endpoint.Host(),
		Port:     e.Endpoint.Port(),
		Services: e.Services,
		Score:    e.Score,
	}
}

// Pool is the concurrent registry of known peer endpoints.
type Pool struct {
	cfg Config

	mu      sync.RWMutex
	entries map[string]*Entry
	order   []*Entry
	index   map[*Entry]int
	cursor  int

	confMu     sync.RWMutex
	confHeight int32

	clock *netClock
}

// New returns an empty pool.
func New(cfg Config) *Pool {
	if cfg.GoodScore == 0 {
		cfg.GoodScore = defaultGoodScore
	}
	if cfg.HeightTolerance <= 0 {
		cfg.HeightTolerance = defaultHeightTolerance
	}
	if cfg.InitialProbeInterval <= 0 {
		cfg.InitialProbeInterval = defaultInitialInterval
	}
	if cfg.StartProbeInterval <= 0 {
		cfg.StartProbeInterval = defaultStartInterval
	}
	if cfg.MaxProbeInterval <= 0 {
		cfg.MaxProbeInterval = defaultMaxInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pool{
		cfg:     cfg,
		entries: make(map[string]*Entry),
		index:   make(map[*Entry]int),
		clock:   newNetClock(),
	}
}

// GoodScore returns the configured "good address" threshold.
func (p *Pool) GoodScore() int { return p.cfg.GoodScore }

// Len returns the number of known entries.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Get returns a snapshot of the entry for ep.
func (p *Pool) Get(ep wire.Endpoint) (Entry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry := p.entries[ep.String()]
	if entry == nil {
		return Entry{}, false
	}
	return *entry, true
}

// Snapshot copies every entry.
func (p *Pool) Snapshot() []Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Entry, 0, len(p.order))
	for _, entry := range p.order {
		out = append(out, *entry)
	}
	return out
}

// AddTrusted creates or flags ep as a confidence address pinned at MaxScore.
// Trusted entries are never written back to persistence.
func (p *Pool) AddTrusted(ep wire.Endpoint) bool {
	if !ep.IsValid() {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	entry := p.entries[ep.String()]
	if entry == nil {
		entry = p.insertLocked(ep, wire.NodeNetwork, MaxScore)
	}
	entry.Confident = true
	entry.Score = MaxScore
	entry.ProbeInterval = trustedProbeInterval
	return true
}

// AddFromPersistence hydrates an entry at startup. Existing entries win.
func (p *Pool) AddFromPersistence(ep wire.Endpoint, services uint64, score int) bool {
	if !ep.IsValid() {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[ep.String()]; ok {
		return false
	}
	p.insertLocked(ep, services, clampScore(score))
	return true
}

// AddObserved records an endpoint announced by a peer. A new entry starts at
// score zero; an existing entry only has its services refreshed.
func (p *Pool) AddObserved(ep wire.Endpoint, services uint64) bool {
	if !ep.IsValid() {
		return false
	}
	var event storage.Event
	p.mu.Lock()
	entry := p.entries[ep.String()]
	switch {
	case entry == nil:
		entry = p.insertLocked(ep, services, 0)
		event = storage.Event{Kind: storage.EventInsert, Record: entry.record()}
	case entry.Services != services:
		entry.Services = services
		if !entry.Confident {
			event = storage.Event{Kind: storage.EventUpdate, Record: entry.record()}
		}
	}
	p.mu.Unlock()
	p.post(event)
	return true
}

// Delete removes ep. Confidence entries cannot be deleted.
func (p *Pool) Delete(ep wire.Endpoint) bool {
	p.mu.Lock()
	entry := p.entries[ep.String()]
	if entry == nil || entry.Confident {
		p.mu.Unlock()
		return false
	}
	p.removeLocked(entry)
	event := storage.Event{Kind: storage.EventDelete, Record: entry.record()}
	p.mu.Unlock()
	p.post(event)
	return true
}

// AdjustScore applies delta, clamped to [MinScore, MaxScore], and returns the
// resulting score.
func (p *Pool) AdjustScore(ep wire.Endpoint, delta int) (int, bool) {
	p.mu.Lock()
	entry := p.entries[ep.String()]
	if entry == nil {
		p.mu.Unlock()
		return 0, false
	}
	if entry.Confident {
		entry.Score = MaxScore
		p.mu.Unlock()
		return MaxScore, true
	}
	old := entry.Score
	entry.Score = clampScore(entry.Score + delta)
	score := entry.Score
	var event storage.Event
	if score != old {
		event = storage.Event{Kind: storage.EventUpdate, Record: entry.record()}
	}
	p.mu.Unlock()
	p.post(event)
	return score, true
}

func (p *Pool) insertLocked(ep wire.Endpoint, services uint64, score int) *Entry {
	entry := &Entry{
		Endpoint:      ep,
		Services:      services,
		Score:         score,
		ProbeInterval: p.cfg.InitialProbeInterval,
	}
	p.entries[ep.String()] = entry
	p.index[entry] = len(p.order)
	p.order = append(p.order, entry)
	return entry
}

// removeLocked swaps the last entry into the hole so the probe cursor keeps
// walking a dense slice.
func (p *Pool) removeLocked(entry *Entry) {
	pos, ok := p.index[entry]
	if !ok {
		return
	}
	last := len(p.order) - 1
	if pos != last {
		moved := p.order[last]
		p.order[pos] = moved
		p.index[moved] = pos
	}
	p.order[last] = nil
	p.order = p.order[:last]
	delete(p.index, entry)
	delete(p.entries, entry.Endpoint.String())
	if p.cursor > len(p.order) {
		p.cursor = 0
	}
}

func (p *Pool) post(event storage.Event) {
	if event.Kind == 0 || p.cfg.Persister == nil {
		return
	}
	p.cfg.Persister.PostEvent(event)
}

func clampScore(score int) int {
	if score > MaxScore {
		return MaxScore
	}
	if score < MinScore {
		return MinScore
	}
	return score
}
