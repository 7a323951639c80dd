package p2p

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// shard owns a disjoint set of connections and the receive queue its worker
// drains. Every operation on a NetID is routed here through the shard index
// embedded in the ID.
type shard struct {
	index  int
	cfg    *ServerConfig
	events chan Event
	quit   <-chan struct{}
	logger *slog.Logger

	seq  atomic.Uint64
	load atomic.Int64

	mu    sync.Mutex
	conns map[NetID]*conn
}

func newShard(index int, cfg *ServerConfig, quit <-chan struct{}, logger *slog.Logger) *shard {
	return &shard{
		index:  index,
		cfg:    cfg,
		events: make(chan Event, cfg.QueueSize),
		quit:   quit,
		logger: logger.With(slog.Int("shard", index)),
		conns:  make(map[NetID]*conn),
	}
}

func (s *shard) nextID(outbound bool) NetID {
	return newNetID(s.index, outbound, s.seq.Add(1))
}

func (s *shard) register(c *conn) {
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	s.load.Add(1)
}

// unregister drops a connection that never started any goroutine.
func (s *shard) unregister(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	s.load.Add(-1)
	c.cancel()
}

// release is called once per connection when it closes.
func (s *shard) release(*conn) {
	s.load.Add(-1)
}

func (s *shard) lookup(id NetID) *conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[id]
}

// post enqueues ev, waiting up to PostTimeout for room.
func (s *shard) post(ev Event) error {
	select {
	case s.events <- ev:
		return nil
	default:
	}
	timer := time.NewTimer(s.cfg.PostTimeout)
	defer timer.Stop()
	select {
	case s.events <- ev:
		return nil
	case <-timer.C:
		metrics().recordQueueOverflow()
		return ErrQueueFull
	case <-s.quit:
		return ErrServerClosed
	}
}

// tryPost enqueues ev only if there is room right now.
func (s *shard) tryPost(ev Event) error {
	select {
	case s.events <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// sweep reaps connections that have been closed and quiescent for ReapDelay.
func (s *shard) sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	reaped := 0
	for id, c := range s.conns {
		if c.reapable(now, s.cfg.ReapDelay) {
			delete(s.conns, id)
			reaped++
		}
	}
	return reaped
}

func (s *shard) sweepLoop() {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			if n := s.sweep(now); n > 0 {
				s.logger.Debug("Reaped closed connections", slog.Int("count", n))
			}
		case <-s.quit:
			return
		}
	}
}

func (s *shard) closeAll() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.shutdown(CauseLocalClosed, ErrServerClosed)
	}
}

func (s *shard) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *shard) log() *slog.Logger { return s.logger }
