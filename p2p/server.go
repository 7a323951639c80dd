package p2p

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/netutil"

	"dnseed/observability/logging"
	"dnseed/p2p/wire"
)

const (
	defaultQueueSize      = 4096
	defaultSendQueueSize  = 64
	defaultWaterMark      = 20
	defaultReadBufferSize = 1450
	defaultPostTimeout    = 4 * time.Second
	defaultSweepInterval  = 4 * time.Second
	defaultReapDelay      = 5 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	defaultMaxInbound     = 1024
)

// ServerConfig tunes the sharded TCP transport. Zero values select defaults.
type ServerConfig struct {
	// ListenIPv4 and ListenIPv6 are bind addresses. Empty disables the family.
	ListenIPv4 string
	ListenIPv6 string

	Shards     int
	MaxInbound int

	// InboundPerIPRate limits accepted connections per remote address per
	// second. Zero disables the limit.
	InboundPerIPRate  float64
	InboundPerIPBurst int

	QueueSize      int
	SendQueueSize  int
	HighWater      int
	LowWater       int
	ReadBufferSize int

	PostTimeout   time.Duration
	SweepInterval time.Duration
	ReapDelay     time.Duration
	WriteTimeout  time.Duration

	Logger *slog.Logger
}

func (c *ServerConfig) applyDefaults() {
	if c.Shards <= 0 {
		c.Shards = 1
	}
	if c.Shards > maxShards {
		c.Shards = maxShards
	}
	if c.MaxInbound <= 0 {
		c.MaxInbound = defaultMaxInbound
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = defaultSendQueueSize
	}
	if c.HighWater <= 0 {
		c.HighWater = defaultWaterMark
	}
	if c.LowWater <= 0 || c.LowWater > c.HighWater {
		c.LowWater = c.HighWater
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = defaultReadBufferSize
	}
	if c.PostTimeout <= 0 {
		c.PostTimeout = defaultPostTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.ReapDelay <= 0 {
		c.ReapDelay = defaultReapDelay
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Server is the sharded TCP transport. It accepts inbound connections, dials
// outbound probes and delivers connection events to per-shard queues.
type Server struct {
	cfg     ServerConfig
	shards  []*shard
	dialer  net.Dialer
	limiter *ipLimiter
	logger  *slog.Logger

	rr atomic.Uint64

	mu        sync.Mutex
	listeners []net.Listener
	started   bool

	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewServer builds the shards. Nothing listens until Start.
func NewServer(cfg ServerConfig) *Server {
	cfg.applyDefaults()
	s := &Server{
		cfg:     cfg,
		limiter: newIPLimiter(cfg.InboundPerIPRate, cfg.InboundPerIPBurst),
		logger:  cfg.Logger.With(slog.String("component", "p2p_transport")),
		quit:    make(chan struct{}),
	}
	s.shards = make([]*shard, cfg.Shards)
	for i := range s.shards {
		s.shards[i] = newShard(i, &s.cfg, s.quit, s.logger)
	}
	return s
}

// Start binds the configured listeners and begins accepting. A bind failure
// closes anything already bound and is returned.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("p2p: server already started")
	}
	select {
	case <-s.quit:
		return ErrServerClosed
	default:
	}

	binds := []struct{ network, addr string }{
		{"tcp4", s.cfg.ListenIPv4},
		{"tcp6", s.cfg.ListenIPv6},
	}
	for _, bind := range binds {
		addr := strings.TrimSpace(bind.addr)
		if addr == "" {
			continue
		}
		// tcp6 on an unspecified address binds with IPV6_V6ONLY set.
		ln, err := net.Listen(bind.network, addr)
		if err != nil {
			for _, open := range s.listeners {
				open.Close()
			}
			s.listeners = nil
			return fmt.Errorf("listen %s %s: %w", bind.network, addr, err)
		}
		ln = netutil.LimitListener(ln, s.cfg.MaxInbound)
		s.listeners = append(s.listeners, ln)
		s.logger.Info("P2P transport listening",
			slog.String("listen_address", ln.Addr().String()),
			slog.Int("shards", len(s.shards)),
			slog.Int("max_inbound", s.cfg.MaxInbound))
	}
	s.started = true

	for _, ln := range s.listeners {
		s.wg.Add(1)
		go s.acceptLoop(ln)
	}
	for _, sh := range s.shards {
		s.wg.Add(1)
		go func(sh *shard) {
			defer s.wg.Done()
			sh.sweepLoop()
		}(sh)
	}
	return nil
}

// Addrs returns the bound listener addresses.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]net.Addr, 0, len(s.listeners))
	for _, ln := range s.listeners {
		out = append(out, ln.Addr())
	}
	return out
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-s.quit:
				return
			default:
			}
			s.logger.Warn("Accept failed", slog.Any("error", err))
			time.Sleep(5 * time.Millisecond)
			continue
		}
		go s.handleInbound(nc)
	}
}

func (s *Server) handleInbound(nc net.Conn) {
	remote, err := wire.EndpointFromNetAddr(nc.RemoteAddr())
	if err != nil {
		s.logger.Warn("Inbound connection rejected",
			logging.MaskField("peer_address", nc.RemoteAddr().String()),
			slog.Any("error", err))
		nc.Close()
		return
	}
	if !s.limiter.allow(remote.Addr(), time.Now()) {
		metrics().recordInboundThrottled()
		s.logger.Debug("Inbound connection throttled",
			logging.MaskField("peer_address", remote.String()))
		nc.Close()
		return
	}
	local, _ := wire.EndpointFromNetAddr(nc.LocalAddr())

	sh := s.shards[int(s.rr.Add(1)-1)%len(s.shards)]
	c := newConn(sh.nextID(false), sh, remote, false)
	c.nc = nc
	sh.register(c)
	if err := c.post(SetupEvent{ID: c.id, Remote: remote, Local: local}); err != nil {
		c.shutdown(CauseOverload, err)
		sh.logger.Warn("Inbound connection dropped",
			logging.MaskField("peer_address", remote.String()),
			slog.Any("error", err))
		return
	}
	c.start()
}

// Dial starts an outbound connection on the least loaded shard. The owning
// shard sees a SetupEvent right away, then a CompleteEvent with the result.
func (s *Server) Dial(remote wire.Endpoint) (NetID, error) {
	if !remote.IsValid() {
		return 0, fmt.Errorf("dial %s: invalid endpoint", remote)
	}
	select {
	case <-s.quit:
		return 0, ErrServerClosed
	default:
	}
	sh := s.leastLoaded()
	c := newConn(sh.nextID(true), sh, remote, true)
	sh.register(c)
	c.pending.Add(1)
	if err := sh.tryPost(SetupEvent{ID: c.id, Remote: remote, Outbound: true}); err != nil {
		c.pending.Add(-1)
		sh.unregister(c)
		return 0, err
	}
	c.running.Add(1)
	go c.dial(&s.dialer)
	return c.id, nil
}

func (s *Server) leastLoaded() *shard {
	best := s.shards[0]
	bestLoad := best.load.Load()
	for _, sh := range s.shards[1:] {
		if load := sh.load.Load(); load < bestLoad {
			best, bestLoad = sh, load
		}
	}
	return best
}

func (s *Server) lookup(id NetID) *conn {
	idx := id.Shard()
	if idx >= len(s.shards) {
		return nil
	}
	return s.shards[idx].lookup(id)
}

// Send queues frame on the connection. A full send queue closes it.
func (s *Server) Send(id NetID, frame []byte) error {
	c := s.lookup(id)
	if c == nil {
		return ErrUnknownConnection
	}
	return c.enqueue(frame)
}

// Remove closes the socket, or cancels the dial, right away. The owning shard
// still receives a CloseEvent and the connection is reaped by the sweep.
func (s *Server) Remove(id NetID) error {
	c := s.lookup(id)
	if c == nil {
		return ErrUnknownConnection
	}
	c.shutdown(CauseLocalClosed, nil)
	return nil
}

// Ack marks one event for id as consumed.
func (s *Server) Ack(id NetID) {
	if c := s.lookup(id); c != nil {
		c.ack()
	}
}

// Shards returns the shard count.
func (s *Server) Shards() int { return len(s.shards) }

// Events returns the receive queue of shard i.
func (s *Server) Events(i int) <-chan Event { return s.shards[i].events }

// Connections returns the number of live connections per shard.
func (s *Server) Connections() []int64 {
	out := make([]int64, len(s.shards))
	for i, sh := range s.shards {
		out[i] = sh.load.Load()
	}
	return out
}

// Close stops listeners, closes every connection and waits for the accept
// and sweep goroutines.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
		s.mu.Lock()
		for _, ln := range s.listeners {
			ln.Close()
		}
		s.mu.Unlock()
		for _, sh := range s.shards {
			sh.closeAll()
		}
	})
	s.wg.Wait()
	return nil
}
