package p2p

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"dnseed/observability/logging"
	"dnseed/p2p/addrpool"
)

const (
	defaultTimeoutInterval = time.Second
	defaultConnectInterval = 100 * time.Millisecond
	maxLoggedUserAgent     = 64
)

// DispatchConfig tunes the per-shard workers.
type DispatchConfig struct {
	// ProbesPerSecond is the target outbound dial rate across all shards.
	ProbesPerSecond int
	// StressTest probes every address every second.
	StressTest bool

	TimeoutInterval time.Duration
	ConnectInterval time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

// Dispatcher runs one worker per transport shard. Each worker owns the peer
// state machines of its shard, so peers are never shared between goroutines.
type Dispatcher struct {
	transport Transport
	pool      *addrpool.Pool
	peerCfg   *PeerConfig
	cfg       DispatchConfig
	stats     *RunStats
	logger    *slog.Logger
	workers   []*worker
}

// NewDispatcher wires the workers to the transport's shard queues.
func NewDispatcher(t Transport, peerCfg PeerConfig, cfg DispatchConfig, stats *RunStats) *Dispatcher {
	if cfg.TimeoutInterval <= 0 {
		cfg.TimeoutInterval = defaultTimeoutInterval
	}
	if cfg.ConnectInterval <= 0 {
		cfg.ConnectInterval = defaultConnectInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if stats == nil {
		stats = &RunStats{}
	}
	d := &Dispatcher{
		transport: t,
		pool:      peerCfg.Pool,
		peerCfg:   &peerCfg,
		cfg:       cfg,
		stats:     stats,
		logger:    cfg.Logger.With(slog.String("component", "p2p_dispatch")),
	}
	shards := t.Shards()
	rates := shardRates(cfg.ProbesPerSecond, shards)
	d.workers = make([]*worker, shards)
	for i := range d.workers {
		d.workers[i] = &worker{
			shard:  i,
			d:      d,
			events: t.Events(i),
			peers:  make(map[NetID]*Peer),
			rate:   rates[i],
			logger: d.logger.With(slog.Int("shard", i)),
		}
	}
	return d
}

// shardRates splits the probe rate evenly, at least one per shard, with the
// remainder going to the last shard.
func shardRates(total, shards int) []int {
	rates := make([]int, shards)
	if shards == 0 {
		return rates
	}
	per := total / shards
	if per < 1 {
		per = 1
	}
	for i := range rates {
		rates[i] = per
	}
	if rem := total - per*shards; rem > 0 {
		rates[shards-1] += rem
	}
	return rates
}

// Stats returns the shared run counters.
func (d *Dispatcher) Stats() *RunStats { return d.stats }

// Run drives every worker until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range d.workers {
		w := w
		g.Go(func() error { return w.run(ctx) })
	}
	return g.Wait()
}

type worker struct {
	shard  int
	d      *Dispatcher
	events <-chan Event
	peers  map[NetID]*Peer
	logger *slog.Logger

	rate        int
	windowStart time.Time
	dialed      int
}

func (w *worker) run(ctx context.Context) error {
	timeouts := time.NewTicker(w.d.cfg.TimeoutInterval)
	defer timeouts.Stop()
	connects := time.NewTicker(w.d.cfg.ConnectInterval)
	defer connects.Stop()
	for {
		select {
		case <-ctx.Done():
			w.closeAll()
			return nil
		case ev := <-w.events:
			w.handle(ev, w.d.cfg.Now())
		case <-timeouts.C:
			w.checkTimeouts(w.d.cfg.Now())
		case <-connects.C:
			w.scheduleProbes(w.d.cfg.Now())
		}
	}
}

func (w *worker) handle(ev Event, now time.Time) {
	defer w.d.transport.Ack(ev.Conn())
	switch e := ev.(type) {
	case SetupEvent:
		w.onSetup(e, now)
	case CompleteEvent:
		w.onComplete(e, now)
	case DataEvent:
		peer := w.peers[e.ID]
		if peer == nil {
			return
		}
		if err := peer.Receive(e.Data, now); err != nil {
			w.drop(peer, "receive", err)
		}
	case CloseEvent:
		if peer := w.peers[e.ID]; peer != nil {
			w.drop(peer, e.Cause.String(), e.Err)
		}
	default:
		w.logger.Error("Unhandled shard event", slog.String("netid", ev.Conn().String()))
	}
}

func (w *worker) onSetup(e SetupEvent, now time.Time) {
	if _, dup := w.peers[e.ID]; dup {
		return
	}
	if e.Outbound {
		w.peers[e.ID] = newOutboundPeer(e.ID, e.Remote, w.d.peerCfg, w.d.transport, now)
		return
	}
	w.peers[e.ID] = newInboundPeer(e.ID, e.Remote, e.Local, w.d.peerCfg, w.d.transport, now)
	w.d.stats.sessionStarted(false)
}

func (w *worker) onComplete(e CompleteEvent, now time.Time) {
	peer := w.peers[e.ID]
	if peer == nil {
		return
	}
	if e.Err != nil {
		w.drop(peer, "connect", e.Err)
		return
	}
	w.d.stats.sessionStarted(true)
	if err := peer.Connected(e.Local, now); err != nil {
		w.drop(peer, "connected", err)
	}
}

func (w *worker) checkTimeouts(now time.Time) {
	for _, peer := range w.peers {
		if peer.Expired(now) {
			w.drop(peer, "timeout", nil)
		}
	}
}

// scheduleProbes dials as many pool entries as the shard's rate allows for
// the time elapsed in the current window. A short batch means the pool has
// nothing else due, so the window restarts.
func (w *worker) scheduleProbes(now time.Time) {
	pool := w.d.pool
	if pool == nil || w.rate <= 0 {
		return
	}
	if w.windowStart.IsZero() {
		w.windowStart = now
	}
	elapsed := now.Sub(w.windowStart).Milliseconds()
	due := int(int64(w.rate)*elapsed/1000) - w.dialed
	if due <= 0 {
		return
	}
	batch := pool.NextProbeBatch(due, w.d.cfg.StressTest)
	for _, entry := range batch {
		if _, err := w.d.transport.Dial(entry.Endpoint); err != nil {
			w.logger.Debug("Probe dial not started",
				logging.MaskField("peer_address", entry.Endpoint.String()),
				slog.Any("error", err))
		}
	}
	w.dialed += len(batch)
	if len(batch) < due {
		w.windowStart = now
		w.dialed = 0
	}
}

// drop forgets the peer, closes its connection and settles statistics and
// probe scoring.
func (w *worker) drop(peer *Peer, reason string, err error) {
	delete(w.peers, peer.id)
	if rerr := w.d.transport.Remove(peer.id); rerr != nil && !errors.Is(rerr, ErrUnknownConnection) {
		w.logger.Debug("Remove failed", slog.String("netid", peer.id.String()), slog.Any("error", rerr))
	}

	state := peer.State()
	pool := w.d.pool
	switch {
	case state == StateOutConnecting:
		w.d.stats.connectFailed()
		if pool != nil {
			pool.AdjustScore(peer.remote, -1)
		}
	default:
		complete := state.Complete()
		w.d.stats.sessionEnded(state.Outbound(), complete)
		if state.Outbound() && !complete && pool != nil {
			pool.AdjustScore(peer.remote, -1)
		}
	}

	attrs := []any{
		slog.String("netid", peer.id.String()),
		slog.String("state", state.String()),
		slog.String("reason", reason),
		logging.MaskField("peer_address", peer.remote.String()),
	}
	if ua := peer.SubVersion(); ua != "" {
		attrs = append(attrs, slog.String("user_agent", logging.SanitizeValue(ua, maxLoggedUserAgent)))
	}
	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
	}
	if IsProtocolViolation(err) {
		metrics().recordViolation(state)
		w.logger.Info("Peer closed for protocol violation", attrs...)
		return
	}
	w.logger.Debug("Peer closed", attrs...)
}

func (w *worker) closeAll() {
	for _, peer := range w.peers {
		w.drop(peer, "shutdown", nil)
	}
}
