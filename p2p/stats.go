package p2p

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"dnseed/p2p/addrpool"
)

// RunStats counts sessions across all shards.
type RunStats struct {
	inbound  atomic.Int64
	outbound atomic.Int64

	totalIn        atomic.Uint64
	totalOut       atomic.Uint64
	inSuccess      atomic.Uint64
	inFail         atomic.Uint64
	outSuccess     atomic.Uint64
	outFail        atomic.Uint64
	outConnectFail atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of RunStats.
type StatsSnapshot struct {
	TCPSessions    int64  `json:"tcp_sessions"`
	Inbound        int64  `json:"inbound"`
	Outbound       int64  `json:"outbound"`
	TotalIn        uint64 `json:"total_in"`
	TotalOut       uint64 `json:"total_out"`
	InWorkSuccess  uint64 `json:"in_work_success"`
	InWorkFail     uint64 `json:"in_work_fail"`
	OutWorkSuccess uint64 `json:"out_work_success"`
	OutWorkFail    uint64 `json:"out_work_fail"`
	OutConnectFail uint64 `json:"out_connect_fail"`
}

// Snapshot copies the counters.
func (s *RunStats) Snapshot() StatsSnapshot {
	in, out := s.inbound.Load(), s.outbound.Load()
	return StatsSnapshot{
		TCPSessions:    in + out,
		Inbound:        in,
		Outbound:       out,
		TotalIn:        s.totalIn.Load(),
		TotalOut:       s.totalOut.Load(),
		InWorkSuccess:  s.inSuccess.Load(),
		InWorkFail:     s.inFail.Load(),
		OutWorkSuccess: s.outSuccess.Load(),
		OutWorkFail:    s.outFail.Load(),
		OutConnectFail: s.outConnectFail.Load(),
	}
}

func (s *RunStats) sessionStarted(outbound bool) {
	if outbound {
		s.outbound.Add(1)
		s.totalOut.Add(1)
		return
	}
	s.inbound.Add(1)
	s.totalIn.Add(1)
}

func (s *RunStats) sessionEnded(outbound, success bool) {
	metrics().recordWork(direction(outbound), success)
	switch {
	case outbound && success:
		s.outbound.Add(-1)
		s.outSuccess.Add(1)
	case outbound:
		s.outbound.Add(-1)
		s.outFail.Add(1)
	case success:
		s.inbound.Add(-1)
		s.inSuccess.Add(1)
	default:
		s.inbound.Add(-1)
		s.inFail.Add(1)
	}
}

func (s *RunStats) connectFailed() {
	s.totalOut.Add(1)
	s.outConnectFail.Add(1)
	metrics().recordConnectFailure()
}

// Report logs the counters and per-second rates every interval until ctx is
// done. Prometheus gauges are refreshed on the same tick.
func (s *RunStats) Report(ctx context.Context, logger *slog.Logger, pool *addrpool.Pool, interval time.Duration, verbose bool) {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	prev := s.Snapshot()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			cur := s.Snapshot()
			secs := now.Sub(last).Seconds()
			if secs <= 0 {
				secs = 1
			}
			metrics().observeSessions(cur.Inbound, cur.Outbound)
			if pool != nil {
				metrics().observePool(pool.Len(), pool.ConfidenceHeight())
			}
			if verbose {
				attrs := []any{
					slog.Int64("tcp_sessions", cur.TCPSessions),
					slog.Int64("inbound", cur.Inbound),
					slog.Int64("outbound", cur.Outbound),
					slog.Float64("in_per_sec", perSecond(cur.TotalIn-prev.TotalIn, secs)),
					slog.Float64("out_per_sec", perSecond(cur.TotalOut-prev.TotalOut, secs)),
					slog.Uint64("in_work_success", cur.InWorkSuccess),
					slog.Uint64("in_work_fail", cur.InWorkFail),
					slog.Uint64("out_work_success", cur.OutWorkSuccess),
					slog.Uint64("out_work_fail", cur.OutWorkFail),
					slog.Uint64("out_connect_fail", cur.OutConnectFail),
				}
				if pool != nil {
					attrs = append(attrs,
						slog.Int("pool_size", pool.Len()),
						slog.Any("confidence_height", pool.ConfidenceHeight()),
						slog.Duration("net_time_offset", pool.NetTimeOffset()))
				}
				logger.Info("Run statistics", attrs...)
			}
			prev, last = cur, now
		}
	}
}

func perSecond(delta uint64, secs float64) float64 {
	return float64(delta) / secs
}

func direction(outbound bool) string {
	if outbound {
		return "outbound"
	}
	return "inbound"
}
