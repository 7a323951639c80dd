package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"dnseed/p2p"
	"dnseed/p2p/wire"
)

type probeFunc func(ctx context.Context, remote wire.Endpoint, cfg p2p.ProbeConfig) (*p2p.ProbeResult, error)

// stressReport summarises a batch of concurrent sessions against one node.
type stressReport struct {
	Sessions  int            `json:"sessions"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Addresses int            `json:"addresses"`
	Elapsed   time.Duration  `json:"elapsed_ns"`
	P50       time.Duration  `json:"p50_ns"`
	P99       time.Duration  `json:"p99_ns"`
	Errors    map[string]int `json:"errors,omitempty"`
}

// stress runs count full handshake and address exchanges against remote,
// at most concurrency at a time. Individual failures are counted, not
// returned.
func stress(ctx context.Context, probe probeFunc, remote wire.Endpoint, cfg p2p.ProbeConfig, count, concurrency int) stressReport {
	if concurrency < 1 {
		concurrency = 1
	}
	var (
		mu        sync.Mutex
		latencies = make([]time.Duration, 0, count)
		report    = stressReport{Sessions: count, Errors: make(map[string]int)}
	)
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := 0; i < count; i++ {
		g.Go(func() error {
			began := time.Now()
			result, err := probe(gctx, remote, cfg)
			took := time.Since(began)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				report.Errors[err.Error()]++
				return nil
			}
			report.Succeeded++
			report.Addresses += len(result.Addresses)
			latencies = append(latencies, took)
			return nil
		})
	}
	_ = g.Wait()
	report.Elapsed = time.Since(start)

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	report.P50 = percentile(latencies, 50)
	report.P99 = percentile(latencies, 99)
	if len(report.Errors) == 0 {
		report.Errors = nil
	}
	return report
}

func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := (len(sorted)*p+99)/100 - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

func (r stressReport) print(w io.Writer) {
	rate := 0.0
	if secs := r.Elapsed.Seconds(); secs > 0 {
		rate = float64(r.Sessions) / secs
	}
	fmt.Fprintf(w, "sessions:        %d (%.1f/s)\n", r.Sessions, rate)
	fmt.Fprintf(w, "succeeded:       %d\n", r.Succeeded)
	fmt.Fprintf(w, "failed:          %d\n", r.Failed)
	fmt.Fprintf(w, "addresses:       %d\n", r.Addresses)
	fmt.Fprintf(w, "latency p50/p99: %s / %s\n", r.P50, r.P99)
	keys := make([]string, 0, len(r.Errors))
	for k := range r.Errors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %5d  %s\n", r.Errors[k], k)
	}
}
