package p2p

import (
	"context"
	"fmt"
	"testing"
	"time"

	"dnseed/p2p/addrpool"
	"dnseed/p2p/wire"
)

func TestProbeAgainstRunningSeeder(t *testing.T) {
	pool := addrpool.New(addrpool.Config{})
	for i := 1; i <= 5; i++ {
		pool.AddFromPersistence(mustEndpoint(t, fmt.Sprintf("11.0.0.%d:8806", i)), wire.NodeNetwork, 50)
	}
	pool.AddFromPersistence(mustEndpoint(t, "11.0.0.99:8806"), wire.NodeNetwork, 0)

	srv := startTestServer(t, ServerConfig{Shards: 2})
	stats := &RunStats{}
	d := NewDispatcher(srv, *testPeerConfig(pool), DispatchConfig{
		ProbesPerSecond: 1,
		ConnectInterval: time.Hour,
	}, stats)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	result, err := Probe(context.Background(), serverEndpoint(t, srv), ProbeConfig{
		Magic:   testMagic,
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if result.Version != wire.ProtocolVersion || result.SubVersion != SubVersion {
		t.Fatalf("unexpected remote hello %+v", result)
	}
	if len(result.Addresses) != 5 {
		t.Fatalf("expected the 5 good addresses, got %d", len(result.Addresses))
	}
	for _, entry := range result.Addresses {
		if entry.Endpoint.String() == "11.0.0.99:8806" {
			t.Fatalf("low scoring address was served")
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for stats.Snapshot().InWorkSuccess != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("inbound session never completed: %+v", stats.Snapshot())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestProbeRejectsGenesisMismatch(t *testing.T) {
	srv := startTestServer(t, ServerConfig{Shards: 1})
	cfg := *testPeerConfig(nil)
	cfg.GenesisHash = [32]byte{1}
	d := NewDispatcher(srv, cfg, DispatchConfig{ConnectInterval: time.Hour}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	_, err := Probe(context.Background(), serverEndpoint(t, srv), ProbeConfig{
		Magic:       testMagic,
		GenesisHash: [32]byte{2},
		Timeout:     5 * time.Second,
	})
	if err == nil {
		t.Fatalf("probe succeeded against a different chain")
	}
}

func TestProbeDialFailure(t *testing.T) {
	_, err := Probe(context.Background(), mustEndpoint(t, "127.0.0.1:1"), ProbeConfig{Magic: testMagic, Timeout: time.Second})
	if err == nil {
		t.Fatalf("expected dial failure")
	}
}
