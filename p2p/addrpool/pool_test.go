package addrpool

import (
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"dnseed/p2p/wire"
	"dnseed/storage"
)

type recordingPersister struct {
	mu     sync.Mutex
	events []storage.Event
}

func (r *recordingPersister) PostEvent(ev storage.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingPersister) kinds() []storage.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]storage.EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func endpoint(t testing.TB, raw string) wire.Endpoint {
	t.Helper()
	ep, err := wire.ParseEndpoint(raw)
	require.NoError(t, err)
	return ep
}

func TestAddObservedPersistsOnStateChange(t *testing.T) {
	persister := &recordingPersister{}
	pool := New(Config{Persister: persister})
	ep := endpoint(t, "8.8.8.8:8806")

	require.True(t, pool.AddObserved(ep, wire.NodeNetwork))
	require.True(t, pool.AddObserved(ep, wire.NodeNetwork))
	require.True(t, pool.AddObserved(ep, wire.NodeNetwork|wire.NodeDelegated))

	entry, ok := pool.Get(ep)
	require.True(t, ok)
	require.Equal(t, 0, entry.Score)
	require.Equal(t, wire.NodeNetwork|wire.NodeDelegated, entry.Services)
	require.Equal(t, []storage.EventKind{storage.EventInsert, storage.EventUpdate}, persister.kinds())
	require.Equal(t, "8.8.8.8", persister.events[0].Record.Address)
	require.Equal(t, uint16(8806), persister.events[0].Record.Port)
}

func TestAddFromPersistenceDoesNotWriteBack(t *testing.T) {
	persister := &recordingPersister{}
	pool := New(Config{Persister: persister})
	ep := endpoint(t, "1.1.1.1:8806")

	require.True(t, pool.AddFromPersistence(ep, wire.NodeNetwork, 500))
	require.False(t, pool.AddFromPersistence(ep, wire.NodeNetwork, 3))
	entry, _ := pool.Get(ep)
	require.Equal(t, MaxScore, entry.Score)
	require.Empty(t, persister.kinds())
}

func TestAddTrustedPinsScoreAndSkipsPersistence(t *testing.T) {
	persister := &recordingPersister{}
	pool := New(Config{Persister: persister})
	ep := endpoint(t, "9.9.9.9:8806")

	require.True(t, pool.AddObserved(ep, wire.NodeNetwork))
	require.True(t, pool.AddTrusted(ep))
	require.True(t, pool.AddTrusted(ep))

	score, ok := pool.AdjustScore(ep, -50)
	require.True(t, ok)
	require.Equal(t, MaxScore, score)
	require.False(t, pool.Delete(ep), "confidence entries are not deletable")
	require.Equal(t, []storage.EventKind{storage.EventInsert}, persister.kinds())
	require.Equal(t, 1, pool.Len())
}

func TestUnknownEndpointMutationsFail(t *testing.T) {
	pool := New(Config{})
	ep := endpoint(t, "4.4.4.4:1")
	_, ok := pool.AdjustScore(ep, 1)
	require.False(t, ok)
	require.False(t, pool.Delete(ep))
	require.False(t, pool.ReportHeight(ep, 10))
}

func TestDeletePostsEvent(t *testing.T) {
	persister := &recordingPersister{}
	pool := New(Config{Persister: persister})
	a := endpoint(t, "5.5.5.5:1")
	b := endpoint(t, "6.6.6.6:1")
	pool.AddObserved(a, wire.NodeNetwork)
	pool.AddObserved(b, wire.NodeNetwork)

	require.True(t, pool.Delete(a))
	_, ok := pool.Get(a)
	require.False(t, ok)
	_, ok = pool.Get(b)
	require.True(t, ok)
	require.Equal(t, storage.EventDelete, persister.kinds()[2])
	require.Len(t, pool.Snapshot(), 1)
}

func TestAdjustScoreStaysInRange(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		pool := New(Config{})
		ep := wire.NewEndpoint(netip.MustParseAddr("8.8.4.4"), 8806)
		pool.AddObserved(ep, wire.NodeNetwork)
		deltas := rapid.SliceOfN(rapid.IntRange(-1_000_000, 1_000_000), 1, 50).Draw(rt, "deltas")
		for _, delta := range deltas {
			score, ok := pool.AdjustScore(ep, delta)
			if !ok {
				rt.Fatalf("adjust failed")
			}
			if score < MinScore || score > MaxScore {
				rt.Fatalf("score %d escaped [%d,%d]", score, MinScore, MaxScore)
			}
		}
	})
}

func TestHeightScoreDelta(t *testing.T) {
	cases := []struct {
		diff int
		want int
	}{
		{0, 10},
		{1, 10},
		{2, 9},
		{10, 5},
		{20, 0},
		{-20, 0},
		{21, 0},
		{100, -4},
		{199, -8},
		{200, -10},
		{900, -10},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, heightScoreDelta(tc.diff, 20), "diff %d", tc.diff)
	}
}

func TestConfidenceHeightScenario(t *testing.T) {
	persister := &recordingPersister{}
	pool := New(Config{Persister: persister})
	trusted := []string{"1.0.0.1:8806", "1.0.0.2:8806", "1.0.0.3:8806"}
	heights := []int32{100, 102, 98}
	for i, raw := range trusted {
		ep := endpoint(t, raw)
		require.True(t, pool.AddTrusted(ep))
		require.True(t, pool.ReportHeight(ep, heights[i]))
	}
	require.Equal(t, int32(100), pool.ConfidenceHeight())

	near := endpoint(t, "2.0.0.1:8806")
	far := endpoint(t, "2.0.0.2:8806")
	pool.AddObserved(near, wire.NodeNetwork)
	pool.AddObserved(far, wire.NodeNetwork)

	require.True(t, pool.ReportHeight(near, 100))
	require.True(t, pool.ReportHeight(far, 1000))
	nearEntry, _ := pool.Get(near)
	farEntry, _ := pool.Get(far)
	require.Equal(t, 10, nearEntry.Score)
	require.Equal(t, -10, farEntry.Score)
	require.Equal(t, int32(1000), farEntry.StartingHeight)

	kinds := persister.kinds()
	require.Equal(t, storage.EventUpdate, kinds[len(kinds)-1])
	require.Equal(t, storage.EventUpdate, kinds[len(kinds)-2])
}

func TestConfidenceHeightIgnoresUnreportedTrusted(t *testing.T) {
	pool := New(Config{})
	a := endpoint(t, "1.0.0.1:8806")
	b := endpoint(t, "1.0.0.2:8806")
	pool.AddTrusted(a)
	pool.AddTrusted(b)
	pool.ReportHeight(a, 50)
	require.Equal(t, int32(50), pool.ConfidenceHeight())
	entry, _ := pool.Get(a)
	require.Equal(t, MaxScore, entry.Score)
}

func TestNetTimeOffsetMedian(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	pool := New(Config{Now: func() time.Time { return base }})
	offsets := []time.Duration{3 * time.Second, -time.Second, 10 * time.Second, 2 * time.Second, time.Second}
	for i, off := range offsets {
		addr := netip.MustParseAddr(fmt.Sprintf("3.3.3.%d", i+1))
		require.True(t, pool.ReportTimeOffset(addr, off))
	}
	require.False(t, pool.ReportTimeOffset(netip.MustParseAddr("3.3.3.1"), time.Hour))
	require.Equal(t, 2*time.Second, pool.NetTimeOffset())
	require.Equal(t, base.Add(2*time.Second), pool.NetTime())
}
