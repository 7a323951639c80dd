package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu      sync.Mutex
	batches [][]Event
	fail    bool
}

func (m *memoryStore) FetchAll(context.Context) ([]Record, error) { return nil, nil }
func (m *memoryStore) Purge(context.Context) error                { return nil }
func (m *memoryStore) Close() error                               { return nil }

func (m *memoryStore) Apply(ctx context.Context, events []Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.fail {
		return errors.New("disk full")
	}
	m.batches = append(m.batches, append([]Event(nil), events...))
	return nil
}

func (m *memoryStore) applied() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func TestAdaptBatch(t *testing.T) {
	require.Equal(t, 1, adaptBatch(30, 0, 10))
	require.Equal(t, 1, adaptBatch(30, 19, 10))
	require.Equal(t, 30, adaptBatch(30, 20, 10), "middle depths keep the previous size")
	require.Equal(t, 30, adaptBatch(30, 99, 10))
	require.Equal(t, 10, adaptBatch(1, 100, 10))
	require.Equal(t, 250, adaptBatch(1, 2500, 10))
}

func TestWriterCommitsAndFlushesOnShutdown(t *testing.T) {
	store := &memoryStore{}
	w := NewWriter(store, WriterConfig{FlushInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	w.PostEvent(Event{Kind: EventInsert, Record: Record{Address: "1.1.1.1", Port: 1}})
	w.PostEvent(Event{Kind: EventUpdate, Record: Record{Address: "1.1.1.1", Port: 1, Score: 3}})
	require.Eventually(t, func() bool { return store.applied() == 2 }, 2*time.Second, 5*time.Millisecond)

	w.PostEvent(Event{Kind: EventDelete, Record: Record{Address: "1.1.1.1", Port: 1}})
	cancel()
	require.NoError(t, <-done)
	require.Equal(t, 3, store.applied())

	stats := w.Stats()
	require.Equal(t, uint64(1), stats.Inserts)
	require.Equal(t, uint64(1), stats.Updates)
	require.Equal(t, uint64(1), stats.Deletes)
}

func TestWriterDropsWhenQueueFull(t *testing.T) {
	w := NewWriter(&memoryStore{}, WriterConfig{QueueSize: 2})
	for i := 0; i < 5; i++ {
		w.PostEvent(Event{Kind: EventInsert, Record: Record{Address: "1.1.1.1", Port: uint16(i)}})
	}
	stats := w.Stats()
	require.Equal(t, 2, stats.Queued)
	require.Equal(t, uint64(3), stats.Dropped)
}

func TestWriterDropsFailedBatch(t *testing.T) {
	store := &memoryStore{fail: true}
	w := NewWriter(store, WriterConfig{})
	w.PostEvent(Event{Kind: EventInsert, Record: Record{Address: "1.1.1.1", Port: 1}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, w.Run(ctx))
	require.Equal(t, uint64(1), w.Stats().Failures)
	require.Zero(t, store.applied())
}

func TestWriterCommitsQueuedEventsAfterCancel(t *testing.T) {
	for round := 0; round < 20; round++ {
		store := &memoryStore{}
		w := NewWriter(store, WriterConfig{FlushInterval: time.Millisecond})
		for i := 0; i < 50; i++ {
			w.PostEvent(Event{Kind: EventInsert, Record: Record{Address: "2.2.2.2", Port: uint16(i + 1)}})
		}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.NoError(t, w.Run(ctx))
		require.Equal(t, 50, store.applied(), "round %d", round)
		require.Zero(t, w.Stats().Failures)
	}
}

func TestWriterFlushesIntoLevelStoreOnShutdown(t *testing.T) {
	store, err := OpenLevel(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	w := NewWriter(store, WriterConfig{FlushInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	for i := 0; i < 50; i++ {
		w.PostEvent(Event{Kind: EventInsert, Record: Record{Address: fmt.Sprintf("3.3.3.%d", i+1), Port: 8806}})
	}
	cancel()
	require.NoError(t, <-done)

	records, err := store.FetchAll(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 50)
	require.Equal(t, uint64(50), w.Stats().Inserts)
}
