package storage

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

const (
	defaultWriterQueue   = 1 << 16
	defaultBatchDivisor  = 10
	defaultFlushInterval = 100 * time.Millisecond
	batchAdaptInterval   = time.Second
	minAdaptiveBatch     = 10
)

// WriterConfig tunes the asynchronous event writer.
type WriterConfig struct {
	QueueSize int
	// BatchDivisor derives the commit batch size from the queue depth.
	BatchDivisor  int
	FlushInterval time.Duration

	ShowStats    bool
	StatInterval time.Duration

	Logger *slog.Logger
}

// WriterStats counts processed and dropped events.
type WriterStats struct {
	Queued   int    `json:"queued"`
	Inserts  uint64 `json:"inserts"`
	Updates  uint64 `json:"updates"`
	Deletes  uint64 `json:"deletes"`
	Dropped  uint64 `json:"dropped"`
	Failures uint64 `json:"failures"`
}

// Writer drains pool events into an AddressStore from a single goroutine.
// PostEvent never blocks; a full queue drops the event.
type Writer struct {
	store  AddressStore
	cfg    WriterConfig
	events chan Event
	logger *slog.Logger

	inserts  atomic.Uint64
	updates  atomic.Uint64
	deletes  atomic.Uint64
	dropped  atomic.Uint64
	failures atomic.Uint64
}

// NewWriter returns a writer for store. Call Run to start committing.
func NewWriter(store AddressStore, cfg WriterConfig) *Writer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultWriterQueue
	}
	if cfg.BatchDivisor <= 0 {
		cfg.BatchDivisor = defaultBatchDivisor
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.StatInterval <= 0 {
		cfg.StatInterval = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Writer{
		store:  store,
		cfg:    cfg,
		events: make(chan Event, cfg.QueueSize),
		logger: cfg.Logger.With(slog.String("component", "storage_writer")),
	}
}

// PostEvent queues ev without blocking.
func (w *Writer) PostEvent(ev Event) {
	select {
	case w.events <- ev:
	default:
		w.dropped.Add(1)
		metrics().recordEvent(ev.Kind, "dropped")
	}
}

// Stats returns the current counters.
func (w *Writer) Stats() WriterStats {
	return WriterStats{
		Queued:   len(w.events),
		Inserts:  w.inserts.Load(),
		Updates:  w.updates.Load(),
		Deletes:  w.deletes.Load(),
		Dropped:  w.dropped.Load(),
		Failures: w.failures.Load(),
	}
}

// adaptBatch sizes the next commit from the queue depth. Deep queues commit
// in large batches, a near-empty queue commits every event, and depths in
// between keep the previous size.
func adaptBatch(current, queued, divisor int) int {
	n := queued / divisor
	switch {
	case n >= minAdaptiveBatch:
		return n
	case n <= 1:
		return 1
	default:
		return current
	}
}

// Run commits events until ctx is done, then flushes what is queued.
func (w *Writer) Run(ctx context.Context) error {
	flush := time.NewTicker(w.cfg.FlushInterval)
	defer flush.Stop()
	adapt := time.NewTicker(batchAdaptInterval)
	defer adapt.Stop()
	var statC <-chan time.Time
	if w.cfg.ShowStats {
		stat := time.NewTicker(w.cfg.StatInterval)
		defer stat.Stop()
		statC = stat.C
	}

	// Commits must survive cancellation of ctx, which only ends the loop.
	commitCtx := context.WithoutCancel(ctx)
	batchSize := 1
	pending := make([]Event, 0, 64)
	prev := w.Stats()
	for {
		if ctx.Err() != nil {
			w.commit(commitCtx, w.drain(pending))
			return nil
		}
		select {
		case <-ctx.Done():
			w.commit(commitCtx, w.drain(pending))
			return nil
		case ev := <-w.events:
			pending = append(pending, ev)
			if len(pending) >= batchSize {
				w.commit(commitCtx, pending)
				pending = pending[:0]
			}
		case <-flush.C:
			if len(pending) > 0 {
				w.commit(commitCtx, pending)
				pending = pending[:0]
			}
		case <-adapt.C:
			batchSize = adaptBatch(batchSize, len(w.events), w.cfg.BatchDivisor)
		case <-statC:
			cur := w.Stats()
			secs := w.cfg.StatInterval.Seconds()
			w.logger.Info("Storage statistics",
				slog.Int("queued", cur.Queued),
				slog.Uint64("inserts", cur.Inserts),
				slog.Float64("inserts_per_sec", float64(cur.Inserts-prev.Inserts)/secs),
				slog.Uint64("updates", cur.Updates),
				slog.Float64("updates_per_sec", float64(cur.Updates-prev.Updates)/secs),
				slog.Uint64("deletes", cur.Deletes),
				slog.Float64("deletes_per_sec", float64(cur.Deletes-prev.Deletes)/secs),
				slog.Uint64("dropped", cur.Dropped),
				slog.Uint64("failures", cur.Failures))
			prev = cur
		}
	}
}

// drain appends every event still queued to pending.
func (w *Writer) drain(pending []Event) []Event {
	for {
		select {
		case ev := <-w.events:
			pending = append(pending, ev)
		default:
			return pending
		}
	}
}

// commit applies one batch. A failed batch is logged and dropped.
func (w *Writer) commit(ctx context.Context, batch []Event) {
	if len(batch) == 0 {
		return
	}
	if err := w.store.Apply(ctx, batch); err != nil {
		w.failures.Add(uint64(len(batch)))
		for _, ev := range batch {
			metrics().recordEvent(ev.Kind, "failed")
		}
		w.logger.Error("Dropping storage batch",
			slog.Int("events", len(batch)),
			slog.Any("error", err))
		return
	}
	for _, ev := range batch {
		switch ev.Kind {
		case EventInsert:
			w.inserts.Add(1)
		case EventUpdate:
			w.updates.Add(1)
		case EventDelete:
			w.deletes.Add(1)
		}
		metrics().recordEvent(ev.Kind, "committed")
	}
}
