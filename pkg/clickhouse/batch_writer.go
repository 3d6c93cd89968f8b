package clickhouse

import (
	"context"
	"sync"
	"time"

	"switchyard/pkg/logger"
)

// FlushFunc performs the actual INSERT for one batch.
type FlushFunc[T any] func(ctx context.Context, batch []T) error

// BatchWriter buffers rows in memory and hands them to a FlushFunc in
// batches, either when the buffer fills up or when MaxAge elapses.
//
// A failed flush puts the batch back at the head of the buffer so the next
// flush retries it. Rows beyond MaxBuffered are dropped oldest-first.
type BatchWriter[T any] struct {
	flushFunc FlushFunc[T]
	log       *logger.Logger

	maxBatchSize int
	maxBuffered  int
	maxAge       time.Duration
	table        string

	mu        sync.Mutex
	buffer    []T
	dropped   uint64
	lastFlush time.Time
	running   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup

	// flushMu serializes flushes so a retried batch keeps its position.
	flushMu sync.Mutex
}

// BatchWriterConfig configures a BatchWriter.
type BatchWriterConfig[T any] struct {
	FlushFunc    FlushFunc[T]
	Table        string
	MaxBatchSize int           // Default: 500
	MaxBuffered  int           // Default: 20 * MaxBatchSize
	MaxAge       time.Duration // Default: 5s
}

// NewBatchWriter creates a batch writer. Call Start to enable the
// periodic flush loop.
func NewBatchWriter[T any](cfg BatchWriterConfig[T]) *BatchWriter[T] {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 500
	}
	if cfg.MaxBuffered < cfg.MaxBatchSize {
		cfg.MaxBuffered = 20 * cfg.MaxBatchSize
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 5 * time.Second
	}

	return &BatchWriter[T]{
		flushFunc:    cfg.FlushFunc,
		maxBatchSize: cfg.MaxBatchSize,
		maxBuffered:  cfg.MaxBuffered,
		maxAge:       cfg.MaxAge,
		table:        cfg.Table,
		buffer:       make([]T, 0, cfg.MaxBatchSize),
		lastFlush:    time.Now(),
		stopCh:       make(chan struct{}),
		log:          logger.Get().With("component", "batch_writer", "table", cfg.Table),
	}
}

// Start launches the background flush loop.
func (w *BatchWriter[T]) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop(ctx)

	w.log.Infow("Batch writer started", "max_batch", w.maxBatchSize, "max_age", w.maxAge)
}

// Add buffers a row and flushes synchronously once the batch is full.
func (w *BatchWriter[T]) Add(ctx context.Context, row T) error {
	w.mu.Lock()
	w.buffer = append(w.buffer, row)
	w.trimLocked()
	full := len(w.buffer) >= w.maxBatchSize
	w.mu.Unlock()

	if full {
		return w.Flush(ctx)
	}
	return nil
}

// Flush writes up to one batch of buffered rows.
func (w *BatchWriter[T]) Flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return nil
	}
	n := min(len(w.buffer), w.maxBatchSize)
	batch := make([]T, n)
	copy(batch, w.buffer[:n])
	w.buffer = append(w.buffer[:0], w.buffer[n:]...)
	w.mu.Unlock()

	start := time.Now()
	err := w.flushFunc(ctx, batch)
	took := time.Since(start)

	if err != nil {
		w.mu.Lock()
		w.buffer = append(batch, w.buffer...)
		w.trimLocked()
		w.mu.Unlock()

		w.log.Warnw("Flush failed, batch kept for retry",
			"rows", len(batch),
			"took", took,
			"error", err,
		)
		return err
	}

	w.mu.Lock()
	w.lastFlush = time.Now()
	w.mu.Unlock()

	w.log.Debugw("Flushed batch", "rows", len(batch), "took", took)
	return nil
}

// drain flushes until the buffer is empty or a flush fails.
func (w *BatchWriter[T]) drain(ctx context.Context) error {
	for w.BufferSize() > 0 {
		if err := w.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (w *BatchWriter[T]) trimLocked() {
	if over := len(w.buffer) - w.maxBuffered; over > 0 {
		w.buffer = append(w.buffer[:0], w.buffer[over:]...)
		w.dropped += uint64(over)
	}
}

func (w *BatchWriter[T]) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.maxAge)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := w.drain(context.Background()); err != nil {
				w.log.Errorf("Final flush failed: %v", err)
			}
			return
		case <-w.stopCh:
			if err := w.drain(context.Background()); err != nil {
				w.log.Errorf("Final flush failed: %v", err)
			}
			return
		case <-ticker.C:
			if err := w.drain(ctx); err != nil {
				w.log.Debugf("Periodic flush deferred: %v", err)
			}
		}
	}
}

// Stop flushes what is left and waits for the loop to exit.
func (w *BatchWriter[T]) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.drain(ctx)
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.log.Info("Batch writer stopped")
		return nil
	case <-ctx.Done():
		w.log.Warn("Batch writer stop timed out")
		return ctx.Err()
	}
}

// BufferSize returns the number of rows waiting to be flushed.
func (w *BatchWriter[T]) BufferSize() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

// BatchWriterStats is a point-in-time snapshot.
type BatchWriterStats struct {
	Buffered     int
	Dropped      uint64
	LastFlushAge time.Duration
	Running      bool
}

func (w *BatchWriter[T]) Stats() BatchWriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	return BatchWriterStats{
		Buffered:     len(w.buffer),
		Dropped:      w.dropped,
		LastFlushAge: time.Since(w.lastFlush),
		Running:      w.running,
	}
}
