package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultFlushInterval = 500 * time.Millisecond
	defaultMaxBatch      = 100
	defaultQueueDepth    = 1024
	writeMaxAttempts     = 5
	writeBackoffBase     = 250 * time.Millisecond
)

// ErrWriterClosed is returned by Enqueue after shutdown has begun.
var ErrWriterClosed = errors.New("result writer closed")

// Writer batches result entries and flushes them to the store on a timer or
// when the batch fills. Retriable store failures are retried with backoff;
// batches that still cannot land are spilled to a JSON-lines dead-letter file
// and replayed after the next successful flush.
type Writer struct {
	store     *Store
	spillPath string
	logger    *zap.Logger

	flushInterval time.Duration
	maxBatch      int

	mu     sync.Mutex
	in     chan Entry
	closed bool

	spillMu sync.Mutex

	wg sync.WaitGroup
}

// NewWriter creates a writer. spillPath may be empty, in which case unwritable
// batches are dropped with an error log.
func NewWriter(st *Store, spillPath string, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		store:         st,
		spillPath:     spillPath,
		logger:        logger.Named("writer"),
		flushInterval: defaultFlushInterval,
		maxBatch:      defaultMaxBatch,
		in:            make(chan Entry, defaultQueueDepth),
	}
}

// Enqueue hands an entry to the writer. Blocks while the internal queue is
// full; returns ErrWriterClosed after Stop.
func (w *Writer) Enqueue(e Entry) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWriterClosed
	}
	w.mu.Unlock()
	w.in <- e
	return nil
}

// Start runs the flush loop until ctx is cancelled, then drains what remains
// within deadline. Call once.
func (w *Writer) Start(ctx context.Context, shutdownDeadline time.Duration) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx, shutdownDeadline)
	}()
}

// Wait blocks until the flush loop has exited.
func (w *Writer) Wait() { w.wg.Wait() }

func (w *Writer) run(ctx context.Context, shutdownDeadline time.Duration) {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, w.maxBatch)
	for {
		select {
		case <-ctx.Done():
			w.drain(batch, shutdownDeadline)
			return
		case e := <-w.in:
			batch = append(batch, e)
			if len(batch) >= w.maxBatch {
				w.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

// drain performs the final bounded flush at shutdown. Entries that cannot be
// written in time are spilled rather than lost.
func (w *Writer) drain(batch []Entry, deadline time.Duration) {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	for {
		select {
		case e := <-w.in:
			batch = append(batch, e)
		default:
			goto collected
		}
	}
collected:
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()
	w.flush(ctx, batch)
}

// flush writes one batch, retrying retriable failures with exponential
// backoff. A batch that exhausts its attempts, or fails permanently, goes to
// the spill file.
func (w *Writer) flush(ctx context.Context, batch []Entry) {
	var err error
	for attempt := 1; attempt <= writeMaxAttempts; attempt++ {
		err = w.store.AppendBatch(batch)
		if err == nil {
			w.replaySpill(ctx)
			return
		}
		if !IsRetriable(err) {
			break
		}
		w.logger.Warn("batch write failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("entries", len(batch)),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			w.spill(batch)
			return
		case <-time.After(writeBackoffBase << (attempt - 1)):
		}
	}
	w.logger.Error("batch write failed, spilling",
		zap.Int("entries", len(batch)),
		zap.Error(err),
	)
	w.spill(batch)
}

// spill appends entries to the dead-letter file, one JSON object per line.
func (w *Writer) spill(batch []Entry) {
	if w.spillPath == "" {
		w.logger.Error("no spill path configured, dropping batch", zap.Int("entries", len(batch)))
		return
	}
	w.spillMu.Lock()
	defer w.spillMu.Unlock()

	f, err := os.OpenFile(w.spillPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		w.logger.Error("open spill file", zap.String("path", w.spillPath), zap.Error(err))
		return
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	enc := json.NewEncoder(bw)
	for _, e := range batch {
		if err := enc.Encode(e); err != nil {
			w.logger.Error("encode spill entry", zap.Error(err))
		}
	}
	if err := bw.Flush(); err != nil {
		w.logger.Error("flush spill file", zap.Error(err))
	}
}

// replaySpill re-applies spilled entries after the store has recovered. The
// file is truncated only when every entry lands; idempotent inserts make a
// partial replay safe to repeat.
func (w *Writer) replaySpill(ctx context.Context) {
	if w.spillPath == "" {
		return
	}
	w.spillMu.Lock()
	defer w.spillMu.Unlock()

	f, err := os.Open(w.spillPath)
	if err != nil {
		return
	}

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			w.logger.Warn("skipping malformed spill line", zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	scanErr := scanner.Err()
	_ = f.Close()
	if scanErr != nil {
		w.logger.Error("read spill file", zap.Error(scanErr))
		return
	}
	if len(entries) == 0 {
		_ = os.Remove(w.spillPath)
		return
	}

	for start := 0; start < len(entries); start += w.maxBatch {
		end := start + w.maxBatch
		if end > len(entries) {
			end = len(entries)
		}
		if err := w.store.AppendBatch(entries[start:end]); err != nil {
			w.logger.Warn("spill replay interrupted", zap.Int("replayed", start), zap.Error(err))
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
	if err := os.Remove(w.spillPath); err != nil && !os.IsNotExist(err) {
		w.logger.Warn("remove spill file", zap.Error(err))
	}
	w.logger.Info("spill replay complete", zap.Int("entries", len(entries)))
}
