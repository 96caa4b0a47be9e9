package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Closer flushes and stops a handler that buffers records.
type Closer interface {
	Close()
}

type nopCloser struct{}

func (nopCloser) Close() {}

// AsyncHandler decouples log emission from I/O: records go through a
// buffered channel drained by a small worker pool. Under sustained
// pressure records are dropped rather than blocking the caller; the
// drop count is observable.
type AsyncHandler struct {
	inner   slog.Handler
	ch      chan slog.Record
	wg      *sync.WaitGroup
	dropped *atomic.Int64
}

// NewAsyncHandler wraps inner with a buffer of chanSize records drained
// by the given number of workers.
func NewAsyncHandler(inner slog.Handler, chanSize, workers int) *AsyncHandler {
	h := &AsyncHandler{
		inner:   inner,
		ch:      make(chan slog.Record, chanSize),
		wg:      &sync.WaitGroup{},
		dropped: &atomic.Int64{},
	}
	for range workers {
		h.wg.Add(1)
		go h.worker()
	}
	return h
}

func (h *AsyncHandler) worker() {
	defer h.wg.Done()
	for rec := range h.ch {
		_ = h.inner.Handle(context.Background(), rec)
	}
}

// Enabled delegates to the inner handler.
func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues the record, dropping it when the buffer is full.
func (h *AsyncHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	select {
	case h.ch <- rec:
	default:
		h.dropped.Add(1)
	}
	return nil
}

// WithAttrs wraps a new inner handler sharing the same channel and workers.
func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{
		inner:   h.inner.WithAttrs(attrs),
		ch:      h.ch,
		wg:      h.wg,
		dropped: h.dropped,
	}
}

// WithGroup wraps a new inner handler sharing the same channel and workers.
func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{
		inner:   h.inner.WithGroup(name),
		ch:      h.ch,
		wg:      h.wg,
		dropped: h.dropped,
	}
}

// DroppedCount returns the number of records dropped so far.
func (h *AsyncHandler) DroppedCount() int64 {
	return h.dropped.Load()
}

// Close stops intake and waits for the workers to flush the buffer.
func (h *AsyncHandler) Close() {
	close(h.ch)
	h.wg.Wait()
}
