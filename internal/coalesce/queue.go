// Package coalesce batches rapid record edits into single storage writes.
//
// Patches are keyed by record id. Each Put restarts an idle timer; when the
// timer fires, or on an explicit Flush, every pending patch is handed to the
// flush function in one call.
package coalesce

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FlushFunc persists one batch of pending patches.
type FlushFunc[K comparable, V any] func(ctx context.Context, batch map[K]V) error

// MergeFunc folds a newer patch into an older pending one.
type MergeFunc[V any] func(older, newer V) V

// Queue is a write-coalescing queue. It is safe for concurrent use.
type Queue[K comparable, V any] struct {
	delay  time.Duration
	flush  FlushFunc[K, V]
	merge  MergeFunc[V]
	logger *zap.Logger
	hook   func(size int, err error)

	mu      sync.Mutex
	pending map[K]V
	// inflight is the batch being written; it stays readable until the
	// flush function returns.
	inflight map[K]V
	waiters  []chan error
	timer    *time.Timer
	closed   bool

	// flushMu keeps batches in the order they were taken.
	flushMu sync.Mutex
}

// Option configures a Queue.
type Option[K comparable, V any] func(*Queue[K, V])

// WithMerge sets how a new patch combines with a pending one for the same
// key. Without it the newer patch replaces the older.
func WithMerge[K comparable, V any](m MergeFunc[V]) Option[K, V] {
	return func(q *Queue[K, V]) { q.merge = m }
}

// WithLogger sets the logger used for failed timer-driven flushes.
func WithLogger[K comparable, V any](l *zap.Logger) Option[K, V] {
	return func(q *Queue[K, V]) { q.logger = l }
}

// WithFlushHook registers fn to observe every non-empty flush.
func WithFlushHook[K comparable, V any](fn func(size int, err error)) Option[K, V] {
	return func(q *Queue[K, V]) { q.hook = fn }
}

// New creates a Queue that flushes after delay of inactivity.
func New[K comparable, V any](delay time.Duration, flush FlushFunc[K, V], opts ...Option[K, V]) *Queue[K, V] {
	q := &Queue[K, V]{
		delay:   delay,
		flush:   flush,
		logger:  zap.NewNop(),
		pending: make(map[K]V),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Put records a patch for key and restarts the idle timer. Puts after
// Close are dropped.
func (q *Queue[K, V]) Put(key K, v V) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.logger.Debug("coalesce: put after close dropped")
		return
	}

	if old, ok := q.pending[key]; ok {
		v = q.combine(old, v)
	}
	q.pending[key] = v

	if q.timer == nil {
		q.timer = time.AfterFunc(q.delay, q.onTimer)
	} else {
		q.timer.Reset(q.delay)
	}
}

// Get returns the unsaved patch for key, if any. A patch that is being
// written counts as unsaved until the write returns.
func (q *Queue[K, V]) Get(key K) (V, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	old, inflight := q.inflight[key]
	v, ok := q.pending[key]
	switch {
	case ok && inflight:
		return q.combine(old, v), true
	case ok:
		return v, true
	default:
		return old, inflight
	}
}

// Snapshot returns a copy of every unsaved patch, including the batch
// currently being written.
func (q *Queue[K, V]) Snapshot() map[K]V {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[K]V, len(q.inflight)+len(q.pending))
	for k, v := range q.inflight {
		out[k] = v
	}
	for k, v := range q.pending {
		if old, ok := out[k]; ok {
			v = q.combine(old, v)
		}
		out[k] = v
	}
	return out
}

func (q *Queue[K, V]) combine(older, newer V) V {
	if q.merge == nil {
		return newer
	}
	return q.merge(older, newer)
}

// Pending returns the number of keys waiting to be written.
func (q *Queue[K, V]) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Wait returns a channel that receives the result of the flush that writes
// the currently pending patches. With nothing pending it yields nil at once.
func (q *Queue[K, V]) Wait() <-chan error {
	ch := make(chan error, 1)
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		ch <- nil
		return ch
	}
	q.waiters = append(q.waiters, ch)
	return ch
}

// Flush writes every pending patch now.
func (q *Queue[K, V]) Flush(ctx context.Context) error {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	q.mu.Lock()
	if q.timer != nil {
		q.timer.Stop()
	}
	batch := q.pending
	waiters := q.waiters
	q.pending = make(map[K]V)
	q.waiters = nil
	if len(batch) > 0 {
		q.inflight = batch
	}
	q.mu.Unlock()

	if len(batch) == 0 {
		for _, w := range waiters {
			w <- nil
		}
		return nil
	}

	err := q.flush(ctx, batch)
	q.mu.Lock()
	q.inflight = nil
	q.mu.Unlock()
	if q.hook != nil {
		q.hook(len(batch), err)
	}
	for _, w := range waiters {
		w <- err
	}
	return err
}

// Close flushes pending patches and stops accepting new ones.
func (q *Queue[K, V]) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return q.Flush(ctx)
}

func (q *Queue[K, V]) onTimer() {
	if err := q.Flush(context.Background()); err != nil {
		q.logger.Warn("coalesce: deferred flush failed", zap.Error(err))
	}
}
