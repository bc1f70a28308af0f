package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Acquire once the limiter has been closed; every
// waiter blocked in Acquire at close time also wakes with this error.
var ErrClosed = errors.New("limiter: closed")

// ErrExceedsCapacity is returned immediately (no blocking) when a single
// acquisition asks for more bytes than the limiter will ever grant.
var ErrExceedsCapacity = errors.New("limiter: request exceeds total capacity")

// Limiter is a FIFO, byte-granularity counting semaphore. It does not
// support partial acquisition: a request for n bytes either succeeds in
// full or it waits (or fails) — it never grants fewer bytes than asked.
type Limiter struct {
	sem      *semaphore.Weighted
	cancel   context.CancelFunc
	ctx      context.Context
	capacity int64
	inUse    int64 // atomic, for observability only
}

// New creates a Limiter with the given byte capacity. A capacity of 0
// means unlimited (used for disabling a limit in tests or configuration).
func New(capacity int64) *Limiter {
	ctx, cancel := context.WithCancel(context.Background())
	cap := capacity
	if cap <= 0 {
		cap = int64(^uint64(0) >> 1) // effectively unbounded
	}
	return &Limiter{
		sem:      semaphore.NewWeighted(cap),
		ctx:      ctx,
		cancel:   cancel,
		capacity: cap,
	}
}

// Acquire blocks (in FIFO order with other waiters) until n bytes of
// capacity are available, the limiter is closed, or ctx is canceled.
func (l *Limiter) Acquire(ctx context.Context, n int64) error {
	if l.ctx.Err() != nil {
		return ErrClosed
	}
	if n > l.capacity {
		return fmt.Errorf("%w: requested %d, capacity %d", ErrExceedsCapacity, n, l.capacity)
	}
	if n <= 0 {
		return nil
	}

	waitCtx, cancelWait := mergeContexts(ctx, l.ctx)
	defer cancelWait()

	if err := l.sem.Acquire(waitCtx, n); err != nil {
		if l.ctx.Err() != nil {
			return ErrClosed
		}
		return ctx.Err()
	}
	atomic.AddInt64(&l.inUse, n)
	return nil
}

// Release returns n bytes of capacity to the limiter, waking the oldest
// waiter(s) that now fit.
func (l *Limiter) Release(n int64) {
	if n <= 0 {
		return
	}
	atomic.AddInt64(&l.inUse, -n)
	l.sem.Release(n)
}

// InUse reports the number of bytes currently acquired and not yet
// released, for heartbeat reporting (active_memory / disk_bytes).
func (l *Limiter) InUse() int64 {
	return atomic.LoadInt64(&l.inUse)
}

// Capacity reports the byte capacity. A limiter built with a capacity of
// 0 or less reports math.MaxInt64, never 0.
func (l *Limiter) Capacity() int64 {
	return l.capacity
}

// Close cancels every pending and future Acquire call with ErrClosed. It
// does not release in-use bytes; callers are expected to call Release for
// whatever they already acquired as part of their own teardown.
func (l *Limiter) Close() {
	l.cancel()
}

// mergeContexts returns a context that is canceled when either input is
// canceled, along with a cancel func the caller must defer-call to release
// the background goroutine it starts.
func mergeContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(a)
	stop := make(chan struct{})
	go func() {
		select {
		case <-b.Done():
			cancel()
		case <-stop:
		}
	}()
	return merged, func() {
		close(stop)
		cancel()
	}
}
