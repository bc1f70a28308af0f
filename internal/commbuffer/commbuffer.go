package commbuffer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dreamware/shuffle/internal/cluster"
	"github.com/dreamware/shuffle/internal/limiter"
	"github.com/dreamware/shuffle/internal/transport"
)

// FailFunc is invoked (at most once per send) when a flush fails for a
// reason the owning Shuffle Run must treat as fatal.
type FailFunc func(err error)

// CommBuffer accumulates bytes destined for one peer worker, grouped by
// output partition, and flushes them as a single shuffle_receive RPC.
// Writers never observe partial acquisition: a Write either succeeds in
// full or blocks until memory permits are available.
type CommBuffer struct {
	peerAddr  string
	shuffleID cluster.ShuffleID
	runID     cluster.RunID
	mem       *limiter.Limiter
	xport     transport.Transport
	onFail    FailFunc

	flushBytes int64
	flushAge   time.Duration

	sendMu sync.Mutex // held for the duration of one in-flight send

	mu          sync.Mutex
	pending     map[int][][]byte
	pendingSize int64
	lastFlush   time.Time
	closed      bool

	ageLimiter *rate.Limiter
	stop       chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// New creates a CommBuffer for one peer and starts its background
// age-based flush loop. Call Close when the owning Shuffle Run tears
// down to stop that loop.
func New(peerAddr string, shuffleID cluster.ShuffleID, runID cluster.RunID, mem *limiter.Limiter, xport transport.Transport, flushBytes int64, flushAge time.Duration, onFail FailFunc) *CommBuffer {
	b := &CommBuffer{
		peerAddr:   peerAddr,
		shuffleID:  shuffleID,
		runID:      runID,
		mem:        mem,
		xport:      xport,
		onFail:     onFail,
		flushBytes: flushBytes,
		flushAge:   flushAge,
		pending:    make(map[int][][]byte),
		lastFlush:  time.Now(),
		ageLimiter: rate.NewLimiter(rate.Every(flushAge), 1),
		stop:       make(chan struct{}),
	}
	b.wg.Add(1)
	go b.ageLoop()
	return b
}

// Write acquires len(data) memory permits and appends data to the
// partition's pending batch list, triggering a flush if the high-water
// mark is crossed.
func (b *CommBuffer) Write(ctx context.Context, partition int, data []byte) error {
	if err := b.mem.Acquire(ctx, int64(len(data))); err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.mem.Release(int64(len(data)))
		return fmt.Errorf("commbuffer: write to %s after close", b.peerAddr)
	}
	b.pending[partition] = append(b.pending[partition], data)
	b.pendingSize += int64(len(data))
	shouldFlush := b.pendingSize >= b.flushBytes
	b.mu.Unlock()

	if shouldFlush {
		return b.Flush(ctx)
	}
	return nil
}

// Flush waits for any in-flight send to complete, then sends everything
// currently pending as one shuffle_receive RPC. It is a no-op if nothing
// is pending.
func (b *CommBuffer) Flush(ctx context.Context) error {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	toSend := b.pending
	size := b.pendingSize
	b.pending = make(map[int][][]byte)
	b.pendingSize = 0
	b.lastFlush = time.Now()
	b.mu.Unlock()

	b.mem.Release(size)

	req := cluster.ReceiveRequest{ShuffleID: b.shuffleID, RunID: b.runID}
	for partition, batches := range toSend {
		for _, batch := range batches {
			req.Payloads = append(req.Payloads, cluster.ReceivePayload{OutputPartition: partition, Bytes: batch})
		}
	}

	if _, err := b.xport.Send(ctx, b.peerAddr, req); err != nil {
		err = fmt.Errorf("commbuffer: flush to %s: %w", b.peerAddr, err)
		if b.onFail != nil {
			b.onFail(err)
		}
		return err
	}
	return nil
}

// ageLoop force-flushes whenever send_flush_ms has elapsed since the
// last flush, regardless of accumulated size. ageLimiter paces the
// polling so a process hosting many CommBuffers doesn't busy-spin.
func (b *CommBuffer) ageLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.flushAge / 2)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			if !b.ageLimiter.Allow() {
				continue
			}
			b.mu.Lock()
			aged := len(b.pending) > 0 && time.Since(b.lastFlush) >= b.flushAge
			b.mu.Unlock()
			if aged {
				_ = b.Flush(context.Background())
			}
		}
	}
}

// Close stops the background flush loop and marks the buffer closed.
// Any memory still held by pending writes is released without being
// sent; callers that need a final flush must call Flush before Close.
func (b *CommBuffer) Close() {
	b.stopOnce.Do(func() { close(b.stop) })
	b.wg.Wait()

	b.mu.Lock()
	b.closed = true
	size := b.pendingSize
	b.pending = make(map[int][][]byte)
	b.pendingSize = 0
	b.mu.Unlock()

	if size > 0 {
		b.mem.Release(size)
	}
}

// PendingBytes reports the number of bytes currently buffered, for
// tests and heartbeat reporting.
func (b *CommBuffer) PendingBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pendingSize
}
