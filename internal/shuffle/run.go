package shuffle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/shuffle/internal/cluster"
	"github.com/dreamware/shuffle/internal/codec"
	"github.com/dreamware/shuffle/internal/commbuffer"
	"github.com/dreamware/shuffle/internal/limiter"
	"github.com/dreamware/shuffle/internal/partitionstore"
	"github.com/dreamware/shuffle/internal/shardpolicy"
	"github.com/dreamware/shuffle/internal/transport"
)

// State is one of the six states a Shuffle Run moves through (spec.md
// §4.5). Closed and Failed are reachable from any other state; the rest
// form a single forward chain.
type State int

const (
	StateCreated State = iota
	StateIngesting
	StateInputsDone
	StateFlushed
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateIngesting:
		return "ingesting"
	case StateInputsDone:
		return "inputs_done"
	case StateFlushed:
		return "flushed"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Deps bundles everything a Run needs at construction time. The Worker
// Plugin builds one of these per (ShuffleID, RunID) it instantiates.
type Deps struct {
	Spec           cluster.ShuffleSpec
	Transport      transport.Transport
	Offload        *Pool
	Logger         *zap.Logger
	OnFail         func(reason *RunError)
	ShuffleID      cluster.ShuffleID
	SelfAddr       string
	WorkerLocalDir string
	SendFlushAge   time.Duration
	RunID          cluster.RunID
	MemLimitBytes  int64
	DiskLimitBytes int64
	SendFlushBytes int64
}

type runStats struct {
	bytesWritten  uint64
	bytesSent     uint64
	bytesReceived uint64
	errors        uint64
}

// Run is the per-shuffle, per-worker state machine (C5). It owns one
// RunDir (Partition Stores, one per local output partition) and one
// CommBuffer per remote peer it has sent to.
type Run struct {
	xport  transport.Transport
	logger *zap.Logger
	onFail func(*RunError)
	pool   *Pool
	mem    *limiter.Limiter
	disk   *limiter.Limiter
	runDir *partitionstore.RunDir

	id       cluster.ShuffleID
	runID    cluster.RunID
	spec     cluster.ShuffleSpec
	selfAddr string

	sendFlushBytes int64
	sendFlushAge   time.Duration
	createdAt      time.Time

	mu       sync.Mutex
	state    State
	failErr  *RunError
	ingested map[int]bool
	buffers  map[string]*commbuffer.CommBuffer

	doneOnce sync.Once
	doneErr  error

	stats runStats
}

// New constructs a Run in the Created state and prepares its on-disk run
// directory. The caller (Worker Plugin) is responsible for storing it under
// (deps.ShuffleID, deps.RunID) and for eventually calling Close or Fail.
func New(deps Deps) (*Run, error) {
	disk := limiter.New(deps.DiskLimitBytes)
	runDir, err := partitionstore.NewRunDir(deps.WorkerLocalDir, string(deps.ShuffleID), int64(deps.RunID), disk)
	if err != nil {
		disk.Close()
		return nil, fmt.Errorf("shuffle: creating run directory: %w", err)
	}

	flushAge := deps.SendFlushAge
	if flushAge <= 0 {
		flushAge = 50 * time.Millisecond
	}
	flushBytes := deps.SendFlushBytes
	if flushBytes <= 0 {
		flushBytes = 2 << 20
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Run{
		xport:          deps.Transport,
		logger:         logger,
		onFail:         deps.OnFail,
		pool:           deps.Offload,
		mem:            limiter.New(deps.MemLimitBytes),
		disk:           disk,
		runDir:         runDir,
		id:             deps.ShuffleID,
		runID:          deps.RunID,
		spec:           deps.Spec,
		selfAddr:       deps.SelfAddr,
		sendFlushBytes: flushBytes,
		sendFlushAge:   flushAge,
		createdAt:      time.Now(),
		ingested:       make(map[int]bool),
		buffers:        make(map[string]*commbuffer.CommBuffer),
	}, nil
}

func (r *Run) ShuffleID() cluster.ShuffleID { return r.id }
func (r *Run) RunID() cluster.RunID         { return r.runID }

func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Run) checkAlive() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case StateClosed:
		return ErrClosed
	case StateFailed:
		return r.failErr
	default:
		return nil
	}
}

func (r *Run) currentFailErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failErr != nil {
		return r.failErr
	}
	return ErrClosed
}

// beginIngest records inputPartitionIdx as seen (the idempotency key) and
// transitions Created->Ingesting on first use. skip reports that this
// input partition was already ingested in this run, in which case the
// caller must treat the call as a no-op success.
func (r *Run) beginIngest(inputPartitionIdx int) (skip bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateClosed:
		return false, ErrClosed
	case StateFailed:
		return false, r.failErr
	case StateInputsDone, StateFlushed:
		return false, NewInvalid(fmt.Errorf("add_partition after inputs_done"))
	}
	if r.state == StateCreated {
		r.state = StateIngesting
	}
	if r.ingested[inputPartitionIdx] {
		return true, nil
	}
	r.ingested[inputPartitionIdx] = true
	return false, nil
}

func (r *Run) allBuffers() []*commbuffer.CommBuffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*commbuffer.CommBuffer, 0, len(r.buffers))
	for _, b := range r.buffers {
		out = append(out, b)
	}
	return out
}

func (r *Run) getBuffer(addr string) *commbuffer.CommBuffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buffers[addr]; ok {
		return b
	}
	b := commbuffer.New(addr, r.id, r.runID, r.mem, r.xport, r.sendFlushBytes, r.sendFlushAge, func(err error) {
		r.Fail(NewFailed(err))
	})
	r.buffers[addr] = b
	return b
}

func (r *Run) offloadSplit(ctx context.Context, t codec.Table) (map[int]codec.Table, error) {
	return Submit(ctx, r.pool, func() (map[int]codec.Table, error) {
		return codec.SplitByInt(t, func(row int) int { return shardpolicy.PartitionForRow(t, row) })
	})
}

func (r *Run) offloadSerialize(ctx context.Context, t codec.Table) ([]byte, error) {
	return Submit(ctx, r.pool, func() ([]byte, error) { return codec.Serialize(t) })
}

func (r *Run) offloadDeserialize(ctx context.Context, batches [][]byte) (codec.Table, error) {
	return Submit(ctx, r.pool, func() (codec.Table, error) { return codec.Deserialize(batches) })
}

// AddPartition shards table by its _partitions column, groups the shards by
// destination worker, writes local shards straight to the Partition Store,
// and hands remote shards to the destination's CommBuffer. inputPartitionIdx
// is the idempotency key: a repeat call with the same index is a no-op.
func (r *Run) AddPartition(ctx context.Context, table codec.Table, inputPartitionIdx int) error {
	skip, err := r.beginIngest(inputPartitionIdx)
	if err != nil {
		return err
	}
	if skip {
		return nil
	}

	groups, err := r.offloadSplit(ctx, table)
	if err != nil {
		r.Fail(NewFailed(err))
		return r.currentFailErr()
	}

	for partition, sub := range groups {
		addr, ok := r.spec.WorkerFor[partition]
		if !ok {
			err := NewInvalid(fmt.Errorf("no worker assigned for output partition %d", partition))
			r.Fail(err)
			return r.currentFailErr()
		}

		data, err := r.offloadSerialize(ctx, sub)
		if err != nil {
			r.Fail(NewFailed(err))
			return r.currentFailErr()
		}

		if addr == r.selfAddr {
			if err := r.appendLocal(ctx, partition, data); err != nil {
				return err
			}
			atomic.AddUint64(&r.stats.bytesWritten, uint64(len(data)))
			continue
		}

		buf := r.getBuffer(addr)
		if err := buf.Write(ctx, partition, data); err != nil {
			r.Fail(NewFailed(err))
			return r.currentFailErr()
		}
		atomic.AddUint64(&r.stats.bytesSent, uint64(len(data)))
	}
	return nil
}

func (r *Run) appendLocal(ctx context.Context, partition int, data []byte) error {
	store, err := r.runDir.Partition(partition)
	if err != nil {
		r.Fail(NewFailed(err))
		return r.currentFailErr()
	}
	if err := store.Append(ctx, data); err != nil {
		kind := NewFailed(err)
		if errors.Is(err, partitionstore.ErrDiskFull) {
			kind = NewDiskFull(err)
		}
		r.Fail(kind)
		return r.currentFailErr()
	}
	return nil
}

// Receive is the inbound shuffle_receive handler: it deserializes each
// payload, re-splits by the _partitions column (in case the sender batched
// rows for more than one output partition into one payload), and appends
// each resulting shard to the local Partition Store.
func (r *Run) Receive(ctx context.Context, payloads []cluster.ReceivePayload) error {
	if err := r.checkAlive(); err != nil {
		return err
	}

	var total int64
	for _, p := range payloads {
		total += int64(len(p.Bytes))
	}
	if err := r.mem.Acquire(ctx, total); err != nil {
		if errors.Is(err, limiter.ErrExceedsCapacity) {
			r.Fail(NewMemoryExhausted(err))
			return r.currentFailErr()
		}
		return err
	}
	defer r.mem.Release(total)

	for _, p := range payloads {
		table, err := r.offloadDeserialize(ctx, [][]byte{p.Bytes})
		if err != nil {
			r.Fail(NewCorruptData(err))
			return r.currentFailErr()
		}

		groups, err := r.offloadSplit(ctx, table)
		if err != nil {
			r.Fail(NewFailed(err))
			return r.currentFailErr()
		}

		for partition, sub := range groups {
			data, err := r.offloadSerialize(ctx, sub)
			if err != nil {
				r.Fail(NewFailed(err))
				return r.currentFailErr()
			}
			if err := r.appendLocal(ctx, partition, data); err != nil {
				return err
			}
			atomic.AddUint64(&r.stats.bytesReceived, uint64(len(data)))
		}
	}
	return nil
}

// InputsDone flushes every CommBuffer, waits for the sends to land, and
// transitions InputsDone -> Flushed. It is idempotent: concurrent or
// repeated calls share a single flush via doneOnce and all observe the same
// outcome.
func (r *Run) InputsDone(ctx context.Context) error {
	if err := r.checkAlive(); err != nil {
		return err
	}

	r.doneOnce.Do(func() {
		r.mu.Lock()
		r.state = StateInputsDone
		r.mu.Unlock()

		for _, b := range r.allBuffers() {
			if err := b.Flush(ctx); err != nil {
				r.doneErr = err
				return
			}
		}

		r.mu.Lock()
		if r.state == StateInputsDone {
			r.state = StateFlushed
		}
		r.mu.Unlock()
	})

	if r.doneErr != nil {
		r.Fail(NewFailed(r.doneErr))
		return r.currentFailErr()
	}
	return r.checkAlive()
}

// GetOutputPartition reads, deserializes, and concatenates every batch ever
// appended for partition on this worker. The run must be Flushed and this
// worker must own the partition per the spec's worker_for mapping.
func (r *Run) GetOutputPartition(ctx context.Context, partition int, key string) (codec.Table, error) {
	if err := r.checkAlive(); err != nil {
		return codec.Table{}, err
	}

	if r.State() != StateFlushed {
		return codec.Table{}, NewInvalid(fmt.Errorf("get_output_partition(%d) before barrier", partition))
	}
	if r.spec.WorkerFor[partition] != r.selfAddr {
		return codec.Table{}, NewInvalid(fmt.Errorf("partition %d is not owned by %s", partition, r.selfAddr))
	}

	store, err := r.runDir.Partition(partition)
	if err != nil {
		return codec.Table{}, err
	}
	batches, err := store.Read()
	if err != nil {
		return codec.Table{}, err
	}

	table, err := r.offloadDeserialize(ctx, batches)
	if err != nil {
		return codec.Table{}, NewCorruptData(err)
	}
	_ = key // tracing/dedup identifier only; no semantic effect (spec.md §4.5)
	return table, nil
}

// Close cancels pending sends, releases all permits, and deletes the
// Partition Store directory. A Run that is already Closed or Failed is left
// untouched.
func (r *Run) Close() {
	r.mu.Lock()
	if r.state == StateClosed || r.state == StateFailed {
		r.mu.Unlock()
		return
	}
	r.state = StateClosed
	r.mu.Unlock()

	r.teardown()
}

// Fail transitions the run to Failed with reason, tears down its resources,
// and (if set) notifies the Worker Plugin so the failure can propagate to
// the scheduler and the other participants.
func (r *Run) Fail(reason *RunError) {
	r.mu.Lock()
	if r.state == StateClosed || r.state == StateFailed {
		r.mu.Unlock()
		return
	}
	r.state = StateFailed
	r.failErr = reason
	r.mu.Unlock()

	atomic.AddUint64(&r.stats.errors, 1)
	r.teardown()

	if r.onFail != nil {
		r.onFail(reason)
	}
	r.logger.Warn("shuffle run failed",
		zap.String("shuffle_id", string(r.id)),
		zap.Int64("run_id", int64(r.runID)),
		zap.String("kind", reason.Kind.String()),
	)
}

func (r *Run) teardown() {
	for _, b := range r.allBuffers() {
		b.Close()
	}
	r.mem.Close()
	r.disk.Close()
	_ = r.runDir.DeleteAll()
}

// Heartbeat returns a snapshot of this run's counters for reporting to the
// scheduler (spec.md §3). seq should be a per-worker monotonically
// increasing sequence number.
func (r *Run) Heartbeat(seq uint64) cluster.Heartbeat {
	return cluster.Heartbeat{
		ShuffleID:     r.id,
		RunID:         r.runID,
		WorkerID:      r.selfAddr,
		Seq:           seq,
		BytesWritten:  atomic.LoadUint64(&r.stats.bytesWritten),
		BytesSent:     atomic.LoadUint64(&r.stats.bytesSent),
		BytesAcked:    atomic.LoadUint64(&r.stats.bytesSent),
		BytesReceived: atomic.LoadUint64(&r.stats.bytesReceived),
		DiskBytes:     uint64(r.disk.InUse()),
		ActiveMemory:  uint64(r.mem.InUse()),
		Errors:        atomic.LoadUint64(&r.stats.errors),
		Elapsed:       time.Since(r.createdAt),
	}
}
