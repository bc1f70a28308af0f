package shuffle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dreamware/shuffle/internal/cluster"
	"github.com/dreamware/shuffle/internal/codec"
	"github.com/dreamware/shuffle/internal/shardpolicy"
)

// fakeTransport records every Send call and answers each with a
// caller-supplied ack, standing in for a real peer connection in tests
// that never need a socket.
type fakeTransport struct {
	ack cluster.Ack
	err error
	reqs []cluster.ReceiveRequest
}

func (f *fakeTransport) Send(_ context.Context, _ string, req cluster.ReceiveRequest) (cluster.Ack, error) {
	f.reqs = append(f.reqs, req)
	return f.ack, f.err
}

func (f *fakeTransport) Close() error { return nil }

// partitionedTable builds a table with one row per value and a
// _partitions column so every
// row routes to the given partition, plus an int64 "v" value column.
func partitionedTable(t *testing.T, partition int, values ...int64) codec.Table {
	t.Helper()
	n := len(values)
	parts := make([]int64, n)
	valid := make([]bool, n)
	for i := range parts {
		parts[i] = int64(partition)
		valid[i] = true
	}
	tbl, err := codec.NewTable([]string{shardpolicy.PartitionColumn, "v"}, map[string]codec.Column{
		shardpolicy.PartitionColumn: {Type: codec.ColumnTypeInt64, Int64s: parts, Valid: valid},
		"v":                         {Type: codec.ColumnTypeInt64, Int64s: values, Valid: valid},
	})
	require.NoError(t, err)
	return tbl
}

func newTestRun(t *testing.T, selfAddr string, workerFor map[int]string) *Run {
	t.Helper()
	run, err := New(Deps{
		ShuffleID:      cluster.ShuffleID("shuffle-1"),
		RunID:          cluster.RunID(1),
		Spec:           cluster.ShuffleSpec{NPartitions: len(workerFor), WorkerFor: workerFor},
		SelfAddr:       selfAddr,
		WorkerLocalDir: t.TempDir(),
		MemLimitBytes:  64 << 20,
		DiskLimitBytes: 64 << 20,
		SendFlushBytes: 1 << 20,
		Transport:      &fakeTransport{ack: cluster.Ack{OK: true}},
		Offload:        NewPool(2),
		Logger:         zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		run.pool.Close()
	})
	return run
}

func TestNewRunStartsCreated(t *testing.T) {
	run := newTestRun(t, "worker-a", map[int]string{0: "worker-a"})
	assert.Equal(t, StateCreated, run.State())
	assert.Equal(t, cluster.ShuffleID("shuffle-1"), run.ShuffleID())
	assert.Equal(t, cluster.RunID(1), run.RunID())
}

func TestAddPartitionLocalIsIdempotent(t *testing.T) {
	run := newTestRun(t, "worker-a", map[int]string{0: "worker-a"})
	ctx := context.Background()
	tbl := partitionedTable(t, 0, 1, 2, 3)

	require.NoError(t, run.AddPartition(ctx, tbl, 0))
	assert.Equal(t, StateIngesting, run.State())

	// Same inputPartitionIdx again must be a silent no-op, not a double
	// append.
	require.NoError(t, run.AddPartition(ctx, tbl, 0))

	require.NoError(t, run.InputsDone(ctx))
	out, err := run.GetOutputPartition(ctx, 0, "")
	require.NoError(t, err)
	assert.Equal(t, 3, out.NumRows())
}

func TestAddPartitionUnknownWorkerFails(t *testing.T) {
	run := newTestRun(t, "worker-a", map[int]string{})
	tbl := partitionedTable(t, 0, 1)

	err := run.AddPartition(context.Background(), tbl, 0)
	require.Error(t, err)
	var rerr *RunError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, KindInvalid, rerr.Kind)
	assert.Equal(t, StateFailed, run.State())
}

func TestInputsDoneIsIdempotentAcrossCalls(t *testing.T) {
	run := newTestRun(t, "worker-a", map[int]string{0: "worker-a"})
	ctx := context.Background()
	require.NoError(t, run.AddPartition(ctx, partitionedTable(t, 0, 1), 0))

	require.NoError(t, run.InputsDone(ctx))
	require.NoError(t, run.InputsDone(ctx))
	assert.Equal(t, StateFlushed, run.State())
}

func TestGetOutputPartitionBeforeBarrierFails(t *testing.T) {
	run := newTestRun(t, "worker-a", map[int]string{0: "worker-a"})
	_, err := run.GetOutputPartition(context.Background(), 0, "")
	require.Error(t, err)
	var rerr *RunError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, KindInvalid, rerr.Kind)
}

func TestGetOutputPartitionWrongOwnerFails(t *testing.T) {
	run := newTestRun(t, "worker-a", map[int]string{0: "worker-b"})
	ctx := context.Background()
	require.NoError(t, run.InputsDone(ctx))
	_, err := run.GetOutputPartition(ctx, 0, "")
	require.Error(t, err)
}

func TestReceiveAppendsToLocalStore(t *testing.T) {
	run := newTestRun(t, "worker-a", map[int]string{0: "worker-a"})
	ctx := context.Background()

	tbl := partitionedTable(t, 0, 10, 20)
	data, err := codec.Serialize(tbl)
	require.NoError(t, err)

	require.NoError(t, run.Receive(ctx, []cluster.ReceivePayload{{OutputPartition: 0, Bytes: data}}))
	require.NoError(t, run.InputsDone(ctx))

	out, err := run.GetOutputPartition(ctx, 0, "")
	require.NoError(t, err)
	assert.Equal(t, 2, out.NumRows())
}

func TestCloseIsIdempotentAndLeavesStateClosed(t *testing.T) {
	run := newTestRun(t, "worker-a", map[int]string{0: "worker-a"})
	run.Close()
	run.Close()
	assert.Equal(t, StateClosed, run.State())
}

func TestFailAfterCloseIsNoop(t *testing.T) {
	run := newTestRun(t, "worker-a", map[int]string{0: "worker-a"})
	run.Close()
	run.Fail(NewWorkerGone("peer"))
	assert.Equal(t, StateClosed, run.State())
}

func TestReceiveOnFailedRunReturnsFailureReason(t *testing.T) {
	run := newTestRun(t, "worker-a", map[int]string{0: "worker-a"})
	run.Fail(NewStale())

	err := run.Receive(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStale))
}

func TestHeartbeatReflectsCounters(t *testing.T) {
	run := newTestRun(t, "worker-a", map[int]string{0: "worker-a"})
	ctx := context.Background()
	require.NoError(t, run.AddPartition(ctx, partitionedTable(t, 0, 1, 2), 0))

	hb := run.Heartbeat(1)
	assert.Equal(t, uint64(1), hb.Seq)
	assert.Equal(t, cluster.ShuffleID("shuffle-1"), hb.ShuffleID)
	assert.Greater(t, hb.BytesWritten, uint64(0))
}
