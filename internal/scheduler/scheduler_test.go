package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dreamware/shuffle/internal/cluster"
	"github.com/dreamware/shuffle/internal/codec"
)

// fakeWorkerClient records every inputs_done / fail call it receives and
// lets a test fail specific addresses, standing in for real worker RPCs.
type fakeWorkerClient struct {
	mu         sync.Mutex
	failAddrs  map[string]bool
	doneCalls  []string
	failCalls  []string
}

func newFakeWorkerClient() *fakeWorkerClient {
	return &fakeWorkerClient{failAddrs: make(map[string]bool)}
}

func (f *fakeWorkerClient) InputsDone(_ context.Context, addr string, _ cluster.ShuffleID, _ cluster.RunID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.doneCalls = append(f.doneCalls, addr)
	if f.failAddrs[addr] {
		return errors.New("inputs_done failed at " + addr)
	}
	return nil
}

func (f *fakeWorkerClient) Fail(_ context.Context, addr string, _ cluster.ShuffleID, _ cluster.RunID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCalls = append(f.failCalls, addr)
	return nil
}

func TestAssignRunAllocatesMonotonicRunIDs(t *testing.T) {
	client := newFakeWorkerClient()
	p := New(client, zap.NewNop())
	p.RegisterWorker(cluster.WorkerInfo{ID: "a", Addr: "worker-a"})
	p.RegisterWorker(cluster.WorkerInfo{ID: "b", Addr: "worker-b"})

	first, err := p.AssignRun("shuffle-1", "col", 4, codec.Schema{})
	require.NoError(t, err)
	assert.Equal(t, cluster.RunID(1), first.RunID)

	second, err := p.AssignRun("shuffle-1", "col", 4, codec.Schema{})
	require.NoError(t, err)
	assert.Equal(t, cluster.RunID(2), second.RunID)
}

func TestAssignRunFailsWithNoWorkers(t *testing.T) {
	p := New(newFakeWorkerClient(), zap.NewNop())
	_, err := p.AssignRun("shuffle-1", "col", 4, codec.Schema{})
	assert.Error(t, err)
}

func TestGetReportsParticipationOnly(t *testing.T) {
	client := newFakeWorkerClient()
	p := New(client, zap.NewNop())
	p.RegisterWorker(cluster.WorkerInfo{ID: "a", Addr: "worker-a"})
	state, err := p.AssignRun("shuffle-1", "col", 2, codec.Schema{})
	require.NoError(t, err)

	resp := p.Get("shuffle-1", "worker-a")
	assert.True(t, resp.Participating)
	assert.Equal(t, state.RunID, resp.State.RunID)

	resp = p.Get("shuffle-1", "worker-unknown")
	assert.False(t, resp.Participating)

	resp = p.Get("shuffle-does-not-exist", "worker-a")
	assert.False(t, resp.Participating)
}

func TestBarrierSucceedsWhenEveryParticipantAcks(t *testing.T) {
	client := newFakeWorkerClient()
	p := New(client, zap.NewNop())
	p.RegisterWorker(cluster.WorkerInfo{ID: "a", Addr: "worker-a"})
	p.RegisterWorker(cluster.WorkerInfo{ID: "b", Addr: "worker-b"})
	state, err := p.AssignRun("shuffle-1", "col", 2, codec.Schema{})
	require.NoError(t, err)

	err = p.Barrier(context.Background(), "shuffle-1", state.RunID)
	require.NoError(t, err)

	resp := p.Get("shuffle-1", "worker-a")
	assert.Equal(t, cluster.ShuffleStatusDone, resp.State.Status)
}

func TestBarrierFailsAndFansOutToParticipants(t *testing.T) {
	client := newFakeWorkerClient()
	client.failAddrs["worker-b"] = true
	p := New(client, zap.NewNop())
	p.RegisterWorker(cluster.WorkerInfo{ID: "a", Addr: "worker-a"})
	p.RegisterWorker(cluster.WorkerInfo{ID: "b", Addr: "worker-b"})
	state, err := p.AssignRun("shuffle-1", "col", 2, codec.Schema{})
	require.NoError(t, err)

	err = p.Barrier(context.Background(), "shuffle-1", state.RunID)
	require.Error(t, err)

	resp := p.Get("shuffle-1", "worker-a")
	assert.False(t, resp.Participating, "failed shuffle state must be removed, not resurrected")

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.ElementsMatch(t, []string{"worker-a", "worker-b"}, client.failCalls)
}

func TestBarrierRejectsStaleRunID(t *testing.T) {
	client := newFakeWorkerClient()
	p := New(client, zap.NewNop())
	p.RegisterWorker(cluster.WorkerInfo{ID: "a", Addr: "worker-a"})
	state, err := p.AssignRun("shuffle-1", "col", 1, codec.Schema{})
	require.NoError(t, err)

	err = p.Barrier(context.Background(), "shuffle-1", state.RunID-1)
	assert.Error(t, err)
}

func TestRemoveWorkerFailsAffectedShuffles(t *testing.T) {
	client := newFakeWorkerClient()
	p := New(client, zap.NewNop())
	p.RegisterWorker(cluster.WorkerInfo{ID: "a", Addr: "worker-a"})
	p.RegisterWorker(cluster.WorkerInfo{ID: "b", Addr: "worker-b"})
	_, err := p.AssignRun("shuffle-1", "col", 2, codec.Schema{})
	require.NoError(t, err)

	p.RemoveWorker("worker-b")

	resp := p.Get("shuffle-1", "worker-a")
	assert.False(t, resp.Participating)

	workers := p.Workers()
	for _, w := range workers {
		assert.NotEqual(t, "worker-b", w.Addr)
	}
}

func TestHeartbeatDropsOutOfOrderAndDuplicates(t *testing.T) {
	p := New(newFakeWorkerClient(), zap.NewNop())

	p.Heartbeat(cluster.Heartbeat{ShuffleID: "shuffle-1", WorkerID: "worker-a", Seq: 2, BytesWritten: 20})
	p.Heartbeat(cluster.Heartbeat{ShuffleID: "shuffle-1", WorkerID: "worker-a", Seq: 1, BytesWritten: 10})
	p.Heartbeat(cluster.Heartbeat{ShuffleID: "shuffle-1", WorkerID: "worker-a", Seq: 2, BytesWritten: 999})

	history := p.Heartbeats("shuffle-1")
	require.Len(t, history, 1)
	assert.Equal(t, uint64(20), history[0].BytesWritten)
}
