package scheduler

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/shuffle/internal/cluster"
	"github.com/dreamware/shuffle/internal/codec"
	"github.com/dreamware/shuffle/internal/shardpolicy"
)

// WorkerClient is how the Scheduler Plugin reaches a worker's RPC surface:
// driving the barrier (InputsDone) and propagating a failure (Fail).
type WorkerClient interface {
	InputsDone(ctx context.Context, addr string, id cluster.ShuffleID, runID cluster.RunID) error
	Fail(ctx context.Context, addr string, id cluster.ShuffleID, runID cluster.RunID, reason string) error
}

const defaultHeartbeatCap = 64

// Plugin is the Scheduler Plugin: run-id assignment, the worker_for
// mapping, barrier orchestration, and worker-loss reaction.
type Plugin struct {
	client WorkerClient
	logger *zap.Logger

	mu         sync.Mutex
	workers    map[string]cluster.WorkerInfo
	states     map[cluster.ShuffleID]*cluster.ShuffleState
	heartbeats map[cluster.ShuffleID][]cluster.Heartbeat
	lastSeq    map[cluster.ShuffleID]map[string]uint64
}

// New constructs an empty Plugin with no registered workers or shuffles.
func New(client WorkerClient, logger *zap.Logger) *Plugin {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Plugin{
		client:     client,
		logger:     logger,
		workers:    make(map[string]cluster.WorkerInfo),
		states:     make(map[cluster.ShuffleID]*cluster.ShuffleState),
		heartbeats: make(map[cluster.ShuffleID][]cluster.Heartbeat),
		lastSeq:    make(map[cluster.ShuffleID]map[string]uint64),
	}
}

// RegisterWorker adds or refreshes a worker's entry in the live fleet.
func (p *Plugin) RegisterWorker(w cluster.WorkerInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workers[w.Addr] = w
}

// Workers returns a snapshot of every registered worker, for the
// HealthMonitor's workerProvider and for /nodes-style admin endpoints.
func (p *Plugin) Workers() []cluster.WorkerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]cluster.WorkerInfo, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w)
	}
	return out
}

func (p *Plugin) liveWorkerAddrsLocked() []string {
	addrs := make([]string, 0, len(p.workers))
	for addr := range p.workers {
		addrs = append(addrs, addr)
	}
	return addrs
}

// AssignRun allocates the next RunID for shuffleID (1 if this is the first
// execution) and computes a fresh worker_for mapping across the currently
// live fleet, per spec.md §4.7.
func (p *Plugin) AssignRun(shuffleID cluster.ShuffleID, column string, npartitions int, schema codec.Schema) (cluster.ShuffleState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	workers := p.liveWorkerAddrsLocked()
	if len(workers) == 0 {
		return cluster.ShuffleState{}, fmt.Errorf("scheduler: no live workers to assign shuffle %s", shuffleID)
	}

	runID := cluster.RunID(1)
	if prev, ok := p.states[shuffleID]; ok {
		runID = prev.RunID + 1
	}

	state := &cluster.ShuffleState{
		ShuffleID:            shuffleID,
		RunID:                runID,
		ParticipatingWorkers: workers,
		WorkerFor:            shardpolicy.BuildWorkerFor(npartitions, workers),
		Schema:               schema,
		Column:               column,
		NPartitions:          npartitions,
		Status:               cluster.ShuffleStatusRunning,
	}
	p.states[shuffleID] = state
	delete(p.heartbeats, shuffleID)
	delete(p.lastSeq, shuffleID)

	p.logger.Info("shuffle run assigned",
		zap.String("shuffle_id", string(shuffleID)),
		zap.Int64("run_id", int64(runID)),
		zap.Int("workers", len(workers)),
	)
	return *state, nil
}

// Get implements the shuffle_get RPC: whether workerAddr participates in
// shuffleID and, if so, the run's current state. An unknown shuffle id, or
// a worker address that isn't a participant, both yield Participating=false
// — never a zero-value ShuffleState passed off as real (spec.md's
// supplemented restart-safety behavior).
func (p *Plugin) Get(shuffleID cluster.ShuffleID, workerAddr string) cluster.GetResponse {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.states[shuffleID]
	if !ok {
		return cluster.GetResponse{}
	}
	for _, w := range state.ParticipatingWorkers {
		if w == workerAddr {
			return cluster.GetResponse{State: *state, Participating: true}
		}
	}
	return cluster.GetResponse{}
}

// Barrier implements the shuffle_barrier RPC: verify runID is current, then
// concurrently call inputs_done on every participant. The first failure
// cancels the rest (errgroup) and marks the shuffle Failed for everyone.
func (p *Plugin) Barrier(ctx context.Context, shuffleID cluster.ShuffleID, runID cluster.RunID) error {
	p.mu.Lock()
	state, ok := p.states[shuffleID]
	if !ok || state.RunID != runID {
		p.mu.Unlock()
		return fmt.Errorf("shuffle_barrier failed: %s run %d: %w", shuffleID, runID, errStaleRun)
	}
	participants := append([]string(nil), state.ParticipatingWorkers...)
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, addr := range participants {
		addr := addr
		g.Go(func() error {
			return p.client.InputsDone(gctx, addr, shuffleID, runID)
		})
	}

	if err := g.Wait(); err != nil {
		p.MarkFailed(context.Background(), shuffleID, fmt.Errorf("shuffle_barrier failed: %s: %w", shuffleID, err))
		return fmt.Errorf("shuffle_barrier failed: %s: %w", shuffleID, err)
	}

	p.mu.Lock()
	if s, ok := p.states[shuffleID]; ok && s.RunID == runID {
		s.Status = cluster.ShuffleStatusDone
	}
	p.mu.Unlock()
	return nil
}

// MarkFailed marks shuffleID Failed, removes its state (so a subsequent
// Get correctly reports NotParticipating rather than resurrecting it), and
// fans reason out to every participant via shuffle_fail.
func (p *Plugin) MarkFailed(ctx context.Context, shuffleID cluster.ShuffleID, reason error) {
	p.mu.Lock()
	state, ok := p.states[shuffleID]
	if !ok {
		p.mu.Unlock()
		return
	}
	participants := append([]string(nil), state.ParticipatingWorkers...)
	runID := state.RunID
	delete(p.states, shuffleID)
	delete(p.heartbeats, shuffleID)
	delete(p.lastSeq, shuffleID)
	p.mu.Unlock()

	p.logger.Warn("shuffle marked failed",
		zap.String("shuffle_id", string(shuffleID)),
		zap.Int64("run_id", int64(runID)),
		zap.Error(reason),
	)

	for _, addr := range participants {
		_ = p.client.Fail(ctx, addr, shuffleID, runID, reason.Error())
	}
}

// RemoveWorker implements the remove_worker hook: every shuffle the lost
// worker participates in is failed with WorkerGone, and the worker is
// dropped from the live fleet so future AssignRun calls don't route to it.
func (p *Plugin) RemoveWorker(address string) {
	p.mu.Lock()
	delete(p.workers, address)
	var affected []cluster.ShuffleID
	for id, state := range p.states {
		for _, w := range state.ParticipatingWorkers {
			if w == address {
				affected = append(affected, id)
				break
			}
		}
	}
	p.mu.Unlock()

	for _, id := range affected {
		p.MarkFailed(context.Background(), id, fmt.Errorf("worker gone: %s", address))
	}
}

// Heartbeat records a worker's per-run counter snapshot, keeping only the
// last N per shuffle and dropping out-of-order or duplicate delivery by
// sequence number. Heartbeats never drive correctness (spec.md §4.7).
func (p *Plugin) Heartbeat(hb cluster.Heartbeat) {
	p.mu.Lock()
	defer p.mu.Unlock()

	seqByWorker, ok := p.lastSeq[hb.ShuffleID]
	if !ok {
		seqByWorker = make(map[string]uint64)
		p.lastSeq[hb.ShuffleID] = seqByWorker
	}
	if last, seen := seqByWorker[hb.WorkerID]; seen && hb.Seq <= last {
		return
	}
	seqByWorker[hb.WorkerID] = hb.Seq

	list := append(p.heartbeats[hb.ShuffleID], hb)
	if len(list) > defaultHeartbeatCap {
		list = list[len(list)-defaultHeartbeatCap:]
	}
	p.heartbeats[hb.ShuffleID] = list
}

// Heartbeats returns the retained heartbeat history for shuffleID, oldest
// first.
func (p *Plugin) Heartbeats(shuffleID cluster.ShuffleID) []cluster.Heartbeat {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]cluster.Heartbeat(nil), p.heartbeats[shuffleID]...)
}

var errStaleRun = fmt.Errorf("run superseded or unknown")
