package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/shuffle/internal/cluster"
	"github.com/dreamware/shuffle/internal/codec"
	"github.com/dreamware/shuffle/internal/shuffle"
	"github.com/dreamware/shuffle/internal/transport"
)

// SchedulerClient is how a Plugin reaches the Scheduler Plugin: to resolve
// a shuffle's current run, and to report a run failure so the scheduler can
// fan it out to the other participants.
type SchedulerClient interface {
	Get(ctx context.Context, shuffleID cluster.ShuffleID, workerAddr string) (cluster.GetResponse, error)
	ReportFailure(ctx context.Context, shuffleID cluster.ShuffleID, runID cluster.RunID, reason string) error
}

// Config bundles the per-run resource knobs from spec.md §6.
type Config struct {
	MemoryLimitBytes int64
	DiskLimitBytes   int64
	SendFlushBytes   int64
	SendFlushAge     time.Duration
	OffloadWorkers   int
}

// Plugin hosts every Shuffle Run this worker process is participating in.
// Its map is mutated only while holding mu — there is no lock-free access,
// matching the single-threaded-event-loop model of spec.md §5 even though
// Go gives us real threads.
type Plugin struct {
	selfAddr       string
	workerLocalDir string
	cfg            Config
	xport          transport.Transport
	scheduler      SchedulerClient
	pool           *shuffle.Pool
	logger         *zap.Logger

	mu          sync.Mutex
	shuffles    map[cluster.ShuffleID]*shuffle.Run
	knownRunIDs map[cluster.ShuffleID]cluster.RunID
}

// New constructs a Plugin bound to selfAddr, writing run directories under
// workerLocalDir.
func New(selfAddr, workerLocalDir string, cfg Config, xport transport.Transport, scheduler SchedulerClient, logger *zap.Logger) *Plugin {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Plugin{
		selfAddr:       selfAddr,
		workerLocalDir: workerLocalDir,
		cfg:            cfg,
		xport:          xport,
		scheduler:      scheduler,
		pool:           shuffle.NewPool(cfg.OffloadWorkers),
		logger:         logger,
		shuffles:       make(map[cluster.ShuffleID]*shuffle.Run),
		knownRunIDs:    make(map[cluster.ShuffleID]cluster.RunID),
	}
}

// GetOrCreateShuffle returns the Run for id's current run id, which it
// always asks the Scheduler Plugin for: a local Run with that id is
// returned as is, a local Run with a different id is failed with Stale and
// replaced, and a new Run is instantiated when none exists locally
// (spec.md §4.6).
func (p *Plugin) GetOrCreateShuffle(ctx context.Context, id cluster.ShuffleID) (*shuffle.Run, error) {
	resp, err := p.scheduler.Get(ctx, id, p.selfAddr)
	if err != nil {
		return nil, fmt.Errorf("worker: querying scheduler for shuffle %s: %w", id, err)
	}
	if !resp.Participating {
		return nil, fmt.Errorf("worker: %s does not participate in shuffle %s", p.selfAddr, id)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if run, ok := p.shuffles[id]; ok {
		if run.RunID() == resp.State.RunID {
			return run, nil
		}
		// A newer run id superseded the one we already hold; fail it
		// before replacing so any caller blocked on it wakes with Stale.
		run.Fail(shuffle.NewStale())
		delete(p.shuffles, id)
	}

	if known, seen := p.knownRunIDs[id]; seen {
		if resp.State.RunID < known {
			return nil, shuffle.ErrStale
		}
		if resp.State.RunID == known {
			// We've seen this exact run id before and no longer hold a
			// live Run for it: it was closed/replaced. A fresh request
			// for the same id is stale, not a reason to resurrect it.
			return nil, shuffle.ErrStale
		}
	}

	run, err := shuffle.New(shuffle.Deps{
		ShuffleID:      id,
		RunID:          resp.State.RunID,
		Spec:           resp.State.Spec(),
		SelfAddr:       p.selfAddr,
		WorkerLocalDir: p.workerLocalDir,
		MemLimitBytes:  p.cfg.MemoryLimitBytes,
		DiskLimitBytes: p.cfg.DiskLimitBytes,
		SendFlushBytes: p.cfg.SendFlushBytes,
		SendFlushAge:   p.cfg.SendFlushAge,
		Transport:      p.xport,
		Offload:        p.pool,
		Logger:         p.logger,
		OnFail: func(reason *shuffle.RunError) {
			// Stale only retires this worker's superseded run; the
			// current run is unaffected, so it is not reported.
			if reason.Kind == shuffle.KindStale {
				return
			}
			_ = p.scheduler.ReportFailure(context.Background(), id, resp.State.RunID, reason.Error())
		},
	})
	if err != nil {
		return nil, err
	}

	p.shuffles[id] = run
	p.knownRunIDs[id] = resp.State.RunID
	return run, nil
}

// GetShuffleRun resolves a run strictly by its already-known identity: no
// scheduler call, no lazy creation. It is what inbound RPC handlers use
// once a run is expected to already exist locally.
func (p *Plugin) GetShuffleRun(id cluster.ShuffleID, expectedRunID cluster.RunID) (*shuffle.Run, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	run, ok := p.shuffles[id]
	if !ok {
		if known, seen := p.knownRunIDs[id]; seen && expectedRunID > known {
			return nil, shuffle.NewInvalid(fmt.Errorf("run id %d exceeds highest known %d for shuffle %s", expectedRunID, known, id))
		}
		return nil, shuffle.ErrStale
	}
	if run.RunID() != expectedRunID {
		return nil, shuffle.ErrStale
	}
	return run, nil
}

// resolveForInbound finds (or lazily creates) the run addressed by an
// inbound RPC, discarding messages for a run id that turns out not to be
// the scheduler's current one.
func (p *Plugin) resolveForInbound(ctx context.Context, id cluster.ShuffleID, runID cluster.RunID) (*shuffle.Run, error) {
	run, err := p.GetShuffleRun(id, runID)
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, shuffle.ErrStale) {
		return nil, err
	}

	run, err = p.GetOrCreateShuffle(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.RunID() != runID {
		return nil, shuffle.ErrStale
	}
	return run, nil
}

// AddPartition is the task-graph entry point: shuffle-transfer(input_idx,
// table) calls this (spec.md §6).
func (p *Plugin) AddPartition(ctx context.Context, id cluster.ShuffleID, table codec.Table, inputPartitionIdx int) error {
	run, err := p.GetOrCreateShuffle(ctx, id)
	if err != nil {
		return err
	}
	return run.AddPartition(ctx, table, inputPartitionIdx)
}

// HandleReceive serves the inbound shuffle_receive RPC.
func (p *Plugin) HandleReceive(ctx context.Context, req cluster.ReceiveRequest) error {
	run, err := p.resolveForInbound(ctx, req.ShuffleID, req.RunID)
	if err != nil {
		return err
	}
	return run.Receive(ctx, req.Payloads)
}

// HandleInputsDone serves the inbound shuffle_inputs_done RPC, which the
// Scheduler Plugin's barrier fans out to every participant.
func (p *Plugin) HandleInputsDone(ctx context.Context, id cluster.ShuffleID, runID cluster.RunID) error {
	run, err := p.GetShuffleRun(id, runID)
	if err != nil {
		return err
	}
	return run.InputsDone(ctx)
}

// HandleFail serves the inbound shuffle_fail RPC: the scheduler (or a peer
// that first observed the failure) is propagating a reason to every
// participant. Unknown or already-superseded runs are silently ignored.
func (p *Plugin) HandleFail(id cluster.ShuffleID, runID cluster.RunID, reason string) {
	p.mu.Lock()
	run, ok := p.shuffles[id]
	p.mu.Unlock()
	if !ok || run.RunID() != runID {
		return
	}
	run.Fail(shuffle.NewFailed(errors.New(reason)))
}

// GetOutputPartition is the task-graph entry point: shuffle-p2p(output_idx,
// barrier_token) calls this on whichever worker owns output_idx.
func (p *Plugin) GetOutputPartition(ctx context.Context, id cluster.ShuffleID, partition int, key string) (codec.Table, error) {
	p.mu.Lock()
	run, ok := p.shuffles[id]
	p.mu.Unlock()
	if !ok {
		return codec.Table{}, shuffle.ErrInvalid
	}
	return run.GetOutputPartition(ctx, partition, key)
}

// Heartbeat returns a snapshot for every run currently hosted, for the
// periodic shuffle_heartbeat RPC.
func (p *Plugin) Heartbeat(seq uint64) []cluster.Heartbeat {
	p.mu.Lock()
	runs := make([]*shuffle.Run, 0, len(p.shuffles))
	for _, run := range p.shuffles {
		runs = append(runs, run)
	}
	p.mu.Unlock()

	out := make([]cluster.Heartbeat, 0, len(runs))
	for _, run := range runs {
		out = append(out, run.Heartbeat(seq))
	}
	return out
}

// CloseShuffle removes and closes the run for id, if one is hosted here.
func (p *Plugin) CloseShuffle(id cluster.ShuffleID) {
	p.mu.Lock()
	run, ok := p.shuffles[id]
	if ok {
		delete(p.shuffles, id)
	}
	p.mu.Unlock()
	if ok {
		run.Close()
	}
}

// Shutdown closes every hosted run, for worker process shutdown.
func (p *Plugin) Shutdown() {
	p.mu.Lock()
	runs := make([]*shuffle.Run, 0, len(p.shuffles))
	for id, run := range p.shuffles {
		runs = append(runs, run)
		delete(p.shuffles, id)
	}
	p.mu.Unlock()

	for _, run := range runs {
		run.Close()
	}
	p.pool.Close()
}
