package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/shuffle/internal/codec"
)

// ShuffleID is the opaque, stable identifier of a logical shuffle. It is
// derived by the query planner from the task graph and stays the same
// across re-executions of the same operation; only the RunID changes
// between executions.
type ShuffleID string

// NewShuffleID generates a fresh ShuffleID. The production path receives
// ShuffleIDs from the query planner; this is for tests and standalone
// fixtures that need one.
func NewShuffleID() ShuffleID {
	return ShuffleID(uuid.NewString())
}

// RunID is a 64-bit monotonically increasing integer allocated by the
// Scheduler Plugin. For a given ShuffleID, later runs always have strictly
// larger RunIDs; a Shuffle Run is uniquely identified by (ShuffleID, RunID).
type RunID int64

// WorkerInfo describes a worker process participating in the cluster:
// its identity, network address, and last known health status as tracked
// by the Scheduler Plugin's health monitor.
type WorkerInfo struct {
	LastHealthCheck time.Time `json:"last_health_check,omitempty"`
	ID              string    `json:"id"`
	Addr            string    `json:"addr"`
	Status          string    `json:"status,omitempty"`
}

// RegisterRequest is sent by a worker process to join the cluster.
type RegisterRequest struct {
	Worker WorkerInfo `json:"worker"`
}

// ShuffleSpec is the immutable part of a shuffle: the partition column,
// partition count, output-partition-to-worker mapping, and schema. It is
// fixed for the lifetime of one run; a later run of the same ShuffleID may
// carry a different WorkerFor, since AssignRun recomputes it from the
// live fleet.
type ShuffleSpec struct {
	// WorkerFor maps each output partition to the address of the worker
	// that owns it for the lifetime of this run.
	WorkerFor map[int]string `json:"worker_for"`
	Column    string         `json:"column"`
	Schema    codec.Schema   `json:"schema"`
	NPartitions int          `json:"npartitions"`
}

// ShuffleStatus is the scheduler's coarse view of a shuffle's lifecycle,
// independent of any single worker's local Run state.
type ShuffleStatus string

const (
	ShuffleStatusRunning ShuffleStatus = "running"
	ShuffleStatusFailed  ShuffleStatus = "failed"
	ShuffleStatusDone    ShuffleStatus = "done"
)

// ShuffleState is what the Scheduler Plugin hands back from shuffle_get: the
// current run id, the full worker mapping, and status. Workers use it to
// lazily instantiate or replace their local Shuffle Run.
type ShuffleState struct {
	ShuffleID            ShuffleID     `json:"shuffle_id"`
	RunID                RunID         `json:"run_id"`
	ParticipatingWorkers []string      `json:"participating_workers"`
	WorkerFor            map[int]string `json:"worker_for"`
	Schema               codec.Schema  `json:"schema"`
	Column               string        `json:"column"`
	NPartitions          int           `json:"npartitions"`
	Status               ShuffleStatus `json:"status"`
}

// Spec extracts the immutable ShuffleSpec a worker needs to instantiate a
// Shuffle Run from this state.
func (s ShuffleState) Spec() ShuffleSpec {
	return ShuffleSpec{
		Column:      s.Column,
		NPartitions: s.NPartitions,
		WorkerFor:   s.WorkerFor,
		Schema:      s.Schema,
	}
}

// GetRequest is the body of the shuffle_get RPC: a worker asking the
// scheduler whether it participates in a shuffle and, if so, its current
// run id and mapping.
type GetRequest struct {
	ShuffleID     ShuffleID `json:"shuffle_id"`
	WorkerAddress string    `json:"worker_address"`
}

// GetResponse wraps a ShuffleState; Participating is false (and State is
// zero) when the requesting worker address is not in the shuffle's
// participant set, or the shuffle id is unknown to the scheduler.
type GetResponse struct {
	State         ShuffleState `json:"state"`
	Participating bool         `json:"participating"`
}

// BarrierRequest is the body of the shuffle_barrier RPC.
type BarrierRequest struct {
	ShuffleID ShuffleID `json:"shuffle_id"`
	RunID     RunID     `json:"run_id"`
}

// ReceivePayload is one shard of bytes destined for a single output
// partition, as sent over the Comm Buffer's wire channel.
type ReceivePayload struct {
	OutputPartition int    `json:"output_partition"`
	Bytes           []byte `json:"bytes"`
}

// ReceiveRequest is the body of the shuffle_receive RPC: a batch of
// per-partition payloads addressed to one (ShuffleID, RunID) run.
type ReceiveRequest struct {
	ShuffleID ShuffleID        `json:"shuffle_id"`
	RunID     RunID            `json:"run_id"`
	Payloads  []ReceivePayload `json:"payloads"`
}

// InputsDoneRequest is the body of the shuffle_inputs_done RPC.
type InputsDoneRequest struct {
	ShuffleID ShuffleID `json:"shuffle_id"`
	RunID     RunID     `json:"run_id"`
}

// FailRequest is the body of the shuffle_fail RPC: propagates a failure
// reason from the scheduler (or from the worker that first observed it) to
// every other participant of a run.
type FailRequest struct {
	ShuffleID ShuffleID `json:"shuffle_id"`
	RunID     RunID     `json:"run_id"`
	Reason    string    `json:"reason"`
}

// Ack is the trivial success response shared by every inbound RPC handler.
type Ack struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Heartbeat is the per-run counter snapshot a worker periodically reports
// to the scheduler. Heartbeats are observability-only: losing one, or
// receiving them out of order, never affects shuffle correctness.
type Heartbeat struct {
	ShuffleID     ShuffleID     `json:"shuffle_id"`
	RunID         RunID         `json:"run_id"`
	WorkerID      string        `json:"worker_id"`
	Seq           uint64        `json:"seq"`
	BytesWritten  uint64        `json:"bytes_written"`
	BytesSent     uint64        `json:"bytes_sent"`
	BytesAcked    uint64        `json:"bytes_acked"`
	BytesReceived uint64        `json:"bytes_received"`
	DiskBytes     uint64        `json:"disk_bytes"`
	ActiveMemory  uint64        `json:"active_memory"`
	Errors        uint64        `json:"errors"`
	Elapsed       time.Duration `json:"elapsed"`
}

// HeartbeatRequest is the body of the shuffle_heartbeat RPC.
type HeartbeatRequest struct {
	Heartbeat Heartbeat `json:"heartbeat"`
}

// httpClient is the shared HTTP client for control-plane calls. A 5-second
// timeout bounds how long a stalled peer can block a caller, matching the
// teacher's choice for its coordinator<->node traffic.
var httpClient = &http.Client{Timeout: 5 * time.Second}

// PostJSON sends a JSON-encoded POST request and decodes the JSON response
// into out (which may be nil to discard the body).
func PostJSON(ctx context.Context, url string, body, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetJSON sends a GET request and decodes the JSON response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
