// Package cluster provides the wire types and HTTP plumbing shared between
// the scheduler process (cmd/coordinator) and worker processes (cmd/node):
// identity types for shuffles and runs, the shuffle spec that a scheduler
// hands to workers, and small JSON request/response helpers used by the
// low-volume control-plane RPCs (registration, shuffle_get, barrier,
// heartbeat).
//
// # Identity
//
// A ShuffleID is stable across re-executions of the same logical shuffle;
// a RunID is a strictly increasing integer allocated once per execution
// attempt. The pair (ShuffleID, RunID) is the only valid way to address a
// running shuffle — see internal/shuffle for the state machine that lives
// behind it.
//
// # Transport
//
// High-volume data transfer (shuffle_receive) goes over internal/transport;
// this package's PostJSON/GetJSON helpers are for the low-frequency control
// calls only, mirroring how the Torua coordinator/node pair talked to each
// other over plain HTTP+JSON.
package cluster
