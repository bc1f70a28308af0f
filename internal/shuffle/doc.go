// Package shuffle implements the Shuffle Run (C5): the per-shuffle,
// per-worker state machine that ingests local input partitions, routes
// sharded rows to peer workers, receives shards from peers, spills to disk
// under the Resource Limiter's backpressure, and materializes output
// partitions once every worker has flushed.
//
// A Run moves through Created -> Ingesting -> InputsDone -> Flushed, with
// Closed and Failed reachable from any state. (ShuffleID, RunID) is a Run's
// only identity; the Worker Plugin (internal/worker) owns the map from that
// pair to a live Run and is the only thing that constructs or removes one.
//
// CPU-bound codec work (split/serialize/deserialize) is pushed onto a
// bounded Pool so a Run's own mutex-guarded state transitions stay cheap,
// matching the "update under lock, do I/O outside it" discipline the
// Torua Shard/HealthMonitor types use.
package shuffle
