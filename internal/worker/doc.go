// Package worker implements the Worker Plugin (C6): the per-worker host
// for every Shuffle Run this process is currently participating in. It
// resolves (ShuffleID, RunID) to a live shuffle.Run, lazily instantiating
// one from the Scheduler Plugin's current ShuffleState on first touch, and
// implements the stale-run replacement protocol of spec.md §4.6 — a worker
// never trusts its own memory of a run's identity over what the scheduler
// currently reports.
//
// Generalizes cmd/node/main.go's Node type (an on-demand map of shard.Shard
// guarded by a mutex) from "shard map" to "shuffle-run map."
package worker
