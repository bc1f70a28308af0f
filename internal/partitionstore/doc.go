// Package partitionstore implements the Partition Store (C3): one
// append-only on-disk accumulator per output partition a worker owns for a
// given run, rooted under a single exclusive run directory
// ({worker_local_dir}/shuffle-{shuffle_id}-{run_id}/{partition}).
//
// Every Append acquires byte permits from a disk internal/limiter.Limiter
// before writing, so a Shuffle Run's total disk footprint stays bounded and
// producers feel backpressure instead of the store silently growing
// without limit. A successful Append is guaranteed visible to a subsequent
// Read within the same run's lifetime; no recovery across runs is
// promised, matching the teacher's philosophy of a thread-safe,
// sentinel-errored storage interface (internal/storage.Store in the
// original Torua source) retargeted from a key-value map to an
// append-only byte log.
package partitionstore
