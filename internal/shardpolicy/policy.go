package shardpolicy

import (
	"hash/fnv"

	"golang.org/x/exp/slices"

	"github.com/dreamware/shuffle/internal/codec"
)

// PartitionColumn is the name of the pre-computed integer column in
// [0, npartitions) that the query planner attaches to every input table,
// selecting each row's output partition (spec.md §3).
const PartitionColumn = "_partitions"

// GetWorkerForRangeSharding maps an output partition to the worker that
// owns it by dividing partitions into contiguous ranges of size
// ceil(npartitions/len(workers)); partition p maps to
// workersSorted[p/rangeSize]. workersSorted must already be sorted
// (lexicographically, by convention) so every worker computing this
// function for the same inputs gets the identical mapping — grounded on
// shard_registry.go's GetShardForKey reasoning, generalized from a hash
// mapping to a stable range mapping.
func GetWorkerForRangeSharding(npartitions, partition int, workersSorted []string) string {
	if len(workersSorted) == 0 || npartitions <= 0 {
		return ""
	}
	rangeSize := (npartitions + len(workersSorted) - 1) / len(workersSorted)
	if rangeSize <= 0 {
		rangeSize = 1
	}
	idx := partition / rangeSize
	if idx >= len(workersSorted) {
		idx = len(workersSorted) - 1
	}
	return workersSorted[idx]
}

// BuildWorkerFor computes the full output_partition -> worker mapping for
// npartitions partitions across the given (unsorted) worker addresses.
// Workers are sorted lexicographically first so the mapping is stable and
// reproducible regardless of registration order.
func BuildWorkerFor(npartitions int, workers []string) map[int]string {
	sorted := append([]string(nil), workers...)
	slices.Sort(sorted)

	workerFor := make(map[int]string, npartitions)
	for p := 0; p < npartitions; p++ {
		workerFor[p] = GetWorkerForRangeSharding(npartitions, p, sorted)
	}
	return workerFor
}

// PartitionForRow reads the PartitionColumn value for a row and returns
// its output partition. A null entry (no precomputed partition — e.g. the
// row's key column was null upstream) maps to partition 0, matching the
// documented current behavior in spec.md §9; this is an explicit decision,
// not inferred.
func PartitionForRow(t codec.Table, row int) int {
	col, ok := t.Columns[PartitionColumn]
	if !ok {
		return 0
	}
	if row >= len(col.Valid) || !col.Valid[row] {
		return 0
	}
	return int(col.Int64s[row])
}

// HashPartition hashes an arbitrary key to a partition in [0, n) using
// FNV-1a, the same hash family shard_registry.go used for consistent
// key-to-shard routing. It is exposed for test fixtures and tooling that
// need to synthesize a PartitionColumn from raw key bytes; the production
// path always consumes the planner's precomputed column.
func HashPartition(key []byte, n int) int {
	if n <= 0 {
		return 0
	}
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32() % uint32(n))
}
