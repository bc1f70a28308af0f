package partitionstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/dreamware/shuffle/internal/limiter"
)

// ErrDiskFull is returned by Append when the disk limiter permanently
// refuses the requested permits (spec.md §7, DiskFull).
var ErrDiskFull = errors.New("partitionstore: disk limit exceeded")

// RunDir owns the on-disk directory for one Shuffle Run and the set of
// per-partition files within it. It is exclusive to the run that created
// it: no other run ever shares this directory, so no cross-process
// locking is needed (spec.md §9).
type RunDir struct {
	root string
	disk *limiter.Limiter

	mu         sync.Mutex
	partitions map[int]*Store
}

// NewRunDir creates (or reuses) the run directory
// {workerLocalDir}/shuffle-{shuffleID}-{runID} and returns a RunDir rooted
// there.
func NewRunDir(workerLocalDir string, shuffleID string, runID int64, disk *limiter.Limiter) (*RunDir, error) {
	root := filepath.Join(workerLocalDir, fmt.Sprintf("shuffle-%s-%d", shuffleID, runID))
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("partitionstore: creating run directory: %w", err)
	}
	return &RunDir{root: root, disk: disk, partitions: make(map[int]*Store)}, nil
}

// Partition returns the Store for the given output partition, creating
// its backing file on first use. Concurrent calls for the same partition
// return the same Store.
func (d *RunDir) Partition(partition int) (*Store, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if s, ok := d.partitions[partition]; ok {
		return s, nil
	}

	path := filepath.Join(d.root, strconv.Itoa(partition))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("partitionstore: opening partition %d: %w", partition, err)
	}
	s := &Store{path: path, file: f, disk: d.disk}
	d.partitions[partition] = s
	return s, nil
}

// DeleteAll removes the run directory and every partition file beneath
// it, best-effort: errors from individual file closes are ignored, but the
// final directory removal error (if any) is returned.
func (d *RunDir) DeleteAll() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, s := range d.partitions {
		_ = s.file.Close()
	}
	d.partitions = make(map[int]*Store)

	return os.RemoveAll(d.root)
}

// Store is the append-only on-disk accumulator for a single output
// partition. Concurrent Appends are serialized by mu; each Append is
// recorded as one length-prefixed record so Read can reconstruct the
// original list of batches in write order.
type Store struct {
	path string
	file *os.File
	disk *limiter.Limiter
	mu   sync.Mutex
}

// Append acquires len(data) disk permits, then writes data as one
// length-prefixed record to the partition file. It fails with ErrDiskFull
// if the limiter permanently refuses (request exceeds total capacity);
// context cancellation propagates as ctx.Err().
func (s *Store) Append(ctx context.Context, data []byte) error {
	if err := s.disk.Acquire(ctx, int64(len(data))); err != nil {
		if errors.Is(err, limiter.ErrExceedsCapacity) {
			return fmt.Errorf("%w: %v", ErrDiskFull, err)
		}
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(data)))
	if _, err := s.file.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("partitionstore: writing record length: %w", err)
	}
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("partitionstore: writing record body: %w", err)
	}
	return nil
}

// Read returns every batch previously appended, in write order. It is
// idempotent and may be called repeatedly (spec.md §4.5,
// get_output_partition may be invoked by multiple downstream consumers).
func (s *Store) Read() ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.file.Sync(); err != nil {
		return nil, fmt.Errorf("partitionstore: sync before read: %w", err)
	}

	r, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("partitionstore: reopening for read: %w", err)
	}
	defer r.Close()

	var batches [][]byte
	for {
		var lenPrefix [4]byte
		if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("partitionstore: reading record length: %w", err)
		}
		length := binary.BigEndian.Uint32(lenPrefix[:])
		data := make([]byte, length)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("partitionstore: reading record body: %w", err)
		}
		batches = append(batches, data)
	}
	return batches, nil
}
