package shuffle

import "fmt"

// RunErrorKind names one entry in spec.md §7's error taxonomy. It is a
// closed set: callers switch on it after an errors.As, never compare
// strings.
type RunErrorKind int

const (
	// KindStale means the operation addressed a run superseded by a newer
	// RunID. No side effects occur before this is returned.
	KindStale RunErrorKind = iota + 1
	// KindClosed means the run was closed normally; callers should
	// re-initialize (go through the Worker Plugin again) if they need it.
	KindClosed
	// KindFailed wraps an unrecoverable reason every participant of the
	// run observes identically.
	KindFailed
	// KindWorkerGone means the scheduler detected participant loss.
	KindWorkerGone
	// KindCorruptData means the codec rejected an input; fatal to the run.
	KindCorruptData
	// KindDiskFull means the disk Limiter permanently refused a request.
	KindDiskFull
	// KindMemoryExhausted means the memory Limiter permanently refused a
	// request.
	KindMemoryExhausted
	// KindInvalid means a protocol violation: an unknown run id beyond
	// what the scheduler has assigned, or an operation addressed to a
	// partition this worker does not own.
	KindInvalid
)

func (k RunErrorKind) String() string {
	switch k {
	case KindStale:
		return "stale"
	case KindClosed:
		return "closed"
	case KindFailed:
		return "failed"
	case KindWorkerGone:
		return "worker_gone"
	case KindCorruptData:
		return "corrupt_data"
	case KindDiskFull:
		return "disk_full"
	case KindMemoryExhausted:
		return "memory_exhausted"
	case KindInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// RunError is the concrete type behind every error a Shuffle Run returns.
// Reason may be nil (e.g. a bare Stale/Closed rejection).
type RunError struct {
	Reason error
	Kind   RunErrorKind
}

func (e *RunError) Error() string {
	if e.Reason != nil {
		return fmt.Sprintf("shuffle: %s: %v", e.Kind, e.Reason)
	}
	return fmt.Sprintf("shuffle: %s", e.Kind)
}

func (e *RunError) Unwrap() error { return e.Reason }

// Is makes errors.Is(err, ErrStale) (and the other sentinels below) match
// any RunError of the same Kind, regardless of Reason.
func (e *RunError) Is(target error) bool {
	t, ok := target.(*RunError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel values for errors.Is comparisons against a bare kind.
var (
	ErrStale   = &RunError{Kind: KindStale}
	ErrClosed  = &RunError{Kind: KindClosed}
	ErrInvalid = &RunError{Kind: KindInvalid}
)

func NewStale() *RunError           { return &RunError{Kind: KindStale} }
func NewClosed() *RunError          { return &RunError{Kind: KindClosed} }
func NewFailed(reason error) *RunError {
	return &RunError{Kind: KindFailed, Reason: reason}
}
func NewWorkerGone(addr string) *RunError {
	return &RunError{Kind: KindWorkerGone, Reason: fmt.Errorf("worker gone: %s", addr)}
}
func NewInvalid(reason error) *RunError {
	return &RunError{Kind: KindInvalid, Reason: reason}
}
func NewCorruptData(reason error) *RunError {
	return &RunError{Kind: KindCorruptData, Reason: reason}
}
func NewDiskFull(reason error) *RunError {
	return &RunError{Kind: KindDiskFull, Reason: reason}
}
func NewMemoryExhausted(reason error) *RunError {
	return &RunError{Kind: KindMemoryExhausted, Reason: reason}
}
