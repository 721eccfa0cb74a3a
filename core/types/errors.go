package types

import "fmt"

// ErrNotFound is returned when a hash or block is not present. Safe to
// surface to callers.
var ErrNotFound = fmt.Errorf("not found")

// ErrCasConflict means someone else wrote the manifest or state record
// concurrently; the writer retries from the outer block boundary.
var ErrCasConflict = fmt.Errorf("cas conflict")

// ErrLeaseLost means the caller's fence epoch is stale; a fresh lease is
// required before further writes are accepted.
var ErrLeaseLost = fmt.Errorf("lease lost")

// ErrInvalidParent means the block's parent hash did not match the head's
// hash. This is fatal under the finalized-only assumption: the service
// latches Degraded.
var ErrInvalidParent = fmt.Errorf("invalid parent")

// ErrFinalityViolation means an already-committed invariant was found
// broken. Fatal; latches Degraded.
var ErrFinalityViolation = fmt.Errorf("finality violation")

// InvalidSequenceError means the caller offered a block out of sequence.
// Retryable with the correct next block.
type InvalidSequenceError struct {
	Expected uint64
	Got      uint64
}

func (e *InvalidSequenceError) Error() string {
	return fmt.Sprintf("invalid sequence: expected block %d, got %d", e.Expected, e.Got)
}

// QueryTooBroadError means a query's OR terms exceeded the configured cap
// under the Error broad-query policy.
type QueryTooBroadError struct {
	Actual int
	Max    int
}

func (e *QueryTooBroadError) Error() string {
	return fmt.Sprintf("query too broad: %d terms exceeds max %d", e.Actual, e.Max)
}

// InvalidParamsError signals a client-side parameter mix-up, e.g.
// combining block_hash with a block range.
type InvalidParamsError struct {
	Msg string
}

func (e *InvalidParamsError) Error() string { return "invalid params: " + e.Msg }

// DecodeError signals corruption or a version mismatch in a persisted
// record. Never retried automatically; it indicates on-disk damage.
type DecodeError struct {
	Msg string
}

func (e *DecodeError) Error() string { return "decode: " + e.Msg }

// BackendError signals a transient backend failure. Adapters retry these
// with bounded backoff; the service ages a counter of them toward
// Throttled/Degraded.
type BackendError struct {
	Msg string
}

func (e *BackendError) Error() string { return "backend: " + e.Msg }

// UnsupportedError signals an operation the current adapter or mode does
// not support.
type UnsupportedError struct {
	Msg string
}

func (e *UnsupportedError) Error() string { return "unsupported: " + e.Msg }

// DegradedError is returned by every operation while the service is
// latched Degraded.
type DegradedError struct {
	Msg string
}

func (e *DegradedError) Error() string { return "degraded: " + e.Msg }

// ThrottledError is returned by ingest while the service is latched
// Throttled (queries, maintenance, and GC still proceed).
type ThrottledError struct {
	Msg string
}

func (e *ThrottledError) Error() string { return "throttled: " + e.Msg }
