package pool

import "errors"

// ErrPoolClosed is returned when trying to use a closed pool.
var ErrPoolClosed = errors.New("controller pool closed")

// ErrNoEvictable is returned when the pool is at capacity, every slot is
// pinned, and no slot became evictable within the acquire wait timeout.
// Callers surface this as a soft failure (placeholder state), never a crash.
var ErrNoEvictable = errors.New("pool at capacity with no evictable slot")

// ErrSlotDisposed is returned when an operation targets a slot that has
// already been torn down.
var ErrSlotDisposed = errors.New("slot disposed")

// ErrSlotErrored is returned when waiting on a slot whose initialization
// failed. The reason string on the slot carries the detail.
var ErrSlotErrored = errors.New("slot errored")

// ErrInitTimeout is the reason recorded when decoder initialization
// exceeded its bound on both the first attempt and the single retry.
var ErrInitTimeout = errors.New("decoder initialization timed out")
