package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/reelworks/reelpool/internal/decoder"
)

// SlotState is the lifecycle state of a pool slot.
type SlotState int

const (
	// SlotUninitialized is the zero state before initialization starts.
	SlotUninitialized SlotState = iota
	// SlotInitializing means the decoder handle is being opened.
	SlotInitializing
	// SlotReady means the decoder is open and can start instantly.
	SlotReady
	// SlotPlaying means the decoder is rendering.
	SlotPlaying
	// SlotPaused means the decoder is open but halted.
	SlotPaused
	// SlotErrored means initialization or playback failed; callers treat
	// this as absent and may re-acquire.
	SlotErrored
	// SlotDisposed means the handle has been released.
	SlotDisposed
)

func (s SlotState) String() string {
	switch s {
	case SlotUninitialized:
		return "uninitialized"
	case SlotInitializing:
		return "initializing"
	case SlotReady:
		return "ready"
	case SlotPlaying:
		return "playing"
	case SlotPaused:
		return "paused"
	case SlotErrored:
		return "errored"
	case SlotDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Live reports whether the state counts against the pool's decoder budget.
func (s SlotState) Live() bool {
	switch s {
	case SlotInitializing, SlotReady, SlotPlaying, SlotPaused:
		return true
	default:
		return false
	}
}

// Slot pairs a decoder handle with its lifecycle state. All mutable fields
// are guarded by the owning pool's mutex; the handle is exclusively owned by
// the slot and only reachable through the pool.
type Slot struct {
	ContentID string

	pool       *Pool
	generation uint64

	// Guarded by pool.mu.
	state      SlotState
	handle     decoder.Handle
	reason     string
	lastAccess time.Time
	pinned     bool
	enqueuedAt time.Time // non-zero while pending disposal

	// ready is closed when initialization resolves (Ready or Errored).
	ready chan struct{}
}

// SlotInfo is a point-in-time snapshot of a slot, safe to hand out.
type SlotInfo struct {
	ContentID  string    `json:"content_id"`
	State      string    `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	Pinned     bool      `json:"pinned"`
	LastAccess time.Time `json:"last_access"`
	Generation uint64    `json:"generation"`
}

// State returns the current slot state.
func (s *Slot) State() SlotState {
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	return s.state
}

// Reason returns the human-readable error reason, if any.
func (s *Slot) Reason() string {
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	return s.reason
}

// Pinned reports whether the slot is exempt from LRU eviction.
func (s *Slot) Pinned() bool {
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	return s.pinned
}

// LastAccess returns the last acquire/release timestamp.
func (s *Slot) LastAccess() time.Time {
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	return s.lastAccess
}

// Generation returns the slot's creation generation. Stale asynchronous
// completions are detected by comparing generations.
func (s *Slot) Generation() uint64 {
	return s.generation
}

// Info returns a snapshot of the slot.
func (s *Slot) Info() SlotInfo {
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	return SlotInfo{
		ContentID:  s.ContentID,
		State:      s.state.String(),
		Reason:     s.reason,
		Pinned:     s.pinned,
		LastAccess: s.lastAccess,
		Generation: s.generation,
	}
}

// WaitReady blocks until initialization resolves or ctx is done. It returns
// nil when the slot reached Ready (or is already past Ready), ErrSlotErrored
// when initialization failed, and ErrSlotDisposed when the slot was evicted
// before resolving.
func (s *Slot) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	switch s.state {
	case SlotErrored:
		return ErrSlotErrored
	case SlotDisposed:
		return ErrSlotDisposed
	default:
		return nil
	}
}

// Play transitions a Ready or Paused slot to Playing. Playing an already
// playing slot is a no-op.
func (s *Slot) Play() error {
	s.pool.mu.Lock()
	switch s.state {
	case SlotPlaying:
		s.pool.mu.Unlock()
		return nil
	case SlotDisposed:
		s.pool.mu.Unlock()
		return ErrSlotDisposed
	case SlotErrored:
		s.pool.mu.Unlock()
		return ErrSlotErrored
	case SlotReady, SlotPaused:
	default:
		s.pool.mu.Unlock()
		return fmt.Errorf("slot %s not ready: %s", s.ContentID, s.state)
	}
	h := s.handle
	s.state = SlotPlaying
	s.lastAccess = time.Now()
	s.pool.mu.Unlock()

	return h.Play()
}

// Pause transitions a Playing slot to Paused. Pausing a slot that is not
// playing is a no-op.
func (s *Slot) Pause() error {
	s.pool.mu.Lock()
	if s.state != SlotPlaying {
		s.pool.mu.Unlock()
		return nil
	}
	h := s.handle
	s.state = SlotPaused
	s.pool.mu.Unlock()

	return h.Pause()
}

// SeekTo repositions playback on a live, initialized slot.
func (s *Slot) SeekTo(offset time.Duration) error {
	s.pool.mu.Lock()
	if s.handle == nil || !s.state.Live() {
		s.pool.mu.Unlock()
		return ErrSlotDisposed
	}
	h := s.handle
	s.pool.mu.Unlock()

	return h.SeekTo(offset)
}

// Position reports the current playback offset, or zero when the slot has
// no open handle.
func (s *Slot) Position() time.Duration {
	s.pool.mu.Lock()
	h := s.handle
	s.pool.mu.Unlock()
	if h == nil {
		return 0
	}
	return h.Position()
}
