package pool

import (
	"log/slog"
	"time"

	"github.com/reelworks/reelpool/internal/decoder"
)

// DisposalQueue is the deduplicating queue of slots pending teardown.
// Evicted slots park here, decoder still open, until a drain pass tears
// them down; re-acquiring the same content before that cancels the disposal
// and reinstates the slot. This is what keeps back-and-forth scrolling near
// a window boundary stutter-free.
//
// All queue state is guarded by the owning pool's mutex: enqueueing a slot
// and removing it from the active map are a single atomic step, so a
// content ID is never both active and pending.
type DisposalQueue struct {
	pool *Pool

	// Guarded by pool.mu.
	pending  map[string]*Slot
	order    []string
	disposed uint64
}

func newDisposalQueue(p *Pool) *DisposalQueue {
	return &DisposalQueue{
		pool:    p,
		pending: make(map[string]*Slot),
	}
}

// Enqueue removes the active slot for contentID from the pool and queues it
// for teardown. Enqueueing an already-pending or unknown ID is a no-op.
// Pinned slots are not enqueued.
func (q *DisposalQueue) Enqueue(contentID string) bool {
	q.pool.mu.Lock()
	defer q.pool.mu.Unlock()

	if _, already := q.pending[contentID]; already {
		return false
	}
	s, ok := q.pool.slots[contentID]
	if !ok || s.pinned {
		return false
	}
	q.pool.removeAndEnqueueLocked(s)
	return true
}

// Pending returns the content IDs currently awaiting teardown, oldest first.
func (q *DisposalQueue) Pending() []string {
	q.pool.mu.Lock()
	defer q.pool.mu.Unlock()
	return append([]string(nil), q.order...)
}

// Drain tears down up to batchLimit pending slots, oldest first. A slot that
// was touched after it was enqueued is skipped without teardown: disposing a
// slot that is back in use is never acceptable. Returns the number of slots
// torn down.
func (q *DisposalQueue) Drain(batchLimit int) int {
	return q.drain(batchLimit, true)
}

// ForceDrainAll synchronously tears down every pending slot. With
// respectPins true (app paused/inactive), pinned entries survive; with
// false (app detached), nothing does.
func (q *DisposalQueue) ForceDrainAll(respectPins bool) int {
	return q.drain(0, respectPins)
}

// drain processes up to limit entries (0 = all). Must NOT hold pool.mu.
func (q *DisposalQueue) drain(limit int, respectPins bool) int {
	q.pool.mu.Lock()

	var victims []*Slot
	var handles []decoder.Handle
	var kept []string

	for _, id := range q.order {
		if limit > 0 && len(victims) >= limit {
			kept = append(kept, id)
			continue
		}
		s := q.pending[id]

		if respectPins && s.pinned {
			kept = append(kept, id)
			continue
		}
		// An entry touched after it was enqueued is back in use; tearing
		// it down would kill live playback. Only the hard drain on detach
		// (respectPins false) overrides this.
		if respectPins && s.lastAccess.After(s.enqueuedAt) {
			q.pool.logger.Warn("skipping disposal of re-acquired slot",
				slog.String("content_id", id))
			kept = append(kept, id)
			continue
		}

		if s.handle != nil {
			handles = append(handles, s.handle)
		}
		q.pool.markDisposedLocked(s)
		delete(q.pending, id)
		victims = append(victims, s)
	}
	q.order = kept
	q.disposed += uint64(len(victims))
	q.pool.mu.Unlock()

	for _, h := range handles {
		_ = h.Close()
	}
	if len(victims) > 0 {
		q.pool.logger.Debug("drained disposal queue", slog.Int("disposed", len(victims)))
	}
	return len(victims)
}

// enqueueLocked adds a slot to the queue, deduplicating by content ID.
// Must hold pool.mu.
func (q *DisposalQueue) enqueueLocked(s *Slot) {
	if _, already := q.pending[s.ContentID]; already {
		return
	}
	q.pending[s.ContentID] = s
	q.order = append(q.order, s.ContentID)
}

// cancelLocked removes and returns a pending slot so the pool can reinstate
// it. Must hold pool.mu.
func (q *DisposalQueue) cancelLocked(contentID string) *Slot {
	s, ok := q.pending[contentID]
	if !ok {
		return nil
	}
	delete(q.pending, contentID)
	for i, id := range q.order {
		if id == contentID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return s
}

// takeAllLocked disposes every pending slot and returns the handles to
// close. Used by the memory pressure path. Must hold pool.mu.
func (q *DisposalQueue) takeAllLocked() []decoder.Handle {
	var handles []decoder.Handle
	n := 0
	for id, s := range q.pending {
		if s.handle != nil {
			handles = append(handles, s.handle)
		}
		q.pool.markDisposedLocked(s)
		delete(q.pending, id)
		n++
	}
	q.order = nil
	q.disposed += uint64(n)
	return handles
}

// enqueueTimeFor reports when a pending slot was enqueued. Test helper.
func (q *DisposalQueue) enqueueTimeFor(contentID string) (time.Time, bool) {
	q.pool.mu.Lock()
	defer q.pool.mu.Unlock()
	if s, ok := q.pending[contentID]; ok {
		return s.enqueuedAt, true
	}
	return time.Time{}, false
}
