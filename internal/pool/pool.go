// Package pool implements the bounded video controller pool backing the
// short-form feed: a capacity-limited mapping from content ID to decoder
// slot with LRU eviction, pinning, deduplicated asynchronous disposal, and
// stale-completion protection.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/reelworks/reelpool/internal/content"
	"github.com/reelworks/reelpool/internal/decoder"
)

// Config holds controller pool configuration.
type Config struct {
	// Capacity is the maximum number of simultaneously live slots
	// (Initializing, Ready, Playing, or Paused).
	Capacity int
	// InitTimeout bounds a single decoder initialization attempt.
	InitTimeout time.Duration
	// InitRetryDelay is the backoff before the single retry after a
	// timed-out initialization, and before the delayed re-acquire that
	// follows a hardware decoder flush.
	InitRetryDelay time.Duration
	// AcquireWaitTimeout is how long an acquire is queued when the pool is
	// full and every slot is pinned.
	AcquireWaitTimeout time.Duration
}

// DefaultConfig returns sensible defaults for mobile decoder budgets.
func DefaultConfig() Config {
	return Config{
		Capacity:           3,
		InitTimeout:        15 * time.Second,
		InitRetryDelay:     1 * time.Second,
		AcquireWaitTimeout: 5 * time.Second,
	}
}

// Pool is the bounded controller pool. At most one non-disposed slot exists
// per content ID, and the number of live slots never exceeds Capacity.
type Pool struct {
	cfg     Config
	factory decoder.Factory
	source  content.Source
	logger  *slog.Logger

	mu        sync.Mutex
	slots     map[string]*Slot
	disposals *DisposalQueue
	waiters   []chan struct{}
	gen       uint64
	closed    bool
	hwRetried map[string]bool

	// Counters, guarded by mu.
	evictions  uint64
	staleInits uint64
	flushes    uint64
	reinstated uint64
}

// New creates a controller pool. The factory opens decoder handles; the
// source resolves content IDs to playable URLs at initialization time.
func New(cfg Config, factory decoder.Factory, source content.Source, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		cfg:       cfg,
		factory:   factory,
		source:    source,
		logger:    logger.With(slog.String("component", "pool")),
		slots:     make(map[string]*Slot),
		hwRetried: make(map[string]bool),
	}
	p.disposals = newDisposalQueue(p)
	return p
}

// Disposals returns the pool's disposal queue.
func (p *Pool) Disposals() *DisposalQueue {
	return p.disposals
}

// Acquire returns the slot for contentID, creating one in Initializing
// state when absent. A Ready/Playing/Paused slot is returned as-is (the
// instant-playback path). An Errored slot is treated as absent: it is
// removed and a fresh slot is created. When the pool is at capacity the
// least-recently-accessed unpinned slot is evicted first; if every slot is
// pinned the acquire is queued until one becomes evictable or the wait
// timeout elapses.
func (p *Pool) Acquire(ctx context.Context, contentID string) (*Slot, error) {
	p.mu.Lock()

	for {
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		if s, ok := p.slots[contentID]; ok {
			if s.state != SlotErrored {
				s.lastAccess = time.Now()
				p.mu.Unlock()
				return s, nil
			}
			// Errored slots are equivalent to absent: destroy and recreate.
			delete(p.slots, contentID)
		}

		if p.liveCountLocked() < p.cfg.Capacity {
			break
		}
		if _, ok := p.evictLRULocked(nil); ok {
			continue
		}

		// Every slot is pinned. Queue the acquire until a slot becomes
		// evictable, then re-run the whole check.
		waiter := make(chan struct{}, 1)
		p.waiters = append(p.waiters, waiter)
		p.mu.Unlock()

		waitCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireWaitTimeout)
		select {
		case <-waiter:
			cancel()
			p.mu.Lock()
		case <-waitCtx.Done():
			cancel()
			p.mu.Lock()
			p.removeWaiterLocked(waiter)
			p.mu.Unlock()
			if errors.Is(waitCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, ErrNoEvictable
			}
			return nil, ctx.Err()
		}
	}

	// A pending disposal for this ID means the slot was evicted but not yet
	// torn down: re-acquisition cancels the disposal and reinstates the slot
	// with its decoder still warm. Reinstatement is an admission like any
	// other, which is why it sits below the capacity check. A pending entry
	// still marked Initializing has no handle and no goroutine left (its
	// completion was discarded when it was evicted), so it is torn down here
	// and replaced with a fresh slot.
	if s := p.disposals.cancelLocked(contentID); s != nil {
		if s.handle != nil {
			s.enqueuedAt = time.Time{}
			s.lastAccess = time.Now()
			p.slots[contentID] = s
			p.reinstated++
			p.mu.Unlock()
			return s, nil
		}
		p.markDisposedLocked(s)
		p.disposals.disposed++
	}

	p.gen++
	s := &Slot{
		ContentID:  contentID,
		pool:       p,
		generation: p.gen,
		state:      SlotInitializing,
		lastAccess: time.Now(),
		ready:      make(chan struct{}),
	}
	p.slots[contentID] = s
	p.mu.Unlock()

	go p.initialize(s)
	return s, nil
}

// Release marks the slot as recently used. It never tears anything down;
// teardown only happens through the disposal queue.
func (p *Pool) Release(contentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.slots[contentID]; ok {
		s.lastAccess = time.Now()
	}
}

// Pin marks the given content IDs as exempt from LRU eviction. Pinning is
// idempotent and additive.
func (p *Pool) Pin(ids ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		if s, ok := p.slots[id]; ok {
			s.pinned = true
		}
	}
}

// Unpin clears the pinned flag on the given content IDs.
func (p *Pool) Unpin(ids ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		if s, ok := p.slots[id]; ok && s.pinned {
			s.pinned = false
			p.notifyWaiterLocked()
		}
	}
}

// PinOnly pins exactly the given set and unpins every other slot.
func (p *Pool) PinOnly(ids []string) {
	keep := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		keep[id] = struct{}{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, s := range p.slots {
		_, want := keep[id]
		if s.pinned && !want {
			s.pinned = false
			p.notifyWaiterLocked()
		} else if want {
			s.pinned = true
		}
	}
}

// EvictLRU evicts the least-recently-accessed unpinned slot, excluding the
// given IDs, and enqueues it for disposal. It returns the evicted content ID
// or false when every candidate is pinned or excluded. Ties on the access
// timestamp break deterministically toward the smallest content ID.
func (p *Pool) EvictLRU(excluding map[string]struct{}) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.evictLRULocked(excluding)
}

// CleanupDistant evicts every slot whose feed index is further than
// keepRange from center, except pinned slots. Slots for content no longer
// in the feed are treated as infinitely distant. Returns the evicted IDs.
func (p *Pool) CleanupDistant(center, keepRange int, feed *content.Feed) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var evicted []string
	for id, s := range p.slots {
		if s.pinned || s.state == SlotDisposed {
			continue
		}
		idx, ok := feed.IndexOf(id)
		if ok && abs(idx-center) <= keepRange {
			continue
		}
		p.removeAndEnqueueLocked(s)
		evicted = append(evicted, id)
	}
	sort.Strings(evicted)
	return evicted
}

// PauseAll transitions every Playing slot to Paused. Idempotent.
func (p *Pool) PauseAll() {
	p.mu.Lock()
	var handles []decoder.Handle
	for _, s := range p.slots {
		if s.state == SlotPlaying {
			s.state = SlotPaused
			handles = append(handles, s.handle)
		}
	}
	p.mu.Unlock()

	for _, h := range handles {
		if err := h.Pause(); err != nil {
			p.logger.Warn("pausing decoder failed", slog.String("error", err.Error()))
		}
	}
}

// FlushAll disposes every slot immediately, bypassing the disposal queue.
// Used after hardware decoder failures, where shared decoder state may be
// corrupted, and on pool teardown.
func (p *Pool) FlushAll(reason string) int {
	p.mu.Lock()
	var handles []decoder.Handle
	n := len(p.slots)
	for id, s := range p.slots {
		if s.handle != nil {
			handles = append(handles, s.handle)
		}
		p.markDisposedLocked(s)
		delete(p.slots, id)
	}
	p.flushes++
	p.notifyWaiterLocked()
	p.mu.Unlock()

	if n > 0 {
		p.logger.Warn("flushed all slots", slog.Int("count", n), slog.String("reason", reason))
	}
	for _, h := range handles {
		_ = h.Close()
	}
	return n
}

// DisposeForMemoryPressure shrinks the pool to at most keep slots
// immediately, bypassing disposal batching. Pinned slots are kept first,
// then the most recently accessed. Pending disposals are drained too.
func (p *Pool) DisposeForMemoryPressure(keep int) int {
	p.mu.Lock()

	slots := make([]*Slot, 0, len(p.slots))
	for _, s := range p.slots {
		slots = append(slots, s)
	}
	sort.Slice(slots, func(i, j int) bool {
		if slots[i].pinned != slots[j].pinned {
			return slots[i].pinned
		}
		if !slots[i].lastAccess.Equal(slots[j].lastAccess) {
			return slots[i].lastAccess.After(slots[j].lastAccess)
		}
		return slots[i].ContentID < slots[j].ContentID
	})

	var handles []decoder.Handle
	disposed := 0
	for i := keep; i < len(slots); i++ {
		s := slots[i]
		if s.handle != nil {
			handles = append(handles, s.handle)
		}
		p.markDisposedLocked(s)
		delete(p.slots, s.ContentID)
		disposed++
	}
	p.notifyWaiterLocked()

	handles = append(handles, p.disposals.takeAllLocked()...)
	p.mu.Unlock()

	for _, h := range handles {
		_ = h.Close()
	}
	if disposed > 0 {
		p.logger.Info("disposed slots under memory pressure",
			slog.Int("disposed", disposed), slog.Int("kept", keep))
	}
	return disposed
}

// Get returns the active slot for contentID without creating one.
func (p *Pool) Get(contentID string) (*Slot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[contentID]
	return s, ok
}

// Close flushes every slot and rejects further use.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, w := range p.waiters {
		close(w)
	}
	p.waiters = nil
	p.mu.Unlock()

	p.FlushAll("pool closed")
	p.disposals.ForceDrainAll(false)
}

// Stats returns a snapshot of pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	byState := make(map[string]int)
	slots := make([]SlotInfo, 0, len(p.slots))
	live := 0
	for _, s := range p.slots {
		byState[s.state.String()]++
		if s.state.Live() {
			live++
		}
		slots = append(slots, SlotInfo{
			ContentID:  s.ContentID,
			State:      s.state.String(),
			Reason:     s.reason,
			Pinned:     s.pinned,
			LastAccess: s.lastAccess,
			Generation: s.generation,
		})
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].ContentID < slots[j].ContentID })

	return Stats{
		Capacity:         p.cfg.Capacity,
		Live:             live,
		ByState:          byState,
		Slots:            slots,
		PendingDisposals: len(p.disposals.pending),
		Evictions:        p.evictions,
		StaleInits:       p.staleInits,
		Flushes:          p.flushes,
		Reinstated:       p.reinstated,
		Disposed:         p.disposals.disposed,
	}
}

// Stats holds controller pool statistics.
type Stats struct {
	Capacity         int            `json:"capacity"`
	Live             int            `json:"live"`
	ByState          map[string]int `json:"by_state"`
	Slots            []SlotInfo     `json:"slots,omitempty"`
	PendingDisposals int            `json:"pending_disposals"`
	Evictions        uint64         `json:"evictions"`
	StaleInits       uint64         `json:"stale_inits"`
	Flushes          uint64         `json:"flushes"`
	Reinstated       uint64         `json:"reinstated"`
	Disposed         uint64         `json:"disposed"`
}

// initialize opens the decoder handle for a freshly created slot. Runs on
// its own goroutine; the completion re-validates that the slot is still the
// pool's current entry before installing anything, so a slot evicted
// mid-initialization is never resurrected.
func (p *Pool) initialize(s *Slot) {
	url, err := p.source.ResolvePlayableURL(context.Background(), s.ContentID)
	if err != nil {
		p.markErrored(s, fmt.Sprintf("resolving url: %v", err))
		return
	}

	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.InitTimeout)
		h, err := p.factory.Open(ctx, s.ContentID, url)
		cancel()

		if err == nil {
			p.installHandle(s, h)
			return
		}

		if errors.Is(err, decoder.ErrHardware) {
			p.handleHardwareFailure(s, err)
			return
		}

		// One retry with a short backoff after a timeout; everything else
		// (and the second timeout) marks the slot errored.
		if errors.Is(err, context.DeadlineExceeded) && attempt == 0 {
			p.logger.Debug("decoder init timed out, retrying once",
				slog.String("content_id", s.ContentID))
			time.Sleep(p.cfg.InitRetryDelay)
			if p.slotStale(s) {
				return
			}
			continue
		}

		if errors.Is(err, context.DeadlineExceeded) {
			p.markErrored(s, ErrInitTimeout.Error())
		} else {
			p.markErrored(s, err.Error())
		}
		return
	}
}

// installHandle installs an opened decoder handle, discarding it when the
// slot has been evicted or superseded since the open started.
func (p *Pool) installHandle(s *Slot, h decoder.Handle) {
	p.mu.Lock()
	current, ok := p.slots[s.ContentID]
	if !ok || current != s || current.generation != s.generation || s.state != SlotInitializing {
		p.staleInits++
		p.mu.Unlock()
		p.logger.Debug("discarding stale decoder initialization",
			slog.String("content_id", s.ContentID),
			slog.Uint64("generation", s.generation))
		_ = h.Close()
		return
	}
	s.handle = h
	s.state = SlotReady
	delete(p.hwRetried, s.ContentID)
	close(s.ready)
	p.mu.Unlock()

	p.logger.Debug("slot ready", slog.String("content_id", s.ContentID))
}

// markErrored records a contained failure on the slot. Deliberate
// cancellation (eviction mid-init) never lands here; evicted slots discard
// their completion silently.
func (p *Pool) markErrored(s *Slot, reason string) {
	p.mu.Lock()
	current, ok := p.slots[s.ContentID]
	if !ok || current != s || s.state != SlotInitializing {
		p.staleInits++
		p.mu.Unlock()
		return
	}
	s.state = SlotErrored
	s.reason = reason
	close(s.ready)
	// An errored slot no longer counts against capacity.
	p.notifyWaiterLocked()
	p.mu.Unlock()

	p.logger.Warn("slot errored",
		slog.String("content_id", s.ContentID),
		slog.String("reason", reason))
}

// handleHardwareFailure flushes the entire pool (hardware decoder state can
// be corrupted system-wide) and schedules a single delayed retry of the
// originally requested content only. The retry is not repeated if it hits
// another hardware failure.
func (p *Pool) handleHardwareFailure(s *Slot, err error) {
	p.logger.Error("hardware decoder failure, flushing pool",
		slog.String("content_id", s.ContentID),
		slog.String("error", err.Error()))

	p.FlushAll("hardware decoder failure")

	id := s.ContentID
	p.mu.Lock()
	retried := p.hwRetried[id]
	p.hwRetried[id] = true
	p.mu.Unlock()
	if retried {
		return
	}

	time.AfterFunc(p.cfg.InitRetryDelay, func() {
		if _, aerr := p.Acquire(context.Background(), id); aerr != nil {
			p.logger.Warn("post-flush retry failed",
				slog.String("content_id", id),
				slog.String("error", aerr.Error()))
		}
	})
}

// slotStale reports whether the slot is no longer the pool's current entry.
func (p *Pool) slotStale(s *Slot) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	current, ok := p.slots[s.ContentID]
	return !ok || current != s || s.state != SlotInitializing
}

// liveCountLocked counts slots holding a decoder budget unit.
func (p *Pool) liveCountLocked() int {
	n := 0
	for _, s := range p.slots {
		if s.state.Live() {
			n++
		}
	}
	return n
}

// evictLRULocked selects and evicts the eviction victim. Must hold p.mu.
func (p *Pool) evictLRULocked(excluding map[string]struct{}) (string, bool) {
	var victim *Slot
	for id, s := range p.slots {
		if s.pinned || s.state == SlotDisposed {
			continue
		}
		if _, skip := excluding[id]; skip {
			continue
		}
		if victim == nil {
			victim = s
			continue
		}
		if s.lastAccess.Before(victim.lastAccess) ||
			(s.lastAccess.Equal(victim.lastAccess) && s.ContentID < victim.ContentID) {
			victim = s
		}
	}
	if victim == nil {
		return "", false
	}
	p.removeAndEnqueueLocked(victim)
	return victim.ContentID, true
}

// removeAndEnqueueLocked atomically removes a slot from the active map and
// enqueues it for disposal, so an ID is never both active and pending.
// Must hold p.mu.
func (p *Pool) removeAndEnqueueLocked(s *Slot) {
	delete(p.slots, s.ContentID)
	s.pinned = false
	s.enqueuedAt = time.Now()
	p.disposals.enqueueLocked(s)
	p.evictions++
	p.notifyWaiterLocked()
}

// markDisposedLocked finalizes a slot's state. Must hold p.mu.
func (p *Pool) markDisposedLocked(s *Slot) {
	wasInitializing := s.state == SlotInitializing
	s.state = SlotDisposed
	s.handle = nil
	if wasInitializing {
		close(s.ready)
	}
}

// notifyWaiterLocked wakes one queued acquire. Must hold p.mu.
func (p *Pool) notifyWaiterLocked() {
	if len(p.waiters) == 0 {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	select {
	case w <- struct{}{}:
	default:
	}
}

// removeWaiterLocked drops a waiter that timed out. Must hold p.mu.
func (p *Pool) removeWaiterLocked(waiter chan struct{}) {
	for i, w := range p.waiters {
		if w == waiter {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
