package pool

import (
	"context"
	"log/slog"

	"github.com/reelworks/reelpool/internal/content"
)

// SharedPool is the process-wide facade over the controller pool and its
// disposal queue. It is constructed once and passed by reference to every
// collaborator; there is no hidden global, which keeps tests free to build
// fresh instances.
type SharedPool struct {
	pool   *Pool
	logger *slog.Logger
}

// NewShared creates the facade around a controller pool.
func NewShared(p *Pool, logger *slog.Logger) *SharedPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &SharedPool{
		pool:   p,
		logger: logger.With(slog.String("component", "shared-pool")),
	}
}

// Pool exposes the underlying controller pool.
func (sp *SharedPool) Pool() *Pool {
	return sp.pool
}

// Disposals exposes the disposal queue.
func (sp *SharedPool) Disposals() *DisposalQueue {
	return sp.pool.Disposals()
}

// GetOrCreateForInstantPlay is the primary UI-facing accessor. A slot the
// preload window already warmed comes back Ready with its decoder open, so
// playback starts with no perceptible delay; a cold slot comes back
// Initializing and the caller can WaitReady or show a placeholder.
func (sp *SharedPool) GetOrCreateForInstantPlay(ctx context.Context, contentID string) (*Slot, error) {
	return sp.pool.Acquire(ctx, contentID)
}

// PauseAll transitions every playing slot to paused. Idempotent.
func (sp *SharedPool) PauseAll() {
	sp.pool.PauseAll()
}

// CleanupDistant evicts slots outside the relevance window around center.
func (sp *SharedPool) CleanupDistant(center, keepRange int, feed *content.Feed) []string {
	return sp.pool.CleanupDistant(center, keepRange, feed)
}

// DisposeForMemoryPressure shrinks the pool to at most keep slots
// immediately. Emergency path for platform low-memory signals.
func (sp *SharedPool) DisposeForMemoryPressure(keep int) int {
	return sp.pool.DisposeForMemoryPressure(keep)
}

// DrainDisposals runs one batched disposal pass.
func (sp *SharedPool) DrainDisposals(batchLimit int) int {
	return sp.pool.Disposals().Drain(batchLimit)
}

// ForceDrainAll synchronously drains the disposal queue; see
// DisposalQueue.ForceDrainAll for pin semantics.
func (sp *SharedPool) ForceDrainAll(respectPins bool) int {
	return sp.pool.Disposals().ForceDrainAll(respectPins)
}

// Stats returns pool statistics.
func (sp *SharedPool) Stats() Stats {
	return sp.pool.Stats()
}

// Close tears the pool down. Only called on full engine shutdown.
func (sp *SharedPool) Close() {
	sp.pool.Close()
}
