// Package prefetch warms network resources for feed items before their
// decoders need them: it pulls manifests and the leading bytes of media
// segments into OS and CDN caches so playback starts without a network
// round trip.
package prefetch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/reelworks/reelpool/internal/config"
	"github.com/reelworks/reelpool/internal/httpclient"
	"github.com/reelworks/reelpool/internal/observability"
)

// Prefetcher starts and cancels background warmups keyed by content ID.
// Implementations must make Cancel and CancelAllExcept synchronous with
// respect to bookkeeping: once they return, the cancelled IDs are no longer
// tracked as in flight, even if their goroutines are still unwinding.
type Prefetcher interface {
	// Prefetch warms url for contentID. Starting a prefetch for an ID that
	// is already in flight is a no-op.
	Prefetch(contentID, url string)
	// Cancel aborts the in-flight prefetch for contentID, if any.
	Cancel(contentID string)
	// CancelAllExcept aborts every in-flight prefetch whose ID is not in keep.
	CancelAllExcept(keep map[string]struct{})
	// InFlight returns the IDs currently being warmed.
	InFlight() []string
}

// Stats counts prefetch outcomes. Cancelled warmups are not failures.
type Stats struct {
	Started   uint64 `json:"started"`
	Completed uint64 `json:"completed"`
	Cancelled uint64 `json:"cancelled"`
	Failed    uint64 `json:"failed"`
}

// HTTPPrefetcher warms HLS manifests and segment prefixes over HTTP.
type HTTPPrefetcher struct {
	client *httpclient.Client
	warmer *hlsWarmer
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	stats    Stats
}

// NewHTTP creates a prefetcher backed by the resilient HTTP client.
func NewHTTP(cfg config.PrefetchConfig, client *httpclient.Client, logger *slog.Logger) *HTTPPrefetcher {
	if logger == nil {
		logger = slog.Default()
	}
	logger = observability.WithComponent(logger, "prefetch")
	return &HTTPPrefetcher{
		client:   client,
		warmer:   newHLSWarmer(client, cfg.WarmSegments, int64(cfg.WarmChunkSize)),
		logger:   logger,
		inflight: make(map[string]context.CancelFunc),
	}
}

// Prefetch implements Prefetcher.
func (p *HTTPPrefetcher) Prefetch(contentID, url string) {
	p.mu.Lock()
	if _, ok := p.inflight[contentID]; ok {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.inflight[contentID] = cancel
	p.stats.Started++
	p.mu.Unlock()

	go p.run(ctx, contentID, url)
}

func (p *HTTPPrefetcher) run(ctx context.Context, contentID, url string) {
	err := p.warmer.Warm(ctx, url)

	p.mu.Lock()
	// A missing entry means Cancel got here first and already counted the
	// outcome; only a still-tracked warmup records its own result.
	cancel, tracked := p.inflight[contentID]
	if tracked {
		delete(p.inflight, contentID)
		switch {
		case err == nil:
			p.stats.Completed++
		case errors.Is(err, context.Canceled):
			p.stats.Cancelled++
		default:
			p.stats.Failed++
		}
	}
	p.mu.Unlock()

	if !tracked {
		return
	}
	cancel()

	if err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Warn("prefetch failed",
			slog.String("content_id", contentID),
			slog.String("error", err.Error()),
		)
		return
	}
	if err == nil {
		p.logger.Debug("prefetch completed", slog.String("content_id", contentID))
	}
}

// Cancel implements Prefetcher.
func (p *HTTPPrefetcher) Cancel(contentID string) {
	p.mu.Lock()
	cancel, ok := p.inflight[contentID]
	if ok {
		delete(p.inflight, contentID)
		p.stats.Cancelled++
	}
	p.mu.Unlock()

	if ok {
		cancel()
		p.logger.Debug("prefetch cancelled", slog.String("content_id", contentID))
	}
}

// CancelAllExcept implements Prefetcher.
func (p *HTTPPrefetcher) CancelAllExcept(keep map[string]struct{}) {
	p.mu.Lock()
	var cancelled []context.CancelFunc
	for id, cancel := range p.inflight {
		if _, keepIt := keep[id]; keepIt {
			continue
		}
		cancelled = append(cancelled, cancel)
		delete(p.inflight, id)
		p.stats.Cancelled++
	}
	p.mu.Unlock()

	for _, cancel := range cancelled {
		cancel()
	}
	if len(cancelled) > 0 {
		p.logger.Debug("cancelled stale prefetches", slog.Int("count", len(cancelled)))
	}
}

// InFlight implements Prefetcher.
func (p *HTTPPrefetcher) InFlight() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.inflight))
	for id := range p.inflight {
		ids = append(ids, id)
	}
	return ids
}

// Stats returns a snapshot of prefetch counters.
func (p *HTTPPrefetcher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Close cancels every in-flight prefetch.
func (p *HTTPPrefetcher) Close() {
	p.CancelAllExcept(nil)
}

var _ Prefetcher = (*HTTPPrefetcher)(nil)
