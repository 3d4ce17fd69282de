package preload

import (
	"log/slog"
	"sync"
	"time"

	"github.com/reelworks/reelpool/internal/config"
	"github.com/reelworks/reelpool/internal/content"
	"github.com/reelworks/reelpool/internal/observability"
	"github.com/reelworks/reelpool/internal/pool"
	"github.com/reelworks/reelpool/internal/prefetch"
)

// Canceller aborts stale network work the moment the user scrolls. Unlike
// the coordinator it never debounces: by the time a preload pass would
// confirm the new position, the bytes for the old one would already be on
// the wire.
type Canceller struct {
	cfg        config.PreloadConfig
	pool       *pool.Pool
	feed       *content.Feed
	prefetcher prefetch.Prefetcher
	logger     *slog.Logger

	mu         sync.Mutex
	lastIntent time.Time
}

// NewCanceller creates a scroll-intent canceller.
func NewCanceller(cfg config.PreloadConfig, p *pool.Pool, feed *content.Feed, pf prefetch.Prefetcher, logger *slog.Logger) *Canceller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Canceller{
		cfg:        cfg,
		pool:       p,
		feed:       feed,
		prefetcher: pf,
		logger:     observability.WithComponent(logger, "cancel"),
	}
}

// OnScrollIntent handles a scroll toward targetIndex synchronously: when it
// returns, every prefetch outside the safe set has been cancelled. The safe
// set is the target plus its successor; during fast scrolling the successor
// is dropped too, since the user will likely blow straight past it, and
// distant decoder slots are evicted in the same breath.
func (c *Canceller) OnScrollIntent(targetIndex int) {
	c.mu.Lock()
	now := time.Now()
	fast := !c.lastIntent.IsZero() && now.Sub(c.lastIntent) < c.cfg.SettleInterval
	c.lastIntent = now
	c.mu.Unlock()

	safe := make(map[string]struct{}, 2)
	if item, ok := c.feed.At(targetIndex); ok {
		safe[item.ID] = struct{}{}
	}
	if !fast {
		if item, ok := c.feed.At(targetIndex + 1); ok {
			safe[item.ID] = struct{}{}
		}
	}

	c.prefetcher.CancelAllExcept(safe)

	if fast {
		evicted := c.pool.CleanupDistant(targetIndex, 1, c.feed)
		if len(evicted) > 0 {
			c.logger.Debug("evicted distant slots during fast scroll",
				slog.Int("target", targetIndex),
				slog.Int("evicted", len(evicted)),
			)
		}
	}
}
