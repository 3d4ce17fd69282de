// Package preload turns scroll positions into decoder and network warmup.
//
// The coordinator debounces page-change bursts: only an index the user
// settles on for a full settle interval triggers a preload pass, so flinging
// through the feed costs nothing. The canceller is the synchronous
// counterpart that aborts stale network work the instant a new scroll
// intent arrives.
package preload

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/reelworks/reelpool/internal/config"
	"github.com/reelworks/reelpool/internal/content"
	"github.com/reelworks/reelpool/internal/observability"
	"github.com/reelworks/reelpool/internal/pool"
	"github.com/reelworks/reelpool/internal/prefetch"
)

// Coordinator preloads decoders and network resources around the visible
// feed index. Scroll direction shapes the window: fast forward flings get a
// deeper forward window and no backward one.
type Coordinator struct {
	cfg        config.PreloadConfig
	pool       *pool.Pool
	feed       *content.Feed
	prefetcher prefetch.Prefetcher
	logger     *slog.Logger

	mu           sync.Mutex
	timer        *time.Timer
	pendingIndex int
	lastIndex    int
	lastEvent    time.Time
	forward      bool
	fast         bool
	closed       bool

	recomputes uint64
}

// NewCoordinator creates a preload coordinator. It owns no goroutines until
// the first settle event arrives.
func NewCoordinator(cfg config.PreloadConfig, p *pool.Pool, feed *content.Feed, pf prefetch.Prefetcher, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:        cfg,
		pool:       p,
		feed:       feed,
		prefetcher: pf,
		logger:     observability.WithComponent(logger, "preload"),
		lastIndex:  -1,
	}
}

// OnSettledIndex records that index became the visible item. The preload
// pass runs only after the index has stayed stable for the settle interval;
// a burst of events collapses into one pass for the final index.
func (c *Coordinator) OnSettledIndex(index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	now := time.Now()
	c.fast = !c.lastEvent.IsZero() && now.Sub(c.lastEvent) < c.cfg.SettleInterval
	if c.lastIndex >= 0 && index != c.lastIndex {
		c.forward = index > c.lastIndex
	}
	c.lastEvent = now
	c.lastIndex = index
	c.pendingIndex = index

	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.cfg.SettleInterval, c.fire)
}

func (c *Coordinator) fire() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	index := c.pendingIndex
	fast := c.fast
	forward := c.forward
	c.recomputes++
	c.mu.Unlock()

	c.preload(index, fast, forward)
}

// preload runs one pass: acquire decoder slots for the window around index,
// pin the window, warm the network for the next item, and drop everything
// outside the window.
func (c *Coordinator) preload(index int, fast, forward bool) {
	behind, ahead := c.cfg.Radius, c.cfg.Radius
	if fast && forward {
		behind, ahead = 0, c.cfg.FastForwardAhead
	}

	window := c.feed.Window(index, behind, ahead)
	if len(window) == 0 {
		return
	}

	keep := make(map[string]struct{}, len(window))
	for _, item := range window {
		keep[item.ID] = struct{}{}
	}

	// Release pins outside the new window before acquiring, so the acquires
	// below can evict the previous window's slots.
	windowIDs := make([]string, 0, len(window))
	for _, item := range window {
		windowIDs = append(windowIDs, item.ID)
	}
	c.pool.PinOnly(windowIDs)

	// Window is ordered center-first, so the visible item always gets a
	// slot even when the pool is tight.
	for _, item := range window {
		if _, err := c.pool.Acquire(context.Background(), item.ID); err != nil {
			c.logger.Warn("preload acquire failed",
				slog.String("content_id", item.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		c.pool.Pin(item.ID)
	}

	// Network warmup stays one item deep regardless of window depth: the
	// deeper fast-scroll window only reserves decoder slots, it never
	// multiplies bandwidth.
	if next, ok := c.feed.At(index + 1); ok {
		c.prefetcher.Prefetch(next.ID, next.URL)
	}
	c.prefetcher.CancelAllExcept(keep)

	keepRange := ahead
	if behind > keepRange {
		keepRange = behind
	}
	evicted := c.pool.CleanupDistant(index, keepRange, c.feed)

	c.logger.Debug("preload pass",
		slog.Int("index", index),
		slog.Bool("fast", fast),
		slog.Bool("forward", forward),
		slog.Int("window", len(window)),
		slog.Int("evicted", len(evicted)),
	)
}

// Recomputes reports how many preload passes have run.
func (c *Coordinator) Recomputes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recomputes
}

// Close stops any pending debounce timer.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
