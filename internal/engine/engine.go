// Package engine wires the playback engine together: pool, prefetcher,
// preload coordination, lifecycle handling, memory watcher, janitor, and
// the persisted position store. The control API talks to an Engine; nothing
// below this package knows about HTTP.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/reelworks/reelpool/internal/config"
	"github.com/reelworks/reelpool/internal/content"
	"github.com/reelworks/reelpool/internal/database"
	"github.com/reelworks/reelpool/internal/database/migrations"
	"github.com/reelworks/reelpool/internal/decoder"
	"github.com/reelworks/reelpool/internal/httpclient"
	"github.com/reelworks/reelpool/internal/janitor"
	"github.com/reelworks/reelpool/internal/lifecycle"
	"github.com/reelworks/reelpool/internal/memwatch"
	"github.com/reelworks/reelpool/internal/models"
	"github.com/reelworks/reelpool/internal/observability"
	"github.com/reelworks/reelpool/internal/pool"
	"github.com/reelworks/reelpool/internal/prefetch"
	"github.com/reelworks/reelpool/internal/preload"
	"github.com/reelworks/reelpool/internal/repository"
)

// ErrUnknownSlot is returned by playback operations targeting content the
// pool has no slot for.
var ErrUnknownSlot = errors.New("no slot for content id")

// Engine owns every long-lived component of the playback daemon.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	db          *database.DB
	positions   repository.PositionRepository
	feed        *content.Feed
	client      *httpclient.Client
	shared      *pool.SharedPool
	prefetcher  *prefetch.HTTPPrefetcher
	coordinator *preload.Coordinator
	canceller   *preload.Canceller
	notifier    *lifecycle.Notifier
	bridge      *lifecycle.Bridge
	watcher     *memwatch.Watcher
	janitor     *janitor.Janitor

	mu           sync.Mutex
	currentIndex int
	currentID    string
	savedPos     map[string]time.Duration
	closed       bool
}

// Options allows tests and alternative frontends to swap heavyweights out.
type Options struct {
	// Factory overrides the decoder factory. Nil means the HLS factory
	// backed by the shared HTTP client.
	Factory decoder.Factory
	// SkipJanitor disables scheduled maintenance (tests drive passes
	// directly).
	SkipJanitor bool
}

// New builds and starts an engine from configuration. The returned engine
// is ready to serve: the database is migrated, the memory watcher and
// janitor are running.
func New(cfg *config.Config, logger *slog.Logger, opts *Options) (*Engine, error) {
	if opts == nil {
		opts = &Options{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := database.New(cfg.Database, logger, nil)
	if err != nil {
		return nil, fmt.Errorf("opening position store: %w", err)
	}

	migrator := migrations.NewMigrator(db.DB, logger)
	migrator.RegisterAll(migrations.All())
	if err := migrator.Init(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing migrations: %w", err)
	}
	if err := migrator.Up(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating position store: %w", err)
	}
	positions := repository.NewPositionRepository(db.DB)

	feed := content.NewFeed()

	clientCfg := httpclient.DefaultConfig()
	clientCfg.Logger = logger
	if cfg.Prefetch.Timeout > 0 {
		clientCfg.Timeout = cfg.Prefetch.Timeout
	}
	if cfg.Prefetch.RetryAttempts > 0 {
		clientCfg.RetryAttempts = cfg.Prefetch.RetryAttempts
	}
	if cfg.Prefetch.RetryDelay > 0 {
		clientCfg.RetryDelay = cfg.Prefetch.RetryDelay
	}
	if cfg.Prefetch.BreakerThreshold > 0 {
		clientCfg.BreakerThreshold = cfg.Prefetch.BreakerThreshold
	}
	if cfg.Prefetch.BreakerTimeout > 0 {
		clientCfg.BreakerTimeout = cfg.Prefetch.BreakerTimeout
	}
	if cfg.Prefetch.UserAgent != "" {
		clientCfg.UserAgent = cfg.Prefetch.UserAgent
	}
	client := httpclient.New(clientCfg)

	factory := opts.Factory
	if factory == nil {
		factory = decoder.NewHLSFactory(client, cfg.Prefetch.WarmChunkSize.Bytes(), logger)
	}

	poolCfg := pool.Config{
		Capacity:           cfg.Pool.Capacity,
		InitTimeout:        cfg.Pool.InitTimeout,
		InitRetryDelay:     cfg.Pool.InitRetryDelay,
		AcquireWaitTimeout: cfg.Pool.AcquireWaitTimeout,
	}
	p := pool.New(poolCfg, factory, feed, logger)
	shared := pool.NewShared(p, logger)

	prefetcher := prefetch.NewHTTP(cfg.Prefetch, client, logger)

	e := &Engine{
		cfg:          cfg,
		logger:       observability.WithComponent(logger, "engine"),
		db:           db,
		positions:    positions,
		feed:         feed,
		client:       client,
		shared:       shared,
		prefetcher:   prefetcher,
		currentIndex: -1,
		savedPos:     make(map[string]time.Duration),
	}

	e.coordinator = preload.NewCoordinator(cfg.Preload, p, feed, prefetcher, logger)
	e.canceller = preload.NewCanceller(cfg.Preload, p, feed, prefetcher, logger)

	e.notifier = lifecycle.NewNotifier()
	e.bridge = lifecycle.NewBridge(e.notifier, p, prefetcher, e.currentItem, logger)

	e.watcher = memwatch.New(cfg.Memory, p, logger)
	e.watcher.Start()

	if !opts.SkipJanitor {
		e.janitor = janitor.New(cfg.Janitor, cfg.Position.Retention, cfg.Pool.DrainBatchLimit, p, positions, logger)
		if err := e.janitor.Start(); err != nil {
			e.shutdownComponents()
			return nil, fmt.Errorf("starting janitor: %w", err)
		}
	}

	return e, nil
}

// Feed returns the content feed.
func (e *Engine) Feed() *content.Feed {
	return e.feed
}

// Positions returns the persisted position repository.
func (e *Engine) Positions() repository.PositionRepository {
	return e.positions
}

// SetFeed replaces the feed and evicts slots for content that is no longer
// in it.
func (e *Engine) SetFeed(items []content.Item) error {
	if err := e.feed.Replace(items); err != nil {
		return err
	}

	e.mu.Lock()
	center := e.currentIndex
	if id := e.currentID; id != "" {
		if idx, ok := e.feed.IndexOf(id); ok {
			center = idx
			e.currentIndex = idx
		} else {
			e.currentIndex = -1
			e.currentID = ""
			center = 0
		}
	}
	e.mu.Unlock()

	if center < 0 {
		center = 0
	}
	keep := e.cfg.Preload.FastForwardAhead
	if e.cfg.Preload.Radius > keep {
		keep = e.cfg.Preload.Radius
	}
	evicted := e.shared.CleanupDistant(center, keep, e.feed)
	e.logger.Info("feed replaced",
		slog.Int("items", len(items)),
		slog.Int("evicted", len(evicted)),
	)
	return nil
}

// OnScrollIntent reports that the UI started a scroll toward targetIndex.
// Runs the synchronous cancellation path before any rendering work.
func (e *Engine) OnScrollIntent(targetIndex int) {
	e.canceller.OnScrollIntent(targetIndex)
}

// OnPageSettled reports that the UI settled on index. Updates the visible
// item and schedules a debounced preload pass.
func (e *Engine) OnPageSettled(index int) {
	e.mu.Lock()
	e.currentIndex = index
	if item, ok := e.feed.At(index); ok {
		e.currentID = item.ID
	} else {
		e.currentID = ""
	}
	e.mu.Unlock()

	e.coordinator.OnSettledIndex(index)
}

// SetLifecycle applies a platform lifecycle transition.
func (e *Engine) SetLifecycle(state lifecycle.State) {
	e.notifier.Notify(state)
}

// CurrentContentID returns the visible content ID, empty when nothing has
// settled yet.
func (e *Engine) CurrentContentID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentID
}

// currentItem resolves the visible content ID and its playable URL for the
// lifecycle bridge.
func (e *Engine) currentItem() (string, string) {
	e.mu.Lock()
	id := e.currentID
	e.mu.Unlock()
	if id == "" {
		return "", ""
	}
	url, _ := e.feed.URLOf(id)
	return id, url
}

// Play starts playback for contentID, acquiring a slot if the preload
// window has not warmed one, and resumes from the persisted position.
func (e *Engine) Play(ctx context.Context, contentID string) error {
	slot, err := e.shared.GetOrCreateForInstantPlay(ctx, contentID)
	if err != nil {
		return err
	}
	if err := slot.WaitReady(ctx); err != nil {
		return err
	}

	if pos, err := e.positions.Get(ctx, contentID); err == nil && !pos.Completed() && pos.Position > 0 {
		if err := slot.SeekTo(pos.Position); err != nil {
			e.logger.Warn("resume seek failed",
				slog.String("content_id", contentID),
				slog.String("error", err.Error()),
			)
		}
	} else if err != nil && !errors.Is(err, models.ErrNotFound) {
		e.logger.Warn("loading persisted position failed",
			slog.String("content_id", contentID),
			slog.String("error", err.Error()),
		)
	}

	if err := slot.Play(); err != nil {
		return err
	}

	e.mu.Lock()
	e.currentID = contentID
	if idx, ok := e.feed.IndexOf(contentID); ok {
		e.currentIndex = idx
	}
	e.mu.Unlock()
	return nil
}

// Pause pauses playback for contentID and persists the position.
func (e *Engine) Pause(ctx context.Context, contentID string) error {
	slot, ok := e.shared.Pool().Get(contentID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSlot, contentID)
	}
	if err := slot.Pause(); err != nil {
		return err
	}
	// A pause is a deliberate stopping point; it always persists.
	e.savePosition(ctx, contentID, slot.Position(), true)
	return nil
}

// Seek repositions playback for contentID and persists the new position.
func (e *Engine) Seek(ctx context.Context, contentID string, offset time.Duration) error {
	slot, ok := e.shared.Pool().Get(contentID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSlot, contentID)
	}
	if err := slot.SeekTo(offset); err != nil {
		return err
	}
	e.savePosition(ctx, contentID, offset, false)
	return nil
}

// Position returns the current playback offset for contentID.
func (e *Engine) Position(contentID string) (time.Duration, error) {
	slot, ok := e.shared.Pool().Get(contentID)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSlot, contentID)
	}
	return slot.Position(), nil
}

// savePosition writes the position to the store. Unforced saves are
// suppressed until the position moved at least SaveDelta since the last save
// for this content, so seek jitter does not hammer the database; forced
// saves (pause) always persist.
func (e *Engine) savePosition(ctx context.Context, contentID string, pos time.Duration, force bool) {
	delta := e.cfg.Position.SaveDelta

	e.mu.Lock()
	last, seen := e.savedPos[contentID]
	if !force && seen && delta > 0 {
		diff := pos - last
		if diff < 0 {
			diff = -diff
		}
		if diff < delta {
			e.mu.Unlock()
			return
		}
	}
	e.savedPos[contentID] = pos
	e.mu.Unlock()

	err := e.positions.Save(ctx, &models.PlaybackPosition{
		ContentID: contentID,
		Position:  pos,
		WatchedAt: time.Now(),
	})
	if err != nil {
		e.logger.Warn("saving position failed",
			slog.String("content_id", contentID),
			slog.String("error", err.Error()),
		)
	}
}

// Stats is the aggregate view exposed by the control API.
type Stats struct {
	Pool         pool.Stats     `json:"pool"`
	Prefetch     prefetch.Stats `json:"prefetch"`
	Recomputes   uint64         `json:"preload_recomputes"`
	MemoryUsage  float64        `json:"memory_usage_percent"`
	MemoryShrink uint64         `json:"memory_shrinks"`
	FeedLen      int            `json:"feed_len"`
	CurrentIndex int            `json:"current_index"`
	CurrentID    string         `json:"current_id,omitempty"`
}

// Stats returns aggregate engine statistics.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	idx, id := e.currentIndex, e.currentID
	e.mu.Unlock()

	return Stats{
		Pool:         e.shared.Stats(),
		Prefetch:     e.prefetcher.Stats(),
		Recomputes:   e.coordinator.Recomputes(),
		MemoryUsage:  e.watcher.LastUsage(),
		MemoryShrink: e.watcher.Shrinks(),
		FeedLen:      e.feed.Len(),
		CurrentIndex: idx,
		CurrentID:    id,
	}
}

// Ping reports position store health.
func (e *Engine) Ping(ctx context.Context) error {
	return e.db.Ping(ctx)
}

// StoreStats returns connection pool statistics for the position store.
func (e *Engine) StoreStats() (map[string]any, error) {
	return e.db.Stats()
}

// Close shuts the engine down in dependency order.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.shutdownComponents()
	return e.db.Close()
}

func (e *Engine) shutdownComponents() {
	if e.janitor != nil {
		e.janitor.Stop()
	}
	if e.watcher != nil {
		e.watcher.Stop()
	}
	if e.bridge != nil {
		e.bridge.Close()
	}
	if e.coordinator != nil {
		e.coordinator.Close()
	}
	if e.prefetcher != nil {
		e.prefetcher.Close()
	}
	if e.shared != nil {
		e.shared.Close()
	}
}
