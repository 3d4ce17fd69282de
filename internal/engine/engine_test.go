package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/reelworks/reelpool/internal/config"
	"github.com/reelworks/reelpool/internal/content"
	"github.com/reelworks/reelpool/internal/decoder"
	"github.com/reelworks/reelpool/internal/lifecycle"
	"github.com/reelworks/reelpool/internal/models"
)

func testEngineConfig() *config.Config {
	return &config.Config{
		Database: config.DatabaseConfig{
			Driver:   "sqlite",
			DSN:      ":memory:",
			LogLevel: "silent",
		},
		Pool: config.PoolConfig{
			Capacity:           3,
			InitTimeout:        time.Second,
			InitRetryDelay:     10 * time.Millisecond,
			AcquireWaitTimeout: 100 * time.Millisecond,
			DrainBatchLimit:    4,
		},
		Preload: config.PreloadConfig{
			Radius:           1,
			FastForwardAhead: 2,
			SettleInterval:   20 * time.Millisecond,
		},
		Prefetch: config.PrefetchConfig{
			WarmSegments:  1,
			WarmChunkSize: 1024,
			Timeout:       time.Second,
			RetryAttempts: 1,
		},
		Memory:   config.MemoryConfig{Enabled: false},
		Position: config.PositionConfig{Retention: time.Hour},
	}
}

func newTestEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	if cfg == nil {
		cfg = testEngineConfig()
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := New(cfg, logger, &Options{
		Factory:     decoder.NewStubFactory(decoder.StubConfig{}),
		SkipJanitor: true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func testItems(n int) []content.Item {
	items := make([]content.Item, n)
	for i := range items {
		items[i] = content.Item{
			ID:  fmt.Sprintf("v%d", i),
			URL: fmt.Sprintf("http://feed.local/v%d/index.m3u8", i),
		}
	}
	return items
}

func TestSetFeedRejectsDuplicates(t *testing.T) {
	e := newTestEngine(t, nil)

	items := testItems(3)
	items[2].ID = items[0].ID
	if err := e.SetFeed(items); err == nil {
		t.Fatal("expected duplicate id error")
	}
	if err := e.SetFeed(testItems(3)); err != nil {
		t.Fatalf("SetFeed: %v", err)
	}
	if got := e.Feed().Len(); got != 3 {
		t.Fatalf("feed len = %d, want 3", got)
	}
}

func TestPlayStartsPlayback(t *testing.T) {
	e := newTestEngine(t, nil)
	if err := e.SetFeed(testItems(5)); err != nil {
		t.Fatalf("SetFeed: %v", err)
	}

	if err := e.Play(context.Background(), "v1"); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if got := e.CurrentContentID(); got != "v1" {
		t.Fatalf("current id = %q, want v1", got)
	}

	stats := e.Stats()
	if stats.Pool.Live != 1 {
		t.Fatalf("live slots = %d, want 1", stats.Pool.Live)
	}
	if stats.CurrentIndex != 1 {
		t.Fatalf("current index = %d, want 1", stats.CurrentIndex)
	}
}

func TestPlayForUnknownContentFails(t *testing.T) {
	e := newTestEngine(t, nil)
	if err := e.SetFeed(testItems(2)); err != nil {
		t.Fatalf("SetFeed: %v", err)
	}

	err := e.Play(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error for unknown content")
	}
}

func TestPauseSavesPosition(t *testing.T) {
	e := newTestEngine(t, nil)
	if err := e.SetFeed(testItems(3)); err != nil {
		t.Fatalf("SetFeed: %v", err)
	}
	ctx := context.Background()

	if err := e.Play(ctx, "v0"); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if err := e.Seek(ctx, "v0", 42*time.Second); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if err := e.Pause(ctx, "v0"); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	pos, err := e.Positions().Get(ctx, "v0")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if pos.Position < 42*time.Second {
		t.Fatalf("saved position = %v, want >= 42s", pos.Position)
	}
}

func TestPlayResumesFromPersistedPosition(t *testing.T) {
	e := newTestEngine(t, nil)
	if err := e.SetFeed(testItems(3)); err != nil {
		t.Fatalf("SetFeed: %v", err)
	}
	ctx := context.Background()

	err := e.Positions().Save(ctx, &models.PlaybackPosition{
		ContentID: "v2",
		Position:  30 * time.Second,
		WatchedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := e.Play(ctx, "v2"); err != nil {
		t.Fatalf("Play: %v", err)
	}
	pos, err := e.Position("v2")
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	if pos < 30*time.Second {
		t.Fatalf("position = %v, want >= 30s resume point", pos)
	}
}

func TestCompletedContentRestartsFromZero(t *testing.T) {
	e := newTestEngine(t, nil)
	if err := e.SetFeed(testItems(3)); err != nil {
		t.Fatalf("SetFeed: %v", err)
	}
	ctx := context.Background()

	err := e.Positions().Save(ctx, &models.PlaybackPosition{
		ContentID: "v1",
		Position:  59 * time.Second,
		Duration:  time.Minute,
		WatchedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := e.Play(ctx, "v1"); err != nil {
		t.Fatalf("Play: %v", err)
	}
	pos, err := e.Position("v1")
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	if pos >= 59*time.Second {
		t.Fatalf("position = %v, want restart near zero", pos)
	}
}

func TestSaveDeltaSuppressesSmallMoves(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Position.SaveDelta = 10 * time.Second
	e := newTestEngine(t, cfg)
	if err := e.SetFeed(testItems(3)); err != nil {
		t.Fatalf("SetFeed: %v", err)
	}
	ctx := context.Background()

	if err := e.Play(ctx, "v0"); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if err := e.Seek(ctx, "v0", 30*time.Second); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if err := e.Seek(ctx, "v0", 32*time.Second); err != nil {
		t.Fatalf("Seek: %v", err)
	}

	pos, err := e.Positions().Get(ctx, "v0")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if pos.Position != 30*time.Second {
		t.Fatalf("saved position = %v, want 30s (small move suppressed)", pos.Position)
	}

	if err := e.Seek(ctx, "v0", 50*time.Second); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	pos, err = e.Positions().Get(ctx, "v0")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if pos.Position != 50*time.Second {
		t.Fatalf("saved position = %v, want 50s", pos.Position)
	}
}

func TestPauseSavesRegardlessOfDelta(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Position.SaveDelta = 10 * time.Second
	e := newTestEngine(t, cfg)
	if err := e.SetFeed(testItems(3)); err != nil {
		t.Fatalf("SetFeed: %v", err)
	}
	ctx := context.Background()

	if err := e.Play(ctx, "v0"); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if err := e.Seek(ctx, "v0", 30*time.Second); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if err := e.Seek(ctx, "v0", 32*time.Second); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	// The 32s seek was inside the delta, but pausing there must still
	// persist the stopping point.
	if err := e.Pause(ctx, "v0"); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	pos, err := e.Positions().Get(ctx, "v0")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if pos.Position < 32*time.Second {
		t.Fatalf("saved position = %v, want >= 32s (pause bypasses the delta)", pos.Position)
	}
}

func TestPauseUnknownContent(t *testing.T) {
	e := newTestEngine(t, nil)

	err := e.Pause(context.Background(), "nope")
	if !errors.Is(err, ErrUnknownSlot) {
		t.Fatalf("err = %v, want ErrUnknownSlot", err)
	}
	if _, err := e.Position("nope"); !errors.Is(err, ErrUnknownSlot) {
		t.Fatalf("Position err = %v, want ErrUnknownSlot", err)
	}
}

func TestPageSettledWarmsWindow(t *testing.T) {
	e := newTestEngine(t, nil)
	if err := e.SetFeed(testItems(6)); err != nil {
		t.Fatalf("SetFeed: %v", err)
	}

	e.OnPageSettled(2)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.Stats().Pool.Live == 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	stats := e.Stats()
	if stats.Pool.Live != 3 {
		t.Fatalf("live slots = %d, want preload window of 3", stats.Pool.Live)
	}
	if stats.CurrentID != "v2" {
		t.Fatalf("current id = %q, want v2", stats.CurrentID)
	}
	if stats.Recomputes != 1 {
		t.Fatalf("recomputes = %d, want 1", stats.Recomputes)
	}
}

func TestSetFeedEvictsRemovedContent(t *testing.T) {
	e := newTestEngine(t, nil)
	if err := e.SetFeed(testItems(4)); err != nil {
		t.Fatalf("SetFeed: %v", err)
	}
	ctx := context.Background()

	if err := e.Play(ctx, "v3"); err != nil {
		t.Fatalf("Play: %v", err)
	}

	if err := e.SetFeed(testItems(2)); err != nil {
		t.Fatalf("SetFeed: %v", err)
	}

	if got := e.CurrentContentID(); got != "" {
		t.Fatalf("current id = %q, want cleared after content removed", got)
	}
	if _, err := e.Position("v3"); !errors.Is(err, ErrUnknownSlot) {
		t.Fatalf("expected v3 slot evicted, got err %v", err)
	}
}

func TestLifecycleDetachedFlushesPool(t *testing.T) {
	e := newTestEngine(t, nil)
	if err := e.SetFeed(testItems(3)); err != nil {
		t.Fatalf("SetFeed: %v", err)
	}
	ctx := context.Background()

	if err := e.Play(ctx, "v0"); err != nil {
		t.Fatalf("Play: %v", err)
	}

	e.SetLifecycle(lifecycle.StateDetached)

	if got := e.Stats().Pool.Live; got != 0 {
		t.Fatalf("live slots after detach = %d, want 0", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	e := newTestEngine(t, nil)
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
