package preload

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/reelworks/reelpool/internal/config"
	"github.com/reelworks/reelpool/internal/content"
	"github.com/reelworks/reelpool/internal/decoder"
	"github.com/reelworks/reelpool/internal/pool"
)

// fakePrefetcher records prefetch and cancellation calls.
type fakePrefetcher struct {
	mu         sync.Mutex
	prefetched []string
	keepSets   []map[string]struct{}
	inflight   map[string]struct{}
}

func newFakePrefetcher() *fakePrefetcher {
	return &fakePrefetcher{inflight: make(map[string]struct{})}
}

func (f *fakePrefetcher) Prefetch(contentID, url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefetched = append(f.prefetched, contentID)
	f.inflight[contentID] = struct{}{}
}

func (f *fakePrefetcher) Cancel(contentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inflight, contentID)
}

func (f *fakePrefetcher) CancelAllExcept(keep map[string]struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := make(map[string]struct{}, len(keep))
	for id := range keep {
		kept[id] = struct{}{}
	}
	f.keepSets = append(f.keepSets, kept)
	for id := range f.inflight {
		if _, ok := keep[id]; !ok {
			delete(f.inflight, id)
		}
	}
}

func (f *fakePrefetcher) InFlight() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.inflight))
	for id := range f.inflight {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakePrefetcher) lastKeepSet() map[string]struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.keepSets) == 0 {
		return nil
	}
	return f.keepSets[len(f.keepSets)-1]
}

type fixture struct {
	feed       *content.Feed
	pool       *pool.Pool
	prefetcher *fakePrefetcher
	cfg        config.PreloadConfig
}

func newFixture(t *testing.T, capacity, feedLen int) *fixture {
	t.Helper()
	items := make([]content.Item, feedLen)
	for i := range items {
		items[i] = content.Item{
			ID:  fmt.Sprintf("v%d", i),
			URL: fmt.Sprintf("https://cdn.example/v%d/index.m3u8", i),
		}
	}
	feed := content.NewFeed()
	if err := feed.Replace(items); err != nil {
		t.Fatalf("building feed: %v", err)
	}

	poolCfg := pool.DefaultConfig()
	poolCfg.Capacity = capacity
	p := pool.New(poolCfg, decoder.NewStubFactory(decoder.StubConfig{}), feed, nil)
	t.Cleanup(p.Close)

	return &fixture{
		feed:       feed,
		pool:       p,
		prefetcher: newFakePrefetcher(),
		cfg: config.PreloadConfig{
			Radius:           1,
			FastForwardAhead: 2,
			SettleInterval:   50 * time.Millisecond,
		},
	}
}

func waitRecomputes(t *testing.T, c *Coordinator, want uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Recomputes() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d recomputes, got %d", want, c.Recomputes())
}

func waitForSlot(t *testing.T, p *pool.Pool, id string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := p.Get(id); ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("slot %s was never created", id)
}

func TestCoordinator_SettledIndexPreloadsWindow(t *testing.T) {
	fx := newFixture(t, 3, 8)
	c := NewCoordinator(fx.cfg, fx.pool, fx.feed, fx.prefetcher, nil)
	defer c.Close()

	c.OnSettledIndex(3)
	waitRecomputes(t, c, 1)

	for _, id := range []string{"v2", "v3", "v4"} {
		waitForSlot(t, fx.pool, id)
	}

	// The visible item and its window neighbors are all pinned, so a
	// competing acquire can never evict them out from under the user.
	for _, id := range []string{"v2", "v3", "v4"} {
		s, ok := fx.pool.Get(id)
		if !ok || !s.Pinned() {
			t.Fatalf("window item %s must be pinned", id)
		}
	}

	// Moving on re-pins the new window and releases the old one.
	c.OnSettledIndex(4)
	waitRecomputes(t, c, 2)
	waitForSlot(t, fx.pool, "v5")
	if s, ok := fx.pool.Get("v2"); ok && s.Pinned() {
		t.Fatal("item outside the new window must be unpinned")
	}
}

func TestCoordinator_PrefetchesNextItemOnly(t *testing.T) {
	fx := newFixture(t, 3, 8)
	c := NewCoordinator(fx.cfg, fx.pool, fx.feed, fx.prefetcher, nil)
	defer c.Close()

	c.OnSettledIndex(3)
	waitRecomputes(t, c, 1)
	waitForSlot(t, fx.pool, "v3")

	fx.prefetcher.mu.Lock()
	got := append([]string(nil), fx.prefetcher.prefetched...)
	fx.prefetcher.mu.Unlock()
	if len(got) != 1 || got[0] != "v4" {
		t.Fatalf("expected only the next item prefetched, got %v", got)
	}
}

func TestCoordinator_FastForwardKeepsPrefetchShallow(t *testing.T) {
	fx := newFixture(t, 4, 8)
	c := NewCoordinator(fx.cfg, fx.pool, fx.feed, fx.prefetcher, nil)
	defer c.Close()

	c.OnSettledIndex(1)
	c.OnSettledIndex(2) // within the settle interval: fast forward
	waitRecomputes(t, c, 1)
	waitForSlot(t, fx.pool, "v4")

	// The deeper fast-forward window reserves decoder slots only; network
	// warmup never reaches past the immediate next item.
	fx.prefetcher.mu.Lock()
	got := append([]string(nil), fx.prefetcher.prefetched...)
	fx.prefetcher.mu.Unlock()
	for _, id := range got {
		if id != "v3" {
			t.Fatalf("prefetch must stop at the next item, got %v", got)
		}
	}
}

func TestCoordinator_DebounceCoalescesBursts(t *testing.T) {
	fx := newFixture(t, 3, 8)
	c := NewCoordinator(fx.cfg, fx.pool, fx.feed, fx.prefetcher, nil)
	defer c.Close()

	// Five page changes inside one settle interval: a fling across the
	// feed. Only the final index gets a preload pass.
	for i := 0; i <= 4; i++ {
		c.OnSettledIndex(i)
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(3 * fx.cfg.SettleInterval)
	if got := c.Recomputes(); got != 1 {
		t.Fatalf("burst must coalesce into one pass, got %d", got)
	}

	s, ok := fx.pool.Get("v4")
	if !ok || !s.Pinned() {
		t.Fatal("final index of the burst must be pinned")
	}
	if _, ok := fx.pool.Get("v0"); ok {
		t.Fatal("burst start must not have been preloaded")
	}
}

func TestCoordinator_FastForwardDeepensForwardWindow(t *testing.T) {
	fx := newFixture(t, 3, 8)
	c := NewCoordinator(fx.cfg, fx.pool, fx.feed, fx.prefetcher, nil)
	defer c.Close()

	c.OnSettledIndex(1)
	c.OnSettledIndex(2) // within the settle interval: fast forward
	waitRecomputes(t, c, 1)

	// Forward window deepens to FastForwardAhead, backward drops to zero.
	for _, id := range []string{"v2", "v3", "v4"} {
		waitForSlot(t, fx.pool, id)
	}
	if _, ok := fx.pool.Get("v1"); ok {
		t.Fatal("backward neighbor must not be preloaded during fast forward")
	}
}

func TestCoordinator_PrefetchesWindowAndCancelsOutside(t *testing.T) {
	fx := newFixture(t, 3, 8)
	c := NewCoordinator(fx.cfg, fx.pool, fx.feed, fx.prefetcher, nil)
	defer c.Close()

	fx.prefetcher.Prefetch("v7", "https://cdn.example/v7/index.m3u8")

	c.OnSettledIndex(3)
	waitRecomputes(t, c, 1)
	waitForSlot(t, fx.pool, "v3")

	keep := fx.prefetcher.lastKeepSet()
	for _, id := range []string{"v2", "v3", "v4"} {
		if _, ok := keep[id]; !ok {
			t.Fatalf("window item %s missing from keep set %v", id, keep)
		}
	}
	for _, id := range fx.prefetcher.InFlight() {
		if id == "v7" {
			t.Fatal("prefetch outside the window must be cancelled")
		}
	}
}

func TestCoordinator_CloseStopsPendingPass(t *testing.T) {
	fx := newFixture(t, 3, 8)
	c := NewCoordinator(fx.cfg, fx.pool, fx.feed, fx.prefetcher, nil)

	c.OnSettledIndex(3)
	c.Close()

	time.Sleep(3 * fx.cfg.SettleInterval)
	if got := c.Recomputes(); got != 0 {
		t.Fatalf("closed coordinator must not run passes, got %d", got)
	}
}
