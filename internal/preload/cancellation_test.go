package preload

import (
	"context"
	"testing"
	"time"
)

func TestCanceller_KeepsTargetAndSuccessor(t *testing.T) {
	fx := newFixture(t, 3, 8)
	c := NewCanceller(fx.cfg, fx.pool, fx.feed, fx.prefetcher, nil)

	fx.prefetcher.Prefetch("v1", "u")
	fx.prefetcher.Prefetch("v3", "u")
	fx.prefetcher.Prefetch("v4", "u")
	fx.prefetcher.Prefetch("v6", "u")

	c.OnScrollIntent(3)

	keep := fx.prefetcher.lastKeepSet()
	if _, ok := keep["v3"]; !ok {
		t.Fatalf("target must be in the safe set: %v", keep)
	}
	if _, ok := keep["v4"]; !ok {
		t.Fatalf("successor must be in the safe set on a normal scroll: %v", keep)
	}
	if len(keep) != 2 {
		t.Fatalf("expected a two-item safe set, got %v", keep)
	}

	inflight := fx.prefetcher.InFlight()
	for _, id := range inflight {
		if id != "v3" && id != "v4" {
			t.Fatalf("stale prefetch %s survived", id)
		}
	}
	if len(inflight) != 2 {
		t.Fatalf("expected v3 and v4 in flight, got %v", inflight)
	}
}

func TestCanceller_FastScrollShrinksSafeSet(t *testing.T) {
	fx := newFixture(t, 3, 8)
	c := NewCanceller(fx.cfg, fx.pool, fx.feed, fx.prefetcher, nil)

	fx.prefetcher.Prefetch("v3", "u")
	fx.prefetcher.Prefetch("v4", "u")

	c.OnScrollIntent(2)
	c.OnScrollIntent(3) // within the settle interval: fast scroll

	keep := fx.prefetcher.lastKeepSet()
	if len(keep) != 1 {
		t.Fatalf("fast scroll must keep only the target, got %v", keep)
	}
	if _, ok := keep["v3"]; !ok {
		t.Fatalf("target must be kept, got %v", keep)
	}
}

func TestCanceller_FastScrollEvictsDistantSlots(t *testing.T) {
	fx := newFixture(t, 5, 8)
	fx.cfg.SettleInterval = 100 * time.Millisecond
	c := NewCanceller(fx.cfg, fx.pool, fx.feed, fx.prefetcher, nil)

	for _, id := range []string{"v0", "v3", "v4"} {
		s, err := fx.pool.Acquire(context.Background(), id)
		if err != nil {
			t.Fatalf("Acquire(%s): %v", id, err)
		}
		if err := s.WaitReady(context.Background()); err != nil {
			t.Fatalf("WaitReady(%s): %v", id, err)
		}
	}

	c.OnScrollIntent(3)
	c.OnScrollIntent(4)

	if _, ok := fx.pool.Get("v0"); ok {
		t.Fatal("distant slot must be evicted during fast scroll")
	}
	for _, id := range []string{"v3", "v4"} {
		if _, ok := fx.pool.Get(id); !ok {
			t.Fatalf("near slot %s must survive", id)
		}
	}
}

func TestCanceller_SlowScrollLeavesSlotsAlone(t *testing.T) {
	fx := newFixture(t, 5, 8)
	c := NewCanceller(fx.cfg, fx.pool, fx.feed, fx.prefetcher, nil)

	for _, id := range []string{"v0", "v4"} {
		s, err := fx.pool.Acquire(context.Background(), id)
		if err != nil {
			t.Fatalf("Acquire(%s): %v", id, err)
		}
		if err := s.WaitReady(context.Background()); err != nil {
			t.Fatalf("WaitReady(%s): %v", id, err)
		}
	}

	c.OnScrollIntent(4)

	for _, id := range []string{"v0", "v4"} {
		if _, ok := fx.pool.Get(id); !ok {
			t.Fatalf("slot %s must survive a slow scroll", id)
		}
	}
}

func TestCanceller_TargetAtFeedEnd(t *testing.T) {
	fx := newFixture(t, 3, 4)
	c := NewCanceller(fx.cfg, fx.pool, fx.feed, fx.prefetcher, nil)

	fx.prefetcher.Prefetch("v0", "u")

	// Last item has no successor; the safe set is just the target.
	c.OnScrollIntent(3)

	keep := fx.prefetcher.lastKeepSet()
	if len(keep) != 1 {
		t.Fatalf("expected single-item safe set at feed end, got %v", keep)
	}
	if _, ok := keep["v3"]; !ok {
		t.Fatalf("target missing from safe set: %v", keep)
	}
}
