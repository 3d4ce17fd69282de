package pool

import (
	"context"
	"testing"
	"time"

	"github.com/reelworks/reelpool/internal/decoder"
)

func TestDisposalQueue_EnqueueDedupes(t *testing.T) {
	feed := testFeed(t, "a", "b")
	cfg := testConfig()
	cfg.Capacity = 2
	p := New(cfg, decoder.NewStubFactory(decoder.StubConfig{}), feed, nil)
	defer p.Close()

	acquireReady(t, p, "a")

	q := p.Disposals()
	if !q.Enqueue("a") {
		t.Fatal("first enqueue must succeed")
	}
	if q.Enqueue("a") {
		t.Fatal("duplicate enqueue must be a no-op")
	}
	if got := q.Pending(); len(got) != 1 {
		t.Fatalf("expected 1 pending disposal, got %v", got)
	}
}

func TestDisposalQueue_EnqueueSkipsPinnedAndUnknown(t *testing.T) {
	feed := testFeed(t, "a")
	p := New(testConfig(), decoder.NewStubFactory(decoder.StubConfig{}), feed, nil)
	defer p.Close()

	acquireReady(t, p, "a")
	p.Pin("a")

	q := p.Disposals()
	if q.Enqueue("a") {
		t.Fatal("pinned slot must not be enqueued")
	}
	if q.Enqueue("nope") {
		t.Fatal("unknown id must not be enqueued")
	}
}

func TestDisposalQueue_ReacquireCancelsDisposal(t *testing.T) {
	feed := testFeed(t, "a", "b")
	cfg := testConfig()
	cfg.Capacity = 2
	p := New(cfg, decoder.NewStubFactory(decoder.StubConfig{}), feed, nil)
	defer p.Close()

	s1 := acquireReady(t, p, "a")
	handleOpens := p.factory.(*decoder.StubFactory).Opened()

	if !p.Disposals().Enqueue("a") {
		t.Fatal("enqueue failed")
	}
	if _, ok := p.Get("a"); ok {
		t.Fatal("enqueued slot must leave the active set")
	}

	// Re-acquiring reinstates the parked slot, decoder intact.
	s2, err := p.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if s2 != s1 {
		t.Fatal("reinstated slot must be the same object")
	}
	if got := p.factory.(*decoder.StubFactory).Opened(); got != handleOpens {
		t.Fatalf("reinstatement must not reopen the decoder: opens %d -> %d", handleOpens, got)
	}
	if got := p.Stats().Reinstated; got != 1 {
		t.Fatalf("expected 1 reinstatement, got %d", got)
	}

	// Nothing left to tear down.
	if n := p.Disposals().Drain(10); n != 0 {
		t.Fatalf("drain after cancellation disposed %d slots", n)
	}
	if s2.State() != SlotReady {
		t.Fatalf("reinstated slot must stay live, got %s", s2.State())
	}
}

func TestDisposalQueue_DrainRespectsBatchLimit(t *testing.T) {
	feed := testFeed(t, "a", "b", "c")
	cfg := testConfig()
	cfg.Capacity = 3
	p := New(cfg, decoder.NewStubFactory(decoder.StubConfig{}), feed, nil)
	defer p.Close()

	for _, id := range []string{"a", "b", "c"} {
		acquireReady(t, p, id)
		p.Disposals().Enqueue(id)
	}

	if n := p.Disposals().Drain(2); n != 2 {
		t.Fatalf("expected 2 disposed in first batch, got %d", n)
	}
	if got := p.Disposals().Pending(); len(got) != 1 {
		t.Fatalf("expected 1 left pending, got %v", got)
	}
	if n := p.Disposals().Drain(2); n != 1 {
		t.Fatalf("expected 1 disposed in second batch, got %d", n)
	}
}

func TestDisposalQueue_DrainSkipsRecentlyTouched(t *testing.T) {
	feed := testFeed(t, "a")
	p := New(testConfig(), decoder.NewStubFactory(decoder.StubConfig{}), feed, nil)
	defer p.Close()

	s := acquireReady(t, p, "a")
	p.Disposals().Enqueue("a")

	// An access after enqueue means the slot is still in use; tearing it
	// down now would kill live playback.
	p.mu.Lock()
	s.lastAccess = time.Now().Add(time.Millisecond)
	p.mu.Unlock()

	if n := p.Disposals().Drain(10); n != 0 {
		t.Fatalf("drain must skip touched slots, disposed %d", n)
	}
	if _, ok := p.Disposals().enqueueTimeFor("a"); !ok {
		t.Fatal("skipped slot must stay pending")
	}
}

func TestDisposalQueue_ForceDrainAll(t *testing.T) {
	feed := testFeed(t, "a", "b")
	cfg := testConfig()
	cfg.Capacity = 2
	p := New(cfg, decoder.NewStubFactory(decoder.StubConfig{}), feed, nil)
	defer p.Close()

	sa := acquireReady(t, p, "a")
	acquireReady(t, p, "b")
	p.Disposals().Enqueue("b")

	// Park a too, then mark it touched so a plain drain would skip it.
	p.Disposals().Enqueue("a")
	p.mu.Lock()
	sa.lastAccess = time.Now().Add(time.Millisecond)
	p.mu.Unlock()

	if n := p.Disposals().ForceDrainAll(false); n != 2 {
		t.Fatalf("force drain must tear down everything, got %d", n)
	}
	if got := p.Disposals().Pending(); len(got) != 0 {
		t.Fatalf("expected empty queue, got %v", got)
	}
	if sa.State() != SlotDisposed {
		t.Fatalf("expected disposed, got %s", sa.State())
	}
}

func TestDisposalQueue_DisposedSlotsAreCounted(t *testing.T) {
	feed := testFeed(t, "a")
	p := New(testConfig(), decoder.NewStubFactory(decoder.StubConfig{}), feed, nil)
	defer p.Close()

	acquireReady(t, p, "a")
	p.Disposals().Enqueue("a")
	p.Disposals().Drain(10)

	if got := p.Stats().Disposed; got != 1 {
		t.Fatalf("expected 1 disposed, got %d", got)
	}
}
