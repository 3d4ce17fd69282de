package prefetch

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/reelworks/reelpool/internal/config"
	"github.com/reelworks/reelpool/internal/httpclient"
)

const mediaPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:4
#EXTINF:4.0,
seg0.ts
#EXTINF:4.0,
seg1.ts
#EXTINF:4.0,
seg2.ts
#EXTINF:4.0,
seg3.ts
#EXT-X-ENDLIST
`

const multivariantPlaylist = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720
high/index.m3u8
`

// recordingServer serves playlists and segments, remembering every path hit.
type recordingServer struct {
	*httptest.Server

	mu   sync.Mutex
	hits []string
}

func newRecordingServer(t *testing.T) *recordingServer {
	t.Helper()
	rs := &recordingServer{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.mu.Lock()
		rs.hits = append(rs.hits, r.URL.Path)
		rs.mu.Unlock()

		switch {
		case r.URL.Path == "/multi.m3u8":
			fmt.Fprint(w, multivariantPlaylist)
		case r.URL.Path == "/index.m3u8",
			r.URL.Path == "/high/index.m3u8",
			r.URL.Path == "/low/index.m3u8":
			fmt.Fprint(w, mediaPlaylist)
		default:
			w.WriteHeader(http.StatusPartialContent)
			w.Write([]byte("segment bytes"))
		}
	}))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *recordingServer) paths() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]string(nil), rs.hits...)
}

func (rs *recordingServer) waitForHits(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(rs.paths()) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d hits, got %v", n, rs.paths())
}

func testPrefetcher(t *testing.T) *HTTPPrefetcher {
	t.Helper()
	cfg := config.PrefetchConfig{
		WarmSegments:  2,
		WarmChunkSize: 512 * 1024,
	}
	hc := httpclient.New(httpclient.DefaultConfig())
	p := NewHTTP(cfg, hc, nil)
	t.Cleanup(p.Close)
	return p
}

func waitIdle(t *testing.T, p *HTTPPrefetcher) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(p.InFlight()) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("prefetches still in flight: %v", p.InFlight())
}

func TestPrefetch_WarmsMediaPlaylistSegments(t *testing.T) {
	srv := newRecordingServer(t)
	p := testPrefetcher(t)

	p.Prefetch("v1", srv.URL+"/index.m3u8")
	waitIdle(t, p)

	want := []string{"/index.m3u8", "/seg0.ts", "/seg1.ts"}
	got := srv.paths()
	if len(got) != len(want) {
		t.Fatalf("expected paths %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected paths %v, got %v", want, got)
		}
	}
	if s := p.Stats(); s.Completed != 1 || s.Failed != 0 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestPrefetch_PicksHighestBandwidthVariant(t *testing.T) {
	srv := newRecordingServer(t)
	p := testPrefetcher(t)

	p.Prefetch("v1", srv.URL+"/multi.m3u8")
	waitIdle(t, p)

	got := srv.paths()
	if len(got) < 2 || got[1] != "/high/index.m3u8" {
		t.Fatalf("expected the high-bandwidth variant, got %v", got)
	}
	for _, path := range got {
		if path == "/low/index.m3u8" {
			t.Fatalf("low variant must not be fetched: %v", got)
		}
	}
}

func TestPrefetch_NonHLSURLGetsRangeFetch(t *testing.T) {
	srv := newRecordingServer(t)
	p := testPrefetcher(t)

	p.Prefetch("v1", srv.URL+"/clip.mp4")
	waitIdle(t, p)

	got := srv.paths()
	if len(got) != 1 || got[0] != "/clip.mp4" {
		t.Fatalf("expected a single direct fetch, got %v", got)
	}
}

func TestPrefetch_DuplicateStartIsNoop(t *testing.T) {
	release := make(chan struct{})
	var calls sync.WaitGroup
	calls.Add(1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Done()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	p := testPrefetcher(t)
	p.Prefetch("v1", srv.URL+"/clip.mp4")
	calls.Wait()
	p.Prefetch("v1", srv.URL+"/clip.mp4")

	if s := p.Stats(); s.Started != 1 {
		t.Fatalf("duplicate start must be a no-op, started=%d", s.Started)
	}
	p.Cancel("v1")
}

func TestPrefetch_CancelIsImmediateAndNotAFailure(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
	}))
	defer srv.Close()
	defer close(release)

	p := testPrefetcher(t)
	p.Prefetch("v1", srv.URL+"/clip.mp4")
	<-started

	p.Cancel("v1")
	// Bookkeeping is synchronous: the ID is gone the moment Cancel returns.
	if got := p.InFlight(); len(got) != 0 {
		t.Fatalf("cancelled prefetch still tracked: %v", got)
	}

	waitForStats(t, p, func(s Stats) bool { return s.Cancelled == 1 })
	if s := p.Stats(); s.Failed != 0 {
		t.Fatalf("cancellation must not count as failure: %+v", s)
	}
}

func TestPrefetch_CancelAllExceptKeepsSafeSet(t *testing.T) {
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(3)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started.Done()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	p := testPrefetcher(t)
	p.Prefetch("a", srv.URL+"/a.mp4")
	p.Prefetch("b", srv.URL+"/b.mp4")
	p.Prefetch("c", srv.URL+"/c.mp4")
	started.Wait()

	p.CancelAllExcept(map[string]struct{}{"b": {}})

	got := p.InFlight()
	if len(got) != 1 || got[0] != "b" {
		t.Fatalf("expected only b in flight, got %v", got)
	}
	if s := p.Stats(); s.Cancelled != 2 {
		t.Fatalf("expected 2 cancelled, got %+v", s)
	}
	p.Cancel("b")
}

func TestPrefetch_ServerErrorCountsAsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := testPrefetcher(t)
	p.Prefetch("v1", srv.URL+"/clip.mp4")
	waitIdle(t, p)

	waitForStats(t, p, func(s Stats) bool { return s.Failed == 1 })
}

func waitForStats(t *testing.T, p *HTTPPrefetcher, ok func(Stats) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ok(p.Stats()) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("stats never converged: %+v", p.Stats())
}
