package decoder

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/reelworks/reelpool/internal/httpclient"
)

const hlsMediaPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:4
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:4.0,
seg0.ts
#EXTINF:4.0,
seg1.ts
#EXTINF:2.5,
seg2.ts
#EXT-X-ENDLIST
`

const hlsMultivariantPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720
high/index.m3u8
`

type hlsServer struct {
	*httptest.Server
	mu    sync.Mutex
	paths []string
}

func newHLSServer(t *testing.T) *hlsServer {
	t.Helper()
	s := &hlsServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.paths = append(s.paths, r.URL.Path)
		s.mu.Unlock()

		switch {
		case r.URL.Path == "/master.m3u8":
			w.Write([]byte(hlsMultivariantPlaylist))
		case strings.HasSuffix(r.URL.Path, "index.m3u8"):
			w.Write([]byte(hlsMediaPlaylist))
		case strings.HasSuffix(r.URL.Path, ".ts"):
			w.Write(make([]byte, 4096))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *hlsServer) requested() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths...)
}

func newTestFactory(t *testing.T) *HLSFactory {
	t.Helper()
	cfg := httpclient.DefaultConfig()
	cfg.RetryAttempts = 1
	return NewHLSFactory(httpclient.New(cfg), 2048, nil)
}

func TestHLSFactoryOpensMediaPlaylist(t *testing.T) {
	srv := newHLSServer(t)
	f := newTestFactory(t)

	h, err := f.Open(context.Background(), "v1", srv.URL+"/index.m3u8")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	want := []string{"/index.m3u8", "/seg0.ts"}
	got := srv.requested()
	if len(got) != len(want) {
		t.Fatalf("requested %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("requested %v, want %v", got, want)
		}
	}
}

func TestHLSFactoryWalksMultivariant(t *testing.T) {
	srv := newHLSServer(t)
	f := newTestFactory(t)

	h, err := f.Open(context.Background(), "v1", srv.URL+"/master.m3u8")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	got := srv.requested()
	if len(got) < 2 || got[1] != "/high/index.m3u8" {
		t.Fatalf("expected highest-bandwidth variant, requested %v", got)
	}
}

func TestHLSFactoryManifestErrorFailsOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()
	f := newTestFactory(t)

	if _, err := f.Open(context.Background(), "v1", srv.URL+"/index.m3u8"); err == nil {
		t.Fatal("expected error for missing manifest")
	}
}

func TestHLSHandlePositionTracking(t *testing.T) {
	h := &hlsHandle{duration: 10 * time.Second}

	if got := h.Position(); got != 0 {
		t.Fatalf("initial position = %v, want 0", got)
	}

	if err := h.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := h.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	paused := h.Position()
	if paused <= 0 {
		t.Fatalf("position after playing = %v, want > 0", paused)
	}
	time.Sleep(20 * time.Millisecond)
	if got := h.Position(); got != paused {
		t.Fatalf("position advanced while paused: %v != %v", got, paused)
	}
}

func TestHLSHandleSeekClampsToDuration(t *testing.T) {
	h := &hlsHandle{duration: 10 * time.Second}

	if err := h.SeekTo(time.Minute); err != nil {
		t.Fatalf("SeekTo: %v", err)
	}
	if got := h.Position(); got != 10*time.Second {
		t.Fatalf("position = %v, want duration cap", got)
	}

	if err := h.SeekTo(-time.Second); err != nil {
		t.Fatalf("SeekTo: %v", err)
	}
	if got := h.Position(); got != 0 {
		t.Fatalf("position = %v, want 0", got)
	}
}

func TestHLSHandleClosedRejectsOperations(t *testing.T) {
	h := &hlsHandle{duration: 10 * time.Second}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Play(); err != ErrClosed {
		t.Fatalf("Play after Close = %v, want ErrClosed", err)
	}
	if err := h.Pause(); err != ErrClosed {
		t.Fatalf("Pause after Close = %v, want ErrClosed", err)
	}
	if err := h.SeekTo(time.Second); err != ErrClosed {
		t.Fatalf("SeekTo after Close = %v, want ErrClosed", err)
	}
}
