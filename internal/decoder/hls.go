package decoder

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"

	"github.com/reelworks/reelpool/internal/httpclient"
)

const maxManifestBytes = 256 * 1024

// HLSFactory opens decoder handles for HLS content. Spinning one up does
// the expensive part of decoder initialization that dominates startup
// latency: resolving the manifest chain and priming the first media segment
// over the network. Rendering itself happens in the UI shell.
type HLSFactory struct {
	client     *httpclient.Client
	primeBytes int64
	logger     *slog.Logger
}

// NewHLSFactory creates an HLS decoder factory. primeBytes caps how much of
// the first segment is pulled during initialization.
func NewHLSFactory(client *httpclient.Client, primeBytes int64, logger *slog.Logger) *HLSFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &HLSFactory{
		client:     client,
		primeBytes: primeBytes,
		logger:     logger,
	}
}

// Open implements Factory.
func (f *HLSFactory) Open(ctx context.Context, contentID, rawURL string) (Handle, error) {
	media, mediaURL, err := f.resolveMedia(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("resolving manifest: %w", err)
	}

	var duration time.Duration
	for _, seg := range media.Segments {
		duration += seg.Duration
	}

	if len(media.Segments) > 0 && f.primeBytes > 0 {
		segURL := resolveRef(mediaURL, media.Segments[0].URI)
		if err := f.prime(ctx, segURL); err != nil {
			return nil, fmt.Errorf("priming first segment: %w", err)
		}
	}

	f.logger.Debug("decoder opened",
		slog.String("content_id", contentID),
		slog.Int("segments", len(media.Segments)),
		slog.Duration("duration", duration),
	)

	return &hlsHandle{duration: duration}, nil
}

func (f *HLSFactory) resolveMedia(ctx context.Context, rawURL string) (*playlist.Media, string, error) {
	data, err := f.fetch(ctx, rawURL)
	if err != nil {
		return nil, "", err
	}

	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return nil, "", fmt.Errorf("parsing playlist: %w", err)
	}

	switch p := pl.(type) {
	case *playlist.Media:
		return p, rawURL, nil

	case *playlist.Multivariant:
		if len(p.Variants) == 0 {
			return nil, "", fmt.Errorf("multivariant playlist has no variants")
		}
		best := p.Variants[0]
		for _, v := range p.Variants[1:] {
			if v.Bandwidth > best.Bandwidth {
				best = v
			}
		}
		mediaURL := resolveRef(rawURL, best.URI)
		data, err := f.fetch(ctx, mediaURL)
		if err != nil {
			return nil, "", err
		}
		mediaPL, err := playlist.Unmarshal(data)
		if err != nil {
			return nil, "", fmt.Errorf("parsing variant playlist: %w", err)
		}
		media, ok := mediaPL.(*playlist.Media)
		if !ok {
			return nil, "", fmt.Errorf("expected media playlist at %s", mediaURL)
		}
		return media, mediaURL, nil

	default:
		return nil, "", fmt.Errorf("unsupported playlist type %T", pl)
	}
}

func (f *HLSFactory) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	resp, err := f.client.Get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
}

func (f *HLSFactory) prime(ctx context.Context, rawURL string) error {
	resp, err := f.client.GetRange(ctx, rawURL, 0, f.primeBytes-1)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	_, err = io.Copy(io.Discard, io.LimitReader(resp.Body, f.primeBytes))
	return err
}

func resolveRef(baseURL, refURL string) string {
	if strings.HasPrefix(refURL, "http://") || strings.HasPrefix(refURL, "https://") {
		return refURL
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return refURL
	}
	ref, err := url.Parse(refURL)
	if err != nil {
		return refURL
	}
	return base.ResolveReference(ref).String()
}

// hlsHandle tracks playback position against the wall clock. The UI shell
// renders; the daemon only needs the position for resume persistence.
type hlsHandle struct {
	mu       sync.Mutex
	duration time.Duration
	offset   time.Duration
	playing  bool
	started  time.Time
	closed   bool
}

func (h *hlsHandle) Play() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if !h.playing {
		h.playing = true
		h.started = time.Now()
	}
	return nil
}

func (h *hlsHandle) Pause() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if h.playing {
		h.offset = h.positionLocked()
		h.playing = false
	}
	return nil
}

func (h *hlsHandle) SeekTo(offset time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if offset < 0 {
		offset = 0
	}
	if h.duration > 0 && offset > h.duration {
		offset = h.duration
	}
	h.offset = offset
	if h.playing {
		h.started = time.Now()
	}
	return nil
}

func (h *hlsHandle) Position() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.positionLocked()
}

func (h *hlsHandle) positionLocked() time.Duration {
	pos := h.offset
	if h.playing {
		pos += time.Since(h.started)
	}
	if h.duration > 0 && pos > h.duration {
		pos = h.duration
	}
	return pos
}

func (h *hlsHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.playing = false
	return nil
}

var _ Factory = (*HLSFactory)(nil)
