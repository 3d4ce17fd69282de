package prefetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"

	"github.com/reelworks/reelpool/internal/httpclient"
)

const maxPlaylistBytes = 256 * 1024

// hlsWarmer fetches an HLS manifest and the leading bytes of its first
// segments. Non-HLS URLs get a single range fetch of chunkBytes.
type hlsWarmer struct {
	client       *httpclient.Client
	warmSegments int
	chunkBytes   int64
}

func newHLSWarmer(client *httpclient.Client, warmSegments int, chunkBytes int64) *hlsWarmer {
	return &hlsWarmer{
		client:       client,
		warmSegments: warmSegments,
		chunkBytes:   chunkBytes,
	}
}

// Warm pulls rawURL into caches. For HLS manifests it walks into the
// highest-bandwidth variant and warms the first warmSegments segments.
func (w *hlsWarmer) Warm(ctx context.Context, rawURL string) error {
	if !isHLSURL(rawURL) {
		return w.warmBytes(ctx, rawURL)
	}

	data, err := w.fetchPlaylist(ctx, rawURL)
	if err != nil {
		return err
	}

	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return fmt.Errorf("parsing playlist: %w", err)
	}

	switch p := pl.(type) {
	case *playlist.Media:
		return w.warmMedia(ctx, rawURL, p)

	case *playlist.Multivariant:
		mediaURL, err := pickVariant(rawURL, p)
		if err != nil {
			return err
		}
		mediaData, err := w.fetchPlaylist(ctx, mediaURL)
		if err != nil {
			return err
		}
		mediaPL, err := playlist.Unmarshal(mediaData)
		if err != nil {
			return fmt.Errorf("parsing variant playlist: %w", err)
		}
		media, ok := mediaPL.(*playlist.Media)
		if !ok {
			return fmt.Errorf("expected media playlist at %s", mediaURL)
		}
		return w.warmMedia(ctx, mediaURL, media)

	default:
		return fmt.Errorf("unsupported playlist type %T", pl)
	}
}

func (w *hlsWarmer) warmMedia(ctx context.Context, playlistURL string, media *playlist.Media) error {
	n := w.warmSegments
	if n > len(media.Segments) {
		n = len(media.Segments)
	}
	for i := 0; i < n; i++ {
		segURL := absolutizeURL(playlistURL, media.Segments[i].URI)
		if err := w.warmBytes(ctx, segURL); err != nil {
			return fmt.Errorf("warming segment %d: %w", i, err)
		}
	}
	return nil
}

// warmBytes fetches up to chunkBytes of rawURL and discards them; the point
// is populating caches along the way, not keeping the data.
func (w *hlsWarmer) warmBytes(ctx context.Context, rawURL string) error {
	resp, err := w.client.GetRange(ctx, rawURL, 0, w.chunkBytes-1)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	_, err = io.Copy(io.Discard, io.LimitReader(resp.Body, w.chunkBytes))
	return err
}

func (w *hlsWarmer) fetchPlaylist(ctx context.Context, rawURL string) ([]byte, error) {
	resp, err := w.client.Get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxPlaylistBytes))
}

// pickVariant chooses the highest-bandwidth variant, matching what decoders
// open first on a fast local network.
func pickVariant(playlistURL string, mv *playlist.Multivariant) (string, error) {
	if len(mv.Variants) == 0 {
		return "", fmt.Errorf("multivariant playlist has no variants")
	}
	variants := append([]*playlist.MultivariantVariant(nil), mv.Variants...)
	sort.Slice(variants, func(i, j int) bool {
		return variants[i].Bandwidth > variants[j].Bandwidth
	})
	return absolutizeURL(playlistURL, variants[0].URI), nil
}

func isHLSURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.ToLower(u.Path), ".m3u8")
}

// absolutizeURL converts a relative URL to absolute based on the playlist URL.
func absolutizeURL(playlistURL, refURL string) string {
	if strings.HasPrefix(refURL, "http://") || strings.HasPrefix(refURL, "https://") {
		return refURL
	}

	base, err := url.Parse(playlistURL)
	if err != nil {
		if idx := strings.LastIndex(playlistURL, "/"); idx >= 0 {
			return playlistURL[:idx+1] + refURL
		}
		return refURL
	}

	ref, err := url.Parse(refURL)
	if err != nil {
		return refURL
	}

	return base.ResolveReference(ref).String()
}
