// Package content provides the feed registry and playable URL resolution
// for the playback engine. The feed is the ordered sequence of content items
// the UI is scrolling through; items carry stable content identifiers that
// survive reordering, unlike their transient positions.
package content

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownContent is returned when a content ID is not in the feed.
var ErrUnknownContent = errors.New("unknown content id")

// Source resolves playable URLs for content identifiers.
type Source interface {
	// ResolvePlayableURL returns the adaptive-streaming manifest URL or
	// direct media URL for the given content ID.
	ResolvePlayableURL(ctx context.Context, contentID string) (string, error)
}

// Item is a single feed entry.
type Item struct {
	// ID is the stable content identifier.
	ID string `json:"id"`
	// URL is the playable URL (HLS manifest or direct media).
	URL string `json:"url"`
}

// Feed is the ordered, mutable sequence of content items. It doubles as the
// engine's Source: URL resolution is a synchronous map lookup so that the
// cancellation path never blocks on it.
type Feed struct {
	mu    sync.RWMutex
	items []Item
	index map[string]int
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{index: make(map[string]int)}
}

// Replace swaps the entire feed content. Duplicate IDs are rejected.
func (f *Feed) Replace(items []Item) error {
	index := make(map[string]int, len(items))
	for i, item := range items {
		if item.ID == "" {
			return fmt.Errorf("feed item %d: empty id", i)
		}
		if item.URL == "" {
			return fmt.Errorf("feed item %q: empty url", item.ID)
		}
		if _, dup := index[item.ID]; dup {
			return fmt.Errorf("feed item %q: duplicate id", item.ID)
		}
		index[item.ID] = i
	}

	f.mu.Lock()
	f.items = append([]Item(nil), items...)
	f.index = index
	f.mu.Unlock()
	return nil
}

// Len returns the number of items in the feed.
func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.items)
}

// At returns the item at the given index.
func (f *Feed) At(i int) (Item, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if i < 0 || i >= len(f.items) {
		return Item{}, false
	}
	return f.items[i], true
}

// IndexOf returns the current index of a content ID.
func (f *Feed) IndexOf(contentID string) (int, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	i, ok := f.index[contentID]
	return i, ok
}

// URLOf returns the playable URL for a content ID without blocking.
func (f *Feed) URLOf(contentID string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if i, ok := f.index[contentID]; ok {
		return f.items[i].URL, true
	}
	return "", false
}

// Window returns the items from index center-behind to center+ahead,
// clamped to feed bounds. The center item is always first in the result so
// callers preload it before its neighbours.
func (f *Feed) Window(center, behind, ahead int) []Item {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if center < 0 || center >= len(f.items) {
		return nil
	}

	out := make([]Item, 0, behind+ahead+1)
	out = append(out, f.items[center])
	for d := 1; d <= ahead; d++ {
		if center+d < len(f.items) {
			out = append(out, f.items[center+d])
		}
	}
	for d := 1; d <= behind; d++ {
		if center-d >= 0 {
			out = append(out, f.items[center-d])
		}
	}
	return out
}

// Snapshot returns a copy of the current feed order.
func (f *Feed) Snapshot() []Item {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]Item(nil), f.items...)
}

// ResolvePlayableURL implements Source.
func (f *Feed) ResolvePlayableURL(_ context.Context, contentID string) (string, error) {
	if url, ok := f.URLOf(contentID); ok {
		return url, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownContent, contentID)
}

var _ Source = (*Feed)(nil)
