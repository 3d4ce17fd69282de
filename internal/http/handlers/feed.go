package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/reelworks/reelpool/internal/content"
	"github.com/reelworks/reelpool/internal/engine"
)

// FeedHandler handles feed management endpoints.
type FeedHandler struct {
	engine *engine.Engine
}

// NewFeedHandler creates a new feed handler.
func NewFeedHandler(eng *engine.Engine) *FeedHandler {
	return &FeedHandler{engine: eng}
}

// FeedItem is a single feed entry on the wire.
type FeedItem struct {
	ID  string `json:"id" doc:"Stable content identifier"`
	URL string `json:"url" doc:"Playable URL (HLS manifest or direct media)"`
}

// ReplaceFeedInput is the input for replacing the feed.
type ReplaceFeedInput struct {
	Body struct {
		Items []FeedItem `json:"items"`
	}
}

// ReplaceFeedOutput is the output for replacing the feed.
type ReplaceFeedOutput struct {
	Body struct {
		Items int `json:"items"`
	}
}

// GetFeedInput is the input for reading the feed.
type GetFeedInput struct{}

// GetFeedOutput is the output for reading the feed.
type GetFeedOutput struct {
	Body struct {
		Items []FeedItem `json:"items"`
	}
}

// Register registers the feed routes with the API.
func (h *FeedHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "replaceFeed",
		Method:      "PUT",
		Path:        "/api/v1/feed",
		Summary:     "Replace the feed",
		Description: "Replaces the ordered content feed. Slots for removed content are evicted.",
		Tags:        []string{"Feed"},
	}, h.Replace)

	huma.Register(api, huma.Operation{
		OperationID: "getFeed",
		Method:      "GET",
		Path:        "/api/v1/feed",
		Summary:     "Get the feed",
		Description: "Returns the current feed order",
		Tags:        []string{"Feed"},
	}, h.Get)
}

// Replace swaps the entire feed.
func (h *FeedHandler) Replace(ctx context.Context, input *ReplaceFeedInput) (*ReplaceFeedOutput, error) {
	items := make([]content.Item, 0, len(input.Body.Items))
	for _, it := range input.Body.Items {
		items = append(items, content.Item{ID: it.ID, URL: it.URL})
	}

	if err := h.engine.SetFeed(items); err != nil {
		return nil, huma.Error422UnprocessableEntity("invalid feed", err)
	}

	resp := &ReplaceFeedOutput{}
	resp.Body.Items = len(items)
	return resp, nil
}

// Get returns the current feed order.
func (h *FeedHandler) Get(ctx context.Context, input *GetFeedInput) (*GetFeedOutput, error) {
	snapshot := h.engine.Feed().Snapshot()

	resp := &GetFeedOutput{}
	resp.Body.Items = make([]FeedItem, 0, len(snapshot))
	for _, it := range snapshot {
		resp.Body.Items = append(resp.Body.Items, FeedItem{ID: it.ID, URL: it.URL})
	}
	return resp, nil
}
