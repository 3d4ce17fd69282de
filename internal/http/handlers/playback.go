package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/reelworks/reelpool/internal/engine"
	"github.com/reelworks/reelpool/internal/pool"
)

// PlaybackHandler handles per-content playback operations.
type PlaybackHandler struct {
	engine *engine.Engine
}

// NewPlaybackHandler creates a new playback handler.
func NewPlaybackHandler(eng *engine.Engine) *PlaybackHandler {
	return &PlaybackHandler{engine: eng}
}

// PlayInput is the input for starting playback.
type PlayInput struct {
	ContentID string `path:"contentID" doc:"Content identifier"`
}

// PauseInput is the input for pausing playback.
type PauseInput struct {
	ContentID string `path:"contentID" doc:"Content identifier"`
}

// SeekInput is the input for seeking.
type SeekInput struct {
	ContentID string `path:"contentID" doc:"Content identifier"`
	Body      struct {
		PositionMS int64 `json:"position_ms" minimum:"0" doc:"Target offset in milliseconds"`
	}
}

// PositionInput is the input for reading the playback position.
type PositionInput struct {
	ContentID string `path:"contentID" doc:"Content identifier"`
}

// PlaybackOutput is the shared playback state payload.
type PlaybackOutput struct {
	Body struct {
		ContentID  string `json:"content_id"`
		PositionMS int64  `json:"position_ms"`
	}
}

// Register registers the playback routes with the API.
func (h *PlaybackHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "playContent",
		Method:      "POST",
		Path:        "/api/v1/playback/{contentID}/play",
		Summary:     "Start playback",
		Description: "Starts playback, acquiring a decoder slot if the preload window has not warmed one, and resumes from the persisted position",
		Tags:        []string{"Playback"},
	}, h.Play)

	huma.Register(api, huma.Operation{
		OperationID: "pauseContent",
		Method:      "POST",
		Path:        "/api/v1/playback/{contentID}/pause",
		Summary:     "Pause playback",
		Description: "Pauses playback and persists the position",
		Tags:        []string{"Playback"},
	}, h.Pause)

	huma.Register(api, huma.Operation{
		OperationID: "seekContent",
		Method:      "POST",
		Path:        "/api/v1/playback/{contentID}/seek",
		Summary:     "Seek",
		Description: "Repositions playback and persists the new position",
		Tags:        []string{"Playback"},
	}, h.Seek)

	huma.Register(api, huma.Operation{
		OperationID: "getPlaybackPosition",
		Method:      "GET",
		Path:        "/api/v1/playback/{contentID}/position",
		Summary:     "Get playback position",
		Description: "Returns the current playback offset",
		Tags:        []string{"Playback"},
	}, h.Position)
}

// Play starts playback for a content ID.
func (h *PlaybackHandler) Play(ctx context.Context, input *PlayInput) (*PlaybackOutput, error) {
	if err := h.engine.Play(ctx, input.ContentID); err != nil {
		return nil, playbackError(input.ContentID, err)
	}
	return h.state(input.ContentID)
}

// Pause pauses playback for a content ID.
func (h *PlaybackHandler) Pause(ctx context.Context, input *PauseInput) (*PlaybackOutput, error) {
	if err := h.engine.Pause(ctx, input.ContentID); err != nil {
		return nil, playbackError(input.ContentID, err)
	}
	return h.state(input.ContentID)
}

// Seek repositions playback for a content ID.
func (h *PlaybackHandler) Seek(ctx context.Context, input *SeekInput) (*PlaybackOutput, error) {
	offset := time.Duration(input.Body.PositionMS) * time.Millisecond
	if err := h.engine.Seek(ctx, input.ContentID, offset); err != nil {
		return nil, playbackError(input.ContentID, err)
	}
	return h.state(input.ContentID)
}

// Position returns the current playback offset for a content ID.
func (h *PlaybackHandler) Position(ctx context.Context, input *PositionInput) (*PlaybackOutput, error) {
	return h.state(input.ContentID)
}

func (h *PlaybackHandler) state(contentID string) (*PlaybackOutput, error) {
	pos, err := h.engine.Position(contentID)
	if err != nil {
		return nil, playbackError(contentID, err)
	}

	resp := &PlaybackOutput{}
	resp.Body.ContentID = contentID
	resp.Body.PositionMS = pos.Milliseconds()
	return resp, nil
}

// playbackError maps engine and pool errors to API errors. Capacity
// exhaustion is a conflict the UI retries, not a server fault.
func playbackError(contentID string, err error) error {
	switch {
	case errors.Is(err, engine.ErrUnknownSlot):
		return huma.Error404NotFound(fmt.Sprintf("no slot for content %s", contentID))
	case errors.Is(err, pool.ErrNoEvictable):
		return huma.Error409Conflict("pool at capacity with every slot pinned", err)
	case errors.Is(err, pool.ErrSlotErrored), errors.Is(err, pool.ErrSlotDisposed):
		return huma.Error409Conflict("decoder slot unavailable", err)
	case errors.Is(err, pool.ErrPoolClosed):
		return huma.Error503ServiceUnavailable("engine shutting down", err)
	default:
		return huma.Error500InternalServerError("playback operation failed", err)
	}
}
