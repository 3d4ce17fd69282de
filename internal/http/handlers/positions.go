package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/reelworks/reelpool/internal/engine"
	"github.com/reelworks/reelpool/internal/models"
)

// PositionsHandler exposes the persisted playback-position store.
type PositionsHandler struct {
	engine *engine.Engine
}

// NewPositionsHandler creates a new positions handler.
func NewPositionsHandler(eng *engine.Engine) *PositionsHandler {
	return &PositionsHandler{engine: eng}
}

// PositionResponse is a persisted position on the wire.
type PositionResponse struct {
	ContentID  string `json:"content_id"`
	PositionMS int64  `json:"position_ms"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Completed  bool   `json:"completed"`
	WatchedAt  string `json:"watched_at"`
}

// ListPositionsInput is the input for listing positions.
type ListPositionsInput struct {
	Limit int `query:"limit" minimum:"0" doc:"Maximum rows to return, 0 for all"`
}

// ListPositionsOutput is the output for listing positions.
type ListPositionsOutput struct {
	Body struct {
		Positions []PositionResponse `json:"positions"`
	}
}

// GetPositionInput is the input for reading one position.
type GetPositionInput struct {
	ContentID string `path:"contentID" doc:"Content identifier"`
}

// GetPositionOutput is the output for reading one position.
type GetPositionOutput struct {
	Body PositionResponse
}

// DeletePositionInput is the input for deleting a position.
type DeletePositionInput struct {
	ContentID string `path:"contentID" doc:"Content identifier"`
}

// DeletePositionOutput is the output for deleting a position.
type DeletePositionOutput struct {
	Body struct {
		Deleted bool `json:"deleted"`
	}
}

// Register registers the position routes with the API.
func (h *PositionsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listPositions",
		Method:      "GET",
		Path:        "/api/v1/positions",
		Summary:     "List persisted positions",
		Description: "Returns persisted playback positions, newest first",
		Tags:        []string{"Positions"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getPosition",
		Method:      "GET",
		Path:        "/api/v1/positions/{contentID}",
		Summary:     "Get a persisted position",
		Description: "Returns the persisted playback position for a content ID",
		Tags:        []string{"Positions"},
	}, h.Get)

	huma.Register(api, huma.Operation{
		OperationID: "deletePosition",
		Method:      "DELETE",
		Path:        "/api/v1/positions/{contentID}",
		Summary:     "Delete a persisted position",
		Description: "Deletes the persisted playback position for a content ID",
		Tags:        []string{"Positions"},
	}, h.Delete)
}

// List returns persisted positions, newest first.
func (h *PositionsHandler) List(ctx context.Context, input *ListPositionsInput) (*ListPositionsOutput, error) {
	positions, err := h.engine.Positions().List(ctx, input.Limit)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list positions", err)
	}

	resp := &ListPositionsOutput{}
	resp.Body.Positions = make([]PositionResponse, 0, len(positions))
	for i := range positions {
		resp.Body.Positions = append(resp.Body.Positions, positionFromModel(&positions[i]))
	}
	return resp, nil
}

// Get returns one persisted position.
func (h *PositionsHandler) Get(ctx context.Context, input *GetPositionInput) (*GetPositionOutput, error) {
	pos, err := h.engine.Positions().Get(ctx, input.ContentID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, huma.Error404NotFound(fmt.Sprintf("no position for content %s", input.ContentID))
	}
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to get position", err)
	}

	return &GetPositionOutput{Body: positionFromModel(pos)}, nil
}

// Delete removes one persisted position.
func (h *PositionsHandler) Delete(ctx context.Context, input *DeletePositionInput) (*DeletePositionOutput, error) {
	if err := h.engine.Positions().Delete(ctx, input.ContentID); err != nil {
		return nil, huma.Error500InternalServerError("failed to delete position", err)
	}

	resp := &DeletePositionOutput{}
	resp.Body.Deleted = true
	return resp, nil
}

func positionFromModel(pos *models.PlaybackPosition) PositionResponse {
	return PositionResponse{
		ContentID:  pos.ContentID,
		PositionMS: pos.Position.Milliseconds(),
		DurationMS: pos.Duration.Milliseconds(),
		Completed:  pos.Completed(),
		WatchedAt:  pos.WatchedAt.UTC().Format(time.RFC3339),
	}
}
