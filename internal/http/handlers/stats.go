package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/reelworks/reelpool/internal/engine"
)

// StatsHandler exposes aggregate engine statistics.
type StatsHandler struct {
	engine *engine.Engine
}

// NewStatsHandler creates a new stats handler.
func NewStatsHandler(eng *engine.Engine) *StatsHandler {
	return &StatsHandler{engine: eng}
}

// StatsInput is the input for the stats endpoint.
type StatsInput struct{}

// StatsOutput is the output for the stats endpoint.
type StatsOutput struct {
	Body engine.Stats
}

// Register registers the stats route with the API.
func (h *StatsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getStats",
		Method:      "GET",
		Path:        "/api/v1/stats",
		Summary:     "Get engine statistics",
		Description: "Returns pool, prefetch, preload, and memory statistics",
		Tags:        []string{"System"},
	}, h.Get)
}

// Get returns aggregate engine statistics.
func (h *StatsHandler) Get(ctx context.Context, input *StatsInput) (*StatsOutput, error) {
	return &StatsOutput{Body: h.engine.Stats()}, nil
}
