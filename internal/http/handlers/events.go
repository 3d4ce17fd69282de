package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/reelworks/reelpool/internal/engine"
	"github.com/reelworks/reelpool/internal/lifecycle"
)

// EventsHandler receives UI events: scroll intents, page settles, and
// platform lifecycle transitions. These are fire-and-forget from the UI's
// point of view; the handlers return as soon as the synchronous part of the
// work (cancellation bookkeeping, debounce scheduling) is done.
type EventsHandler struct {
	engine *engine.Engine
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(eng *engine.Engine) *EventsHandler {
	return &EventsHandler{engine: eng}
}

// ScrollEventInput is the input for a scroll intent event.
type ScrollEventInput struct {
	Body struct {
		TargetIndex int `json:"target_index" minimum:"0" doc:"Feed index the scroll is heading toward"`
	}
}

// SettledEventInput is the input for a page settled event.
type SettledEventInput struct {
	Body struct {
		Index int `json:"index" minimum:"0" doc:"Feed index the UI settled on"`
	}
}

// LifecycleEventInput is the input for a lifecycle transition event.
type LifecycleEventInput struct {
	Body struct {
		State string `json:"state" enum:"foreground,inactive,background,detached" doc:"Platform lifecycle state"`
	}
}

// EventOutput is the shared acknowledgement payload.
type EventOutput struct {
	Body struct {
		Accepted bool `json:"accepted"`
	}
}

// Register registers the event routes with the API.
func (h *EventsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "postScrollEvent",
		Method:      "POST",
		Path:        "/api/v1/events/scroll",
		Summary:     "Report a scroll intent",
		Description: "Cancels prefetch work outside the scroll target's safe set before the UI renders a frame",
		Tags:        []string{"Events"},
	}, h.Scroll)

	huma.Register(api, huma.Operation{
		OperationID: "postSettledEvent",
		Method:      "POST",
		Path:        "/api/v1/events/settled",
		Summary:     "Report a settled page",
		Description: "Schedules a debounced preload pass around the settled index",
		Tags:        []string{"Events"},
	}, h.Settled)

	huma.Register(api, huma.Operation{
		OperationID: "postLifecycleEvent",
		Method:      "POST",
		Path:        "/api/v1/events/lifecycle",
		Summary:     "Report a lifecycle transition",
		Description: "Applies platform lifecycle transitions to the pool and prefetcher",
		Tags:        []string{"Events"},
	}, h.Lifecycle)
}

// Scroll handles a scroll intent event.
func (h *EventsHandler) Scroll(ctx context.Context, input *ScrollEventInput) (*EventOutput, error) {
	h.engine.OnScrollIntent(input.Body.TargetIndex)

	resp := &EventOutput{}
	resp.Body.Accepted = true
	return resp, nil
}

// Settled handles a page settled event.
func (h *EventsHandler) Settled(ctx context.Context, input *SettledEventInput) (*EventOutput, error) {
	h.engine.OnPageSettled(input.Body.Index)

	resp := &EventOutput{}
	resp.Body.Accepted = true
	return resp, nil
}

// Lifecycle handles a lifecycle transition event.
func (h *EventsHandler) Lifecycle(ctx context.Context, input *LifecycleEventInput) (*EventOutput, error) {
	state, err := lifecycle.ParseState(input.Body.State)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid lifecycle state", err)
	}
	h.engine.SetLifecycle(state)

	resp := &EventOutput{}
	resp.Body.Accepted = true
	return resp, nil
}
