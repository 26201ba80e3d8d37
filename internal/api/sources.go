package api

import (
	"context"
	"errors"

	"github.com/danielgtaylor/huma/v2"

	"github.com/kjanssen/vidcore/internal/breaker"
	"github.com/kjanssen/vidcore/internal/controller"
	"github.com/kjanssen/vidcore/internal/source"
)

// SourcesHandler handles the add/remove/list/modify/inspect surface over
// a Controller.
type SourcesHandler struct {
	ctl *controller.Controller
}

// NewSourcesHandler creates a sources handler.
func NewSourcesHandler(ctl *controller.Controller) *SourcesHandler {
	return &SourcesHandler{ctl: ctl}
}

// Register registers the sources routes with the API.
func (h *SourcesHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listSources",
		Method:      "GET",
		Path:        "/api/v1/sources",
		Summary:     "List sources",
		Description: "Returns every active source and its current state",
		Tags:        []string{"Sources"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "addSource",
		Method:      "POST",
		Path:        "/api/v1/sources",
		Summary:     "Add a source",
		Description: "Allocates a source id, constructs its demuxer, and links it into the pipeline",
		Tags:        []string{"Sources"},
	}, h.Add)

	huma.Register(api, huma.Operation{
		OperationID: "inspectSource",
		Method:      "GET",
		Path:        "/api/v1/sources/{id}",
		Summary:     "Inspect a source",
		Description: "Returns a source's lifecycle, health, breaker, and retry state",
		Tags:        []string{"Sources"},
	}, h.Inspect)

	huma.Register(api, huma.Operation{
		OperationID: "removeSource",
		Method:      "DELETE",
		Path:        "/api/v1/sources/{id}",
		Summary:     "Remove a source",
		Description: "Detaches and releases a source, optionally draining it first",
		Tags:        []string{"Sources"},
	}, h.Remove)

	huma.Register(api, huma.Operation{
		OperationID: "modifySource",
		Method:      "PATCH",
		Path:        "/api/v1/sources/{id}",
		Summary:     "Modify a source property",
		Description: "Updates a runtime-modifiable property: overlay.bbox, overlay.text, inference.threshold",
		Tags:        []string{"Sources"},
	}, h.Modify)
}

// SourceResponse is the JSON representation of a SourceInfo snapshot.
type SourceResponse struct {
	ID             int            `json:"id"`
	URI            string         `json:"uri"`
	Label          string         `json:"label"`
	State          string         `json:"state"`
	Healthy        bool           `json:"healthy"`
	FramesObserved uint64         `json:"frames_observed"`
	Breaker        breaker.Stats  `json:"breaker"`
	RetryAttempts  int            `json:"retry_attempts"`
	Quarantined    bool           `json:"quarantined"`
}

func sourceResponseFrom(info controller.SourceInfo) SourceResponse {
	return SourceResponse{
		ID:             int(info.ID),
		URI:            info.URI,
		Label:          info.Label,
		State:          string(info.State),
		Healthy:        info.Healthy,
		FramesObserved: info.FramesObserved,
		Breaker:        info.Breaker,
		RetryAttempts:  info.RetryAttempts,
		Quarantined:    info.Quarantined,
	}
}

// ListInput is the input for listing sources; it takes none.
type ListInput struct{}

// ListOutput is the output for listing sources.
type ListOutput struct {
	Body struct {
		Sources []SourceResponse `json:"sources"`
	}
}

// List returns every active source.
func (h *SourcesHandler) List(ctx context.Context, input *ListInput) (*ListOutput, error) {
	infos := h.ctl.List()
	resp := &ListOutput{}
	resp.Body.Sources = make([]SourceResponse, 0, len(infos))
	for _, info := range infos {
		resp.Body.Sources = append(resp.Body.Sources, sourceResponseFrom(info))
	}
	return resp, nil
}

// AddInput is the input for adding a source.
type AddInput struct {
	Body struct {
		URI   string `json:"uri" required:"true" doc:"Source URI, e.g. rtsp://, file://, http(s)://, videotestsrc://"`
		Label string `json:"label,omitempty"`
	}
}

// AddOutput is the output for adding a source.
type AddOutput struct {
	Body struct {
		ID int `json:"id"`
	}
}

// Add allocates and starts a new source.
func (h *SourcesHandler) Add(ctx context.Context, input *AddInput) (*AddOutput, error) {
	id, err := h.ctl.Add(ctx, input.Body.URI, input.Body.Label)
	if err != nil {
		return nil, mapError(err)
	}
	resp := &AddOutput{}
	resp.Body.ID = int(id)
	return resp, nil
}

// InspectInput is the input for inspecting a source.
type InspectInput struct {
	ID int `path:"id"`
}

// InspectOutput is the output for inspecting a source.
type InspectOutput struct {
	Body SourceResponse
}

// Inspect returns a single source's full snapshot.
func (h *SourcesHandler) Inspect(ctx context.Context, input *InspectInput) (*InspectOutput, error) {
	info, err := h.ctl.Inspect(source.ID(input.ID))
	if err != nil {
		return nil, mapError(err)
	}
	return &InspectOutput{Body: sourceResponseFrom(info)}, nil
}

// RemoveInput is the input for removing a source.
type RemoveInput struct {
	ID       int  `path:"id"`
	Graceful bool `query:"graceful" default:"true" doc:"Drain before detaching rather than cancelling immediately"`
}

// RemoveOutput is the output for removing a source.
type RemoveOutput struct {
	Body struct {
		Removed bool `json:"removed"`
	}
}

// Remove detaches and releases a source.
func (h *SourcesHandler) Remove(ctx context.Context, input *RemoveInput) (*RemoveOutput, error) {
	if err := h.ctl.Remove(ctx, source.ID(input.ID), input.Graceful); err != nil {
		return nil, mapError(err)
	}
	resp := &RemoveOutput{}
	resp.Body.Removed = true
	return resp, nil
}

// ModifyInput is the input for modifying a source property.
type ModifyInput struct {
	ID   int `path:"id"`
	Body struct {
		Property string `json:"property" required:"true" doc:"overlay.bbox, overlay.text, or inference.threshold"`
		Value    string `json:"value" required:"true"`
	}
}

// ModifyOutput is the output for modifying a source property.
type ModifyOutput struct {
	Body struct {
		Updated bool `json:"updated"`
	}
}

// Modify applies a runtime-modifiable property change.
func (h *SourcesHandler) Modify(ctx context.Context, input *ModifyInput) (*ModifyOutput, error) {
	if err := h.ctl.Modify(source.ID(input.ID), input.Body.Property, input.Body.Value); err != nil {
		return nil, mapError(err)
	}
	resp := &ModifyOutput{}
	resp.Body.Updated = true
	return resp, nil
}

// mapError translates controller/source errors to the appropriate huma
// status, matching the teacher's handler convention of surfacing
// not-found/validation failures as 404/400 rather than a bare 500.
func mapError(err error) error {
	switch {
	case errors.Is(err, source.ErrNotFound):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, source.ErrCapacityExceeded):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, breaker.ErrOpen):
		return huma.Error503ServiceUnavailable(err.Error())
	default:
		var scheme *source.ErrUnsupportedScheme
		var unsupported *controller.ErrUnsupportedProperty
		if errors.As(err, &scheme) || errors.As(err, &unsupported) {
			return huma.Error400BadRequest(err.Error())
		}
		return huma.Error500InternalServerError(err.Error())
	}
}
