package api

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/kjanssen/vidcore/internal/backend"
)

// BackendsHandler exposes BackendRegistry's detection result: the
// selected backend and per-role factory coverage, for operational
// visibility. Supplements spec.md §4.1/§4.2 with an inspection surface,
// mirroring the teacher's system/health handlers that expose
// process-level capability info.
type BackendsHandler struct {
	registry *backend.Registry
}

// NewBackendsHandler creates a backends handler.
func NewBackendsHandler(registry *backend.Registry) *BackendsHandler {
	return &BackendsHandler{registry: registry}
}

// Register registers the backends route with the API.
func (h *BackendsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getBackends",
		Method:      "GET",
		Path:        "/api/v1/backends",
		Summary:     "Get backend detection result",
		Description: "Returns the selected backend and per-role factory coverage for every probed backend",
		Tags:        []string{"Backends"},
	}, h.Get)
}

// BackendCoverage reports which roles one backend satisfies.
type BackendCoverage struct {
	Name     string          `json:"name"`
	Coverage map[string]bool `json:"coverage"`
	Selected bool            `json:"selected"`
}

// GetInput is the input for getting backend detection results; it takes
// none.
type GetInput struct{}

// GetOutput is the output for getting backend detection results.
type GetOutput struct {
	Body struct {
		Selected string            `json:"selected"`
		Backends []BackendCoverage `json:"backends"`
	}
}

// Get returns the detection result across every registered backend.
func (h *BackendsHandler) Get(ctx context.Context, input *GetInput) (*GetOutput, error) {
	coverage, err := h.registry.Coverage()
	if err != nil {
		return nil, huma.Error503ServiceUnavailable(err.Error())
	}

	selected, err := h.registry.Select()
	if err != nil {
		return nil, huma.Error503ServiceUnavailable(err.Error())
	}

	resp := &GetOutput{}
	resp.Body.Selected = selected.Name()
	resp.Body.Backends = make([]BackendCoverage, 0, len(coverage))
	for name, cov := range coverage {
		byRole := make(map[string]bool, len(cov))
		for role, ok := range cov {
			byRole[string(role)] = ok
		}
		resp.Body.Backends = append(resp.Body.Backends, BackendCoverage{
			Name:     name,
			Coverage: byRole,
			Selected: name == selected.Name(),
		})
	}
	return resp, nil
}
