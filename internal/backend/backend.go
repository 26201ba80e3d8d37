// Package backend implements the BackendRegistry and ElementFactory: it
// probes which media-element roles each backend can satisfy, ranks
// backends by coverage and declared preference, and constructs role
// elements with backend-specific baseline properties applied only when
// the element actually declares that property.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Role names a stage in the fixed pipeline topology
// mux -> infer -> track -> convert -> overlay -> sink.
type Role string

const (
	RoleDemuxer      Role = "demuxer"
	RoleMuxer        Role = "muxer"
	RoleInferencer   Role = "inferencer"
	RoleTracker      Role = "tracker"
	RoleVideoConvert Role = "video_convert"
	RoleOverlay      Role = "overlay"
	RoleSink         Role = "sink"
)

// AllRoles lists every role BackendRegistry probes for.
var AllRoles = []Role{RoleDemuxer, RoleMuxer, RoleInferencer, RoleTracker, RoleVideoConvert, RoleOverlay, RoleSink}

// ErrBackendUnavailable is returned when no backend satisfies even the
// Mock role set.
var ErrBackendUnavailable = errors.New("backend: no backend satisfies the required roles")

// ErrElementUnavailable is returned when a role has no factory on a backend.
type ErrElementUnavailable struct {
	Role    Role
	Backend string
}

func (e *ErrElementUnavailable) Error() string {
	return fmt.Sprintf("backend: element unavailable for role %q on backend %q", e.Role, e.Backend)
}

// Element is a constructed pipeline element. Concrete element types
// (demuxers, muxers, the inference stage, etc.) implement it alongside
// their role-specific methods.
type Element interface {
	Name() string
	Role() Role
	// SetProperty applies a baseline property if and only if the
	// element declares it; ok reports whether it was applied.
	SetProperty(name string, value any) (ok bool)
	Close(ctx context.Context) error
}

// Factory constructs one role's element for a backend.
type Factory interface {
	// FactoryName is the underlying element factory name, analogous to
	// a GStreamer factory name (e.g. "tsdemux", "mock-sink").
	FactoryName() string
	New(ctx context.Context, instanceName string) (Element, error)
}

// Backend groups factories for every role it can satisfy.
type Backend interface {
	Name() string
	// Factory returns the factory for role, or nil if unsupported.
	Factory(role Role) Factory
}

// Registry probes backends once and serves the highest-ranked one
// satisfying the pipeline's role requirements.
type Registry struct {
	backends   []Backend
	preference []string
	logger     *slog.Logger

	detected bool
	coverage map[string]map[Role]bool
}

// NewRegistry creates a registry over the given backends, ranked by
// preference (first entry wins ties); unlisted backends sort last in
// their given order.
func NewRegistry(backends []Backend, preference []string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{backends: backends, preference: preference, logger: logger}
}

// Detect probes every backend's role coverage. Results are cached for
// the process lifetime; subsequent calls are no-ops.
func (r *Registry) Detect(ctx context.Context) error {
	if r.detected {
		return nil
	}

	r.coverage = make(map[string]map[Role]bool, len(r.backends))
	for _, b := range r.backends {
		cov := make(map[Role]bool, len(AllRoles))
		for _, role := range AllRoles {
			cov[role] = b.Factory(role) != nil
		}
		r.coverage[b.Name()] = cov
		r.logger.Debug("probed backend", slog.String("backend", b.Name()), slog.Any("coverage", cov))
	}

	r.detected = true

	if _, err := r.Select(); err != nil {
		return err
	}
	return nil
}

// Select returns the best backend: highest role-coverage fraction,
// ties broken by the configured preference order.
func (r *Registry) Select() (Backend, error) {
	if !r.detected {
		if err := r.Detect(context.Background()); err != nil {
			return nil, err
		}
	}

	type scored struct {
		b     Backend
		score float64
		prio  int
	}

	var candidates []scored
	for _, b := range r.backends {
		cov := r.coverage[b.Name()]
		satisfied := 0
		for _, ok := range cov {
			if ok {
				satisfied++
			}
		}
		score := float64(satisfied) / float64(len(AllRoles))
		candidates = append(candidates, scored{b: b, score: score, prio: r.priorityOf(b.Name())})
	}

	if len(candidates) == 0 {
		return nil, ErrBackendUnavailable
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.score > best.score || (c.score == best.score && c.prio < best.prio) {
			best = c
		}
	}

	if best.score == 0 {
		return nil, ErrBackendUnavailable
	}
	return best.b, nil
}

// Coverage returns each probed backend's per-role factory coverage,
// detecting first if it hasn't run yet. Exposed for operational
// visibility (the HTTP control plane's GET /api/v1/backends).
func (r *Registry) Coverage() (map[string]map[Role]bool, error) {
	if !r.detected {
		if err := r.Detect(context.Background()); err != nil {
			return nil, err
		}
	}
	out := make(map[string]map[Role]bool, len(r.coverage))
	for name, cov := range r.coverage {
		copied := make(map[Role]bool, len(cov))
		for role, ok := range cov {
			copied[role] = ok
		}
		out[name] = copied
	}
	return out, nil
}

func (r *Registry) priorityOf(name string) int {
	for i, p := range r.preference {
		if p == name {
			return i
		}
	}
	return len(r.preference)
}

// ElementName returns the factory name a backend would use for role, or
// an empty string if unsupported.
func ElementName(b Backend, role Role) string {
	f := b.Factory(role)
	if f == nil {
		return ""
	}
	return f.FactoryName()
}

// Construct builds instanceName for role on backend b, applying
// baseline properties and logging (not erroring) on any unknown
// property name — backends are not feature-equivalent by design.
func Construct(ctx context.Context, b Backend, role Role, instanceName string, properties map[string]any, logger *slog.Logger) (Element, error) {
	f := b.Factory(role)
	if f == nil {
		return nil, &ErrElementUnavailable{Role: role, Backend: b.Name()}
	}

	el, err := f.New(ctx, instanceName)
	if err != nil {
		return nil, fmt.Errorf("constructing %s element %q on backend %q: %w", role, instanceName, b.Name(), err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	for name, value := range properties {
		if !el.SetProperty(name, value) {
			logger.Debug("property not declared by element, skipping",
				slog.String("element", instanceName),
				slog.String("backend", b.Name()),
				slog.String("property", name),
			)
		}
	}

	return el, nil
}
