package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// partialBackend covers only a subset of roles, used to exercise coverage
// scoring against MockBackend's full coverage.
type partialBackend struct {
	name  string
	roles map[Role]bool
}

func (b *partialBackend) Name() string { return b.name }

func (b *partialBackend) Factory(role Role) Factory {
	if !b.roles[role] {
		return nil
	}
	return &mockFactory{role: role}
}

func TestRegistrySelectsFullCoverageBackend(t *testing.T) {
	partial := &partialBackend{name: "partial", roles: map[Role]bool{RoleDemuxer: true, RoleMuxer: true}}
	mock := NewMockBackend()

	r := NewRegistry([]Backend{partial, mock}, nil, nil)
	selected, err := r.Select()
	require.NoError(t, err)
	assert.Equal(t, "mock", selected.Name())
}

func TestRegistryBreaksTiesByPreference(t *testing.T) {
	r := NewRegistry([]Backend{namedMock("b"), namedMock("a")}, []string{"a", "b"}, nil)
	selected, err := r.Select()
	require.NoError(t, err)
	assert.Equal(t, "a", selected.Name(), "preference order should break equal-coverage ties")
}

func TestRegistryUnavailableWhenNoBackendCoversAnyRole(t *testing.T) {
	empty := &partialBackend{name: "empty", roles: map[Role]bool{}}
	r := NewRegistry([]Backend{empty}, nil, nil)
	_, err := r.Select()
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestConstructSkipsUndeclaredPropertiesWithoutError(t *testing.T) {
	mock := NewMockBackend()
	el, err := Construct(context.Background(), mock, RoleSink, "sink-0", map[string]any{"uri": "file:///tmp/out"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "sink-0", el.Name())
}

// namedMock wraps MockBackend to report a distinct Name() for tie-break tests.
type namedMockBackend struct {
	*MockBackend
	name string
}

func (b *namedMockBackend) Name() string { return b.name }

func namedMock(name string) Backend {
	return &namedMockBackend{MockBackend: NewMockBackend(), name: name}
}
