package api

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjanssen/vidcore/internal/backend"
)

func TestBackendsHandlerGetReturnsMockCoverage(t *testing.T) {
	registry := backend.NewRegistry([]backend.Backend{backend.NewMockBackend()}, nil, nil)
	h := NewBackendsHandler(registry)

	out, err := h.Get(context.Background(), &GetInput{})
	require.NoError(t, err)
	assert.Equal(t, "mock", out.Body.Selected)
	require.Len(t, out.Body.Backends, 1)
	assert.Equal(t, "mock", out.Body.Backends[0].Name)
	assert.True(t, out.Body.Backends[0].Selected)
	for _, role := range backend.AllRoles {
		assert.True(t, out.Body.Backends[0].Coverage[string(role)], "mock backend should cover role %s", role)
	}
}
