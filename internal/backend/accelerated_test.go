package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAcceleratedBackendFallsBackToStandardForMediaRoles(t *testing.T) {
	b := NewAcceleratedBackend(1, nil)
	assert.NotNil(t, b.Factory(RoleDemuxer), "media roles should delegate to the embedded standard backend")
	assert.NotNil(t, b.Factory(RoleMuxer))
}

func TestAcceleratedBackendCachesFeasibilityProbe(t *testing.T) {
	b := NewAcceleratedBackend(1, nil)
	first := b.isFeasible()
	assert.True(t, b.detected)
	second := b.isFeasible()
	assert.Equal(t, first, second, "probe result should be cached after the first call")
}
