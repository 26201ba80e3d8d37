package backend

import (
	"testing"

	"github.com/asticode/go-astits"
	"github.com/stretchr/testify/assert"
)

func TestVideoPIDDemuxableAcceptsDecodableCodecs(t *testing.T) {
	assert.True(t, videoPIDDemuxable(astits.StreamTypeH264Video))
	assert.True(t, videoPIDDemuxable(astits.StreamTypeH265Video))
}

func TestVideoPIDDemuxableRejectsUnrelatedStreamType(t *testing.T) {
	assert.False(t, videoPIDDemuxable(astits.StreamTypeAACAudio))
}

func TestAudioPIDDemuxableAcceptsDecodableCodecs(t *testing.T) {
	assert.True(t, audioPIDDemuxable(astits.StreamTypeAACAudio))
	assert.True(t, audioPIDDemuxable(astits.StreamTypeAC3Audio))
}

func TestAudioPIDDemuxableRejectsUnrelatedStreamType(t *testing.T) {
	assert.False(t, audioPIDDemuxable(astits.StreamTypeH264Video))
}
