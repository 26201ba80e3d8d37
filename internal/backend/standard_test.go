package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSourceScheme(t *testing.T) {
	cases := map[string]string{
		"file:///tmp/a.ts":           "file",
		"rtsp://cam.local/stream":    "rtsp",
		"https://example.com/a.m3u8": "https",
	}
	for uri, want := range cases {
		assert.Equal(t, want, SourceScheme(uri), uri)
	}
}

func TestParseTargetDuration(t *testing.T) {
	body := "#EXTM3U\n#EXT-X-TARGETDURATION:6\n#EXTINF:6.0,\nseg0.ts\n"
	d, ok := ParseTargetDuration(body)
	assert.True(t, ok)
	assert.Equal(t, int64(6), d.Milliseconds()/1000)
}

func TestParseTargetDurationMissing(t *testing.T) {
	_, ok := ParseTargetDuration("#EXTM3U\n")
	assert.False(t, ok)
}

func TestStandardBackendCoversEveryRole(t *testing.T) {
	b := NewStandardBackend(nil)
	for _, role := range AllRoles {
		assert.NotNil(t, b.Factory(role), "role %s should have a factory", role)
	}
}
