package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHLSSourceFetchPlaylistReturnsSegments(t *testing.T) {
	const body = "#EXTM3U\n#EXT-X-TARGETDURATION:6\n#EXTINF:6.0,\nseg0.ts\n#EXTINF:6.0,\nseg1.ts\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	s := NewHLSSource(srv.URL+"/playlist.m3u8", HLSSourceConfig{})
	segments, err := s.fetchPlaylist(context.Background())
	require.NoError(t, err)
	require.Len(t, segments, 2)
	assert.Contains(t, segments[0], "seg0.ts")
	assert.Contains(t, segments[1], "seg1.ts")
}

func TestHLSSourceFetchPlaylistResolvesMultivariant(t *testing.T) {
	const master = "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1000000\nmedia.m3u8\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(master))
	}))
	defer srv.Close()

	s := NewHLSSource(srv.URL+"/master.m3u8", HLSSourceConfig{})
	segments, err := s.fetchPlaylist(context.Background())
	require.NoError(t, err)
	assert.Empty(t, segments, "a multivariant playlist resolves to a variant rather than yielding segments directly")
	assert.Contains(t, s.sourceURL, "media.m3u8")
}
