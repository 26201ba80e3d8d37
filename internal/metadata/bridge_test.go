package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBridgePublishAndQuery(t *testing.T) {
	b := New(4)

	for pts := int64(1); pts <= 3; pts++ {
		b.Publish("src-1", Frame{PTS: pts, Objects: []Object{{ClassID: 1}}})
	}

	f, ok := b.Query("src-1", 3, 0)
	require.True(t, ok)
	assert.Equal(t, int64(3), f.PTS)

	f, ok = b.Query("src-1", 5, 0)
	require.True(t, ok)
	assert.Equal(t, int64(3), f.PTS, "query_pts beyond latest still returns most recent frame at or before it")
}

func TestBridgeOverwritesOldestWhenFull(t *testing.T) {
	b := New(2)

	b.Publish("src-1", Frame{PTS: 1})
	b.Publish("src-1", Frame{PTS: 2})
	b.Publish("src-1", Frame{PTS: 3})

	_, ok := b.Query("src-1", 1, 0)
	assert.False(t, ok, "oldest frame should have been overwritten")

	f, ok := b.Query("src-1", 2, 0)
	require.True(t, ok)
	assert.Equal(t, int64(2), f.PTS)
}

func TestBridgeStalenessBound(t *testing.T) {
	b := New(4)
	b.Publish("src-1", Frame{PTS: 100})

	_, ok := b.Query("src-1", 110, 5)
	assert.False(t, ok, "frame older than staleness bound should not be returned")

	_, ok = b.Query("src-1", 102, 5)
	assert.True(t, ok)
}

func TestBridgeUnknownSourceMisses(t *testing.T) {
	b := New(4)
	_, ok := b.Query("missing", 1, 0)
	assert.False(t, ok)
}

func TestBridgeRemove(t *testing.T) {
	b := New(4)
	b.Publish("src-1", Frame{PTS: 1})
	b.Remove("src-1")

	_, ok := b.Query("src-1", 1, 0)
	assert.False(t, ok)
}
