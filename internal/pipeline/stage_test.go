package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjanssen/vidcore/internal/metadata"
	"github.com/kjanssen/vidcore/internal/source"
)

func TestRunStageForwardsResultsAndClosesOut(t *testing.T) {
	in := make(chan Frame, 2)
	out := make(chan Frame, 2)
	in <- Frame{PTS: 1}
	in <- Frame{PTS: 2}
	close(in)

	fn := func(_ context.Context, f Frame) (Frame, bool, error) {
		f.Format = "seen"
		return f, true, nil
	}
	RunStage(context.Background(), "test", in, out, fn, nil)

	first := <-out
	second := <-out
	assert.Equal(t, "seen", first.Format)
	assert.Equal(t, "seen", second.Format)
	_, ok := <-out
	assert.False(t, ok, "out should be closed once in drains")
}

func TestRunStageReportsErrorsWithoutForwarding(t *testing.T) {
	in := make(chan Frame, 1)
	out := make(chan Frame, 1)
	in <- Frame{PTS: 1}
	close(in)

	var gotErr error
	fn := func(_ context.Context, f Frame) (Frame, bool, error) {
		return f, false, errors.New("boom")
	}
	RunStage(context.Background(), "test", in, out, fn, func(err error) { gotErr = err })

	require.Error(t, gotErr)
	_, ok := <-out
	assert.False(t, ok)
}

func TestRunStageStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan Frame)
	out := make(chan Frame)
	done := make(chan struct{})

	go func() {
		RunStage(ctx, "test", in, out, func(_ context.Context, f Frame) (Frame, bool, error) {
			return f, true, nil
		}, nil)
		close(done)
	}()

	cancel()
	<-done
}

func TestInferStagePublishesToBridge(t *testing.T) {
	bridge := metadata.New(4)
	infer := func(_ context.Context, f Frame) ([]metadata.Object, error) {
		return []metadata.Object{{ClassID: 1, Confidence: 0.8}}, nil
	}
	stage := inferStage(infer, bridge, newDynamicConfig(OverlayConfig{}, 0))

	result, forward, err := stage(context.Background(), Frame{SourceID: source.ID(1), PTS: 5})
	require.NoError(t, err)
	assert.True(t, forward)
	require.Len(t, result.Objects, 1)

	got, ok := bridge.Query(sourceKey(source.ID(1)), 5, 0)
	require.True(t, ok)
	assert.Len(t, got.Objects, 1)
}

func TestInferStageNilSkipsDetection(t *testing.T) {
	stage := inferStage(nil, nil, nil)
	result, forward, err := stage(context.Background(), Frame{PTS: 1})
	require.NoError(t, err)
	assert.True(t, forward)
	assert.Nil(t, result.Objects)
}

func TestInferStageDropsBelowThreshold(t *testing.T) {
	bridge := metadata.New(4)
	infer := func(_ context.Context, f Frame) ([]metadata.Object, error) {
		return []metadata.Object{
			{ClassID: 1, Confidence: 0.2},
			{ClassID: 1, Confidence: 0.9},
		}, nil
	}
	stage := inferStage(infer, bridge, newDynamicConfig(OverlayConfig{}, 0.5))

	result, _, err := stage(context.Background(), Frame{SourceID: source.ID(9), PTS: 1})
	require.NoError(t, err)
	require.Len(t, result.Objects, 1)
	assert.InDelta(t, 0.9, result.Objects[0].Confidence, 1e-6)
}

func TestOverlayStageAttachesFreshDetection(t *testing.T) {
	bridge := metadata.New(4)
	id := source.ID(3)
	bridge.Publish(sourceKey(id), metadata.Frame{PTS: 100, Objects: []metadata.Object{{ClassID: 1}}})

	stage := overlayStage(bridge, newDynamicConfig(OverlayConfig{}, 0), 50)
	result, forward, err := stage(context.Background(), Frame{SourceID: id, PTS: 120})
	require.NoError(t, err)
	assert.True(t, forward)
	assert.Len(t, result.Objects, 1)
}

func TestOverlayStageDropsStaleDetection(t *testing.T) {
	bridge := metadata.New(4)
	id := source.ID(4)
	bridge.Publish(sourceKey(id), metadata.Frame{PTS: 100, Objects: []metadata.Object{{ClassID: 1}}})

	stage := overlayStage(bridge, newDynamicConfig(OverlayConfig{}, 0), 10)
	result, forward, err := stage(context.Background(), Frame{SourceID: id, PTS: 200})
	require.NoError(t, err)
	assert.True(t, forward)
	assert.Empty(t, result.Objects, "detection older than stalenessBound must not be attached")
}

func TestTrackStageAssignsNewIDToDistinctObject(t *testing.T) {
	stage := trackStage()
	id := source.ID(1)

	first, _, err := stage(context.Background(), Frame{SourceID: id, Objects: []metadata.Object{
		{ClassID: 1, BBox: [4]float32{0, 0, 2, 2}},
	}})
	require.NoError(t, err)
	require.NotNil(t, first.Objects[0].TrackID)
	assert.Equal(t, int64(0), *first.Objects[0].TrackID)

	second, _, err := stage(context.Background(), Frame{SourceID: id, Objects: []metadata.Object{
		{ClassID: 1, BBox: [4]float32{100, 100, 2, 2}},
	}})
	require.NoError(t, err)
	require.NotNil(t, second.Objects[0].TrackID)
	assert.Equal(t, int64(1), *second.Objects[0].TrackID, "far-away object of the same class should get a new track id")
}

func TestTrackStageSeparatesSourcesByID(t *testing.T) {
	stage := trackStage()

	a, _, _ := stage(context.Background(), Frame{SourceID: source.ID(1), Objects: []metadata.Object{{ClassID: 1}}})
	b, _, _ := stage(context.Background(), Frame{SourceID: source.ID(2), Objects: []metadata.Object{{ClassID: 1}}})

	require.NotNil(t, a.Objects[0].TrackID)
	require.NotNil(t, b.Objects[0].TrackID)
	assert.Equal(t, int64(0), *a.Objects[0].TrackID)
	assert.Equal(t, int64(0), *b.Objects[0].TrackID, "distinct sources should not share track id sequences")
}

func TestConvertStageDefaultsFormat(t *testing.T) {
	stage := convertStage()
	result, forward, err := stage(context.Background(), Frame{})
	require.NoError(t, err)
	assert.True(t, forward)
	assert.Equal(t, "rgba", result.Format)
}

func TestConvertStagePreservesExistingFormat(t *testing.T) {
	stage := convertStage()
	result, _, err := stage(context.Background(), Frame{Format: "yuv420p"})
	require.NoError(t, err)
	assert.Equal(t, "yuv420p", result.Format)
}
