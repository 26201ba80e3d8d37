package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjanssen/vidcore/internal/backend"
)

type fakePipeline struct {
	attachErr error
	attachDelay time.Duration
	detached    bool
}

func (p *fakePipeline) AttachSource(ctx context.Context, id ID, demux backend.Element) error {
	if p.attachDelay > 0 {
		select {
		case <-time.After(p.attachDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.attachErr
}

func (p *fakePipeline) DetachSource(ctx context.Context, id ID, graceful bool) error {
	p.detached = true
	return nil
}

func fakeConstruct(el backend.Element, err error) Constructor {
	return func(ctx context.Context) (backend.Element, error) {
		return el, err
	}
}

func mockDemuxer(t *testing.T) backend.Element {
	t.Helper()
	b := backend.NewMockBackend()
	el, err := backend.Construct(context.Background(), b, backend.RoleDemuxer, "demux-0", nil, nil)
	require.NoError(t, err)
	return el
}

func TestVideoSourceStartsToPlaying(t *testing.T) {
	mgr := NewManager(1)
	id, err := mgr.Allocate("file:///a.ts", "")
	require.NoError(t, err)

	var events []Event
	vs := New(Config{
		ID: id, URI: "file:///a.ts", Manager: mgr,
		Pipeline:  &fakePipeline{},
		Construct: fakeConstruct(mockDemuxer(t), nil),
		OnEvent:   func(e Event) { events = append(events, e) },
	})

	require.NoError(t, vs.Start(context.Background()))
	assert.Equal(t, StatePlaying, vs.State())
	require.Len(t, events, 1)
	assert.Equal(t, EventPlaying, events[0].Kind)
}

func TestVideoSourceConstructionFailureTransitionsFailed(t *testing.T) {
	mgr := NewManager(1)
	id, _ := mgr.Allocate("file:///a.ts", "")

	var events []Event
	vs := New(Config{
		ID: id, URI: "file:///a.ts", Manager: mgr,
		Pipeline:  &fakePipeline{},
		Construct: fakeConstruct(nil, errors.New("boom")),
		OnEvent:   func(e Event) { events = append(events, e) },
	})

	err := vs.Start(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateFailed, vs.State())
	require.Len(t, events, 1)
	assert.Equal(t, EventFailed, events[0].Kind)
}

func TestVideoSourceLinkTimeout(t *testing.T) {
	mgr := NewManager(1)
	id, _ := mgr.Allocate("file:///a.ts", "")

	vs := New(Config{
		ID: id, URI: "file:///a.ts", Manager: mgr,
		LinkTimeout: 10 * time.Millisecond,
		Pipeline:    &fakePipeline{attachDelay: 100 * time.Millisecond},
		Construct:   fakeConstruct(mockDemuxer(t), nil),
	})

	err := vs.Start(context.Background())
	assert.ErrorIs(t, err, ErrLinkTimeout)
	assert.Equal(t, StateFailed, vs.State())
}

func TestVideoSourcePauseResume(t *testing.T) {
	mgr := NewManager(1)
	id, _ := mgr.Allocate("file:///a.ts", "")

	vs := New(Config{
		ID: id, URI: "file:///a.ts", Manager: mgr,
		Pipeline: &fakePipeline{}, Construct: fakeConstruct(mockDemuxer(t), nil),
	})
	require.NoError(t, vs.Start(context.Background()))

	require.NoError(t, vs.Pause())
	assert.Equal(t, StatePaused, vs.State())
	require.NoError(t, vs.Resume())
	assert.Equal(t, StatePlaying, vs.State())
}

func TestVideoSourceGracefulRemove(t *testing.T) {
	mgr := NewManager(1)
	id, _ := mgr.Allocate("file:///a.ts", "")

	pipeline := &fakePipeline{}
	vs := New(Config{
		ID: id, URI: "file:///a.ts", Manager: mgr,
		Pipeline: pipeline, Construct: fakeConstruct(mockDemuxer(t), nil),
	})
	require.NoError(t, vs.Start(context.Background()))
	require.NoError(t, vs.Remove(context.Background(), true))

	assert.Equal(t, StateRemoved, vs.State())
	assert.True(t, pipeline.detached)
	require.NoError(t, mgr.Release(id))
}
