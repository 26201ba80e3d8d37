package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorDetectsStall(t *testing.T) {
	events := make(chan Event, 4)
	cfg := Config{
		MinFPS:         1,
		StallThreshold: 20 * time.Millisecond,
		Window:         time.Second,
		TickInterval:   5 * time.Millisecond,
	}
	m := New("src-1", cfg, nil, func(e Event) { events <- e })

	now := time.Now()
	m.OnBuffer(now)
	assert.True(t, m.Healthy())

	m.Start(context.Background())
	defer m.Stop()

	select {
	case e := <-events:
		assert.False(t, e.Healthy)
		assert.Equal(t, ReasonStalled, e.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for unhealthy event")
	}
}

func TestMonitorRecoversOnFreshFrames(t *testing.T) {
	events := make(chan Event, 8)
	cfg := Config{
		MinFPS:         1,
		StallThreshold: 15 * time.Millisecond,
		Window:         time.Second,
		TickInterval:   5 * time.Millisecond,
	}
	m := New("src-2", cfg, nil, func(e Event) { events <- e })
	m.Start(context.Background())
	defer m.Stop()

	m.OnBuffer(time.Now())

	var sawUnhealthy bool
	deadline := time.After(2 * time.Second)
	for !sawUnhealthy {
		select {
		case e := <-events:
			if !e.Healthy {
				sawUnhealthy = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for unhealthy event")
		}
	}

	stop := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(stop) {
		m.OnBuffer(time.Now())
		time.Sleep(2 * time.Millisecond)
	}

	select {
	case e := <-events:
		assert.True(t, e.Healthy)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for recovery event")
	}

	require.Equal(t, true, m.Healthy())
}
