package source

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateReusesReleasedID(t *testing.T) {
	m := NewManager(2)

	id1, err := m.Allocate("file:///a.ts", "a")
	require.NoError(t, err)

	require.NoError(t, m.Transition(id1, StateInitializing, StateLinking))
	require.NoError(t, m.Transition(id1, StateLinking, StatePlaying))
	require.NoError(t, m.Transition(id1, StatePlaying, StateDraining))
	require.NoError(t, m.Transition(id1, StateDraining, StateRemoved))
	require.NoError(t, m.Release(id1))

	id2, err := m.Allocate("file:///b.ts", "b")
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "released id should be reused")
}

func TestAllocateFailsAtCapacity(t *testing.T) {
	m := NewManager(1)
	_, err := m.Allocate("file:///a.ts", "")
	require.NoError(t, err)

	_, err = m.Allocate("file:///b.ts", "")
	assert.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestReleaseRequiresRemovedState(t *testing.T) {
	m := NewManager(1)
	id, err := m.Allocate("file:///a.ts", "")
	require.NoError(t, err)

	err = m.Release(id)
	assert.ErrorIs(t, err, ErrNotRemoved)
}

func TestTransitionRejectsInvalidEdge(t *testing.T) {
	m := NewManager(1)
	id, err := m.Allocate("file:///a.ts", "")
	require.NoError(t, err)

	err = m.Transition(id, StateInitializing, StatePlaying)
	assert.Error(t, err)
}

func TestAllocateIsRaceFree(t *testing.T) {
	m := NewManager(50)
	var wg sync.WaitGroup
	ids := make(chan ID, 50)

	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := m.Allocate("file:///a.ts", "")
			if err == nil {
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[ID]bool)
	for id := range ids {
		assert.False(t, seen[id], "id %d allocated twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, 50)
}
