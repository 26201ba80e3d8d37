// Package source implements SourceManager and VideoSource: the registry
// of active sources and the per-source pad-link state machine that wraps
// one demuxer element.
package source

import (
	"errors"
	"fmt"
	"time"
)

// ID names a source for its lifetime. It doubles as the deterministic
// suffix for the muxer request-pad the source claims.
type ID int

// LifecycleState is a source's position in its state machine.
type LifecycleState string

const (
	StateInitializing LifecycleState = "initializing"
	StateLinking      LifecycleState = "linking"
	StatePlaying      LifecycleState = "playing"
	StatePaused       LifecycleState = "paused"
	StateDraining     LifecycleState = "draining"
	StateRemoved      LifecycleState = "removed"
	StateFailed       LifecycleState = "failed"
	StateRetrying     LifecycleState = "retrying"
	StateQuarantined  LifecycleState = "quarantined"
)

// validTransitions enumerates the monotonic edges of the state machine,
// plus the Playing<->Paused cycle and the recovery-orthogonal
// Retrying/Quarantined detour spec.md §3 carves out as exceptions to
// monotonicity.
var validTransitions = map[LifecycleState][]LifecycleState{
	StateInitializing: {StateLinking, StateFailed},
	StateLinking:       {StatePlaying, StateFailed},
	StatePlaying:       {StatePaused, StateDraining, StateFailed, StateRetrying},
	StatePaused:        {StatePlaying, StateDraining, StateFailed, StateRetrying},
	StateDraining:      {StateRemoved},
	StateFailed:        {StateRetrying, StateRemoved},
	StateRetrying:      {StateLinking, StateQuarantined},
	StateQuarantined:   {StateRemoved},
	StateRemoved:       {},
}

// ErrInvalidTransition is returned by Manager.Transition and by
// VideoSource's state changes when from->to is not a permitted edge.
type ErrInvalidTransition struct {
	From, To LifecycleState
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("source: invalid transition %s -> %s", e.From, e.To)
}

// ErrCapacityExceeded is returned by Manager.Allocate when max_sources is reached.
var ErrCapacityExceeded = errors.New("source: capacity exceeded")

// ErrNotFound is returned for operations against an unknown or released id.
var ErrNotFound = errors.New("source: not found")

// ErrNotRemoved is returned by Release when lifecycle is not yet Removed.
var ErrNotRemoved = errors.New("source: release requires lifecycle state Removed")

// Record is SourceManager's bookkeeping entry for one source. SourceManager
// exclusively owns Records; callers only ever see Snapshot copies.
type Record struct {
	ID        ID
	URI       string
	Label     string
	CreatedAt time.Time

	state LifecycleState
}

// Snapshot is a read-only copy of a Record's externally visible fields.
type Snapshot struct {
	ID        ID
	URI       string
	Label     string
	State     LifecycleState
	CreatedAt time.Time
}

func (r *Record) snapshot() Snapshot {
	return Snapshot{ID: r.ID, URI: r.URI, Label: r.Label, State: r.state, CreatedAt: r.CreatedAt}
}

// canTransition reports whether from->to is a permitted edge.
func canTransition(from, to LifecycleState) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
