// Package breaker implements a per-source circuit breaker that gates
// restart attempts after repeated failures, so a persistently broken
// source stops burning CPU and network retrying every few seconds.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State represents the state of a circuit breaker.
type State int

const (
	// Closed allows restart attempts through normally.
	Closed State = iota
	// Open rejects restart attempts immediately.
	Open
	// HalfOpen allows a single test attempt.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned when the circuit breaker is open.
var ErrOpen = errors.New("circuit breaker is open")

// Config holds configuration for a circuit breaker.
type Config struct {
	// FailureThreshold is the number of failures within FailureWindow
	// before the circuit opens.
	FailureThreshold int
	// FailureWindow bounds how far back failures count toward the
	// threshold; failures older than this are forgotten.
	FailureWindow time.Duration
	// OpenDuration is the base time the circuit stays open before
	// transitioning to half-open. Each consecutive re-open doubles this,
	// capped at MaxOpenDuration, so a source that keeps failing right
	// after probation backs off harder each time.
	OpenDuration time.Duration
	// MaxOpenDuration caps the growth of OpenDuration. Zero means no cap
	// beyond OpenDuration itself (no growth).
	MaxOpenDuration time.Duration
	// OnStateChange is called when the circuit state changes.
	OnStateChange func(from, to State)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureWindow:    60 * time.Second,
		OpenDuration:     30 * time.Second,
		MaxOpenDuration:  5 * time.Minute,
	}
}

// CircuitBreaker implements the circuit breaker pattern for a single source.
type CircuitBreaker struct {
	config Config

	mu              sync.RWMutex
	state           State
	failures        []time.Time
	lastFailureTime time.Time
	lastStateChange time.Time
	openCount       int
	currentOpenFor  time.Duration
}

// New creates a new circuit breaker.
func New(config Config) *CircuitBreaker {
	return &CircuitBreaker{
		config:          config,
		state:           Closed,
		lastStateChange: time.Now(),
		currentOpenFor:  config.OpenDuration,
	}
}

// State returns the current circuit state, lazily transitioning from
// Open to HalfOpen once the open duration has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.stateLocked()
}

func (cb *CircuitBreaker) stateLocked() State {
	if cb.state == Open && time.Since(cb.lastFailureTime) >= cb.currentOpenFor {
		return HalfOpen
	}
	return cb.state
}

// Allow reports whether a restart attempt is permitted right now.
func (cb *CircuitBreaker) Allow() bool {
	state := cb.State()
	return state == Closed || state == HalfOpen
}

// Execute runs fn if the breaker allows it, recording the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.Allow() {
		return ErrOpen
	}

	err := fn(ctx)
	if err != nil {
		cb.RecordFailure()
	} else {
		cb.RecordSuccess()
	}
	return err
}

// RecordSuccess records a successful attempt.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == Open && cb.stateLocked() == HalfOpen {
		cb.transitionTo(HalfOpen)
	}

	switch cb.state {
	case Closed:
		cb.failures = nil
	case HalfOpen:
		cb.transitionTo(Closed)
		cb.openCount = 0
		cb.currentOpenFor = cb.config.OpenDuration
	case Open:
		if time.Since(cb.lastFailureTime) >= cb.currentOpenFor {
			cb.state = HalfOpen
		}
	}
}

// RecordFailure records a failed attempt.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == Open && cb.stateLocked() == HalfOpen {
		cb.transitionTo(HalfOpen)
	}

	now := time.Now()
	cb.lastFailureTime = now

	switch cb.state {
	case Closed:
		cb.failures = appendWithin(cb.failures, now, cb.config.FailureWindow)
		if len(cb.failures) >= cb.config.FailureThreshold {
			cb.openWithGrowth()
		}
	case HalfOpen:
		cb.openWithGrowth()
	case Open:
		// already open, just refresh the failure time
	}
}

// ForceOpen opens the circuit immediately, independent of the recorded
// failure count or threshold. Used when a caller has already classified
// a failure as non-retryable (e.g. RecoveryManager quarantining a
// Permanent error) and the breaker must reflect that without waiting
// for FailureThreshold failures to accumulate naturally.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = time.Now()
	cb.openWithGrowth()
}

// openWithGrowth transitions to Open for OpenDuration on the first trip,
// doubling the duration on each consecutive re-open, capped at
// MaxOpenDuration.
func (cb *CircuitBreaker) openWithGrowth() {
	cb.transitionTo(Open)
	cb.openCount++
	next := cb.config.OpenDuration << (cb.openCount - 1)
	if cb.config.MaxOpenDuration <= 0 {
		next = cb.config.OpenDuration
	} else if next <= 0 || next > cb.config.MaxOpenDuration {
		next = cb.config.MaxOpenDuration
	}
	cb.currentOpenFor = next
}

// appendWithin appends t to failures, dropping entries older than window.
func appendWithin(failures []time.Time, t time.Time, window time.Duration) []time.Time {
	failures = append(failures, t)
	if window <= 0 {
		return failures
	}
	cutoff := t.Add(-window)
	kept := failures[:0]
	for _, f := range failures {
		if f.After(cutoff) {
			kept = append(kept, f)
		}
	}
	return kept
}

// transitionTo changes the circuit state. Must be called with lock held.
func (cb *CircuitBreaker) transitionTo(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = time.Now()
	cb.failures = nil

	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(oldState, newState)
	}
}

// Reset forces the breaker back to Closed and clears backoff growth.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != Closed {
		cb.transitionTo(Closed)
	}
	cb.failures = nil
	cb.openCount = 0
	cb.currentOpenFor = cb.config.OpenDuration
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return Stats{
		State:           cb.stateLocked().String(),
		Failures:        len(cb.failures),
		OpenCount:       cb.openCount,
		LastFailureTime: cb.lastFailureTime,
		LastStateChange: cb.lastStateChange,
		CurrentOpenFor:  cb.currentOpenFor,
	}
}

// Stats holds circuit breaker statistics, exposed over the HTTP control
// plane and via SourceController.Inspect.
type Stats struct {
	State           string        `json:"state"`
	Failures        int           `json:"failures"`
	OpenCount       int           `json:"open_count"`
	LastFailureTime time.Time     `json:"last_failure_time,omitempty"`
	LastStateChange time.Time     `json:"last_state_change"`
	CurrentOpenFor  time.Duration `json:"current_open_for"`
}

// Registry manages one circuit breaker per source id.
type Registry struct {
	config Config
	mu     sync.RWMutex
	cbs    map[string]*CircuitBreaker

	onStateChange func(key string, from, to State)
}

// NewRegistry creates a new registry using config for every breaker it
// creates on demand.
func NewRegistry(config Config) *Registry {
	return &Registry{
		config: config,
		cbs:    make(map[string]*CircuitBreaker),
	}
}

// OnStateChange installs a key-aware state-change callback invoked for
// every breaker the registry creates from this point on, in addition to
// any OnStateChange already set on the registry's Config. Existing
// breakers are unaffected; call this before the registry starts serving
// Get so every breaker picks it up.
func (r *Registry) OnStateChange(fn func(key string, from, to State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStateChange = fn
}

// Get returns or creates the circuit breaker for key.
func (r *Registry) Get(key string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.cbs[key]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.cbs[key]; ok {
		return cb
	}

	cfg := r.config
	if keyed := r.onStateChange; keyed != nil {
		base := cfg.OnStateChange
		cfg.OnStateChange = func(from, to State) {
			if base != nil {
				base(from, to)
			}
			keyed(key, from, to)
		}
	}
	cb = New(cfg)
	r.cbs[key] = cb
	return cb
}

// Remove drops the breaker for key, e.g. when its source is removed.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cbs, key)
}

// AllStats returns statistics for every tracked breaker.
func (r *Registry) AllStats() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[string]Stats, len(r.cbs))
	for key, cb := range r.cbs {
		stats[key] = cb.Stats()
	}
	return stats
}

// Count returns the number of breakers tracked.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cbs)
}
