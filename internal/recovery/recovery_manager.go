// Package recovery implements per-source retry scheduling: exponential
// backoff with jitter for transient failures, immediate quarantine for
// permanent ones, and coordination with the circuit breaker so retries
// never fire while a source's circuit is open.
package recovery

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/kjanssen/vidcore/internal/breaker"
)

// ErrorClass classifies a failure for recovery purposes.
type ErrorClass int

const (
	// Transient covers network errors, decode resync, buffer underrun —
	// retried with backoff.
	Transient ErrorClass = iota
	// Permanent covers invalid URI, auth rejection, unsupported codec —
	// not retried, source goes Quarantined.
	Permanent
	// Fatal is pipeline-wide and affects all sources — never retried.
	Fatal
)

func (c ErrorClass) String() string {
	switch c {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ErrQuarantined is returned once a source has exhausted its retry budget
// or suffered a permanent failure.
var ErrQuarantined = errors.New("source is quarantined")

// Config holds tunables for retry scheduling.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	CapDelay    time.Duration
	Jitter      bool
}

// Attempt is a single retry function. It re-executes VideoSource
// construction and re-linking for the owning source; a nil error means
// the source is running again.
type Attempt func(ctx context.Context) error

// state tracks retry bookkeeping for one source.
type state struct {
	attempts     int
	quarantined  bool
}

// Manager schedules retries per source, coordinating with a
// breaker.Registry so retries respect each source's circuit state.
type Manager struct {
	config   Config
	breakers *breaker.Registry
	logger   *slog.Logger

	mu     sync.Mutex
	states map[string]*state
	rng    *rand.Rand
}

// New creates a recovery manager. breakers must not be nil; it is the
// same registry the health monitor and controller observe.
func New(config Config, breakers *breaker.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:   config,
		breakers: breakers,
		logger:   logger,
		states:   make(map[string]*state),
		//nolint:gosec // jitter does not need a cryptographic RNG
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Handle processes a failure notification for sourceID classified as
// class. For Transient failures it invokes attempt after the computed
// backoff delay, and again after each failed attempt, until one succeeds
// or the retry budget is exhausted (ErrQuarantined). It blocks until
// that happens, the circuit is open (breaker.ErrOpen), or ctx is
// cancelled.
func (m *Manager) Handle(ctx context.Context, sourceID string, class ErrorClass, attempt Attempt) error {
	logger := m.logger.With(slog.String("source_id", sourceID), slog.String("error_class", class.String()))

	switch class {
	case Fatal:
		logger.Error("fatal error, not retrying")
		return ErrQuarantined

	case Permanent:
		m.quarantine(sourceID)
		m.breakers.Get(sourceID).ForceOpen()
		logger.Warn("permanent error, source quarantined")
		return ErrQuarantined

	case Transient:
		return m.retryTransient(ctx, sourceID, attempt, logger)

	default:
		return ErrQuarantined
	}
}

func (m *Manager) retryTransient(ctx context.Context, sourceID string, attempt Attempt, logger *slog.Logger) error {
	st := m.stateFor(sourceID)

	m.mu.Lock()
	if st.quarantined {
		m.mu.Unlock()
		return ErrQuarantined
	}
	if st.attempts >= m.config.MaxAttempts {
		st.quarantined = true
		m.mu.Unlock()
		logger.Warn("retry budget exhausted, quarantining source")
		return ErrQuarantined
	}
	st.attempts++
	n := st.attempts
	m.mu.Unlock()

	cb := m.breakers.Get(sourceID)
	if !cb.Allow() {
		logger.Debug("circuit open, deferring retry")
		return breaker.ErrOpen
	}

	delay := m.backoffDelay(n)
	logger.Info("scheduling retry", slog.Int("attempt", n), slog.Duration("delay", delay))

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return ctx.Err()
	}

	err := cb.Execute(ctx, attempt)
	if err != nil {
		logger.Warn("retry failed", slog.String("error", err.Error()))
		return m.retryTransient(ctx, sourceID, attempt, logger)
	}

	m.mu.Lock()
	st.attempts = 0
	m.mu.Unlock()
	logger.Info("retry succeeded")
	return nil
}

// backoffDelay computes min(base * 2^(attempt-1), cap) * jitter(0.5..1.5),
// where attempt counts from 1.
func (m *Manager) backoffDelay(attempt int) time.Duration {
	base := float64(m.config.BaseDelay)
	grown := base * math.Pow(2, float64(attempt-1))
	capped := math.Min(grown, float64(m.config.CapDelay))
	if capped <= 0 {
		capped = float64(m.config.BaseDelay)
	}

	if !m.config.Jitter {
		return time.Duration(capped)
	}

	m.mu.Lock()
	factor := 0.5 + m.rng.Float64()
	m.mu.Unlock()

	return time.Duration(capped * factor)
}

// quarantine marks sourceID as quarantined without touching its retry count.
func (m *Manager) quarantine(sourceID string) {
	st := m.stateFor(sourceID)
	m.mu.Lock()
	st.quarantined = true
	m.mu.Unlock()
}

// Reset clears retry bookkeeping for sourceID, e.g. after it is removed
// and re-added under the same SourceId.
func (m *Manager) Reset(sourceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, sourceID)
}

// IsQuarantined reports whether sourceID has been quarantined.
func (m *Manager) IsQuarantined(sourceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[sourceID]
	return ok && st.quarantined
}

// Attempts returns the number of consecutive retry attempts made so far
// for sourceID.
func (m *Manager) Attempts(sourceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[sourceID]
	if !ok {
		return 0
	}
	return st.attempts
}

func (m *Manager) stateFor(sourceID string) *state {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[sourceID]
	if !ok {
		st = &state{}
		m.states[sourceID] = st
	}
	return st
}
