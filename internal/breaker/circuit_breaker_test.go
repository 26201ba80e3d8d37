package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		FailureWindow:    time.Minute,
		OpenDuration:     10 * time.Millisecond,
		MaxOpenDuration:  80 * time.Millisecond,
	}
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := New(testConfig())

	for range 2 {
		cb.RecordFailure()
		assert.Equal(t, Closed, cb.State())
	}

	cb.RecordFailure()
	assert.Equal(t, Open, cb.State())
	assert.False(t, cb.Allow())
}

func TestCircuitBreakerHalfOpenThenClose(t *testing.T) {
	cb := New(testConfig())
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordFailure()
	require.Equal(t, Open, cb.State())

	time.Sleep(15 * time.Millisecond)
	assert.Equal(t, HalfOpen, cb.State())
	assert.True(t, cb.Allow())

	cb.RecordSuccess()
	assert.Equal(t, Closed, cb.State())
}

func TestCircuitBreakerGrowsOpenDurationOnRepeatedTrip(t *testing.T) {
	cfg := testConfig()
	cb := New(cfg)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordFailure()
	require.Equal(t, Open, cb.State())
	firstOpenFor := cb.Stats().CurrentOpenFor

	time.Sleep(cfg.OpenDuration + 2*time.Millisecond)
	require.Equal(t, HalfOpen, cb.State())
	cb.RecordFailure() // fails again during probation
	require.Equal(t, Open, cb.State())

	secondOpenFor := cb.Stats().CurrentOpenFor
	assert.Greater(t, secondOpenFor, firstOpenFor)
	assert.LessOrEqual(t, secondOpenFor, cfg.MaxOpenDuration)
}

func TestCircuitBreakerExecute(t *testing.T) {
	cb := New(testConfig())

	err := cb.Execute(context.Background(), func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, Closed, cb.State())

	boom := assert.AnError
	for range 3 {
		_ = cb.Execute(context.Background(), func(context.Context) error { return boom })
	}
	assert.Equal(t, Open, cb.State())

	err = cb.Execute(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrOpen)
}

func TestRegistryGetReusesBreaker(t *testing.T) {
	r := NewRegistry(testConfig())

	a := r.Get("source-1")
	b := r.Get("source-1")
	assert.Same(t, a, b)
	assert.Equal(t, 1, r.Count())

	r.Remove("source-1")
	assert.Equal(t, 0, r.Count())
}
