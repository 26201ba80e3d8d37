package recovery

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjanssen/vidcore/internal/breaker"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: 100, // keep the breaker closed for these tests
		FailureWindow:    time.Minute,
		OpenDuration:     time.Millisecond,
		MaxOpenDuration:  time.Second,
	})
	return New(Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		CapDelay:    5 * time.Millisecond,
		Jitter:      true,
	}, breakers, nil)
}

func TestHandlePermanentQuarantines(t *testing.T) {
	m := testManager(t)

	err := m.Handle(context.Background(), "src-1", Permanent, nil)
	require.ErrorIs(t, err, ErrQuarantined)
	assert.True(t, m.IsQuarantined("src-1"))

	// A Permanent classification must force the breaker open immediately,
	// independent of FailureThreshold — it should not take multiple
	// failures to accumulate before the breaker reflects quarantine.
	assert.Equal(t, breaker.Open, m.breakers.Get("src-1").State())
}

func TestHandleFatalNeverRetries(t *testing.T) {
	m := testManager(t)

	var calls atomic.Int32
	err := m.Handle(context.Background(), "src-2", Fatal, func(context.Context) error {
		calls.Add(1)
		return nil
	})
	require.ErrorIs(t, err, ErrQuarantined)
	assert.Equal(t, int32(0), calls.Load())
}

func TestHandleTransientRetriesUntilSuccess(t *testing.T) {
	m := testManager(t)

	var calls atomic.Int32
	err := m.Handle(context.Background(), "src-3", Transient, func(context.Context) error {
		n := calls.Add(1)
		if n < 2 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 0, m.Attempts("src-3"))
}

func TestHandleTransientExhaustsBudget(t *testing.T) {
	m := testManager(t)

	boom := errors.New("boom")
	for range 3 {
		_ = m.Handle(context.Background(), "src-4", Transient, func(context.Context) error {
			return boom
		})
	}

	err := m.Handle(context.Background(), "src-4", Transient, func(context.Context) error {
		return nil
	})
	require.ErrorIs(t, err, ErrQuarantined)
	assert.True(t, m.IsQuarantined("src-4"))
}

func TestBackoffDelayRespectsCap(t *testing.T) {
	m := testManager(t)
	m.config.Jitter = false

	d := m.backoffDelay(10)
	assert.Equal(t, m.config.CapDelay, d)
}
