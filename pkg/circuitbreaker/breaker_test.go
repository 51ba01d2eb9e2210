package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

var errBoom = errors.New("boom")

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	var transitions []State
	cb := NewCircuitBreaker("extraction", Config{
		FailureThreshold: 3,
		Timeout:          30 * time.Second,
		Now:              clock.Now,
		OnStateChange: func(_ string, _ State, to State) {
			transitions = append(transitions, to)
		},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	}
	assert.Equal(t, StateOpen, cb.State())

	calls := 0
	err := cb.Execute(ctx, func(context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, calls)

	clock.Advance(31 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.Equal(t, []State{StateOpen, StateHalfOpen}, transitions)
}

func TestBreakerClosesAfterHalfOpenSuccesses(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	cb := NewCircuitBreaker("mentions", Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		MaxRequests:      2,
		Timeout:          time.Second,
		Now:              clock.Now,
	})
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, fail))
	clock.Advance(2 * time.Second)

	require.NoError(t, cb.Execute(ctx, succeed))
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	cb := NewCircuitBreaker("mentions", Config{FailureThreshold: 1, Timeout: time.Second, Now: clock.Now})
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, fail))
	clock.Advance(2 * time.Second)
	require.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	cb := NewCircuitBreaker("x", Config{FailureThreshold: 1})
	err := cb.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerRejectsCancelledContext(t *testing.T) {
	cb := NewCircuitBreaker("x", Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := cb.Execute(ctx, func(context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}
