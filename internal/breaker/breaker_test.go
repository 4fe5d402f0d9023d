package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

// newTestBreaker returns a breaker with a controllable clock.
func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *time.Time) {
	now := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)
	b := New("test", Config{FailureThreshold: threshold, Cooldown: cooldown})
	b.now = func() time.Time { return now }
	return b, &now
}

func failN(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		_ = b.Execute(context.Background(), func(context.Context) error { return errBoom })
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, 30*time.Second)
	ctx := context.Background()

	failN(b, 2)
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.CanExecute())

	failN(b, 1)
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.CanExecute())

	// Calls are refused with OpenError and fn never runs.
	ran := false
	err := b.Execute(ctx, func(context.Context) error { ran = true; return nil })
	var oe *OpenError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "test", oe.Name)
	assert.Greater(t, oe.RetryAfter, time.Duration(0))
	assert.False(t, ran)
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(3, 30*time.Second)
	ctx := context.Background()

	failN(b, 2)
	require.NoError(t, b.Execute(ctx, func(context.Context) error { return nil }))
	assert.Equal(t, 0, b.Stats().ConsecutiveFailures)

	// The counter restarted, so it takes a full run to trip again.
	failN(b, 2)
	assert.Equal(t, StateClosed, b.State())
	failN(b, 1)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerHalfOpenProbeSuccess(t *testing.T) {
	b, now := newTestBreaker(2, 30*time.Second)
	ctx := context.Background()

	failN(b, 2)
	require.Equal(t, StateOpen, b.State())

	*now = now.Add(31 * time.Second)
	assert.True(t, b.CanExecute())

	calls := 0
	err := b.Execute(ctx, func(context.Context) error { calls++; return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Stats().ConsecutiveFailures)
}

func TestBreakerHalfOpenProbeFailureReArms(t *testing.T) {
	b, now := newTestBreaker(2, 30*time.Second)
	ctx := context.Background()

	failN(b, 2)
	*now = now.Add(31 * time.Second)

	err := b.Execute(ctx, func(context.Context) error { return errBoom })
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, StateOpen, b.State())

	// Cooldown restarted from the failed probe.
	*now = now.Add(10 * time.Second)
	var oe *OpenError
	err = b.Execute(ctx, func(context.Context) error { return nil })
	require.ErrorAs(t, err, &oe)
	assert.InDelta(t, float64(20*time.Second), float64(oe.RetryAfter), float64(time.Second))

	*now = now.Add(25 * time.Second)
	require.NoError(t, b.Execute(ctx, func(context.Context) error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerSingleProbe(t *testing.T) {
	b, now := newTestBreaker(1, 30*time.Second)
	ctx := context.Background()

	failN(b, 1)
	*now = now.Add(31 * time.Second)

	// Start a probe but do not finish it: acquire directly to simulate an
	// in-flight call.
	require.NoError(t, b.acquire())
	require.Equal(t, StateHalfOpen, b.State())

	// A second caller is refused while the probe is outstanding.
	assert.False(t, b.CanExecute())
	err := b.Execute(ctx, func(context.Context) error { return nil })
	var oe *OpenError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, time.Duration(0), oe.RetryAfter)

	b.record(nil)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerNotificationsOnlyOnTransitions(t *testing.T) {
	type change struct{ from, to State }
	var changes []change
	now := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)

	b := New("alpaca", Config{
		FailureThreshold: 2,
		Cooldown:         time.Second,
		OnStateChange: func(name string, from, to State) {
			changes = append(changes, change{from, to})
		},
	})
	b.now = func() time.Time { return now }
	ctx := context.Background()

	failN(b, 2) // CLOSED -> OPEN (once, not per failure)
	now = now.Add(2 * time.Second)
	_ = b.Execute(ctx, func(context.Context) error { return nil }) // OPEN -> HALF_OPEN -> CLOSED

	require.Equal(t, []change{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}, changes)
}

func TestBreakerResetPreservesTotals(t *testing.T) {
	b, _ := newTestBreaker(2, 30*time.Second)
	ctx := context.Background()

	require.NoError(t, b.Execute(ctx, func(context.Context) error { return nil }))
	failN(b, 2)
	require.Equal(t, StateOpen, b.State())

	b.Reset()

	st := b.Stats()
	assert.Equal(t, "CLOSED", st.State)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Equal(t, int64(1), st.TotalSuccesses)
	assert.Equal(t, int64(2), st.TotalFailures)
	assert.True(t, b.CanExecute())
}

func TestBreakerErrorPassthrough(t *testing.T) {
	b, _ := newTestBreaker(5, time.Second)
	err := b.Execute(context.Background(), func(context.Context) error { return errBoom })
	assert.ErrorIs(t, err, errBoom)
}
