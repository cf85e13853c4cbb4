package breaker

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/flowgate/internal/domain"
)

var errBoom = errors.New("boom")

func failingOp(_ context.Context) (any, error) { return nil, errBoom }
func okOp(_ context.Context) (any, error)      { return "ok", nil }

func newTestBreaker(clock clockwork.Clock) *Breaker {
	return New("dep", Settings{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Second,
		MaxTimeoutScale:  8,
	}, clock, slog.Default(), nil)
}

func tripOpen(t *testing.T, b *Breaker) {
	t.Helper()
	for i := 0; i < 3; i++ {
		_, err := b.Call(context.Background(), failingOp)
		require.ErrorIs(t, err, errBoom)
	}
	require.Equal(t, StateOpen, b.State())
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := newTestBreaker(clock)

	// Failures 1 and 2 leave the breaker closed.
	for i := 0; i < 2; i++ {
		_, err := b.Call(context.Background(), failingOp)
		require.ErrorIs(t, err, errBoom)
		assert.Equal(t, StateClosed, b.State())
	}

	// 3rd consecutive failure flips state to OPEN.
	_, err := b.Call(context.Background(), failingOp)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_SuccessResetsFailureStreak(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := newTestBreaker(clock)

	_, _ = b.Call(context.Background(), failingOp)
	_, _ = b.Call(context.Background(), failingOp)
	_, err := b.Call(context.Background(), okOp)
	require.NoError(t, err)

	// Two more failures are below the threshold again.
	_, _ = b.Call(context.Background(), failingOp)
	_, _ = b.Call(context.Background(), failingOp)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_OpenShortCircuitsWithoutInvokingOperation(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := newTestBreaker(clock)
	tripOpen(t, b)

	invoked := false
	_, err := b.Call(context.Background(), func(_ context.Context) (any, error) {
		invoked = true
		return nil, nil
	})

	var openErr *domain.CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "dep", openErr.Name)
	assert.Greater(t, openErr.RetryAfter, time.Duration(0))
	assert.False(t, invoked, "operation must not run while the breaker is open")
}

func TestBreaker_OpenInvokesFallbackInsteadOfOperation(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := newTestBreaker(clock)
	tripOpen(t, b)

	result, err := b.CallWithFallback(context.Background(),
		failingOp,
		func(_ context.Context, cause error) (any, error) {
			var openErr *domain.CircuitOpenError
			require.ErrorAs(t, cause, &openErr)
			return "cached", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "cached", result)
}

func TestBreaker_FallbackAbsorbsOperationError(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := newTestBreaker(clock)

	result, err := b.CallWithFallback(context.Background(),
		failingOp,
		func(_ context.Context, cause error) (any, error) {
			require.ErrorIs(t, cause, errBoom)
			return "fallback", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "fallback", result)
	// The failure still counted against the breaker.
	assert.Equal(t, 1, b.Snapshot().FailureCount)
}

func TestBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := newTestBreaker(clock)
	tripOpen(t, b)

	clock.Advance(30 * time.Second)

	// First call after the cool-down is a trial call and runs for real.
	result, err := b.Call(context.Background(), okOp)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_HalfOpen_ClosesAfterSuccessThreshold(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := newTestBreaker(clock)
	tripOpen(t, b)
	clock.Advance(30 * time.Second)

	_, err := b.Call(context.Background(), okOp)
	require.NoError(t, err)
	require.Equal(t, StateHalfOpen, b.State())

	_, err = b.Call(context.Background(), okOp)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpen_SingleFailureReopens(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := newTestBreaker(clock)
	tripOpen(t, b)
	clock.Advance(30 * time.Second)

	_, err := b.Call(context.Background(), failingOp)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_ResetTimeoutScalesWithOpenCycles(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := newTestBreaker(clock)

	// First open cycle: base timeout.
	tripOpen(t, b)
	clock.Advance(30 * time.Second)
	_, err := b.Call(context.Background(), failingOp) // trial fails → 2nd open cycle
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, StateOpen, b.State())

	// Second cycle doubles the cool-down: 30s is no longer enough.
	clock.Advance(30 * time.Second)
	_, err = b.Call(context.Background(), okOp)
	var openErr *domain.CircuitOpenError
	require.ErrorAs(t, err, &openErr, "call inside the scaled cool-down must short-circuit")

	clock.Advance(30 * time.Second) // total 60s since the failure
	_, err = b.Call(context.Background(), okOp)
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_Reset(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := newTestBreaker(clock)
	tripOpen(t, b)

	b.Reset()
	assert.Equal(t, StateClosed, b.State())

	snap := b.Snapshot()
	assert.Equal(t, 0, snap.FailureCount)
	assert.Equal(t, 0, snap.OpenCycles)

	_, err := b.Call(context.Background(), okOp)
	require.NoError(t, err)
}

func TestRegistry_SharesInstancePerName(t *testing.T) {
	reg := NewRegistry(Settings{}, clockwork.NewFakeClock(), slog.Default(), nil)

	a := reg.Get("payments")
	b := reg.Get("payments")
	c := reg.Get("search")

	assert.Same(t, a, b, "all call sites must share one breaker per name")
	assert.NotSame(t, a, c)
}

func TestRegistry_SnapshotsSortedAndReset(t *testing.T) {
	reg := NewRegistry(Settings{FailureThreshold: 1}, clockwork.NewFakeClock(), slog.Default(), nil)
	_, _ = reg.Get("zeta").Call(context.Background(), failingOp)
	reg.Get("alpha")

	snaps := reg.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "alpha", snaps[0].Name)
	assert.Equal(t, "zeta", snaps[1].Name)
	assert.Equal(t, StateOpen, snaps[1].State)

	require.True(t, reg.Reset("zeta"))
	assert.Equal(t, StateClosed, reg.Get("zeta").State())
	assert.False(t, reg.Reset("missing"))
}
