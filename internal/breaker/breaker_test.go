package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errRemote = errors.New("remote failure")

func newTestBreaker(t *testing.T, cfg Config) (*Breaker, *time.Time) {
	t.Helper()

	b := New("test", cfg, zap.NewNop())

	now := time.Now()
	b.now = func() time.Time { return now }

	return b, &now
}

func fail(context.Context) error    { return errRemote }
func succeed(context.Context) error { return nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cfg := Config{FailureThreshold: 3, FailureWindow: 10 * time.Second, CoolDown: 5 * time.Second}
	b, _ := newTestBreaker(t, cfg)

	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := b.Execute(ctx, fail)
		require.ErrorIs(t, err, errRemote)
	}

	assert.Equal(t, StateOpen, b.State())

	// Calls now fail fast without invoking fn.
	called := false
	err := b.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreakerWindowExpiryResetsCount(t *testing.T) {
	cfg := Config{FailureThreshold: 3, FailureWindow: 10 * time.Second, CoolDown: 5 * time.Second}
	b, now := newTestBreaker(t, cfg)

	ctx := context.Background()

	require.Error(t, b.Execute(ctx, fail))
	require.Error(t, b.Execute(ctx, fail))

	// Let the trailing window elapse; the old failures no longer count.
	*now = now.Add(11 * time.Second)

	require.Error(t, b.Execute(ctx, fail))
	require.Error(t, b.Execute(ctx, fail))
	assert.Equal(t, StateClosed, b.State())

	require.Error(t, b.Execute(ctx, fail))
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerHalfOpenProbeSuccessCloses(t *testing.T) {
	cfg := Config{FailureThreshold: 1, FailureWindow: 10 * time.Second, CoolDown: 5 * time.Second}
	b, now := newTestBreaker(t, cfg)

	ctx := context.Background()

	require.Error(t, b.Execute(ctx, fail))
	require.Equal(t, StateOpen, b.State())

	*now = now.Add(6 * time.Second)

	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	cfg := Config{FailureThreshold: 1, FailureWindow: 10 * time.Second, CoolDown: 5 * time.Second}
	b, now := newTestBreaker(t, cfg)

	ctx := context.Background()

	require.Error(t, b.Execute(ctx, fail))

	*now = now.Add(6 * time.Second)

	require.ErrorIs(t, b.Execute(ctx, fail), errRemote)
	assert.Equal(t, StateOpen, b.State())

	// Back in cool-down: fail fast again.
	require.ErrorIs(t, b.Execute(ctx, fail), ErrOpen)
}

func TestBreakerSingleProbeInHalfOpen(t *testing.T) {
	cfg := Config{FailureThreshold: 1, FailureWindow: 10 * time.Second, CoolDown: 5 * time.Second}
	b, now := newTestBreaker(t, cfg)

	ctx := context.Background()

	require.Error(t, b.Execute(ctx, fail))
	*now = now.Add(6 * time.Second)

	// Admit the probe but hold its result: a second caller must be rejected.
	require.NoError(t, b.allow())
	assert.Equal(t, StateHalfOpen, b.State())
	require.ErrorIs(t, b.allow(), ErrOpen)

	b.record(nil)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cfg := Config{FailureThreshold: 3, FailureWindow: 10 * time.Second, CoolDown: 5 * time.Second}
	b, _ := newTestBreaker(t, cfg)

	ctx := context.Background()

	require.Error(t, b.Execute(ctx, fail))
	require.Error(t, b.Execute(ctx, fail))
	require.NoError(t, b.Execute(ctx, succeed))
	require.Error(t, b.Execute(ctx, fail))
	require.Error(t, b.Execute(ctx, fail))

	assert.Equal(t, StateClosed, b.State())
}
