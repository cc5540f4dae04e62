package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastPolicy = Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy, func(ctx context.Context, attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		if attempt < 3 {
			return errors.New("flaky")
		}
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhausts(t *testing.T) {
	boom := errors.New("boom")
	var waits []time.Duration
	calls := 0
	err := Do(context.Background(), fastPolicy, func(ctx context.Context, attempt int) error {
		calls++
		return boom
	}, func(attempt int, err error, wait time.Duration) {
		waits = append(waits, wait)
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, waits)
}

func TestDoPermanentStopsImmediately(t *testing.T) {
	invalid := errors.New("invalid")
	calls := 0
	err := Do(context.Background(), fastPolicy, func(ctx context.Context, attempt int) error {
		calls++
		return Permanent(invalid)
	}, nil)

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, invalid)
	assert.NotErrorIs(t, err, ErrExhausted)
}

func TestDoCancelledBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, fastPolicy, func(ctx context.Context, attempt int) error {
		calls++
		return nil
	}, nil)

	assert.Zero(t, calls)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoCancelledBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{Attempts: 5, BaseDelay: time.Hour}, func(ctx context.Context, attempt int) error {
		calls++
		cancel()
		return errors.New("drop")
	}, nil)

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrExhausted)
}

func TestPolicyNormalize(t *testing.T) {
	p := Policy{Attempts: 0, BaseDelay: 0, MaxDelay: 0, Jitter: 3}.normalize()
	assert.Equal(t, 1, p.Attempts)
	assert.Equal(t, time.Second, p.BaseDelay)
	assert.Equal(t, time.Second, p.MaxDelay)
	assert.Equal(t, 1.0, p.Jitter)
}
