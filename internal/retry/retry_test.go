package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

type retryAfterErr struct {
	after time.Duration
}

func (e *retryAfterErr) Error() string             { return "rate limited" }
func (e *retryAfterErr) RetryAfter() time.Duration { return e.after }

func fastPolicy() Policy {
	return Policy{MaxAttempts: 3, InitialWait: time.Millisecond, Multiplier: 2, MaxWait: 10 * time.Millisecond}
}

func alwaysRetryable(error) bool { return true }

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), zerolog.Nop(), fastPolicy(), alwaysRetryable, func(context.Context) error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnTerminalError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), zerolog.Nop(), fastPolicy(), func(error) bool { return false }, func(context.Context) error {
		calls++
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, calls, "terminal errors must not consume retry budget")
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), zerolog.Nop(), fastPolicy(), alwaysRetryable, func(context.Context) error {
		calls++
		return errBoom
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, errBoom)
	assert.Contains(t, err.Error(), "retries exhausted after 3 attempts")
}

func TestDoHonorsRetryAfter(t *testing.T) {
	calls := 0
	start := time.Now()
	err := Do(context.Background(), zerolog.Nop(), fastPolicy(), alwaysRetryable, func(context.Context) error {
		calls++
		if calls == 1 {
			return &retryAfterErr{after: 50 * time.Millisecond}
		}
		return nil
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestDoCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := Policy{MaxAttempts: 5, InitialWait: time.Hour, Multiplier: 2, MaxWait: time.Hour}

	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, zerolog.Nop(), policy, alwaysRetryable, func(context.Context) error {
			return errBoom
		})
	}()
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestPolicyValidate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())

	bad := DefaultPolicy()
	bad.MaxAttempts = 0
	assert.Error(t, bad.Validate())

	bad = DefaultPolicy()
	bad.Multiplier = 0.5
	assert.Error(t, bad.Validate())

	bad = DefaultPolicy()
	bad.MaxWait = time.Second
	assert.Error(t, bad.Validate(), "max_wait below initial_wait")
}
