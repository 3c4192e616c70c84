package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsBudget(t *testing.T) {
	boom := errors.New("still down")
	calls := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		calls++
		return boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestDo_FatalShortCircuits(t *testing.T) {
	boom := errors.New("exec returned 1")
	calls := 0
	err := Do(context.Background(), fastConfig(5), func() error {
		calls++
		return Fatal(boom)
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls, "fatal errors must not be retried")
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := fastConfig(5)
	cfg.InitialDelay = time.Hour // cancellation must win over the delay

	err := Do(ctx, cfg, func() error { return errors.New("transient") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled")
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(Fatal(errors.New("x"))))
	assert.False(t, IsFatal(errors.New("x")))
	assert.NoError(t, Fatal(nil))
}
