package retry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyang/agent-forge/internal/port/state"
	"github.com/alanyang/agent-forge/internal/retry"
)

func TestOnConflict_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := retry.OnConflict(context.Background(), 3, func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestOnConflict_RetriesConflictsThenSucceeds(t *testing.T) {
	calls := 0
	err := retry.OnConflict(context.Background(), 5, func(context.Context) error {
		calls++
		if calls < 3 {
			return state.ErrConflict
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestOnConflict_ExhaustsBudget(t *testing.T) {
	calls := 0
	err := retry.OnConflict(context.Background(), 3, func(context.Context) error {
		calls++
		return state.ErrConflict
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, state.ErrConflict))
	assert.Equal(t, 3, calls)
}

func TestOnConflict_NonConflictErrorNotRetried(t *testing.T) {
	boom := errors.New("disk full")
	calls := 0
	err := retry.OnConflict(context.Background(), 5, func(context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestOnConflict_ContextCancelledBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retry.OnConflict(ctx, 5, func(context.Context) error {
		calls++
		cancel()
		return state.ErrConflict
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestOnConflict_ZeroAttemptsUsesDefault(t *testing.T) {
	calls := 0
	err := retry.OnConflict(context.Background(), 0, func(context.Context) error {
		calls++
		return state.ErrConflict
	})
	require.Error(t, err)
	assert.Equal(t, retry.DefaultAttempts, calls)
}
