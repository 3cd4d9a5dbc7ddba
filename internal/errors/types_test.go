package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind Kind
	}{
		{"explicit transient", Transient(stderrors.New("socket glitch")), KindTransient},
		{"explicit permanent", Permanent(stderrors.New("whatever")), KindPermanent},
		{"conflict", Conflict("worktree", "task-42"), KindConflict},
		{"wrapped conflict", fmt.Errorf("create: %w", Conflict("container", "task-7")), KindConflict},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"connection refused", syscall.ECONNREFUSED, KindTransient},
		{"auth required", stderrors.New("gh: authentication required"), KindPermanent},
		{"unknown", stderrors.New("something odd"), KindPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
		})
	}
}

func TestConflictErrorMessage(t *testing.T) {
	err := Conflict("worktree", "task-9")
	assert.Equal(t, `worktree already exists for "task-9"`, err.Error())
	assert.True(t, IsConflict(err))
	assert.False(t, IsTransient(err))
}

func TestRetryStopsOnPermanent(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return Permanent(stderrors.New("bad input"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryRecoversTransient(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return Transient(stderrors.New("flaky"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return Transient(stderrors.New("always down"))
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, DefaultRetryConfig(), func(context.Context) error {
		t.Fatal("should not run")
		return nil
	})
	require.Error(t, err)
}
