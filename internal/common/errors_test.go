package common

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypedErrors_Classes(t *testing.T) {
	validation := NewValidationError("weights", "sum to %.3f", 0.9)
	conflict := NewConflictError("proposal", "p1", "already decided")
	notFound := NewNotFoundError("transaction", "t1")

	assert.ErrorIs(t, validation, ErrValidation)
	assert.ErrorIs(t, fmt.Errorf("wrapped: %w", conflict), ErrConflict)
	assert.ErrorIs(t, notFound, ErrNotFound)

	assert.NotErrorIs(t, conflict, ErrValidation)
	assert.NotErrorIs(t, validation, ErrConflict)

	var ce *ConflictError
	require.ErrorAs(t, conflict, &ce)
	assert.Equal(t, "already decided", ce.Reason)
	assert.Contains(t, validation.Error(), "weights: sum to 0.900")
}

func TestValidationErrors_Collect(t *testing.T) {
	var v ValidationErrors
	assert.NoError(t, v.Err())

	v.Add("action", "must be approve or reject")
	v.Add("decider_user_id", "is required")

	err := v.Err()
	require.Error(t, err)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Fields, 2)
	assert.Equal(t, "decider_user_id", ve.Fields[1].Field)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		name string
		want bool
	}{
		{name: "conflict", err: NewConflictError("recurring_item", "r1", "next due date changed"), want: true},
		{name: "validation", err: NewValidationError("amount", "must be positive"), want: false},
		{name: "not found", err: NewNotFoundError("proposal", "p1"), want: false},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "explicit retryable", err: &RetryableError{Err: errors.New("x"), Retryable: true}, want: true},
		{name: "plain", err: errors.New("boom"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestWithRetry(t *testing.T) {
	ctx := context.Background()
	opts := RetryOptions{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}

	t.Run("retries conflicts until success", func(t *testing.T) {
		calls := 0
		err := WithRetry(ctx, func() error {
			calls++
			if calls < 3 {
				return NewConflictError("proposal", "p1", "lost race")
			}
			return nil
		}, opts)
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("does not retry validation", func(t *testing.T) {
		calls := 0
		err := WithRetry(ctx, func() error {
			calls++
			return NewValidationError("action", "invalid")
		}, opts)
		assert.ErrorIs(t, err, ErrValidation)
		assert.Equal(t, 1, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		err := WithRetry(ctx, func() error {
			return NewConflictError("proposal", "p1", "lost race")
		}, opts)
		assert.ErrorIs(t, err, ErrMaxRetries)
		assert.ErrorIs(t, err, ErrConflict)
	})
}
