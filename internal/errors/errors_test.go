package errors

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DerivesCategoryAndRetryability(t *testing.T) {
	tests := []struct {
		name      string
		code      string
		category  Category
		retryable bool
	}{
		{"store unreachable", ErrCodeStoreUnreachable, CategoryStore, true},
		{"schema incomplete", ErrCodeSchemaIncomplete, CategoryStore, false},
		{"model unavailable", ErrCodeModelUnavailable, CategoryModel, true},
		{"query too short", ErrCodeQueryTooShort, CategoryValidation, false},
		{"config invalid", ErrCodeConfigInvalid, CategoryConfig, false},
		{"retry exhausted", ErrCodeRetryExhausted, CategoryInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, "boom", nil)
			assert.Equal(t, tt.category, err.Category)
			assert.Equal(t, tt.retryable, err.Retryable)
			assert.Contains(t, err.Error(), tt.code)
		})
	}
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := fmt.Errorf("disk on fire")
	err := Wrap(cause, ErrCodeStoreUnreachable, "metadata store open failed")
	require.NotNil(t, err)
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsRetryable(err))

	assert.Nil(t, Wrap(nil, ErrCodeStoreUnreachable, "ignored"))
}

func TestCodeOf(t *testing.T) {
	err := New(ErrCodeQueryTooShort, "too short", nil)
	wrapped := fmt.Errorf("search: %w", err)
	assert.Equal(t, ErrCodeQueryTooShort, CodeOf(wrapped))
	assert.Equal(t, ErrCodeInternal, CodeOf(fmt.Errorf("plain")))
}

func TestIs_MatchesByCode(t *testing.T) {
	a := New(ErrCodeTaskNotFound, "task gone", nil)
	b := New(ErrCodeTaskNotFound, "different message", nil)
	assert.ErrorIs(t, a, b)

	c := New(ErrCodeDocumentNotFound, "doc gone", nil)
	assert.NotErrorIs(t, a, c)
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	cfg := RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}

	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_ExhaustsAndWrapsLastError(t *testing.T) {
	cfg := RetryConfig{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2.0,
	}

	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return fmt.Errorf("always fails")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts) // initial + 2 retries
	assert.Contains(t, err.Error(), "always fails")
	assert.Equal(t, ErrCodeRetryExhausted, CodeOf(err))
}

func TestRetry_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, DefaultRetryConfig(), func() error {
		return fmt.Errorf("should not matter")
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryWithResult(t *testing.T) {
	cfg := RetryConfig{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2.0,
	}

	attempts := 0
	got, err := RetryWithResult(context.Background(), cfg, func() (int, error) {
		attempts++
		if attempts < 2 {
			return 0, fmt.Errorf("not yet")
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
}
