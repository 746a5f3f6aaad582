package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/user/researchview/internal/types"
)

func TestRetryPolicy(t *testing.T) {
	policy := DefaultRetryPolicy()

	assert.True(t, policy.ShouldRetry(errors.New("database is locked"), 1), "locked database is retryable")
	assert.False(t, policy.ShouldRetry(errors.New("error"), 4), "no retry after max attempts")

	assert.Equal(t, 200*time.Millisecond, policy.NextDelay(1))
	assert.Equal(t, 400*time.Millisecond, policy.NextDelay(2))
	assert.Equal(t, 800*time.Millisecond, policy.NextDelay(3))
}

func TestRetryPolicyNonRetryable(t *testing.T) {
	policy := DefaultRetryPolicy()

	for _, err := range []error{
		errors.New(`invalid session id ""`),
		errors.New("open history.db: permission denied"),
		fmt.Errorf("session x: %w", types.ErrNotFound),
		context.Canceled,
		nil,
	} {
		assert.False(t, policy.ShouldRetry(err, 1), "%v", err)
	}
}

func TestRetryPolicyMaxDelayCap(t *testing.T) {
	policy := &RetryPolicy{
		MaxAttempts:  10,
		InitialDelay: 1 * time.Second,
		Multiplier:   10.0,
		MaxDelay:     30 * time.Second,
	}
	assert.Equal(t, policy.MaxDelay, policy.NextDelay(5))
}

func fastPolicy(attempts int) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  attempts,
		InitialDelay: 1 * time.Millisecond,
		Multiplier:   1.0,
		MaxDelay:     10 * time.Millisecond,
	}
}

func TestRetryPolicyExecute(t *testing.T) {
	tests := []struct {
		name      string
		attempts  int
		failures  int
		err       error
		wantCalls int
		wantErr   bool
	}{
		{name: "succeeds after transient failures", attempts: 3, failures: 2, err: errors.New("temporary failure"), wantCalls: 3},
		{name: "stops on permanent failure", attempts: 3, failures: 3, err: errors.New("invalid request"), wantCalls: 1, wantErr: true},
		{name: "gives up after max attempts", attempts: 2, failures: 2, err: errors.New("timeout"), wantCalls: 2, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := fastPolicy(tt.attempts).Execute(context.Background(), func() error {
				calls++
				if calls <= tt.failures {
					return tt.err
				}
				return nil
			})
			if tt.wantErr {
				assert.ErrorIs(t, err, tt.err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, calls)
		})
	}
}

func TestRetryPolicyExecuteCancelled(t *testing.T) {
	policy := &RetryPolicy{MaxAttempts: 5, InitialDelay: time.Hour, Multiplier: 1, MaxDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	err := policy.Execute(ctx, func() error {
		calls++
		cancel()
		return errors.New("busy")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
