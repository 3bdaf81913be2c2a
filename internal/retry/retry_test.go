package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDo(t *testing.T) {
	transient := errors.New("serialization failure")
	declined := errors.New("card declined")

	tests := []struct {
		name      string
		attempts  int
		failFirst int
		failWith  error
		wantErr   error
		wantCalls int
	}{
		{name: "first try", attempts: 3, wantCalls: 1},
		{name: "succeeds on retry", attempts: 3, failFirst: 2, failWith: transient, wantCalls: 3},
		{name: "exhausted", attempts: 3, failFirst: 10, failWith: transient, wantErr: transient, wantCalls: 3},
		{name: "permanent stops at once", attempts: 5, failFirst: 10, failWith: Permanent(declined), wantErr: declined, wantCalls: 1},
		{name: "zero attempts means one", attempts: 0, failFirst: 10, failWith: transient, wantErr: transient, wantCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), tt.attempts, time.Millisecond, func() error {
				calls++
				if calls <= tt.failFirst {
					return tt.failWith
				}
				return nil
			})
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, tt.wantCalls, calls)
		})
	}
}

func TestDo_PermanentIsUnwrapped(t *testing.T) {
	declined := errors.New("card declined")
	err := Do(context.Background(), 3, time.Millisecond, func() error { return Permanent(declined) })
	assert.Same(t, declined, err)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, 5, 50*time.Millisecond, func() error {
		calls++
		cancel()
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		max     time.Duration
		want    time.Duration
	}{
		{0, 0, time.Second},
		{1, 0, 2 * time.Second},
		{3, 0, 8 * time.Second},
		{3, 5 * time.Second, 5 * time.Second},
		{10, time.Minute, time.Minute},
		{1000, time.Hour, time.Hour},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempt, time.Second, tt.max), "attempt %d max %v", tt.attempt, tt.max)
	}
}
