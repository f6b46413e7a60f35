package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type permanentError struct{}

func (permanentError) Error() string     { return "permanent failure" }
func (permanentError) IsRetryable() bool { return false }

func TestRetry(t *testing.T) {
	t.Run("succeeds first attempt", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 3), func() error {
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("retries until success", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		failure := errors.New("still broken")
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 2), func() error {
			calls++
			return failure
		})
		assert.ErrorIs(t, err, failure)
		assert.Equal(t, 3, calls) // initial attempt plus two retries
	})

	t.Run("context cancellation stops retrying", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := Retry(ctx, NewFixedDelay(time.Hour, 3), func() error {
			calls++
			cancel()
			return errors.New("transient")
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})

	t.Run("non-retryable errors fail immediately", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
			calls++
			return permanentError{}
		})
		assert.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("wrapped context errors are not retried", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
			calls++
			return errors.Join(errors.New("publish failed"), context.DeadlineExceeded)
		})
		assert.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}

func TestExponentialBackoff(t *testing.T) {
	t.Run("delay grows and caps", func(t *testing.T) {
		policy := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 10)
		policy.Jitter = false

		retry, d0 := policy.ShouldRetry(0, errors.New("e"))
		require.True(t, retry)
		assert.Equal(t, 100*time.Millisecond, d0)

		_, d2 := policy.ShouldRetry(2, errors.New("e"))
		assert.Equal(t, 400*time.Millisecond, d2)

		_, d9 := policy.ShouldRetry(9, errors.New("e"))
		assert.Equal(t, time.Second, d9)
	})

	t.Run("jitter keeps delay near the base", func(t *testing.T) {
		policy := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 10)

		_, d := policy.ShouldRetry(0, errors.New("e"))
		assert.InDelta(t, 100*time.Millisecond, d, float64(20*time.Millisecond))
	})

	t.Run("exhausted attempts", func(t *testing.T) {
		policy := NewExponentialBackoff(time.Millisecond, time.Second, 2.0, 3)
		retry, _ := policy.ShouldRetry(3, errors.New("e"))
		assert.False(t, retry)
	})
}
