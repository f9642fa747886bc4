package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socialcal/internal/apperr"
	"socialcal/internal/retry"
)

func fastConfig(attempts int) retry.Config {
	return retry.Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
	}
}

func TestRetry_SucceedsAfterTransientErrors(t *testing.T) {
	calls := 0
	err := retry.Retry(context.Background(), fastConfig(3), func() error {
		calls++
		if calls < 3 {
			return apperr.New(apperr.UpstreamLLMError, "overloaded")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_StopsOnPermanentError(t *testing.T) {
	calls := 0
	err := retry.Retry(context.Background(), fastConfig(5), func() error {
		calls++
		return apperr.New(apperr.HTTPStatus(404), "missing")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.False(t, errors.Is(err, retry.ErrMaxAttemptsExceeded))
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := retry.Retry(context.Background(), fastConfig(3), func() error {
		calls++
		return apperr.New(apperr.HTTPStatus(503), "unavailable")
	})

	require.ErrorIs(t, err, retry.ErrMaxAttemptsExceeded)
	assert.Equal(t, 3, calls)
	assert.Equal(t, apperr.HTTPStatus(503), apperr.KindOf(err))
}

func TestRetry_HonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig(3)
	cfg.Delay = func(int) time.Duration { return time.Hour }
	cfg.MaxDelay = time.Hour

	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := retry.Retry(ctx, cfg, func() error {
		calls++
		return apperr.New(apperr.Timeout, "slow")
	})

	require.ErrorIs(t, err, retry.ErrContextCancelled)
	assert.Equal(t, 1, calls)
}

func TestLinear(t *testing.T) {
	d := retry.Linear(5 * time.Second)
	assert.Equal(t, 5*time.Second, d(1))
	assert.Equal(t, 15*time.Second, d(3))
}

func TestDefaultIsRetryable(t *testing.T) {
	assert.True(t, retry.DefaultIsRetryable(errors.New("dial tcp: connection refused")))
	assert.True(t, retry.DefaultIsRetryable(apperr.New(apperr.HTTPStatus(429), "slow down")))
	assert.False(t, retry.DefaultIsRetryable(apperr.New(apperr.SelectorNotMatching, "nothing")))
	assert.False(t, retry.DefaultIsRetryable(context.Canceled))
	assert.False(t, retry.DefaultIsRetryable(nil))
}
