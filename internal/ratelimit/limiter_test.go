package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/chronicle/internal/errkind"
)

func fastLimiter() *Limiter {
	l := New(WithBaseDelay(time.Millisecond), WithMaxDelay(4*time.Millisecond), WithMaxAttempts(4))
	return l
}

func TestExecute_SucceedsFirstTry(t *testing.T) {
	l := fastLimiter()
	calls := 0
	result, err := Execute(context.Background(), l, "k", func() (string, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", result)
	require.Equal(t, 1, calls)
}

func TestExecute_RetriesTransientThenSucceeds(t *testing.T) {
	l := fastLimiter()
	calls := 0
	result, err := Execute(context.Background(), l, "k", func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errkind.New(errkind.KindTransient, errors.New("boom"))
		}
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, result)
	require.Equal(t, 3, calls)
}

func TestExecute_PermanentErrorDoesNotRetry(t *testing.T) {
	l := fastLimiter()
	calls := 0
	permErr := errkind.New(errkind.KindPermanent, errors.New("bad request"))
	_, err := Execute(context.Background(), l, "k", func() (int, error) {
		calls++
		return 0, permErr
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestExecute_RateLimitSleepsExactRetryAfter(t *testing.T) {
	l := fastLimiter()
	var slept time.Duration
	l.sleep = func(_ context.Context, d time.Duration) error {
		slept += d
		return nil
	}
	calls := 0
	_, err := Execute(context.Background(), l, "k", func() (int, error) {
		calls++
		if calls == 1 {
			return 0, errkind.NewRateLimited(errors.New("429"), 0.25)
		}
		return 1, nil
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, slept, 250*time.Millisecond)
}

func TestExecute_ExhaustsAttemptsAndReturnsLastError(t *testing.T) {
	l := fastLimiter()
	calls := 0
	_, err := Execute(context.Background(), l, "k", func() (int, error) {
		calls++
		return 0, errkind.New(errkind.KindTransient, errors.New("down"))
	})
	require.Error(t, err)
	require.Equal(t, l.attempts, calls)
}

func TestExecute_EachFactoryCallIsFresh(t *testing.T) {
	l := fastLimiter()
	var seen []int
	n := 0
	_, _ = Execute(context.Background(), l, "k", func() (int, error) {
		n++
		seen = append(seen, n)
		if n < 2 {
			return 0, errkind.New(errkind.KindTransient, errors.New("retry"))
		}
		return n, nil
	})
	require.Equal(t, []int{1, 2}, seen)
}
