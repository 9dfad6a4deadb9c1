package common

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalist/internal/domain"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
}

func TestRetryStopsOnRejection(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(), func(context.Context) error {
		calls++
		return Rejected("paper", "place", ErrInsufficientMargin)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, IsRejection(err))
	assert.True(t, errors.Is(err, ErrInsufficientMargin))
}

func TestRetryExhaustsTransient(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(), func(context.Context) error {
		calls++
		return Transient("mt5", "place", errors.New("timeout"))
	})
	var ex *ErrRetriesExhausted
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, ex.Attempts)
	assert.True(t, IsTransient(err))
}

func TestRetrySucceedsAfterTransient(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(), func(context.Context) error {
		calls++
		if calls < 2 {
			return Transient("mt5", "place", errors.New("502"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := RetryPolicy{MaxRetries: 5, BaseDelay: time.Hour, Multiplier: 1}
	err := Retry(ctx, p, func(context.Context) error {
		return Transient("x", "op", errors.New("down"))
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDayKeyRespectsRollover(t *testing.T) {
	b := FixedZone("EET", 2, 0)
	// 23:30 UTC is 01:30 EET the next day.
	ts := time.Date(2025, 3, 10, 23, 30, 0, 0, time.UTC)
	assert.Equal(t, "2025-03-11", b.DayKey(ts))
	assert.Equal(t, "2025-03-10", UTCMidnight.DayKey(ts))

	ny := DayBoundary{Location: time.UTC, RolloverHour: 22}
	assert.Equal(t, "2025-03-09", ny.DayKey(time.Date(2025, 3, 10, 21, 59, 0, 0, time.UTC)))
	assert.Equal(t, "2025-03-10", ny.DayKey(time.Date(2025, 3, 10, 22, 0, 0, 0, time.UTC)))
}

func TestPnL(t *testing.T) {
	assert.Equal(t, 20.0, PnL(domain.SideBuy, 100, 110, 2))
	assert.Equal(t, -20.0, PnL(domain.SideSell, 100, 110, 2))
	assert.Equal(t, 0.3, PnL(domain.SideBuy, 0.1, 0.2, 3))
}
