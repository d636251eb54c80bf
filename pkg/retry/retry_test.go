package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fast(rounds int) Policy {
	return Policy{MaxRounds: rounds, Interval: time.Millisecond}
}

func TestRoundsStopsWhenDone(t *testing.T) {
	calls := 0
	err := Rounds(context.Background(), fast(3), func(ctx context.Context, round int) (bool, error) {
		require.Equal(t, calls, round)
		calls++
		return round == 1, nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestRoundsExhausted(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := Rounds(context.Background(), fast(3), func(ctx context.Context, round int) (bool, error) {
		calls++
		return false, boom
	})
	require.ErrorIs(t, err, ErrExhausted)
	require.Contains(t, err.Error(), "boom")
	require.Equal(t, 3, calls)

	calls = 0
	err = Rounds(context.Background(), fast(2), func(ctx context.Context, round int) (bool, error) {
		calls++
		return false, nil
	})
	require.ErrorIs(t, err, ErrExhausted)
	require.Equal(t, 2, calls)
}

func TestRoundsPermanent(t *testing.T) {
	calls := 0
	boom := errors.New("corrupt")
	err := Rounds(context.Background(), fast(3), func(ctx context.Context, round int) (bool, error) {
		calls++
		return false, Permanent(boom)
	})
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, ErrExhausted)
	require.Equal(t, 1, calls)
	require.NoError(t, Permanent(nil))
}

func TestRoundsHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Rounds(ctx, Policy{MaxRounds: 5, Interval: time.Hour}, func(ctx context.Context, round int) (bool, error) {
		calls++
		cancel()
		return false, nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestRoundsDefaultsZeroPolicy(t *testing.T) {
	calls := 0
	err := Rounds(context.Background(), Policy{}, func(ctx context.Context, round int) (bool, error) {
		calls++
		return false, nil
	})
	require.ErrorIs(t, err, ErrExhausted)
	require.Equal(t, DefaultPolicy.MaxRounds, calls)
}
