// Package retry runs an operation in a bounded number of rounds.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrExhausted is returned when every round ran without the operation
// reporting completion.
var ErrExhausted = errors.New("retry: rounds exhausted")

var errNotDone = errors.New("retry: round incomplete")

// Policy bounds a retried operation.
type Policy struct {
	MaxRounds int
	Interval  time.Duration
}

// DefaultPolicy is the policy shared by the store, retrieve and probe paths.
var DefaultPolicy = Policy{MaxRounds: 3, Interval: 250 * time.Millisecond}

func (p Policy) normalize() Policy {
	if p.MaxRounds < 1 {
		p.MaxRounds = DefaultPolicy.MaxRounds
	}
	if p.Interval < 0 {
		p.Interval = 0
	}
	return p
}

// Permanent marks err as final; Rounds returns it without further rounds.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Func is one round. round counts from zero. Returning done=true stops the
// loop with success; a non-nil err is remembered and the next round runs
// unless err is Permanent.
type Func func(ctx context.Context, round int) (done bool, err error)

// Rounds runs fn at most p.MaxRounds times, pausing p.Interval between
// rounds. It returns nil once fn reports done, the unwrapped error of a
// Permanent failure, ctx.Err() on cancellation, or an error wrapping
// ErrExhausted (and the last round's error) when rounds run out.
func Rounds(ctx context.Context, p Policy, fn Func) error {
	p = p.normalize()
	var b backoff.BackOff = backoff.NewConstantBackOff(p.Interval)
	b = backoff.WithMaxRetries(b, uint64(p.MaxRounds-1))
	b = backoff.WithContext(b, ctx)

	round := 0
	permanent := false
	var last error
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		done, err := fn(ctx, round)
		round++
		switch {
		case done:
			return nil
		case err == nil:
			return errNotDone
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			permanent = true
			return err
		}
		last = err
		return err
	}
	err := backoff.Retry(op, b)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case permanent:
		return err
	case last != nil:
		return fmt.Errorf("%w after %d rounds: %v", ErrExhausted, round, last)
	default:
		return fmt.Errorf("%w after %d rounds", ErrExhausted, round)
	}
}
