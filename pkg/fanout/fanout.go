// Package fanout runs independent calls with bounded parallelism.
package fanout

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultLimit caps concurrency when the caller passes a non-positive limit.
const DefaultLimit = 8

// Each calls fn(ctx, i) for every i in [0, n) with at most limit calls in
// flight and waits for all of them. Per-call failures are the caller's to
// record; Each itself never aborts early.
func Each(ctx context.Context, limit, n int, fn func(ctx context.Context, i int)) {
	if n <= 0 {
		return
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			fn(ctx, i)
			return nil
		})
	}
	_ = g.Wait()
}

// First calls fn for every i in [0, n) concurrently and returns the first
// result fn accepts (ok=true). The context handed to the remaining calls is
// cancelled as soon as a winner is found. found is false when no call was
// accepted.
func First[T any](ctx context.Context, limit, n int, fn func(ctx context.Context, i int) (T, bool)) (winner int, result T, found bool) {
	if n <= 0 {
		return -1, result, false
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu   sync.Mutex
		done bool
	)
	winner = -1
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			res, ok := fn(gctx, i)
			if !ok {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			if !done {
				done = true
				winner, result, found = i, res, true
				cancel()
			}
			return nil
		})
	}
	_ = g.Wait()
	return winner, result, found
}
