// Package parallel provides CPU fan-out helpers shared by the scaler, the
// record decoder and the sharded training path.
package parallel

import (
	"context"
	"runtime"
	"sync"

	"github.com/YuminosukeSato/realestate/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Parallelize divides items into contiguous ranges, one per CPU core,
// and runs fn(start, end) for each range concurrently.
func Parallelize(items int, fn func(start, end int)) {
	if items <= 0 {
		return
	}

	numWorkers := runtime.NumCPU()
	if numWorkers > items {
		numWorkers = items
	}
	chunkSize := (items + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	for start := 0; start < items; start += chunkSize {
		end := start + chunkSize
		if end > items {
			end = items
		}
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}
	wg.Wait()
}

// ParallelizeWithThreshold runs fn sequentially over [0, items) when items
// does not exceed threshold and falls back to Parallelize otherwise.
func ParallelizeWithThreshold(items int, threshold int, fn func(start, end int)) {
	if items <= threshold {
		fn(0, items)
		return
	}
	Parallelize(items, fn)
}

// Ranges splits [0, items) into at most workers contiguous ranges and runs
// fn for each of them on its own goroutine. The first error cancels ctx for
// the remaining ranges and is returned.
func Ranges(ctx context.Context, items, workers int, fn func(ctx context.Context, start, end int) error) error {
	if items <= 0 {
		return nil
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > items {
		workers = items
	}
	chunkSize := (items + workers - 1) / workers

	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < items; start += chunkSize {
		s, e := start, start+chunkSize
		if e > items {
			e = items
		}
		g.Go(func() error {
			return errors.SafeExecute("parallel.Ranges", func() error { return fn(gctx, s, e) })
		})
	}
	return g.Wait()
}

// Each runs fn(ctx, i) for i in [0, n) concurrently and waits for all of them.
// A panic in fn is returned as a PanicError.
func Each(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return errors.SafeExecute("parallel.Each", func() error { return fn(gctx, i) })
		})
	}
	return g.Wait()
}
