// Package runner offloads blocking work (git subprocesses, object-store
// reads, text diffing) from request-handling goroutines.
//
// Callers stay cancellable: Do returns as soon as the context is done even
// if the underlying work is still running. The abandoned work finishes on
// its own goroutine and its result is dropped. A weighted semaphore bounds
// how much blocking work runs at once so a burst of diff requests cannot
// exhaust the process.
package runner

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/semaphore"

	"github.com/cmux-dev/cmux/internal/logger"
)

var pool = semaphore.NewWeighted(int64(max(4, runtime.NumCPU())))

type result[T any] struct {
	val T
	err error
}

// Do runs f on its own goroutine and waits for either its completion or
// context cancellation. On cancellation the context error is returned and
// f's eventual result is discarded.
//
// A panic inside f is recovered and surfaced as an error so a bad blob or
// subprocess edge case cannot take down the server.
func Do[T any](ctx context.Context, f func() (T, error)) (T, error) {
	var zero T

	if err := pool.Acquire(ctx, 1); err != nil {
		return zero, err
	}

	ch := make(chan result[T], 1)
	go func() {
		defer pool.Release(1)
		defer func() {
			if r := recover(); r != nil {
				logger.Error().Interface("panic", r).Msg("blocking task panicked")
				ch <- result[T]{err: fmt.Errorf("blocking task panicked: %v", r)}
			}
		}()
		v, err := f()
		ch <- result[T]{val: v, err: err}
	}()

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r := <-ch:
		return r.val, r.err
	}
}
