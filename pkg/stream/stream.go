// Package stream implements the streaming pipeline operators: bounded
// buffering to decouple producer and consumer rates, ordered and
// unordered concurrent transforms, batching/unbatching, and a terminal
// drain with periodic progress logging. Every stage communicates over a
// channel of Result[T] so a single item's failure never stops the rest of
// the pipeline - the Go analogue of the Python source's
// return_exceptions=True.
package stream

import (
	"context"
	"iter"
)

// Result carries either a successfully produced value or the error that
// occurred producing it. Pipeline stages forward errors downstream rather
// than terminating on them, exactly like a buffered transformer that
// returns exception objects in place of values.
type Result[T any] struct {
	Value T
	Err   error
}

// Ok wraps a value as a successful Result.
func Ok[T any](v T) Result[T] { return Result[T]{Value: v} }

// Fail wraps an error as a failed Result.
func Fail[T any](err error) Result[T] { return Result[T]{Err: err} }

// FromSlice adapts a slice into a synchronous source, using a range-over-
// func iterator so callers can compose it with other iter.Seq-producing
// code without an intermediate channel.
func FromSlice[T any](xs []T) iter.Seq[T] {
	return func(yield func(T) bool) {
		for _, x := range xs {
			if !yield(x) {
				return
			}
		}
	}
}

// FromChan adapts an already-asynchronous channel into a source.
func FromChan[T any](ch <-chan T) iter.Seq[T] {
	return func(yield func(T) bool) {
		for x := range ch {
			if !yield(x) {
				return
			}
		}
	}
}

// Buffer drains a synchronous source into a bounded channel on its own
// goroutine, decoupling how fast a source can produce from how fast the
// next stage consumes. This is the minimum useful buffer: n_buffers is
// always effectively 1, same as the source this is grounded on.
func Buffer[T any](ctx context.Context, in iter.Seq[T], size int) <-chan Result[T] {
	out := make(chan Result[T], size)
	go func() {
		defer close(out)
		for x := range in {
			select {
			case out <- Ok(x):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
