package stream

import (
	"context"
	"errors"
	"log/slog"
)

// Drain runs f as a side-effecting sink over every item of in (via
// UnorderedTransform, since a sink has no output order to preserve),
// logging progress every logEvery completions. It returns the number of
// items processed, failed ones included, and the first error encountered, if any -
// processing continues for the rest of the stream even after an error so
// one bad item doesn't silently swallow the rest.
func Drain[T any](ctx context.Context, in <-chan Result[T], f func(context.Context, T) error, workers, logEvery int, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sink := UnorderedTransform(ctx, in, func(ctx context.Context, v T) (struct{}, error) {
		return struct{}{}, f(ctx, v)
	}, workers)

	var n int
	var firstErr error
	for r := range sink {
		n++
		if r.Err != nil {
			if firstErr == nil {
				firstErr = r.Err
			}
			logger.Warn("stream: drain item failed", "error", r.Err)
		}
		if logEvery > 0 && n%logEvery == 0 {
			logger.Info("stream: drain progress", "processed", n)
		}
	}

	if firstErr != nil {
		return n, firstErr
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return n, err
	}
	return n, nil
}
