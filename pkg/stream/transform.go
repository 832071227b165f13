package stream

import (
	"context"
	"sync"
)

// Transform runs f over in with up to `workers` concurrent calls, preserving
// input order in the output regardless of which call finishes first. It
// does so with a bounded channel of per-item result slots: a dispatcher
// goroutine reserves a slot for each item (blocking once outBufferSize
// slots are outstanding, which is the pipeline's backpressure), a pool of
// worker goroutines fills slots in whatever order f completes, and a
// forwarding goroutine drains the slots channel strictly in order.
func Transform[T, U any](ctx context.Context, in <-chan Result[T], f func(context.Context, T) (U, error), workers, outBufferSize int) <-chan Result[U] {
	if workers <= 0 {
		workers = 1
	}
	if outBufferSize <= 0 {
		outBufferSize = workers
	}

	slots := make(chan chan Result[U], outBufferSize)
	sem := make(chan struct{}, workers)
	out := make(chan Result[U])

	// dispatcher: reserve a slot per item, launch bounded work for it.
	go func() {
		defer close(slots)
		var wg sync.WaitGroup
		defer wg.Wait()

		for r := range in {
			slot := make(chan Result[U], 1)
			select {
			case slots <- slot:
			case <-ctx.Done():
				slot <- Fail[U](ctx.Err())
				return
			}

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				slot <- Fail[U](ctx.Err())
				continue
			}

			wg.Add(1)
			go func(r Result[T], slot chan Result[U]) {
				defer wg.Done()
				defer func() { <-sem }()
				if r.Err != nil {
					slot <- Fail[U](r.Err)
					return
				}
				v, err := f(ctx, r.Value)
				if err != nil {
					slot <- Fail[U](err)
					return
				}
				slot <- Ok(v)
			}(r, slot)
		}
	}()

	// forwarder: drain slots strictly in the order they were reserved.
	go func() {
		defer close(out)
		for slot := range slots {
			select {
			case r := <-slot:
				select {
				case out <- r:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// UnorderedTransform is Transform without the ordering guarantee: results
// are forwarded as soon as any worker completes them, which keeps a slow
// item from head-of-line blocking the rest of the batch.
func UnorderedTransform[T, U any](ctx context.Context, in <-chan Result[T], f func(context.Context, T) (U, error), workers int) <-chan Result[U] {
	if workers <= 0 {
		workers = 1
	}

	out := make(chan Result[U])
	sem := make(chan struct{}, workers)

	go func() {
		defer close(out)
		var wg sync.WaitGroup

		for r := range in {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				wg.Wait()
				return
			}

			wg.Add(1)
			go func(r Result[T]) {
				defer wg.Done()
				defer func() { <-sem }()

				var result Result[U]
				if r.Err != nil {
					result = Fail[U](r.Err)
				} else {
					v, err := f(ctx, r.Value)
					if err != nil {
						result = Fail[U](err)
					} else {
						result = Ok(v)
					}
				}

				select {
				case out <- result:
				case <-ctx.Done():
				}
			}(r)
		}
		wg.Wait()
	}()

	return out
}
