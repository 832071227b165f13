package stream

import "context"

// Batch groups n consecutive successful items from in into one downstream
// []T item. An error is never merged into a group: it is forwarded by
// itself as soon as it is seen, flushing whatever successful items had
// already accumulated.
func Batch[T any](ctx context.Context, in <-chan Result[T], n int) <-chan Result[[]T] {
	if n <= 0 {
		n = 1
	}
	out := make(chan Result[[]T])

	go func() {
		defer close(out)
		group := make([]T, 0, n)

		flush := func() bool {
			if len(group) == 0 {
				return true
			}
			select {
			case out <- Ok(group):
				group = make([]T, 0, n)
				return true
			case <-ctx.Done():
				return false
			}
		}

		for r := range in {
			if r.Err != nil {
				if !flush() {
					return
				}
				select {
				case out <- Fail[[]T](r.Err):
				case <-ctx.Done():
					return
				}
				continue
			}

			group = append(group, r.Value)
			if len(group) >= n {
				if !flush() {
					return
				}
			}
		}
		flush()
	}()

	return out
}

// Unbatch flattens batches back into individual items, preserving each
// batch's internal order. A failed batch becomes a single failed item -
// there is no way to know which of its members actually failed.
func Unbatch[T any](ctx context.Context, in <-chan Result[[]T]) <-chan Result[T] {
	out := make(chan Result[T])

	go func() {
		defer close(out)
		for r := range in {
			if r.Err != nil {
				select {
				case out <- Fail[T](r.Err):
				case <-ctx.Done():
					return
				}
				continue
			}
			for _, v := range r.Value {
				select {
				case out <- Ok(v):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}
