package stream

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"
)

func toResults(xs []int) <-chan Result[int] {
	ch := make(chan Result[int], len(xs))
	for _, x := range xs {
		ch <- Ok(x)
	}
	close(ch)
	return ch
}

func TestTransform_PreservesInputOrderUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	in := toResults([]int{1, 2, 3, 4, 5, 6, 7, 8})

	// Each call sleeps a random, independent duration so completion order
	// has no relation to input order; Transform must still forward results
	// in the order its inputs arrived.
	f := func(ctx context.Context, v int) (int, error) {
		time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
		return v * v, nil
	}

	out := Transform(ctx, in, f, 4, 4)

	var got []int
	for r := range out {
		if r.Err != nil {
			t.Fatalf("unexpected error: %v", r.Err)
		}
		got = append(got, r.Value)
	}

	want := []int{1, 4, 9, 16, 25, 36, 49, 64}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestTransform_LimitsConcurrency(t *testing.T) {
	ctx := context.Background()
	in := toResults([]int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})

	var inFlight, maxInFlight int32
	f := func(ctx context.Context, v int) (int, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			cur := atomic.LoadInt32(&maxInFlight)
			if n <= cur || atomic.CompareAndSwapInt32(&maxInFlight, cur, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return v, nil
	}

	out := Transform(ctx, in, f, 3, 3)
	for range out {
	}

	if atomic.LoadInt32(&maxInFlight) > 3 {
		t.Fatalf("max concurrent calls = %d, want <= 3", maxInFlight)
	}
}

func TestTransform_PropagatesUpstreamErrorsAndFResultErrors(t *testing.T) {
	ctx := context.Background()
	upstreamErr := errors.New("upstream failed")
	in := make(chan Result[int], 3)
	in <- Ok(1)
	in <- Fail[int](upstreamErr)
	in <- Ok(3)
	close(in)

	fErr := errors.New("f failed")
	f := func(ctx context.Context, v int) (int, error) {
		if v == 3 {
			return 0, fErr
		}
		return v, nil
	}

	out := Transform(ctx, in, f, 2, 2)

	var results []Result[int]
	for r := range out {
		results = append(results, r)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[0].Err != nil || results[0].Value != 1 {
		t.Fatalf("results[0] = %+v", results[0])
	}
	if !errors.Is(results[1].Err, upstreamErr) {
		t.Fatalf("results[1].Err = %v, want %v", results[1].Err, upstreamErr)
	}
	if !errors.Is(results[2].Err, fErr) {
		t.Fatalf("results[2].Err = %v, want %v", results[2].Err, fErr)
	}
}

func TestUnorderedTransform_ForwardsEveryItemRegardlessOfOrder(t *testing.T) {
	ctx := context.Background()
	in := toResults([]int{1, 2, 3, 4, 5})

	f := func(ctx context.Context, v int) (int, error) {
		time.Sleep(time.Duration(5-v) * time.Millisecond)
		return v * 2, nil
	}

	out := UnorderedTransform(ctx, in, f, 5)

	seen := map[int]bool{}
	count := 0
	for r := range out {
		if r.Err != nil {
			t.Fatalf("unexpected error: %v", r.Err)
		}
		seen[r.Value] = true
		count++
	}

	if count != 5 {
		t.Fatalf("got %d results, want 5", count)
	}
	for _, want := range []int{2, 4, 6, 8, 10} {
		if !seen[want] {
			t.Fatalf("missing expected value %d in %v", want, seen)
		}
	}
}

func TestUnorderedTransform_SlowItemDoesNotBlockFasterOnes(t *testing.T) {
	ctx := context.Background()
	in := toResults([]int{1, 2})

	f := func(ctx context.Context, v int) (int, error) {
		if v == 1 {
			time.Sleep(200 * time.Millisecond)
		}
		return v, nil
	}

	out := UnorderedTransform(ctx, in, f, 2)

	first := <-out
	if first.Value != 2 {
		t.Fatalf("first completed value = %d, want 2 (the fast item)", first.Value)
	}
}
