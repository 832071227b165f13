package stream

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFromSlice(t *testing.T) {
	var got []int
	for v := range FromSlice([]int{1, 2, 3}) {
		got = append(got, v)
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("got %v, want [1 2 3]", got)
	}
}

func TestFromSlice_YieldFalseStopsEarly(t *testing.T) {
	var got []int
	for v := range FromSlice([]int{1, 2, 3, 4}) {
		got = append(got, v)
		if v == 2 {
			break
		}
	}
	if len(got) != 2 {
		t.Fatalf("got %v, want 2 items", got)
	}
}

func TestFromChan(t *testing.T) {
	ch := make(chan string, 3)
	ch <- "a"
	ch <- "b"
	close(ch)

	var got []string
	for v := range FromChan(ch) {
		got = append(got, v)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("got %v, want [a b]", got)
	}
}

func TestBuffer_ForwardsAllItemsInOrder(t *testing.T) {
	ctx := context.Background()
	out := Buffer(ctx, FromSlice([]int{1, 2, 3, 4, 5}), 2)

	var got []int
	for r := range out {
		if r.Err != nil {
			t.Fatalf("unexpected error: %v", r.Err)
		}
		got = append(got, r.Value)
	}
	want := []int{1, 2, 3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestBuffer_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	src := func(yield func(int) bool) {
		for i := 0; ; i++ {
			if !yield(i) {
				return
			}
		}
	}

	out := Buffer(ctx, src, 1)

	<-out
	cancel()

	// The goroutine must terminate once ctx is canceled; draining until the
	// channel closes should happen quickly rather than hang forever.
	done := make(chan struct{})
	go func() {
		for range out {
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Buffer did not stop after context cancellation")
	}
}

func TestOkFail(t *testing.T) {
	ok := Ok(42)
	if ok.Value != 42 || ok.Err != nil {
		t.Fatalf("Ok(42) = %+v", ok)
	}

	wantErr := errors.New("boom")
	fail := Fail[int](wantErr)
	if fail.Err != wantErr {
		t.Fatalf("Fail err = %v, want %v", fail.Err, wantErr)
	}
}
