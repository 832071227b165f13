package dispatch

import (
	"errors"
	"testing"
	"time"
)

// drainJobs pulls exactly n jobs off ch or fails the test after a timeout.
func drainJobs(t *testing.T, ch <-chan *batchJob, n int) []*batchJob {
	t.Helper()
	jobs := make([]*batchJob, 0, n)
	for i := 0; i < n; i++ {
		select {
		case j := <-ch:
			jobs = append(jobs, j)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for job %d/%d", i+1, n)
		}
	}
	return jobs
}

func TestBatchFormer_FlushesOnSize(t *testing.T) {
	out := make(chan *batchJob, 4)
	f := newBatchFormer(3, time.Hour, out)

	for _, v := range []int{1, 2, 3, 4, 5} {
		if _, err := f.add(v); err != nil {
			t.Fatalf("add(%d): %v", v, err)
		}
	}

	jobs := drainJobs(t, out, 1)
	if got := jobs[0].items; len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("first flushed batch = %v, want [1 2 3]", got)
	}

	select {
	case j := <-out:
		t.Fatalf("unexpected second flush before timeout: %v", j.items)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBatchFormer_FlushesOnTimeout(t *testing.T) {
	out := make(chan *batchJob, 4)
	f := newBatchFormer(10, 30*time.Millisecond, out)

	if _, err := f.add("a"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := f.add("b"); err != nil {
		t.Fatalf("add: %v", err)
	}

	jobs := drainJobs(t, out, 1)
	if got := jobs[0].items; len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("timed-out batch = %v, want [a b]", got)
	}
}

func TestBatchFormer_SizeOneFlushesEveryItemImmediately(t *testing.T) {
	out := make(chan *batchJob, 4)
	f := newBatchFormer(1, time.Hour, out)

	for _, v := range []int{10, 20, 30} {
		if _, err := f.add(v); err != nil {
			t.Fatalf("add(%d): %v", v, err)
		}
	}

	jobs := drainJobs(t, out, 3)
	for i, want := range []int{10, 20, 30} {
		if len(jobs[i].items) != 1 || jobs[i].items[0] != want {
			t.Fatalf("job %d = %v, want [%d]", i, jobs[i].items, want)
		}
	}
}

func TestBatchFormer_CloseFlushesPartialBatch(t *testing.T) {
	out := make(chan *batchJob, 4)
	f := newBatchFormer(10, time.Hour, out)

	if _, err := f.add(1); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := f.add(2); err != nil {
		t.Fatalf("add: %v", err)
	}

	f.close()

	jobs := drainJobs(t, out, 1)
	if len(jobs[0].items) != 2 {
		t.Fatalf("flushed-on-close batch = %v, want 2 items", jobs[0].items)
	}

	if _, err := f.add(3); err == nil {
		t.Fatal("add after close: expected error, got nil")
	}
}

func TestBatchJob_FailDeliversErrorToEveryPromise(t *testing.T) {
	job := &batchJob{
		items:    []any{1, 2, 3},
		promises: []chan itemResult{make(chan itemResult, 1), make(chan itemResult, 1), make(chan itemResult, 1)},
	}

	wantErr := errors.New("boom")
	job.fail(wantErr)

	for i, p := range job.promises {
		select {
		case r := <-p:
			if r.err != wantErr {
				t.Fatalf("promise %d err = %v, want %v", i, r.err, wantErr)
			}
		default:
			t.Fatalf("promise %d received nothing", i)
		}
	}
}

func TestBatchJob_SucceedSplitsResultsAcrossPromises(t *testing.T) {
	promises := []chan itemResult{make(chan itemResult, 1), make(chan itemResult, 1)}
	job := &batchJob{items: []any{1, 2}, promises: promises}

	if err := job.succeed([]any{"r1", "r2"}); err != nil {
		t.Fatalf("succeed: %v", err)
	}

	if r := <-promises[0]; r.value != "r1" || r.err != nil {
		t.Fatalf("promise 0 = %+v, want value r1", r)
	}
	if r := <-promises[1]; r.value != "r2" || r.err != nil {
		t.Fatalf("promise 1 = %+v, want value r2", r)
	}
}

func TestBatchJob_SucceedCountMismatchFailsAll(t *testing.T) {
	promises := []chan itemResult{make(chan itemResult, 1), make(chan itemResult, 1)}
	job := &batchJob{items: []any{1, 2}, promises: promises}

	err := job.succeed([]any{"only-one"})
	if err == nil {
		t.Fatal("expected a protocol error on count mismatch")
	}
	if _, ok := err.(*ProtocolError); !ok {
		t.Fatalf("err = %T, want *ProtocolError", err)
	}

	for i, p := range promises {
		r := <-p
		if r.err == nil {
			t.Fatalf("promise %d: expected error, got value %v", i, r.value)
		}
	}
}
