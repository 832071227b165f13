package dispatch

import (
	"sync"
	"time"
)

// itemResult is what a pending submission's promise ultimately receives.
type itemResult struct {
	value any
	err   error
}

// batchJob is one Transform call's worth of work: a slice of items sent to
// the worker together, and one promise channel per item so the host can
// fan a batch-level result (or a batch-level error) back out to each of
// the original submitters.
type batchJob struct {
	items    []any
	promises []chan itemResult
}

// fail delivers the same error to every promise in the job - the rendering
// of "a worker-side error on a batch is an error for every item in that
// batch."
func (j *batchJob) fail(err error) {
	for _, p := range j.promises {
		p <- itemResult{err: err}
	}
}

// succeed splits a worker's per-item result slice across the job's
// promises. A length mismatch is a protocol violation: the worker must
// return exactly one result per item it was given.
func (j *batchJob) succeed(results []any) error {
	if len(results) != len(j.promises) {
		err := &ProtocolError{Reason: "result count does not match batch size"}
		j.fail(err)
		return err
	}
	for i, p := range j.promises {
		p <- itemResult{value: results[i]}
	}
	return nil
}

// batchFormer coalesces individual submit_one calls into batches bounded by
// maxBatchSize, flushing either when a batch fills up or when timeout has
// elapsed since the batch's first item arrived - whichever comes first.
// submit_bulk bypasses this entirely; see Dispatcher.SubmitBulk.
type batchFormer struct {
	maxBatchSize int
	timeout      time.Duration
	out          chan<- *batchJob

	mu      sync.Mutex
	pending *batchJob
	timer   *time.Timer
	closed  bool
}

func newBatchFormer(maxBatchSize int, timeout time.Duration, out chan<- *batchJob) *batchFormer {
	return &batchFormer{
		maxBatchSize: maxBatchSize,
		timeout:      timeout,
		out:          out,
	}
}

// add appends one item to the batch currently being formed, arming the
// flush timer on the batch's first item, and flushing immediately once the
// batch reaches maxBatchSize (a batch former configured with
// maxBatchSize == 1 therefore flushes every item immediately, preserving
// submission order even under concurrent callers).
func (f *batchFormer) add(item any) (chan itemResult, error) {
	resultCh := make(chan itemResult, 1)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, &DispatcherShutdown{}
	}

	if f.pending == nil {
		f.pending = &batchJob{}
		f.timer = time.AfterFunc(f.timeout, f.flushOnTimeout)
	}
	f.pending.items = append(f.pending.items, item)
	f.pending.promises = append(f.pending.promises, resultCh)

	full := len(f.pending.items) >= f.maxBatchSize
	var job *batchJob
	if full {
		job = f.pending
		f.pending = nil
		if f.timer != nil {
			f.timer.Stop()
			f.timer = nil
		}
	}
	f.mu.Unlock()

	if job != nil {
		f.out <- job
	}
	return resultCh, nil
}

// flushOnTimeout publishes the pending partial batch. If the batches
// channel is full it leaves the batch pending and re-arms the timer with a
// short backoff (a fifth of the timeout) instead of blocking.
func (f *batchFormer) flushOnTimeout() {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := f.pending
	if job == nil {
		f.timer = nil
		return
	}
	select {
	case f.out <- job:
		f.pending = nil
		f.timer = nil
	default:
		f.timer = time.AfterFunc(f.timeout/5, f.flushOnTimeout)
	}
}

// close flushes any partially-formed batch and prevents further additions.
// Pending promises in the flushed batch still get submitted normally; the
// caller is responsible for draining the dispatcher before it stops
// accepting new results.
func (f *batchFormer) close() {
	f.mu.Lock()
	f.closed = true
	job := f.pending
	f.pending = nil
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	f.mu.Unlock()

	if job != nil {
		f.out <- job
	}
}
