package dispatch

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pilot-net/icmp-batch/pkg/workerproc"
)

// TestMain re-execs the test binary itself as the worker subprocess when
// GO_WANT_HELPER_PROCESS is set, the same pattern os/exec_test.go uses to
// test exec.Command-based code without shipping a separate prebuilt binary.
// A Dispatcher always forks a real child process, so there is no way to
// exercise Start/Stop/the wire protocol against a fake.
func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		runHelperWorker(os.Args[len(os.Args)-1])
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runHelperWorker(mode string) {
	var t workerproc.Transformer
	switch mode {
	case "double":
		t = doubleWorker{}
	case "batchsize":
		t = batchSizeEchoWorker{}
	case "errorzero":
		t = errorOnZeroWorker{}
	case "slow":
		t = slowWorker{delay: 150 * time.Millisecond}
	default:
		t = doubleWorker{}
	}
	workerproc.Main(t, nil)
}

type doubleWorker struct{}

func (doubleWorker) Transform(pre any) (any, error) {
	items := pre.([]any)
	out := make([]any, len(items))
	for i, v := range items {
		out[i] = v.(int) * 2
	}
	return out, nil
}

// batchSizeEchoWorker returns, for every item, the size of the batch it
// travelled in - this lets a test outside the worker process infer how the
// Batch Former grouped concurrent submissions.
type batchSizeEchoWorker struct{}

func (batchSizeEchoWorker) Transform(pre any) (any, error) {
	items := pre.([]any)
	out := make([]any, len(items))
	for i := range items {
		out[i] = len(items)
	}
	return out, nil
}

// errorOnZeroWorker fails the whole batch if any item in it is zero.
type errorOnZeroWorker struct{}

func (errorOnZeroWorker) Transform(pre any) (any, error) {
	items := pre.([]any)
	for _, v := range items {
		if v.(int) == 0 {
			return nil, errors.New("bad item: zero")
		}
	}
	out := make([]any, len(items))
	for i, v := range items {
		out[i] = v.(int) * 2
	}
	return out, nil
}

type slowWorker struct{ delay time.Duration }

func (w slowWorker) Transform(pre any) (any, error) {
	time.Sleep(w.delay)
	items := pre.([]any)
	out := make([]any, len(items))
	copy(out, items)
	return out, nil
}

func spawnTestWorker(t *testing.T, mode string, opts Options) *Dispatcher {
	t.Helper()
	d, err := New(os.Args[0], opts, mode)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(d.Stop)
	return d
}

func TestDispatcher_StartSubmitStop(t *testing.T) {
	d := spawnTestWorker(t, "double", Options{MaxBatchSize: 4, Timeout: 20 * time.Millisecond, MaxQueueSize: 4})

	got, err := d.SubmitOne(context.Background(), 21)
	if err != nil {
		t.Fatalf("SubmitOne: %v", err)
	}
	if got.(int) != 42 {
		t.Fatalf("got %v, want 42", got)
	}
}

// TestDispatcher_BulkSubmissionBypassesBatchFormer covers scenario S2: a
// bulk submission of [10,20,30,40] forms exactly one batch and returns
// doubled results in the same order.
func TestDispatcher_BulkSubmissionBypassesBatchFormer(t *testing.T) {
	d := spawnTestWorker(t, "double", Options{MaxBatchSize: 2, Timeout: 500 * time.Millisecond, MaxQueueSize: 4})

	results, err := d.SubmitBulk(context.Background(), []any{10, 20, 30, 40})
	if err != nil {
		t.Fatalf("SubmitBulk: %v", err)
	}
	want := []int{20, 40, 60, 80}
	if len(results) != len(want) {
		t.Fatalf("got %v, want %v", results, want)
	}
	for i, w := range want {
		if results[i].(int) != w {
			t.Fatalf("results[%d] = %v, want %d", i, results[i], w)
		}
	}
}

func TestDispatcher_EmptyBulkSubmissionRejected(t *testing.T) {
	d := spawnTestWorker(t, "double", Options{MaxBatchSize: 4, Timeout: 20 * time.Millisecond, MaxQueueSize: 4})

	_, err := d.SubmitBulk(context.Background(), nil)
	if err == nil {
		t.Fatal("expected an error for an empty bulk submission")
	}
}

// TestDispatcher_BatchFormerFlushesBySizeThenByTimeout covers scenario S1:
// submitting 1,2,3,4,5 with max_batch_size=3 forms batches [1,2,3] then
// [4,5] - the first flushed because it reached size 3, the second because
// the timeout elapsed first.
func TestDispatcher_BatchFormerFlushesBySizeThenByTimeout(t *testing.T) {
	d := spawnTestWorker(t, "batchsize", Options{MaxBatchSize: 3, Timeout: 150 * time.Millisecond, MaxQueueSize: 4})

	type res struct {
		idx int
		val any
		err error
	}
	resultsCh := make(chan res, 5)
	for i, v := range []int{1, 2, 3, 4, 5} {
		go func(i, v int) {
			time.Sleep(time.Duration(i) * 20 * time.Millisecond)
			val, err := d.SubmitOne(context.Background(), v)
			resultsCh <- res{i, val, err}
		}(i, v)
	}

	got := make([]res, 5)
	for i := 0; i < 5; i++ {
		select {
		case r := <-resultsCh:
			got[r.idx] = r
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for submissions to resolve")
		}
	}

	for i, r := range got {
		if r.err != nil {
			t.Fatalf("item %d: %v", i, r.err)
		}
	}
	for i := 0; i < 3; i++ {
		if got[i].val.(int) != 3 {
			t.Fatalf("item %d batch size = %v, want 3 (size-triggered flush)", i, got[i].val)
		}
	}
	for i := 3; i < 5; i++ {
		if got[i].val.(int) != 2 {
			t.Fatalf("item %d batch size = %v, want 2 (timeout-triggered flush)", i, got[i].val)
		}
	}
}

// TestDispatcher_MaxBatchSizeOneFlushesEveryItemImmediately covers scenario
// S4: with max_batch_size=1, every submission forms and flushes its own
// batch of size 1 regardless of timeout.
func TestDispatcher_MaxBatchSizeOneFlushesEveryItemImmediately(t *testing.T) {
	d := spawnTestWorker(t, "batchsize", Options{MaxBatchSize: 1, Timeout: 500 * time.Millisecond, MaxQueueSize: 4})

	var wg sync.WaitGroup
	results := make([]any, 3)
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := d.SubmitOne(context.Background(), i)
			results[i] = v
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("item %d: %v", i, errs[i])
		}
		if results[i].(int) != 1 {
			t.Fatalf("item %d batch size = %v, want 1", i, results[i])
		}
	}
}

// TestDispatcher_WorkerErrorFailsWholeBatch covers scenario S3: a worker
// error for a batch is delivered to every promise in that batch, not just
// the item that caused it.
func TestDispatcher_WorkerErrorFailsWholeBatch(t *testing.T) {
	d := spawnTestWorker(t, "errorzero", Options{MaxBatchSize: 3, Timeout: 500 * time.Millisecond, MaxQueueSize: 4})

	results, err := d.SubmitBulk(context.Background(), []any{1, 0, 3})
	if err == nil {
		t.Fatal("expected an error from the batch containing a zero item")
	}
	if results != nil {
		t.Fatalf("expected nil results on batch failure, got %v", results)
	}
	var remoteErr *RemoteWorkerError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("err = %T, want *RemoteWorkerError", err)
	}
}

func TestDispatcher_WorkerErrorFailsEveryConcurrentSubmitterInTheBatch(t *testing.T) {
	d := spawnTestWorker(t, "errorzero", Options{MaxBatchSize: 3, Timeout: 500 * time.Millisecond, MaxQueueSize: 4})

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i, v := range []int{5, 0, 7} {
		wg.Add(1)
		go func(i, v int) {
			defer wg.Done()
			_, err := d.SubmitOne(context.Background(), v)
			errs[i] = err
		}(i, v)
	}
	wg.Wait()

	for i, err := range errs {
		if err == nil {
			t.Fatalf("item %d: expected an error, got none", i)
		}
	}
}

func TestDispatcher_ContextCancellationReturnsPromptly(t *testing.T) {
	d := spawnTestWorker(t, "slow", Options{MaxBatchSize: 1, Timeout: 10 * time.Millisecond, MaxQueueSize: 1})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := d.SubmitOne(ctx, 1)
	elapsed := time.Since(start)

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if elapsed > 100*time.Millisecond {
		t.Fatalf("SubmitOne took %s to observe cancellation, want well under the worker's 150ms delay", elapsed)
	}
}

// TestDispatcher_SingleWorkerProcessesBatchesSequentially verifies that a
// Dispatcher's one worker subprocess handles concurrently submitted batches
// one at a time: Serve doesn't read its next frame until it has written the
// previous result, so three concurrent slow submissions cannot finish in
// less than their cumulative processing time.
func TestDispatcher_SingleWorkerProcessesBatchesSequentially(t *testing.T) {
	d := spawnTestWorker(t, "slow", Options{MaxBatchSize: 1, Timeout: 5 * time.Millisecond, MaxQueueSize: 4})

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := d.SubmitOne(context.Background(), i); err != nil {
				t.Errorf("item %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	// Three batches of one item each, each taking ~150ms inside the single
	// worker process, cannot all complete in under ~300ms.
	if elapsed < 280*time.Millisecond {
		t.Fatalf("elapsed = %s, want >= ~300ms given a single worker processes the three slow batches one at a time", elapsed)
	}
}

func TestDispatcher_SubmitAfterStopFails(t *testing.T) {
	d := spawnTestWorker(t, "double", Options{MaxBatchSize: 4, Timeout: 20 * time.Millisecond, MaxQueueSize: 4})
	d.Stop()

	_, err := d.SubmitOne(context.Background(), 1)
	var shutdownErr *DispatcherShutdown
	if !errors.As(err, &shutdownErr) {
		t.Fatalf("err = %T (%v), want *DispatcherShutdown", err, err)
	}
}

func TestDispatcher_StopIsIdempotent(t *testing.T) {
	d := spawnTestWorker(t, "double", Options{MaxBatchSize: 4, Timeout: 20 * time.Millisecond, MaxQueueSize: 4})
	d.Stop()
	d.Stop() // must not panic or hang
}

func TestDispatcher_WorkerStats(t *testing.T) {
	d := spawnTestWorker(t, "double", Options{MaxBatchSize: 4, Timeout: 20 * time.Millisecond, MaxQueueSize: 4})

	stats, err := d.WorkerStats()
	if err != nil {
		t.Fatalf("WorkerStats: %v", err)
	}
	if stats.PID == 0 {
		t.Fatal("expected a nonzero worker PID")
	}
}

// TestDispatcher_PreprocessTransformsBatchBeforeWorker covers spec.md
// §4.5: the host-side Preprocess hook runs before a batch reaches the
// worker, so the worker (here "double") sees the preprocessed values.
func TestDispatcher_PreprocessTransformsBatchBeforeWorker(t *testing.T) {
	d := spawnTestWorker(t, "double", Options{
		MaxBatchSize: 4, Timeout: 20 * time.Millisecond, MaxQueueSize: 4,
		Preprocess: func(batch []any) ([]any, error) {
			out := make([]any, len(batch))
			for i, v := range batch {
				out[i] = v.(int) + 1 // worker then doubles: (x+1)*2
			}
			return out, nil
		},
	})

	got, err := d.SubmitOne(context.Background(), 10)
	if err != nil {
		t.Fatalf("SubmitOne: %v", err)
	}
	if got.(int) != 22 {
		t.Fatalf("got %v, want 22", got)
	}
}

// TestDispatcher_PreprocessFailureSurfacesAsRemoteWorkerError covers
// spec.md §4.3/§4.5/§7: a Preprocess failure is carried to the worker as a
// Remote-Error Carrier, which the worker forwards unchanged rather than
// running through Transform, and the caller sees it as a
// RemoteWorkerError whose message names the underlying CallerInputError.
func TestDispatcher_PreprocessFailureSurfacesAsRemoteWorkerError(t *testing.T) {
	d := spawnTestWorker(t, "double", Options{
		MaxBatchSize: 4, Timeout: 20 * time.Millisecond, MaxQueueSize: 4,
		Preprocess: func(batch []any) ([]any, error) {
			return nil, errors.New("refusing to preprocess")
		},
	})

	_, err := d.SubmitOne(context.Background(), 1)
	if err == nil {
		t.Fatal("expected an error")
	}
	var remoteErr *RemoteWorkerError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("err = %T (%v), want *RemoteWorkerError", err, err)
	}
	if remoteErr.Carrier.ClassName != "*dispatch.CallerInputError" {
		t.Fatalf("carrier class = %q, want *dispatch.CallerInputError", remoteErr.Carrier.ClassName)
	}
	if remoteErr.Carrier.Message == "" {
		t.Fatal("expected a non-empty carrier message")
	}

	// A later, unrelated batch still gets served normally.
	got, err := d.SubmitOne(context.Background(), 5)
	if err != nil {
		t.Fatalf("SubmitOne after preprocess failure: %v", err)
	}
	if got.(int) != 10 {
		t.Fatalf("got %v, want 10", got)
	}
}

// TestDispatcher_PostprocessTransformsResultAfterWorker covers spec.md
// §4.6: the host-side Postprocess hook runs on the worker's result before
// it reaches the caller's promise.
func TestDispatcher_PostprocessTransformsResultAfterWorker(t *testing.T) {
	d := spawnTestWorker(t, "double", Options{
		MaxBatchSize: 4, Timeout: 20 * time.Millisecond, MaxQueueSize: 4,
		Postprocess: func(batch, results []any) ([]any, error) {
			out := make([]any, len(results))
			for i, v := range results {
				out[i] = v.(int) + 100
			}
			return out, nil
		},
	})

	got, err := d.SubmitOne(context.Background(), 3)
	if err != nil {
		t.Fatalf("SubmitOne: %v", err)
	}
	if got.(int) != 106 { // (3*2)+100
		t.Fatalf("got %v, want 106", got)
	}
}

// TestDispatcher_PostprocessFailureSurfacesAsCallerInputError covers
// spec.md §4.6/§7: a Postprocess failure never touches the worker; it
// reaches every promise in the batch directly as a CallerInputError.
func TestDispatcher_PostprocessFailureSurfacesAsCallerInputError(t *testing.T) {
	d := spawnTestWorker(t, "double", Options{
		MaxBatchSize: 4, Timeout: 20 * time.Millisecond, MaxQueueSize: 4,
		Postprocess: func(batch, results []any) ([]any, error) {
			if batch[0].(int) == 1 {
				return nil, errors.New("refusing to postprocess")
			}
			return results, nil
		},
	})

	_, err := d.SubmitOne(context.Background(), 1)
	if err == nil {
		t.Fatal("expected an error")
	}
	var callerErr *CallerInputError
	if !errors.As(err, &callerErr) {
		t.Fatalf("err = %T (%v), want *CallerInputError", err, err)
	}

	// The worker itself was never told about the failure, so it keeps
	// serving subsequent batches normally.
	got, err := d.SubmitOne(context.Background(), 5)
	if err != nil {
		t.Fatalf("SubmitOne after postprocess failure: %v", err)
	}
	if got.(int) != 10 {
		t.Fatalf("got %v, want 10", got)
	}
}

func TestOptions_DefaultsAndValidation(t *testing.T) {
	var o Options
	if err := o.setDefaults(); err != nil {
		t.Fatalf("setDefaults on zero value: %v", err)
	}
	if o.MaxBatchSize != 32 {
		t.Fatalf("default MaxBatchSize = %d, want 32", o.MaxBatchSize)
	}
	if o.Timeout != 10*time.Millisecond {
		t.Fatalf("default Timeout = %s, want 10ms", o.Timeout)
	}
	if o.Logger == nil {
		t.Fatal("default Logger must not be nil")
	}

	bad := Options{MaxBatchSize: 20_000}
	if err := bad.setDefaults(); err == nil {
		t.Fatal("expected an error for MaxBatchSize above the maximum")
	}

	bad = Options{Timeout: 2 * time.Second}
	if err := bad.setDefaults(); err == nil {
		t.Fatal("expected an error for Timeout above 1s")
	}

	bad = Options{MaxQueueSize: 1000}
	if err := bad.setDefaults(); err == nil {
		t.Fatal("expected an error for MaxQueueSize above the maximum")
	}
}
