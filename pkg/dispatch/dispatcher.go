// Package dispatch implements the batched inference dispatcher: callers
// submit items one at a time or in bulk, the Batch Former coalesces
// individual submissions into bounded batches, each batch is shipped to a
// worker subprocess for a single Transform call, and the worker's
// per-batch result (or error) is fanned back out to exactly the callers
// who contributed to that batch.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/pilot-net/icmp-batch/pkg/wire"
)

// Options bounds the dispatcher's batching behavior. Zero values are
// replaced with defaults in New; out-of-range non-zero values are
// rejected.
type Options struct {
	// MaxBatchSize is the largest batch the Batch Former will send to the
	// worker in one Transform call. Must be in [1, 10000]. A value of 1
	// degenerates to "submit immediately, no coalescing."
	MaxBatchSize int

	// Timeout is how long the Batch Former waits, after a batch's first
	// item arrives, before flushing a partial batch. Must be in
	// (0, 1s].
	Timeout time.Duration

	// MaxQueueSize is the capacity of the queue of formed batches waiting
	// to be written to the worker; SubmitOne/SubmitBulk block while it is
	// full, providing backpressure. Batches already written to the
	// worker's pipe but not yet resolved are not counted against it.
	// Must be in [1, 128].
	MaxQueueSize int

	// WorkerInitKwargs is stored on the Dispatcher but is not sent to the
	// worker process: a worker's Loader.Load receives the kwargs its own
	// binary passes to workerproc.Main.
	WorkerInitKwargs map[string]string

	// Preprocess, if set, runs host-side on a batch's items before they
	// are sent to the worker (spec.md §4.5's Preprocess stage - distinct
	// from workerproc.Preprocessor, which runs inside the worker
	// process). A Preprocess failure never reaches Transform: it is
	// captured as a CallerInputError, carried to the worker as a
	// wire.ErrorCarrier so the worker forwards it unchanged (spec.md
	// §4.3), and comes back to the caller as a RemoteWorkerError.
	Preprocess func(batch []any) ([]any, error)

	// Postprocess, if set, runs host-side on a batch's results after they
	// come back from the worker (spec.md §4.6's Postprocess stage). A
	// Postprocess failure never crosses the wire: it is delivered to
	// every promise in the batch directly as a CallerInputError.
	Postprocess func(batch, results []any) ([]any, error)

	// Logger receives dispatcher lifecycle and error-rate logging.
	Logger *slog.Logger
}

const (
	minBatchSize = 1
	maxBatchSize = 10_000
	maxTimeout   = time.Second
	minQueueSize = 1
	maxQueueSize = 128
)

func (o *Options) setDefaults() error {
	if o.MaxBatchSize == 0 {
		o.MaxBatchSize = 32
	}
	if o.MaxBatchSize < minBatchSize || o.MaxBatchSize > maxBatchSize {
		return fmt.Errorf("dispatch: MaxBatchSize must be in [%d, %d], got %d", minBatchSize, maxBatchSize, o.MaxBatchSize)
	}
	if o.Timeout == 0 {
		o.Timeout = 10 * time.Millisecond
	}
	if o.Timeout <= 0 || o.Timeout > maxTimeout {
		return fmt.Errorf("dispatch: Timeout must be in (0, %s], got %s", maxTimeout, o.Timeout)
	}
	if o.MaxQueueSize == 0 {
		if o.MaxBatchSize <= 10 {
			o.MaxQueueSize = 100
		} else {
			o.MaxQueueSize = 32
		}
	}
	if o.MaxQueueSize < minQueueSize || o.MaxQueueSize > maxQueueSize {
		return fmt.Errorf("dispatch: MaxQueueSize must be in [%d, %d], got %d", minQueueSize, maxQueueSize, o.MaxQueueSize)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}

// Dispatcher owns a worker subprocess and the batching machinery in front
// of it. The zero value is not usable; construct with New.
type Dispatcher struct {
	opts Options
	cmd  *exec.Cmd
	enc  *wire.Encoder
	dec  *wire.Decoder

	former *batchFormer
	toSend chan *batchJob

	inFlightMu sync.Mutex
	inFlight   []*batchJob

	stopOnce sync.Once
	stopped  chan struct{}
	stopErr  error
	wg       sync.WaitGroup
	sendDone chan struct{}
}

// New constructs a Dispatcher that will run workerPath (with workerArgs) as
// its worker subprocess. The process is not started until Start is called.
func New(workerPath string, opts Options, workerArgs ...string) (*Dispatcher, error) {
	if err := opts.setDefaults(); err != nil {
		return nil, err
	}

	d := &Dispatcher{
		opts:     opts,
		cmd:      exec.Command(workerPath, workerArgs...),
		stopped:  make(chan struct{}),
		sendDone: make(chan struct{}),
	}
	d.toSend = make(chan *batchJob, opts.MaxQueueSize)
	d.former = newBatchFormer(opts.MaxBatchSize, opts.Timeout, d.toSend)
	return d, nil
}

// Start forks the worker process and blocks until it signals KindReady.
func (d *Dispatcher) Start(ctx context.Context) error {
	stdin, err := d.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("dispatch: stdin pipe: %w", err)
	}
	stdout, err := d.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("dispatch: stdout pipe: %w", err)
	}
	d.cmd.Stderr = os.Stderr // the worker's own log output goes to the host's stderr

	if err := d.cmd.Start(); err != nil {
		return fmt.Errorf("dispatch: starting worker: %w", err)
	}

	d.enc = wire.NewEncoder(stdin)
	d.dec = wire.NewDecoder(stdout)

	readyCh := make(chan error, 1)
	go func() {
		frame, err := d.dec.Recv()
		if err != nil {
			readyCh <- fmt.Errorf("dispatch: waiting for ready: %w", err)
			return
		}
		if frame.Kind != wire.KindReady {
			readyCh <- &ProtocolError{Reason: "expected READY as first frame, got " + frame.Kind.String()}
			return
		}
		readyCh <- nil
	}()

	select {
	case err := <-readyCh:
		if err != nil {
			_ = d.cmd.Process.Kill()
			return err
		}
	case <-ctx.Done():
		_ = d.cmd.Process.Kill()
		return ctx.Err()
	}

	d.wg.Add(2)
	go d.sendLoop()
	go d.recvLoop()

	d.opts.Logger.Info("dispatcher started", "worker", d.cmd.Path, "pid", d.cmd.Process.Pid)
	return nil
}

// SubmitOne submits a single item, blocking until the Batch Former flushes
// the batch it ends up in (by size or by timeout) and the worker returns a
// result for it.
func (d *Dispatcher) SubmitOne(ctx context.Context, item any) (any, error) {
	select {
	case <-d.stopped:
		return nil, &DispatcherShutdown{Cause: d.stopErr}
	default:
	}

	resultCh, err := d.former.add(item)
	if err != nil {
		return nil, err
	}

	select {
	case r := <-resultCh:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.stopped:
		return nil, &DispatcherShutdown{Cause: d.stopErr}
	}
}

// SubmitBulk submits a whole slice as a single batch, bypassing the Batch
// Former's coalescing entirely (no wait for a timer, no merging with other
// callers' items) - the rendering of spec.md's "bulk submissions bypass
// the Batch Former." The returned slice is positionally aligned with xs;
// if the worker fails the batch, SubmitBulk returns that error and no
// results.
func (d *Dispatcher) SubmitBulk(ctx context.Context, xs []any) ([]any, error) {
	if len(xs) == 0 {
		return nil, fmt.Errorf("dispatch: SubmitBulk: xs must not be empty")
	}

	select {
	case <-d.stopped:
		return nil, &DispatcherShutdown{Cause: d.stopErr}
	default:
	}

	job := &batchJob{items: xs, promises: make([]chan itemResult, len(xs))}
	for i := range job.promises {
		job.promises[i] = make(chan itemResult, 1)
	}

	select {
	case d.toSend <- job:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.stopped:
		return nil, &DispatcherShutdown{Cause: d.stopErr}
	}

	results := make([]any, len(xs))
	for i, p := range job.promises {
		select {
		case r := <-p:
			if r.err != nil {
				return nil, r.err
			}
			results[i] = r.value
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-d.stopped:
			return nil, &DispatcherShutdown{Cause: d.stopErr}
		}
	}
	return results, nil
}

// Stop is idempotent. It tells the worker there is no more input, waits
// briefly for it to drain and exit, and fails any submission still
// in flight. Callers should defer Stop() after a successful Start.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.former.close()
		close(d.toSend)
		<-d.sendDone // wait for any already-queued batches to reach the worker

		if d.enc != nil {
			_ = d.enc.Send(wire.Frame{Kind: wire.KindNoMoreInput})
		}

		done := make(chan struct{})
		go func() {
			_ = d.cmd.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			if d.cmd.Process != nil {
				_ = d.cmd.Process.Kill()
			}
			<-done
		}

		d.failOutstanding(&DispatcherShutdown{})
		close(d.stopped)
		d.opts.Logger.Info("dispatcher stopped")
	})
	d.wg.Wait()
}

// preprocessBatch runs the Dispatcher's optional host-side Preprocess hook
// (spec.md §4.5) over a batch's items. On failure it returns the frame the
// Preprocess stage sends in the batch's place: a KindError frame carrying
// the failure as a Remote-Error Carrier, which the worker is designed to
// forward back unchanged (spec.md §4.3) rather than run through Transform.
func (d *Dispatcher) preprocessBatch(job *batchJob) (wire.Frame, error) {
	items := job.items
	if d.opts.Preprocess != nil {
		pre, err := d.opts.Preprocess(items)
		if err != nil {
			carrier := wire.NewErrorCarrier(&CallerInputError{Reason: fmt.Sprintf("preprocess: %v", err)})
			payload, encErr := wire.EncodeValue(carrier)
			if encErr != nil {
				return wire.Frame{}, fmt.Errorf("dispatch: encoding preprocess error carrier: %w", encErr)
			}
			return wire.Frame{Kind: wire.KindError, Payload: payload}, nil
		}
		items = pre
	}

	payload, err := wire.EncodeValue(items)
	if err != nil {
		return wire.Frame{}, fmt.Errorf("dispatch: encoding batch: %w", err)
	}
	return wire.Frame{Kind: wire.KindBatch, Payload: payload}, nil
}

func (d *Dispatcher) sendLoop() {
	defer d.wg.Done()
	defer close(d.sendDone)
	for job := range d.toSend {
		d.inFlightMu.Lock()
		d.inFlight = append(d.inFlight, job)
		d.inFlightMu.Unlock()

		frame, err := d.preprocessBatch(job)
		if err != nil {
			d.failInFlightJob(job, err)
			continue
		}
		if err := d.enc.Send(frame); err != nil {
			go d.abort(&TransportError{Cause: err})
			return
		}
	}
}

func (d *Dispatcher) recvLoop() {
	defer d.wg.Done()
	for {
		frame, err := d.dec.Recv()
		if err != nil {
			if err != io.EOF {
				d.abort(&TransportError{Cause: err})
			}
			return
		}

		switch frame.Kind {
		case wire.KindResult:
			var results []any
			if err := wire.DecodeValue(frame.Payload, &results); err != nil {
				d.failOldestInFlight(fmt.Errorf("dispatch: decoding result: %w", err))
				continue
			}
			d.resolveOldestInFlight(results)
		case wire.KindError:
			var carrier wire.ErrorCarrier
			if err := wire.DecodeValue(frame.Payload, &carrier); err != nil {
				d.failOldestInFlight(fmt.Errorf("dispatch: decoding error: %w", err))
				continue
			}
			d.failOldestInFlight(&RemoteWorkerError{Carrier: &carrier})
		case wire.KindNoMoreOutput:
			return
		default:
			d.opts.Logger.Warn("dispatch: unexpected frame from worker", "kind", frame.Kind)
		}
	}
}

func (d *Dispatcher) popOldestInFlight() *batchJob {
	d.inFlightMu.Lock()
	defer d.inFlightMu.Unlock()
	if len(d.inFlight) == 0 {
		return nil
	}
	job := d.inFlight[0]
	d.inFlight = d.inFlight[1:]
	return job
}

func (d *Dispatcher) resolveOldestInFlight(results []any) {
	job := d.popOldestInFlight()
	if job == nil {
		d.opts.Logger.Warn("dispatch: result received with no batch in flight")
		return
	}
	if d.opts.Postprocess != nil {
		post, err := d.opts.Postprocess(job.items, results)
		if err != nil {
			job.fail(&CallerInputError{Reason: fmt.Sprintf("postprocess: %v", err)})
			return
		}
		results = post
	}
	if err := job.succeed(results); err != nil {
		d.opts.Logger.Error("dispatch: protocol violation", "error", err)
	}
}

func (d *Dispatcher) failOldestInFlight(err error) {
	job := d.popOldestInFlight()
	if job == nil {
		d.opts.Logger.Warn("dispatch: error received with no batch in flight", "error", err)
		return
	}
	job.fail(err)
}

func (d *Dispatcher) failInFlightJob(job *batchJob, err error) {
	d.inFlightMu.Lock()
	for i, j := range d.inFlight {
		if j == job {
			d.inFlight = append(d.inFlight[:i], d.inFlight[i+1:]...)
			break
		}
	}
	d.inFlightMu.Unlock()
	job.fail(err)
}

// abort is called by either loop when the transport itself fails; it tears
// the dispatcher down the same way Stop does, attributing the shutdown to
// the transport error.
func (d *Dispatcher) abort(cause error) {
	d.stopOnce.Do(func() {
		d.stopErr = cause
		if d.cmd.Process != nil {
			_ = d.cmd.Process.Kill()
		}
		d.failOutstanding(&DispatcherShutdown{Cause: cause})
		close(d.stopped)
		d.opts.Logger.Error("dispatcher aborted", "error", cause)
	})
}

func (d *Dispatcher) failOutstanding(err error) {
	d.inFlightMu.Lock()
	jobs := d.inFlight
	d.inFlight = nil
	d.inFlightMu.Unlock()

	for _, job := range jobs {
		job.fail(err)
	}
}
