// Package shipper pipes probe results from the scheduler into the
// Redis-backed result buffer using the streaming pipeline primitives: a
// Buffer stage decouples the scheduler's bursty submission rate from
// storage writes, a Batch stage windows results into storage-sized
// chunks, and a Drain stage pushes each chunk to the buffer with bounded
// concurrency.
//
// # Resilience
//
// Storage write failures are logged and the batch is dropped rather than
// retried in-process; the upstream buffer.ResultBuffer/Flusher pair
// already provides the durability story (Redis write-ahead buffer,
// TimescaleDB flush) for anything that does get pushed.
package shipper

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/pilot-net/icmp-batch/control-plane/internal/buffer"
	"github.com/pilot-net/icmp-batch/pkg/stream"
	"github.com/pilot-net/icmp-batch/pkg/types"
)

// Shipper streams probe results into a ResultBuffer.
type Shipper struct {
	buf    *buffer.ResultBuffer
	logger *slog.Logger

	in chan types.ProbeResult

	batchSize    int
	bufferSize   int
	drainWorkers int

	pushedTotal  int64
	droppedTotal int64
}

// Options configures the shipper's pipeline stages.
type Options struct {
	// BufferSize is the Buffer stage's channel capacity, decoupling
	// scheduler submission bursts from storage write latency.
	BufferSize int

	// BatchSize is how many results the Batch stage windows together
	// before each call to ResultBuffer.Push.
	BatchSize int

	// DrainWorkers bounds how many concurrent Push calls the Drain
	// stage may have in flight.
	DrainWorkers int
}

func (o *Options) setDefaults() {
	if o.BufferSize <= 0 {
		o.BufferSize = 1000
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 200
	}
	if o.DrainWorkers <= 0 {
		o.DrainWorkers = 4
	}
}

// New creates a Shipper writing to buf.
func New(buf *buffer.ResultBuffer, opts Options, logger *slog.Logger) *Shipper {
	opts.setDefaults()
	return &Shipper{
		buf:          buf,
		logger:       logger.With("component", "shipper"),
		in:           make(chan types.ProbeResult, opts.BufferSize),
		batchSize:    opts.BatchSize,
		bufferSize:   opts.BufferSize,
		drainWorkers: opts.DrainWorkers,
	}
}

// Push enqueues a single result for shipping. It is the scheduler's
// ResultHandler.
func (s *Shipper) Push(r types.ProbeResult) {
	s.in <- r
}

// Run drives the streaming pipeline until ctx is canceled or Close is
// called. Push sends on a channel that Close closes, so calling Push after
// Close panics; callers must stop calling Push before calling Close.
func (s *Shipper) Run(ctx context.Context) error {
	buffered := stream.Buffer(ctx, stream.FromChan(s.in), s.bufferSize)
	batched := stream.Batch(ctx, buffered, s.batchSize)

	_, err := stream.Drain(ctx, batched, s.pushBatch, s.drainWorkers, 50, s.logger)
	return err
}

// Close stops accepting new results; Run drains whatever is already
// buffered and then returns.
func (s *Shipper) Close() {
	close(s.in)
}

func (s *Shipper) pushBatch(ctx context.Context, results []types.ProbeResult) error {
	if err := s.buf.Push(ctx, results); err != nil {
		atomic.AddInt64(&s.droppedTotal, int64(len(results)))
		return err
	}
	atomic.AddInt64(&s.pushedTotal, int64(len(results)))
	return nil
}

// Stats reports lifetime counters for diagnostics/logging.
func (s *Shipper) Stats() (pushed, dropped int) {
	return int(atomic.LoadInt64(&s.pushedTotal)), int(atomic.LoadInt64(&s.droppedTotal))
}
