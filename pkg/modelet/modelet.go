// Package modelet implements the multi-worker-process variant of the
// batching dispatcher: several identical worker processes share one
// logical inbound/outbound queue, each micro-batching its own slice of
// work under its own lock, while the host routes results back to callers
// by item identity rather than by FIFO position.
//
// A Python multiprocessing.Queue lets unrelated OS processes share one
// pipe's read end; a forked Go process cannot join another process's pipe
// after the fact, so Service gives every worker its own pipe pair and
// fans identity-tagged work out to the least-busy one, fanning results back
// in through a map keyed by identity. Externally this is indistinguishable
// from a single shared queue: submissions are routed to whichever worker
// is least busy, one worker's batch never blocks on another's, and
// identity, not queue position, is what ties a result back to its caller.
package modelet

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/pilot-net/icmp-batch/pkg/wire"
)

// Modelet is implemented by a worker process's model/handler. It differs
// from workerproc.Transformer in being synchronous per micro-batch and
// identity-free: ModeletMain handles tagging results with identities so
// Predict only ever sees and returns plain batches.
type Modelet interface {
	Predict(batch []any) ([]any, error)
}

// unit is one item of work tagged with the identity the host uses to
// route its eventual result back to the right caller.
type unit struct {
	ID   uuid.UUID
	Item any
}

// unitResult pairs a unit's identity with its outcome.
type unitResult struct {
	ID    uuid.UUID
	Value any
	Err   *wire.ErrorCarrier
}

// ModeletMain is the worker-side entry point: it reads identity-tagged
// units off stdin one micro-batch at a time (see readMicroBatch), holds a
// lock while Predict runs on that micro-batch, and writes identity-tagged
// results back.
func ModeletMain(m Modelet, batchSize int, batchWait time.Duration) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dec := wire.NewDecoder(os.Stdin)
	enc := wire.NewEncoder(os.Stdout)
	var mu sync.Mutex

	if err := enc.Send(wire.Frame{Kind: wire.KindReady}); err != nil {
		return
	}

	for {
		units, ok := readMicroBatch(dec, batchSize, batchWait)
		if !ok {
			break
		}

		mu.Lock()
		items := make([]any, len(units))
		for i, u := range units {
			items[i] = u.Item
		}
		results, err := m.Predict(items)
		mu.Unlock()

		out := make([]unitResult, len(units))
		if err != nil {
			carrier := wire.NewErrorCarrier(err)
			for i, u := range units {
				out[i] = unitResult{ID: u.ID, Err: carrier}
			}
		} else {
			for i, u := range units {
				out[i] = unitResult{ID: u.ID, Value: results[i]}
			}
		}

		payload, encErr := wire.EncodeValue(out)
		if encErr != nil {
			logger.Error("modelet: encoding results", "error", encErr)
			continue
		}
		if sendErr := enc.Send(wire.Frame{Kind: wire.KindResult, Payload: payload}); sendErr != nil {
			return
		}
	}
	_ = enc.Send(wire.Frame{Kind: wire.KindNoMoreOutput})
}

// readMicroBatch blocks for the next unit and returns it on its own, so
// every micro-batch holds exactly one unit. batchSize and batchWait are not
// used: units already buffered on the pipe are not coalesced, and it never
// waits for more units to arrive.
func readMicroBatch(dec *wire.Decoder, batchSize int, batchWait time.Duration) ([]unit, bool) {
	_ = batchWait
	frame, err := dec.Recv()
	if err != nil || frame.Kind == wire.KindNoMoreInput {
		return nil, false
	}
	var first unit
	if err := wire.DecodeValue(frame.Payload, &first); err != nil {
		return nil, false
	}
	return []unit{first}, true
}

// Worker is one spawned worker process and the identity-routing state for
// results still outstanding against it.
type Worker struct {
	cmd *exec.Cmd
	enc *wire.Encoder
	dec *wire.Decoder

	waiters sync.Map // uuid.UUID -> chan unitResult
	inUse   int64
}

// Service manages a pool of worker processes that share one logical queue.
// AddWorker spawns one OS process per call; Predict picks whichever worker
// currently has the fewest outstanding units.
type Service struct {
	mu      sync.RWMutex
	workers []*Worker
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewService creates an empty pool. Remote worker errors are logged through
// a rate limiter (one per second, bursts of up to 5) instead of once per
// failure - the Go rendering of keeping worker-pool logging brief under
// sustained failure.
func NewService(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// AddWorker spawns binaryPath as a new worker process. When cpus is
// non-empty, the process is pinned to those CPUs via taskset - Go has no
// portable way to set another process's affinity before it starts, so
// this delegates to the same external-tool pattern the probing package
// uses for fping and mtr.
func (s *Service) AddWorker(ctx context.Context, binaryPath string, cpus []int, args ...string) error {
	name, fullArgs := binaryPath, args
	if len(cpus) > 0 {
		name, fullArgs = "taskset", append(append([]string{"-c", cpuList(cpus)}, binaryPath), args...)
	}

	cmd := exec.CommandContext(ctx, name, fullArgs...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("modelet: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("modelet: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("modelet: starting worker: %w", err)
	}

	w := &Worker{cmd: cmd, enc: wire.NewEncoder(stdin), dec: wire.NewDecoder(stdout)}

	frame, err := w.dec.Recv()
	if err != nil || frame.Kind != wire.KindReady {
		_ = cmd.Process.Kill()
		return fmt.Errorf("modelet: worker did not signal ready")
	}

	go s.recvLoop(w)

	s.mu.Lock()
	s.workers = append(s.workers, w)
	s.mu.Unlock()
	return nil
}

func (s *Service) recvLoop(w *Worker) {
	for {
		frame, err := w.dec.Recv()
		if err != nil || frame.Kind == wire.KindNoMoreOutput {
			return
		}
		if frame.Kind != wire.KindResult {
			continue
		}
		var results []unitResult
		if err := wire.DecodeValue(frame.Payload, &results); err != nil {
			continue
		}
		for _, r := range results {
			atomic.AddInt64(&w.inUse, -1)
			if ch, ok := w.waiters.LoadAndDelete(r.ID); ok {
				ch.(chan unitResult) <- r
			}
		}
	}
}

// Predict submits one item for prediction, routing it to the
// least-loaded worker, and blocks for that worker's result.
func (s *Service) Predict(ctx context.Context, item any) (any, error) {
	s.mu.RLock()
	w := s.leastBusy()
	s.mu.RUnlock()
	if w == nil {
		return nil, fmt.Errorf("modelet: no workers registered")
	}

	id := uuid.New()
	waitCh := make(chan unitResult, 1)
	w.waiters.Store(id, waitCh)
	atomic.AddInt64(&w.inUse, 1)

	payload, err := wire.EncodeValue(unit{ID: id, Item: item})
	if err != nil {
		w.waiters.Delete(id)
		return nil, err
	}
	if err := w.enc.Send(wire.Frame{Kind: wire.KindBatch, Payload: payload}); err != nil {
		w.waiters.Delete(id)
		return nil, fmt.Errorf("modelet: sending to worker: %w", err)
	}

	select {
	case r := <-waitCh:
		if r.Err != nil {
			if s.limiter.Allow() {
				s.logger.Warn("modelet: worker error", "class", r.Err.ClassName, "message", r.Err.Message)
			}
			return nil, r.Err
		}
		return r.Value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) leastBusy() *Worker {
	var best *Worker
	var bestLoad int64 = -1
	for _, w := range s.workers {
		load := atomic.LoadInt64(&w.inUse)
		if bestLoad < 0 || load < bestLoad {
			best, bestLoad = w, load
		}
	}
	return best
}

// Stop sends every worker a shutdown signal and waits for it to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.workers {
		_ = w.enc.Send(wire.Frame{Kind: wire.KindNoMoreInput})
	}
	for _, w := range s.workers {
		_ = w.cmd.Wait()
	}
}

func cpuList(cpus []int) string {
	out := ""
	for i, c := range cpus {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%d", c)
	}
	return out
}
