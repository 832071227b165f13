// Package workerproc defines the contract a worker subprocess implements
// and the serving loop that runs it. A worker binary's main() does nothing
// but build a Transformer and call Main - everything else (reading batches
// off stdin, writing results to stdout, converting panics into remote
// errors) lives here.
package workerproc

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/pilot-net/icmp-batch/pkg/wire"
)

// Transformer is implemented by the domain-specific code that actually
// does the work inside a worker process. Transform is the only required
// method; Preprocess, Postprocess, Load, and Terminate default to no-ops.
type Transformer interface {
	// Transform runs on a batch produced by Preprocess (or the raw batch,
	// if Preprocess is the identity) and returns the value Postprocess
	// (or the result itself) sends back to the host.
	Transform(pre any) (any, error)
}

// Preprocessor is an optional extension: a Transformer that wants to
// reshape a batch before Transform sees it (e.g. decode opaque []byte
// items into typed structs).
type Preprocessor interface {
	Preprocess(batch any) (any, error)
}

// Postprocessor is an optional extension: a Transformer that wants to
// reshape Transform's output before it goes back to the host.
type Postprocessor interface {
	Postprocess(pre, trans any) (any, error)
}

// Loader is an optional extension: a Transformer that needs one-time setup
// (opening a model file, a subprocess of its own, etc.) before serving its
// first batch. kwargs is the map passed to Serve (or Main).
type Loader interface {
	Load(kwargs map[string]string) error
}

// Terminator is an optional extension: a Transformer that wants to release
// resources when the host sends KindNoMoreInput.
type Terminator interface {
	Terminate()
}

// Serve runs the worker-side loop: decode a Batch frame, run
// Preprocess/Transform/Postprocess, encode the Result frame, repeat until
// KindNoMoreInput. Any error or panic from the three stages is captured as
// a wire.ErrorCarrier and sent in its place, so a single bad item never
// brings down the worker process.
func Serve(t Transformer, in io.Reader, out io.Writer, kwargs map[string]string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	dec := wire.NewDecoder(in)
	enc := wire.NewEncoder(out)

	if loader, ok := t.(Loader); ok {
		if err := loader.Load(kwargs); err != nil {
			return fmt.Errorf("workerproc: load: %w", err)
		}
	}

	if err := enc.Send(wire.Frame{Kind: wire.KindReady}); err != nil {
		return fmt.Errorf("workerproc: sending ready: %w", err)
	}

	for {
		frame, err := dec.Recv()
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("workerproc: receiving frame: %w", err)
		}

		if frame.Kind == wire.KindNoMoreInput {
			break
		}
		if frame.Kind == wire.KindError {
			// The host's Preprocess stage failed on this batch before it
			// ever reached us (spec.md §4.3): the carrier already
			// describes the failure, so it is forwarded back unchanged
			// rather than run through Preprocess/Transform/Postprocess.
			if err := enc.Send(frame); err != nil {
				return fmt.Errorf("workerproc: forwarding preprocess error: %w", err)
			}
			continue
		}
		if frame.Kind != wire.KindBatch {
			logger.Warn("workerproc: unexpected frame kind", "kind", frame.Kind)
			continue
		}

		var batch []any
		if err := wire.DecodeValue(frame.Payload, &batch); err != nil {
			sendError(enc, fmt.Errorf("decoding batch: %w", err))
			continue
		}

		result, err := runOne(t, batch)
		if err != nil {
			sendError(enc, err)
			continue
		}

		payload, err := wire.EncodeValue(result)
		if err != nil {
			sendError(enc, fmt.Errorf("encoding result: %w", err))
			continue
		}
		if err := enc.Send(wire.Frame{Kind: wire.KindResult, Payload: payload}); err != nil {
			return fmt.Errorf("workerproc: sending result: %w", err)
		}
	}

	if term, ok := t.(Terminator); ok {
		term.Terminate()
	}

	return enc.Send(wire.Frame{Kind: wire.KindNoMoreOutput})
}

// runOne executes Preprocess -> Transform -> Postprocess, converting any
// panic into an error so a single malformed batch can't crash the worker.
func runOne(t Transformer, batch any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workerproc: panic in transform: %v", r)
		}
	}()

	pre := batch
	if p, ok := t.(Preprocessor); ok {
		pre, err = p.Preprocess(batch)
		if err != nil {
			return nil, fmt.Errorf("preprocess: %w", err)
		}
	}

	trans, err := t.Transform(pre)
	if err != nil {
		return nil, fmt.Errorf("transform: %w", err)
	}

	if p, ok := t.(Postprocessor); ok {
		trans, err = p.Postprocess(pre, trans)
		if err != nil {
			return nil, fmt.Errorf("postprocess: %w", err)
		}
	}

	return trans, nil
}

func sendError(enc *wire.Encoder, err error) {
	carrier := wire.NewErrorCarrier(err)
	payload, encErr := wire.EncodeValue(carrier)
	if encErr != nil {
		payload, _ = wire.EncodeValue(&wire.ErrorCarrier{ClassName: "workerproc.encodeFailure", Message: encErr.Error()})
	}
	_ = enc.Send(wire.Frame{Kind: wire.KindError, Payload: payload})
}

// Main is the entry point a worker binary's func main() calls. It wires
// Serve to the process's own stdin/stdout and translates a fatal setup
// error into a nonzero exit code.
func Main(t Transformer, kwargs map[string]string) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	if err := Serve(t, os.Stdin, os.Stdout, kwargs, logger); err != nil {
		logger.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
}
