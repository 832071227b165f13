// Package wire implements the length-prefixed, gob-encoded frame protocol
// spoken between a Dispatcher and the worker subprocess it forks. A worker
// is a separate OS process; the only thing it shares with its host is a
// pair of pipes, so every value that crosses the boundary - batches,
// results, errors, control signals - travels as a Frame.
package wire

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"runtime"
)

// Kind tags the payload carried by a Frame.
type Kind uint8

const (
	// KindReady is sent once by the worker after Load succeeds, before it
	// reads its first batch.
	KindReady Kind = iota + 1
	// KindBatch carries a gob-encoded batch of items from host to worker.
	KindBatch
	// KindResult carries a gob-encoded transform result from worker to host.
	KindResult
	// KindError carries an ErrorCarrier in either direction.
	KindError
	// KindNoMoreInput tells the worker the host will send no further
	// batches; the worker finishes in-flight work, calls Terminate, and
	// exits.
	KindNoMoreInput
	// KindNoMoreOutput is sent by the worker after it has flushed every
	// KindResult/KindError frame it owes the host, just before exiting.
	KindNoMoreOutput
)

func (k Kind) String() string {
	switch k {
	case KindReady:
		return "READY"
	case KindBatch:
		return "BATCH"
	case KindResult:
		return "RESULT"
	case KindError:
		return "ERROR"
	case KindNoMoreInput:
		return "NO_MORE_INPUT"
	case KindNoMoreOutput:
		return "NO_MORE_OUTPUT"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// Frame is the unit exchanged over the wire. Payload is a gob-encoded
// envelope around whatever value the Kind implies; control frames
// (KindReady, KindNoMoreInput, KindNoMoreOutput) carry no payload.
type Frame struct {
	Kind    Kind
	Payload []byte
}

// EncodeValue gob-encodes v for use as a Frame's Payload. v is encoded at
// its own concrete type, not boxed behind an extra interface layer - only
// values actually stored in an any-typed field (a batch item, a Modelet
// unit's Item) need gob.Register; the envelope itself never does.
func EncodeValue(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("wire: encoding value: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeValue decodes a Frame's Payload produced by EncodeValue into v,
// which must be a pointer to the same concrete type that was encoded.
func DecodeValue(payload []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(v); err != nil {
		return fmt.Errorf("wire: decoding value: %w", err)
	}
	return nil
}

// ErrorCarrier reproduces a remote error on the receiving side of the wire:
// the worker process that raised it has already exited (or is about to),
// so the host never sees the original Go error type, only its shape.
type ErrorCarrier struct {
	ClassName string
	Message   string
	Args      []string
	Stack     string
}

// NewErrorCarrier captures err's message and the caller's current stack.
func NewErrorCarrier(err error) *ErrorCarrier {
	buf := make([]byte, 8192)
	n := runtime.Stack(buf, false)
	return &ErrorCarrier{
		ClassName: fmt.Sprintf("%T", err),
		Message:   err.Error(),
		Stack:     string(buf[:n]),
	}
}

func (e *ErrorCarrier) Error() string {
	if e.Message == "" {
		return e.ClassName
	}
	return fmt.Sprintf("%s: %s", e.ClassName, e.Message)
}
