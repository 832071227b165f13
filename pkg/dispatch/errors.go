package dispatch

import (
	"fmt"

	"github.com/pilot-net/icmp-batch/pkg/wire"
)

// CallerInputError is raised by the user's host-side Preprocess or
// Postprocess hook (spec.md §4.5/§4.6, §7) - never by the caller's raw
// submission. A Preprocess failure is wrapped as a wire.ErrorCarrier and
// sent to the worker, which forwards it unchanged (spec.md §4.3), so it
// comes back and surfaces to the caller as a RemoteWorkerError; a
// Postprocess failure never crosses the wire at all and is delivered to
// the batch's promises directly as this type.
type CallerInputError struct {
	Reason string
}

func (e *CallerInputError) Error() string { return "dispatch: caller input error: " + e.Reason }

// RemoteWorkerError wraps the ErrorCarrier a worker process sent back for a
// specific item or batch. Unwrap exposes the carrier so callers can inspect
// ClassName/Message without caring that it crossed a process boundary.
type RemoteWorkerError struct {
	Carrier *wire.ErrorCarrier
}

func (e *RemoteWorkerError) Error() string {
	return fmt.Sprintf("dispatch: remote worker error: %s", e.Carrier.Error())
}

func (e *RemoteWorkerError) Unwrap() error { return e.Carrier }

// DispatcherShutdown is returned to any pending or in-flight submission
// when Stop is called or the worker process exits unexpectedly.
type DispatcherShutdown struct {
	Cause error
}

func (e *DispatcherShutdown) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("dispatch: dispatcher shut down: %v", e.Cause)
	}
	return "dispatch: dispatcher shut down"
}

func (e *DispatcherShutdown) Unwrap() error { return e.Cause }

// ProtocolError indicates the worker broke the wire protocol: its first
// frame was not READY, or it returned a different number of results than
// the batch had items - this indicates a bug in the worker binary, not a
// transient failure.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "dispatch: protocol violation: " + e.Reason }

// TransportError indicates the pipe to the worker process broke (the
// process died, the pipe was closed from the OS side) rather than anything
// about the data that was in flight.
type TransportError struct {
	Cause error
}

func (e *TransportError) Error() string { return fmt.Sprintf("dispatch: transport error: %v", e.Cause) }

func (e *TransportError) Unwrap() error { return e.Cause }
