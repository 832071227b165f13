package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// maxFrameSize guards against a corrupt length prefix turning a garbled
// stream into an out-of-memory allocation.
const maxFrameSize = 256 << 20

// Encoder writes Frames to an underlying writer (a worker's stdin, from the
// host's side, or its stdout, from the worker's side) as
// [4-byte big-endian length][1-byte kind][payload].
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder wraps w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Send writes f, blocking until the underlying pipe accepts it. A pipe's
// kernel buffer is what bounds how far a sender can outrun its reader; this
// is the transport-level analogue of the dispatcher's bounded queues.
func (e *Encoder) Send(f Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[:4], uint32(len(f.Payload)))
	header[4] = byte(f.Kind)

	if _, err := e.w.Write(header); err != nil {
		return fmt.Errorf("wire: writing frame header: %w", err)
	}
	if len(f.Payload) > 0 {
		if _, err := e.w.Write(f.Payload); err != nil {
			return fmt.Errorf("wire: writing frame payload: %w", err)
		}
	}
	return nil
}

// Decoder reads Frames written by an Encoder.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// Recv reads the next Frame, blocking until one is available. It returns
// io.EOF when the peer has closed the pipe without sending KindNoMoreOutput
// or KindNoMoreInput - a protocol violation the caller should surface as a
// TransportError.
func (d *Decoder) Recv() (Frame, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(d.r, header); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Frame{}, io.EOF
		}
		return Frame{}, err
	}

	size := binary.BigEndian.Uint32(header[:4])
	if size > maxFrameSize {
		return Frame{}, fmt.Errorf("wire: frame of %d bytes exceeds max %d", size, maxFrameSize)
	}
	kind := Kind(header[4])

	var payload []byte
	if size > 0 {
		payload = make([]byte, size)
		if _, err := io.ReadFull(d.r, payload); err != nil {
			return Frame{}, fmt.Errorf("wire: reading frame payload: %w", err)
		}
	}

	return Frame{Kind: kind, Payload: payload}, nil
}
