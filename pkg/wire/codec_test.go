package wire

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	dec := NewDecoder(&buf)

	payload, err := EncodeValue([]any{1, 2, 3})
	if err != nil {
		t.Fatalf("encoding value: %v", err)
	}

	want := Frame{Kind: KindBatch, Payload: payload}
	if err := enc.Send(want); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, err := dec.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if got.Kind != want.Kind {
		t.Fatalf("kind = %v, want %v", got.Kind, want.Kind)
	}

	var values []any
	if err := DecodeValue(got.Payload, &values); err != nil {
		t.Fatalf("DecodeValue: %v", err)
	}
	if len(values) != 3 {
		t.Fatalf("got %d values, want 3", len(values))
	}
}

func TestControlFramesCarryNoPayload(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	dec := NewDecoder(&buf)

	for _, k := range []Kind{KindReady, KindNoMoreInput, KindNoMoreOutput} {
		if err := enc.Send(Frame{Kind: k}); err != nil {
			t.Fatalf("Send(%v): %v", k, err)
		}
	}
	for _, want := range []Kind{KindReady, KindNoMoreInput, KindNoMoreOutput} {
		got, err := dec.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if got.Kind != want {
			t.Fatalf("kind = %v, want %v", got.Kind, want)
		}
		if len(got.Payload) != 0 {
			t.Fatalf("control frame carried payload: %v", got.Payload)
		}
	}
}

func TestRecvOnClosedPipeReturnsEOF(t *testing.T) {
	r, w := io.Pipe()
	dec := NewDecoder(r)
	w.Close()

	if _, err := dec.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("Recv on closed pipe = %v, want io.EOF", err)
	}
}

func TestFrameSequencing(t *testing.T) {
	// Frames sent back to back must be recovered in the same order, even
	// when a batch frame's payload happens to contain bytes that look
	// like a header (length-prefixing must not be ambiguous).
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	dec := NewDecoder(&buf)

	p1, _ := EncodeValue("first")
	p2, _ := EncodeValue("second")
	enc.Send(Frame{Kind: KindBatch, Payload: p1})
	enc.Send(Frame{Kind: KindResult, Payload: p2})
	enc.Send(Frame{Kind: KindNoMoreOutput})

	kinds := []Kind{}
	for {
		f, err := dec.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		kinds = append(kinds, f.Kind)
		if f.Kind == KindNoMoreOutput {
			break
		}
	}
	want := []Kind{KindBatch, KindResult, KindNoMoreOutput}
	if len(kinds) != len(want) {
		t.Fatalf("got %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("frame %d = %v, want %v", i, kinds[i], want[i])
		}
	}
}

func TestErrorCarrierRoundTrip(t *testing.T) {
	original := NewErrorCarrier(errors.New("bad thing happened"))

	payload, err := EncodeValue(original)
	if err != nil {
		t.Fatalf("EncodeValue: %v", err)
	}

	var got ErrorCarrier
	if err := DecodeValue(payload, &got); err != nil {
		t.Fatalf("DecodeValue: %v", err)
	}
	if got.Message != "bad thing happened" {
		t.Fatalf("Message = %q, want %q", got.Message, "bad thing happened")
	}
	if got.Stack == "" {
		t.Fatal("expected a captured stack trace")
	}
	if got.Error() == "" {
		t.Fatal("Error() returned empty string")
	}
}
