package wire

import (
	"testing"

	"github.com/puppetlabs/pcp-client-go/errs"
)

func TestSerializeParseRoundTrip(t *testing.T) {
	msg, err := NewMessage([]byte(`{"id":"abc","message_type":"test"}`))
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if err := msg.SetData(ChunkData, []byte(`{"x":1}`)); err != nil {
		t.Fatalf("SetData: %v", err)
	}
	if err := msg.AddDebug([]byte(`{"hops":[]}`)); err != nil {
		t.Fatalf("AddDebug: %v", err)
	}

	raw := msg.Serialize()
	parsed, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}

	if string(parsed.Envelope.Content) != string(msg.Envelope.Content) {
		t.Errorf("envelope content mismatch: got %q want %q", parsed.Envelope.Content, msg.Envelope.Content)
	}
	if parsed.Data == nil || string(parsed.Data.Content) != `{"x":1}` {
		t.Errorf("data chunk mismatch: %+v", parsed.Data)
	}
	if len(parsed.Debug) != 1 || string(parsed.Debug[0].Content) != `{"hops":[]}` {
		t.Errorf("debug chunk mismatch: %+v", parsed.Debug)
	}
}

func TestParseMessageTooShort(t *testing.T) {
	_, err := ParseMessage([]byte{1, 2, 3, 4, 5})
	if !errs.Is(err, errs.MessageSerialization) {
		t.Fatalf("expected MessageSerialization, got %v", err)
	}
}

func TestParseMessageUnsupportedVersion(t *testing.T) {
	msg, err := NewMessage([]byte(`{"id":"x","message_type":"y"}`))
	if err != nil {
		t.Fatal(err)
	}
	raw := msg.Serialize()
	raw[0] = 2

	_, err = ParseMessage(raw)
	if !errs.Is(err, errs.UnsupportedVersion) {
		t.Fatalf("expected UnsupportedVersion, got %v", err)
	}
}

func TestParseMessageSecondDataChunkRejected(t *testing.T) {
	msg, err := NewMessage([]byte(`{"id":"x","message_type":"y"}`))
	if err != nil {
		t.Fatal(err)
	}
	if err := msg.SetData(ChunkData, []byte("a")); err != nil {
		t.Fatal(err)
	}
	raw := msg.Serialize()

	extra := NewChunk(ChunkData, []byte("b"))
	raw = extra.appendTo(raw)

	_, err = ParseMessage(raw)
	if !errs.Is(err, errs.MessageSerialization) {
		t.Fatalf("expected MessageSerialization for duplicate data chunk, got %v", err)
	}
}

func TestParseMessageTrailingBytesIgnored(t *testing.T) {
	msg, err := NewMessage([]byte(`{"id":"x","message_type":"y"}`))
	if err != nil {
		t.Fatal(err)
	}
	raw := append(msg.Serialize(), 0xFF, 0xFF)

	parsed, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("trailing bytes under chunk-metadata size should be tolerated: %v", err)
	}
	if string(parsed.Envelope.Content) != string(msg.Envelope.Content) {
		t.Errorf("envelope mismatch after trailing-byte tolerance")
	}
}

func TestParseMessageParsesZeroLengthFinalChunk(t *testing.T) {
	msg, err := NewMessage([]byte(`{"id":"x","message_type":"y"}`))
	if err != nil {
		t.Fatal(err)
	}
	raw := msg.Serialize()

	// Exactly one chunk header's worth of trailing bytes (descriptor + a
	// zero size field) is a real zero-content chunk, not ignorable
	// trailing bytes, since it is not shorter than chunk-metadata size.
	empty := NewChunk(ChunkDebug, nil)
	raw = empty.appendTo(raw)

	parsed, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if len(parsed.Debug) != 1 || len(parsed.Debug[0].Content) != 0 {
		t.Errorf("expected one zero-length debug chunk to be parsed, got %+v", parsed.Debug)
	}
}

func TestChunkValidateSizeMismatch(t *testing.T) {
	chunk := MessageChunk{Descriptor: uint8(ChunkEnvelope), Size: 10, Content: []byte("short")}
	if err := chunk.Validate(); !errs.Is(err, errs.InvalidChunk) {
		t.Fatalf("expected InvalidChunk, got %v", err)
	}
}

func TestChunkValidateUnknownDescriptor(t *testing.T) {
	chunk := MessageChunk{Descriptor: 9, Size: 0, Content: nil}
	if err := chunk.Validate(); !errs.Is(err, errs.InvalidChunk) {
		t.Fatalf("expected InvalidChunk, got %v", err)
	}
}

func TestParseErrorDataBothShapes(t *testing.T) {
	d, err := ParseErrorData([]byte(`{"id":"req-1","description":"boom"}`))
	if err != nil {
		t.Fatalf("structured shape: %v", err)
	}
	if d.ID != "req-1" || d.Description != "boom" {
		t.Errorf("unexpected structured parse: %+v", d)
	}

	d, err = ParseErrorData([]byte(`"boom"`))
	if err != nil {
		t.Fatalf("bare-string shape: %v", err)
	}
	if d.ID != "" || d.Description != "boom" {
		t.Errorf("unexpected bare-string parse: %+v", d)
	}
}

func TestDecodeV2RequiresIDAndMessageType(t *testing.T) {
	_, err := DecodeV2([]byte(`{"message_type":"foo"}`))
	if !errs.Is(err, errs.MessageSerialization) {
		t.Fatalf("expected MessageSerialization, got %v", err)
	}
}
