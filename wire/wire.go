// Package wire implements the PCP message codec: the v1 binary-chunked
// frame and the v2 single-JSON-envelope frame (spec.md §4.2).
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/puppetlabs/pcp-client-go/errs"
)

// ChunkType identifies a MessageChunk's role within a v1 frame (low nibble
// of the on-wire descriptor byte).
type ChunkType uint8

const (
	ChunkEnvelope ChunkType = 1
	ChunkData     ChunkType = 2
	ChunkDebug    ChunkType = 3
)

func (t ChunkType) String() string {
	switch t {
	case ChunkEnvelope:
		return "envelope"
	case ChunkData:
		return "data"
	case ChunkDebug:
		return "debug"
	default:
		return "unknown"
	}
}

const (
	typeMask = 0x0F

	// SupportedVersion is the only v1 frame version this client emits or
	// accepts.
	SupportedVersion uint8 = 1

	// minEnvelopeSize is the smallest possible transport message: version
	// byte + chunk metadata with zero-length content.
	minEnvelopeSize = 6

	// chunkMetadataSize is the descriptor + size-field width of one chunk
	// header, not counting its content.
	chunkMetadataSize = 5

	versionFieldSize = 1
)

// MessageChunk is one length-prefixed section of a v1 frame (spec.md §3).
type MessageChunk struct {
	Descriptor uint8
	Size       uint32
	Content    []byte
}

// NewChunk builds a MessageChunk for typ, deriving Size from content.
func NewChunk(typ ChunkType, content []byte) MessageChunk {
	return MessageChunk{Descriptor: uint8(typ), Size: uint32(len(content)), Content: content}
}

// Type extracts the chunk type from the descriptor's low nibble.
func (c MessageChunk) Type() ChunkType {
	return ChunkType(c.Descriptor & typeMask)
}

// Validate checks the descriptor names a known chunk type and that Size
// matches len(Content) (spec.md §3 MessageChunk invariant).
func (c MessageChunk) Validate() error {
	switch c.Type() {
	case ChunkEnvelope, ChunkData, ChunkDebug:
	default:
		return errs.New(errs.InvalidChunk, "unknown descriptor")
	}
	if c.Size != uint32(len(c.Content)) {
		return errs.New(errs.InvalidChunk, "invalid size")
	}
	return nil
}

func (c MessageChunk) appendTo(buf []byte) []byte {
	buf = append(buf, c.Descriptor)
	var sizeField [4]byte
	binary.BigEndian.PutUint32(sizeField[:], c.Size)
	buf = append(buf, sizeField[:]...)
	return append(buf, c.Content...)
}

// Message is a single v1 protocol message: a mandatory envelope chunk plus
// an optional data chunk and zero or more debug chunks (spec.md §4.2).
type Message struct {
	Version  uint8
	Envelope MessageChunk
	Data     *MessageChunk
	Debug    []MessageChunk
}

// NewMessage builds a v1 Message from raw envelope JSON.
func NewMessage(envelope []byte) (*Message, error) {
	chunk := NewChunk(ChunkEnvelope, envelope)
	if err := chunk.Validate(); err != nil {
		return nil, err
	}
	return &Message{Version: SupportedVersion, Envelope: chunk}, nil
}

// SetData attaches the message's data chunk, replacing any previous one.
func (m *Message) SetData(typ ChunkType, content []byte) error {
	chunk := NewChunk(typ, content)
	if err := chunk.Validate(); err != nil {
		return err
	}
	m.Data = &chunk
	return nil
}

// AddDebug appends a debug chunk.
func (m *Message) AddDebug(content []byte) error {
	chunk := NewChunk(ChunkDebug, content)
	if err := chunk.Validate(); err != nil {
		return err
	}
	m.Debug = append(m.Debug, chunk)
	return nil
}

// Serialize renders the message into its v1 wire form: version byte,
// envelope chunk, optional data chunk, then debug chunks in insertion
// order (spec.md §4.2, §8 property 3).
func (m *Message) Serialize() []byte {
	buf := make([]byte, 0, versionFieldSize+chunkMetadataSize+len(m.Envelope.Content))
	buf = append(buf, m.Version)
	buf = m.Envelope.appendTo(buf)
	if m.Data != nil {
		buf = m.Data.appendTo(buf)
	}
	for _, d := range m.Debug {
		buf = d.appendTo(buf)
	}
	return buf
}

// ParseMessage decodes a v1 transport frame, enforcing every boundary rule
// in spec.md §4.2: minimum size, supported version, envelope-chunk-first,
// declared-size-within-remaining-bytes, at most one data chunk, known
// descriptors, and tolerant trailing-byte handling.
func ParseMessage(raw []byte) (*Message, error) {
	if len(raw) < minEnvelopeSize {
		return nil, errs.New(errs.MessageSerialization, "invalid msg: envelope too small")
	}

	version := raw[0]
	if version != SupportedVersion {
		return nil, errs.Newf(errs.UnsupportedVersion, "unsupported message version: %d", version)
	}

	pos := versionFieldSize
	envelopeDesc := raw[pos]
	if ChunkType(envelopeDesc&typeMask) != ChunkEnvelope {
		return nil, errs.New(errs.MessageSerialization, "invalid msg: no envelope descriptor")
	}
	pos++

	envelopeSize := binary.BigEndian.Uint32(raw[pos : pos+4])
	pos += 4

	if envelopeSize > uint32(len(raw)-(versionFieldSize+chunkMetadataSize)) {
		return nil, errs.New(errs.MessageSerialization, "invalid msg: no envelope")
	}
	envelopeContent := raw[pos : pos+int(envelopeSize)]
	pos += int(envelopeSize)

	msg := &Message{
		Version:  version,
		Envelope: MessageChunk{Descriptor: envelopeDesc, Size: envelopeSize, Content: envelopeContent},
	}

	stillToParse := len(raw) - pos
	for stillToParse >= chunkMetadataSize {
		desc := raw[pos]
		typ := ChunkType(desc & typeMask)
		pos++

		if typ != ChunkData && typ != ChunkDebug {
			return nil, errs.New(errs.MessageSerialization, "invalid msg: invalid chunk descriptor")
		}

		size := binary.BigEndian.Uint32(raw[pos : pos+4])
		pos += 4

		remaining := uint32(stillToParse - chunkMetadataSize)
		if size > remaining {
			return nil, errs.New(errs.MessageSerialization, "invalid msg: missing chunk content")
		}

		content := raw[pos : pos+int(size)]
		pos += int(size)
		chunk := MessageChunk{Descriptor: desc, Size: size, Content: content}

		if typ == ChunkData {
			if msg.Data != nil {
				return nil, errs.New(errs.MessageSerialization, "invalid msg: multiple data chunks")
			}
			msg.Data = &chunk
		} else {
			msg.Debug = append(msg.Debug, chunk)
		}

		stillToParse -= chunkMetadataSize + int(size)
	}
	// stillToParse > 0 here means trailing bytes shorter than one chunk
	// header; spec.md §4.2 says ignore them with a warning, not fail.
	if stillToParse > 0 {
		slog.Warn("ignoring trailing bytes after the last chunk", "bytes", stillToParse)
	}

	return msg, nil
}

// Envelope is the decoded v1/v2 envelope, shared by both wire formats once
// parsed into Go values (spec.md §3 ParsedMessage, §6 Envelope fields).
type Envelope struct {
	ID                string          `json:"id"`
	MessageType       string          `json:"message_type"`
	Targets           []string        `json:"targets,omitempty"`
	Target            string          `json:"target,omitempty"`
	Expires           string          `json:"expires,omitempty"`
	Sender            string          `json:"sender,omitempty"`
	InReplyTo         string          `json:"in_reply_to,omitempty"`
	DestinationReport bool            `json:"destination_report,omitempty"`
	Data              json.RawMessage `json:"data,omitempty"`
}

// ContentType distinguishes how a data chunk's bytes should be interpreted.
type ContentType int

const (
	ContentJSON ContentType = iota
	ContentBinary
)

// ParsedMessage is the codec's output for both wire formats: an envelope
// plus optional data and debug content (spec.md §3).
type ParsedMessage struct {
	Envelope        Envelope
	HasData         bool
	InvalidData     bool
	DataType        ContentType
	Data            json.RawMessage
	BinaryData      []byte
	Debug           []json.RawMessage
	NumInvalidDebug uint
}

// DecodeEnvelope unmarshals a chunk's raw JSON content into an Envelope,
// wrapping decode failures as MessageSerialization.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, errs.Wrap(errs.MessageSerialization, "invalid envelope json", err)
	}
	return env, nil
}

// ErrorData is the normalized payload of an error_message or ttl_expired
// data chunk. The v1 wire form is always `{id, description}`; the v2 form
// may instead be a bare string, which normalizes to Description with an
// empty ID (spec.md §9 open question resolution).
type ErrorData struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// ParseErrorData accepts either JSON shape documented for error_message
// data and returns the normalized form.
func ParseErrorData(raw []byte) (ErrorData, error) {
	var structured struct {
		ID          string `json:"id"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(raw, &structured); err == nil && (structured.ID != "" || structured.Description != "") {
		return ErrorData{ID: structured.ID, Description: structured.Description}, nil
	}

	var bare string
	if err := json.Unmarshal(raw, &bare); err == nil {
		return ErrorData{Description: bare}, nil
	}

	return ErrorData{}, errs.New(errs.MessageSerialization, "unrecognized error data shape")
}

// EncodeV2 marshals env as a v2 single-JSON-object frame.
func EncodeV2(env Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, errs.Wrap(errs.MessageSerialization, "failed to encode v2 envelope", err)
	}
	return b, nil
}

// DecodeV2 parses a v2 single-JSON-object frame directly into an Envelope.
func DecodeV2(raw []byte) (Envelope, error) {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		return Envelope{}, err
	}
	if env.ID == "" || env.MessageType == "" {
		return Envelope{}, errs.New(errs.MessageSerialization, "v2 envelope missing id or message_type")
	}
	return env, nil
}

// String renders a chunk for debug logging, mirroring the teacher's
// terse %v-style diagnostics rather than dumping raw content.
func (c MessageChunk) String() string {
	return fmt.Sprintf("%s chunk: %d bytes", c.Type(), c.Size)
}
