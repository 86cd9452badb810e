package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/luciancaetano/kephasgate"
)

const maxPayloadSize = 10 * 1024 * 1024 // 10MB max payload size

// Payload is one gateway frame.
type Payload struct {
	Op       kephasgate.Opcode `json:"op"`
	Data     json.RawMessage   `json:"d"`
	Sequence int64             `json:"s,omitempty"`
	Event    string            `json:"t,omitempty"`
}

// Encode builds a frame with opcode op carrying data.
func Encode(op kephasgate.Opcode, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", op, err)
	}
	out, err := json.Marshal(Payload{Op: op, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", op, err)
	}
	if len(out) > maxPayloadSize {
		return nil, fmt.Errorf("payload size %d exceeds maximum %d bytes", len(out), maxPayloadSize)
	}
	return out, nil
}

// EncodeDispatch builds a dispatch frame. Only the gateway sends these;
// the fake gateway used in tests relies on it.
func EncodeDispatch(event string, seq int64, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding %s dispatch: %w", event, err)
	}
	return json.Marshal(Payload{Op: kephasgate.OpDispatch, Data: raw, Sequence: seq, Event: event})
}

// Decode parses one frame.
func Decode(data []byte) (*Payload, error) {
	if len(data) == 0 {
		return nil, errors.New("empty frame")
	}
	if len(data) > maxPayloadSize {
		return nil, fmt.Errorf("payload size %d exceeds maximum %d bytes", len(data), maxPayloadSize)
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	return &p, nil
}

// Inflate decompresses a zlib-compressed binary frame, which the gateway
// sends when the identify payload asked for compression.
func Inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("opening zlib frame: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, maxPayloadSize+1))
	if err != nil {
		return nil, fmt.Errorf("inflating frame: %w", err)
	}
	if len(out) > maxPayloadSize {
		return nil, fmt.Errorf("inflated payload exceeds maximum %d bytes", maxPayloadSize)
	}
	return out, nil
}

// Deflate compresses a frame the way the gateway does for binary frames.
func Deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
