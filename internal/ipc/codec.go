package ipc

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Format selects the wire encoding of a channel.
type Format string

// Supported formats.
const (
	// FormatJSON writes one JSON document per line.
	FormatJSON Format = "json"
	// FormatCBOR writes a CBOR sequence (RFC 8742) using Core
	// Deterministic Encoding.
	FormatCBOR Format = "cbor"
)

// ParseFormat parses a format name. The empty string is FormatJSON.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCBOR:
		return FormatCBOR, nil
	}
	return "", fmt.Errorf("unknown ipc format %q (want json or cbor)", s)
}

// Encoder writes messages to a stream. *json.Encoder and *cbor.Encoder
// satisfy it.
type Encoder interface {
	Encode(v any) error
}

// Decoder reads messages from a stream.
type Decoder interface {
	Decode(v any) error
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("ipc: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		// Args and results decode into any; keep them compatible with
		// the JSON codec and with map[string]any consumers.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("ipc: CBOR decoder initialization failed: " + err.Error())
	}
}

// NewEncoder returns an encoder for format writing to w.
func NewEncoder(format Format, w io.Writer) Encoder {
	if format == FormatCBOR {
		return cborEnc.NewEncoder(w)
	}
	return json.NewEncoder(w)
}

// NewDecoder returns a decoder for format reading from r.
func NewDecoder(format Format, r io.Reader) Decoder {
	if format == FormatCBOR {
		return cborDec.NewDecoder(r)
	}
	return json.NewDecoder(r)
}
