package protocol

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/luciancaetano/kephasgate"
)

// TestEncode tests the Encode function with various inputs
func TestEncode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		op        kephasgate.Opcode
		data      any
		wantData  string
		wantError bool
	}{
		{
			name:     "heartbeat without sequence",
			op:       kephasgate.OpHeartbeat,
			data:     nil,
			wantData: "null",
		},
		{
			name:     "heartbeat with sequence",
			op:       kephasgate.OpHeartbeat,
			data:     int64(42),
			wantData: "42",
		},
		{
			name:     "resume",
			op:       kephasgate.OpResume,
			data:     Resume{Token: "t", SessionID: "abc", Sequence: 7},
			wantData: `{"token":"t","session_id":"abc","seq":7}`,
		},
		{
			name:      "unencodable payload",
			op:        kephasgate.OpIdentify,
			data:      make(chan int),
			wantError: true,
		},
		{
			name:      "payload exceeds max size",
			op:        kephasgate.OpPresenceUpdate,
			data:      string(bytes.Repeat([]byte("a"), maxPayloadSize)),
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			result, err := Encode(tt.op, tt.data)

			if (err != nil) != tt.wantError {
				t.Errorf("Encode() error = %v, wantError %v", err, tt.wantError)
				return
			}
			if tt.wantError {
				return
			}

			var p Payload
			if err := json.Unmarshal(result, &p); err != nil {
				t.Fatalf("result is not JSON: %v", err)
			}
			if p.Op != tt.op {
				t.Errorf("op = %v, want %v", p.Op, tt.op)
			}
			if string(p.Data) != tt.wantData {
				t.Errorf("d = %s, want %s", p.Data, tt.wantData)
			}
			if bytes.Contains(result, []byte(`"t":`)) || bytes.Contains(result, []byte(`"s":`)) {
				t.Errorf("command frame carries dispatch fields: %s", result)
			}
		})
	}
}

// TestDecode tests the Decode function with various inputs
func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		input     string
		wantOp    kephasgate.Opcode
		wantSeq   int64
		wantEvent string
		wantError bool
	}{
		{
			name:   "hello",
			input:  `{"op":10,"d":{"heartbeat_interval":41250},"s":null,"t":null}`,
			wantOp: kephasgate.OpHello,
		},
		{
			name:      "dispatch",
			input:     `{"op":0,"d":{},"s":12,"t":"MESSAGE_CREATE"}`,
			wantOp:    kephasgate.OpDispatch,
			wantSeq:   12,
			wantEvent: "MESSAGE_CREATE",
		},
		{
			name:   "invalid session",
			input:  `{"op":9,"d":false}`,
			wantOp: kephasgate.OpInvalidSession,
		},
		{
			name:      "empty input",
			input:     "",
			wantError: true,
		},
		{
			name:      "not json",
			input:     "\x00\x01",
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p, err := Decode([]byte(tt.input))

			if (err != nil) != tt.wantError {
				t.Errorf("Decode() error = %v, wantError %v", err, tt.wantError)
				return
			}
			if tt.wantError {
				return
			}

			if p.Op != tt.wantOp {
				t.Errorf("op = %v, want %v", p.Op, tt.wantOp)
			}
			if p.Sequence != tt.wantSeq {
				t.Errorf("s = %d, want %d", p.Sequence, tt.wantSeq)
			}
			if p.Event != tt.wantEvent {
				t.Errorf("t = %q, want %q", p.Event, tt.wantEvent)
			}
		})
	}
}

func TestDecodeHello(t *testing.T) {
	t.Parallel()

	p, err := Decode([]byte(`{"op":10,"d":{"heartbeat_interval":41250}}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	var hello Hello
	if err := json.Unmarshal(p.Data, &hello); err != nil {
		t.Fatalf("hello payload: %v", err)
	}
	if hello.HeartbeatInterval != 41250 {
		t.Errorf("heartbeat_interval = %d, want 41250", hello.HeartbeatInterval)
	}
}

func TestEncodeDispatch(t *testing.T) {
	t.Parallel()

	frame, err := EncodeDispatch(EventReady, 1, Ready{SessionID: "s1"})
	if err != nil {
		t.Fatalf("EncodeDispatch() error = %v", err)
	}
	p, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if p.Op != kephasgate.OpDispatch || p.Event != EventReady || p.Sequence != 1 {
		t.Errorf("unexpected frame %+v", p)
	}
}

func TestIdentifyShardTuple(t *testing.T) {
	t.Parallel()

	frame, err := Encode(kephasgate.OpIdentify, Identify{Token: "tok", Shard: [2]int{1, 4}, Intents: 513})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !bytes.Contains(frame, []byte(`"shard":[1,4]`)) {
		t.Errorf("identify frame missing shard tuple: %s", frame)
	}
	if !bytes.Contains(frame, []byte(`"intents":513`)) {
		t.Errorf("identify frame missing intents: %s", frame)
	}
}

// TestInflateRoundTrip checks that compressed frames inflate to the
// original payload
func TestInflateRoundTrip(t *testing.T) {
	t.Parallel()

	original := []byte(`{"op":0,"d":{"content":"` + string(bytes.Repeat([]byte("a"), 4096)) + `"},"s":3,"t":"MESSAGE_CREATE"}`)
	compressed, err := Deflate(original)
	if err != nil {
		t.Fatalf("Deflate() error = %v", err)
	}
	if len(compressed) >= len(original) {
		t.Errorf("compressed size %d not smaller than %d", len(compressed), len(original))
	}

	inflated, err := Inflate(compressed)
	if err != nil {
		t.Fatalf("Inflate() error = %v", err)
	}
	if !bytes.Equal(inflated, original) {
		t.Error("inflated payload differs from original")
	}
}

func TestInflateRejectsGarbage(t *testing.T) {
	t.Parallel()

	if _, err := Inflate([]byte("not zlib")); err == nil {
		t.Error("Inflate() expected error for garbage input")
	}
}
