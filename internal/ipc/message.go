// Package ipc is the control protocol between a supervisor and the units
// it spawns.
//
// Every message is a Message with a Kind discriminator and a schema
// version. Requests carry a correlation id that the matching response
// repeats; notifications (ready, disconnect, reconnecting, respawn_all)
// carry none.
package ipc

import (
	"errors"
	"fmt"

	"github.com/luciancaetano/kephasgate"
)

// SchemaVersion is the version stamped on every message. Messages with a
// different version are rejected.
const SchemaVersion = 1

// Kind discriminates a Message.
type Kind string

// Message kinds.
const (
	// Unit to supervisor notifications.
	KindReady        Kind = "ready"
	KindDisconnect   Kind = "disconnect"
	KindReconnecting Kind = "reconnecting"

	// Supervisor to unit requests.
	KindEval        Kind = "eval"
	KindEvalResult  Kind = "eval_result"
	KindFetch       Kind = "fetch"
	KindFetchResult Kind = "fetch_result"

	// Unit to supervisor requests, answered by fanning out to every unit.
	KindSupEval        Kind = "sup_eval"
	KindSupEvalResult  Kind = "sup_eval_result"
	KindSupFetch       Kind = "sup_fetch"
	KindSupFetchResult Kind = "sup_fetch_result"
	KindRespawnAll     Kind = "respawn_all"
)

var responses = map[Kind]Kind{
	KindEval:     KindEvalResult,
	KindFetch:    KindFetchResult,
	KindSupEval:  KindSupEvalResult,
	KindSupFetch: KindSupFetchResult,
}

// IsRequest reports whether k expects a response.
func (k Kind) IsRequest() bool {
	_, ok := responses[k]
	return ok
}

// IsResponse reports whether k answers a request.
func (k Kind) IsResponse() bool {
	for _, r := range responses {
		if r == k {
			return true
		}
	}
	return false
}

// Response returns the response kind for request kind k, or "".
func (k Kind) Response() Kind { return responses[k] }

// Message is one IPC frame.
type Message struct {
	V    int    `json:"v" cbor:"v"`
	Kind Kind   `json:"kind" cbor:"kind"`
	ID   string `json:"id,omitempty" cbor:"id,omitempty"`

	// Method and Args name an RPC method for eval requests.
	Method string         `json:"method,omitempty" cbor:"method,omitempty"`
	Args   map[string]any `json:"args,omitempty" cbor:"args,omitempty"`
	// Prop is the dotted property path of fetch requests.
	Prop string `json:"prop,omitempty" cbor:"prop,omitempty"`
	// Shard targets sup_eval and sup_fetch at one shard. Nil means every
	// unit.
	Shard *int `json:"shard,omitempty" cbor:"shard,omitempty"`

	Result any        `json:"result,omitempty" cbor:"result,omitempty"`
	Error  *ErrorInfo `json:"error,omitempty" cbor:"error,omitempty"`

	Respawn *kephasgate.RespawnOptions `json:"respawn,omitempty" cbor:"respawn,omitempty"`
}

// ErrorInfo is the serialized form of an error.
type ErrorInfo struct {
	Name    string `json:"name" cbor:"name"`
	Message string `json:"message" cbor:"message"`
	Stack   string `json:"stack,omitempty" cbor:"stack,omitempty"`
}

// knownErrors lets sentinel errors survive the trip across processes.
var knownErrors = map[string]error{
	"client_not_ready": kephasgate.ErrClientNotReady,
	"unknown_method":   kephasgate.ErrUnknownMethod,
	"unit_died":        kephasgate.ErrUnitDied,
	"unit_not_ready":   kephasgate.ErrUnitNotReady,
	"shard_not_found":  kephasgate.ErrShardNotFound,
	"channel_closed":   kephasgate.ErrChannelClosed,
}

// NewErrorInfo serializes err.
func NewErrorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	info := &ErrorInfo{Name: "error", Message: err.Error()}
	for name, sentinel := range knownErrors {
		if errors.Is(err, sentinel) {
			info.Name = name
			break
		}
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		info.Stack = remote.Stack
	}
	return info
}

// RemoteError is an error returned by the other end of a channel.
type RemoteError struct {
	Name    string
	Message string
	Stack   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Name, e.Message)
}

// Unwrap returns the local sentinel matching the remote error's name, so
// errors.Is works across the channel.
func (e *RemoteError) Unwrap() error {
	return knownErrors[e.Name]
}

func (info *ErrorInfo) remote() *RemoteError {
	return &RemoteError{Name: info.Name, Message: info.Message, Stack: info.Stack}
}
