// Package codec implements the message codec of the bridge: a symmetric JSON
// encode/decode pair for calls, reply envelopes and host events.
//
// Payloads travel through the call gate as plain strings, so every Pack* returns a
// string and every Unpack* accepts one.
package codec

import (
	"bytes"
	"errors"
	"fmt"

	"jsbridge/message"
)

// ProtocolVersion is exposed to scripts as ServiceManager.version. Its presence tells
// callers that the asynchronous API is in use.
const ProtocolVersion = "2.0"

// ErrMalformed is returned when a payload is not a JSON object of the expected shape.
var ErrMalformed = errors.New("codec: malformed payload")

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// Default is the codec used by the package level helpers.
var Default Codec = &JSONCodec{}

// Pack serializes a call descriptor. A nil argv is sent as an empty array.
func Pack(objectName, methodName string, argv []any) (string, error) {
	return PackCall(&message.Call{
		ObjectName: objectName,
		MethodName: methodName,
		Argv:       argv,
	})
}

func PackCall(call *message.Call) (string, error) {
	out := *call
	if out.Argv == nil {
		out.Argv = []any{}
	}
	data, err := Default.Encode(&out)
	if err != nil {
		return "", fmt.Errorf("codec: pack %s.%s: %w", call.ObjectName, call.MethodName, err)
	}
	return string(data), nil
}

// UnpackCall is the inverse of Pack and is used by the host side.
func UnpackCall(payload string) (*message.Call, error) {
	var call message.Call
	if err := decodeObject(payload, &call); err != nil {
		return nil, err
	}
	if call.ObjectName == "" || call.MethodName == "" {
		return nil, fmt.Errorf("%w: call without objectName or methodName", ErrMalformed)
	}
	if call.Argv == nil {
		call.Argv = []any{}
	}
	return &call, nil
}

func PackEnvelope(env *message.Envelope) (string, error) {
	data, err := Default.Encode(env)
	if err != nil {
		return "", fmt.Errorf("codec: pack envelope: %w", err)
	}
	return string(data), nil
}

// Unpack decodes a reply envelope.
func Unpack(payload string) (*message.Envelope, error) {
	var env message.Envelope
	if err := decodeObject(payload, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func PackEvent(ev *message.Event) (string, error) {
	out := *ev
	if out.Args == nil {
		out.Args = []any{}
	}
	data, err := Default.Encode(&out)
	if err != nil {
		return "", fmt.Errorf("codec: pack event %s: %w", ev.Signal, err)
	}
	return string(data), nil
}

func UnpackEvent(payload string) (*message.Event, error) {
	var ev message.Event
	if err := decodeObject(payload, &ev); err != nil {
		return nil, err
	}
	if ev.Signal == "" {
		return nil, fmt.Errorf("%w: event without signal", ErrMalformed)
	}
	return &ev, nil
}

// decodeObject rejects anything that is not a JSON object (null, arrays, scalars).
func decodeObject(payload string, v any) error {
	data := bytes.TrimSpace([]byte(payload))
	if len(data) == 0 || data[0] != '{' {
		return fmt.Errorf("%w: expected a JSON object", ErrMalformed)
	}
	if err := Default.Decode(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
