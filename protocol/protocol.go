// Package protocol defines the frames exchanged between a page and its host.
//
// The call gate carries opaque request strings; this layer adds what is needed to
// multiplex them over one connection: a call id echoed back in the reply, a
// success flag, and a frame name that separates requests, replies, heartbeats and
// host notifications.
//
// Frame format (one JSON object per frame):
//
//	{"version":"2.0","name":"onJavaScriptBridgeRequest","callId":7,"body":"{...call...}"}
//	{"version":"2.0","name":"JavaScriptBridgeResponse","callId":7,"success":true,"body":"{...envelope...}"}
//	{"version":"2.0","name":"JavaScriptBridgeResponse","callId":8,"code":1,"body":"no such method"}
//	{"version":"2.0","name":"event","body":"{\"signal\":\"ready\",\"args\":[]}"}
package protocol

import (
	"encoding/json"
	"fmt"
	"io"

	"jsbridge/codec"
)

// Frame names.
const (
	NameRequest   = "onJavaScriptBridgeRequest" // page → host, carries a packed call
	NameResponse  = "JavaScriptBridgeResponse"  // host → page, answers a request by call id
	NameHeartbeat = "heartbeat"                 // keepalive, no body, ignored by the receiver

	// Host → page notifications (no call id).
	NameServicesACL          = "servicesACL"          // body: ACL JSON document
	NameEnableServiceManager = "enableServiceManager" // body: "true" or "false"
	NameWebFilters           = "webFilters"           // body: JSON list of web filter patterns
	NameRequestHeaders       = "requestHeaders"       // body: [[keys...], [values...]]
	NameEvent                = "event"                // body: packed message.Event
)

// Frame is the unit written to and read from a page/host connection.
type Frame struct {
	Version string `json:"version"`
	Name    string `json:"name"`
	CallID  uint64 `json:"callId,omitempty"`
	Success bool   `json:"success,omitempty"`
	Code    int    `json:"code,omitempty"`
	Body    string `json:"body,omitempty"`
}

// Request builds a request frame.
func Request(callID uint64, body string) *Frame {
	return &Frame{Version: codec.ProtocolVersion, Name: NameRequest, CallID: callID, Body: body}
}

// Success builds a successful reply carrying a packed envelope.
func Success(callID uint64, body string) *Frame {
	return &Frame{Version: codec.ProtocolVersion, Name: NameResponse, CallID: callID, Success: true, Body: body}
}

// Failure builds a failed reply.
func Failure(callID uint64, code int, msg string) *Frame {
	return &Frame{Version: codec.ProtocolVersion, Name: NameResponse, CallID: callID, Code: code, Body: msg}
}

// Notification builds a host → page notification.
func Notification(name, body string) *Frame {
	return &Frame{Version: codec.ProtocolVersion, Name: name, Body: body}
}

func Heartbeat() *Frame {
	return &Frame{Version: codec.ProtocolVersion, Name: NameHeartbeat}
}

// Validate checks the version and that the fields required by the frame name are set.
func (f *Frame) Validate() error {
	if f.Version != codec.ProtocolVersion {
		return fmt.Errorf("unsupported version: %q", f.Version)
	}
	switch f.Name {
	case NameRequest, NameResponse:
		if f.CallID == 0 {
			return fmt.Errorf("%s frame without call id", f.Name)
		}
	case NameHeartbeat, NameServicesACL, NameEnableServiceManager, NameWebFilters, NameRequestHeaders, NameEvent:
	default:
		return fmt.Errorf("unsupported frame name: %q", f.Name)
	}
	return nil
}

// Encoder writes frames to a stream, one JSON document per line.
// The caller must serialize calls to Encode if the stream is shared.
type Encoder struct {
	enc *json.Encoder
}

func NewEncoder(w io.Writer) *Encoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &Encoder{enc: enc}
}

func (e *Encoder) Encode(f *Frame) error {
	return e.enc.Encode(f)
}

// Decoder reads frames from a stream and validates them.
type Decoder struct {
	dec *json.Decoder
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: json.NewDecoder(r)}
}

// Decode returns the next frame. Invalid frames are returned with an error so the
// caller can decide whether to skip them; io.EOF means the stream ended.
func (d *Decoder) Decode() (*Frame, error) {
	var f Frame
	if err := d.dec.Decode(&f); err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return &f, err
	}
	return &f, nil
}
