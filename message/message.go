// Package message defines the payloads exchanged between the page and the native host.
//
// Call is the "envelope" for every remote method invocation. It gets serialized by the
// codec layer and handed to the call gate as an opaque string. The host answers with an
// Envelope, which either names a remote object or carries a plain value.
package message

// Call describes a single remote method invocation.
//
// Argv never contains the trailing callback supplied by the caller; the proxy
// strips it before the call is serialized.
type Call struct {
	ObjectName string `json:"objectName"` // Name the object is registered under on the host
	MethodName string `json:"methodName"` // Method (or property) to invoke on that object
	Argv       []any  `json:"argv"`       // Positional arguments, JSON-compatible values only
}

// Envelope carries the result of a Call.
//
//   - ObjectName set: the result is a remote object, Value is ignored.
//   - ObjectName empty: Value is the result (it may be nil).
type Envelope struct {
	ObjectName string `json:"objectName,omitempty"`
	Value      any    `json:"value,omitempty"`
}

// IsObject reports whether the envelope names a remote object.
func (e *Envelope) IsObject() bool {
	return e.ObjectName != ""
}

// Event is a host-originated signal delivered to the page.
type Event struct {
	Signal string `json:"signal"`
	Args   []any  `json:"args"`
}
