// Package gate defines the call gate: the single function the hosting environment
// provides to carry a serialized request to the native side.
//
// Delivery and ordering are owned by the gate implementation. Completions may arrive
// on any goroutine and in any order relative to submission.
package gate

import "errors"

// Failure codes reported through FailureFunc.
const (
	CodeRemote          = 1 // The native side reported an error
	CodeTimeout         = 2 // No completion within the configured deadline
	CodeRateLimited     = 3 // Dropped by the outbound rate limiter
	CodeAccessDenied    = 4 // Rejected by the services ACL
	CodeTransportClosed = 5 // Connection to the host broke while the call was pending
	CodeMalformed       = 6 // Request or reply could not be decoded
)

// ErrUnavailable is returned by Invoke when the gate cannot accept calls at all.
// Callbacks are never invoked for a call that was not accepted.
var ErrUnavailable = errors.New("gate: unavailable")

type SuccessFunc func(response string)

type FailureFunc func(code int, message string)

// Gate ships request to the native side. Exactly one of onSuccess/onFailure is called
// at some later point for every accepted call.
type Gate interface {
	Invoke(request string, onSuccess SuccessFunc, onFailure FailureFunc) error
}

// Func adapts an ordinary function to the Gate interface.
type Func func(request string, onSuccess SuccessFunc, onFailure FailureFunc) error

func (f Func) Invoke(request string, onSuccess SuccessFunc, onFailure FailureFunc) error {
	return f(request, onSuccess, onFailure)
}

// CodeName returns a short label for a failure code, used in logs and metrics.
func CodeName(code int) string {
	switch code {
	case CodeRemote:
		return "remote"
	case CodeTimeout:
		return "timeout"
	case CodeRateLimited:
		return "rate_limited"
	case CodeAccessDenied:
		return "access_denied"
	case CodeTransportClosed:
		return "transport_closed"
	case CodeMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}
