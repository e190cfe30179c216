// Package middleware decorates a call gate. Each middleware sees the serialized
// request and the two completion callbacks, and may complete a call itself without
// forwarding it.
//
// None of them retries: once a call has been handed to the next gate it is never
// submitted again.
package middleware

import (
	"sync"

	"jsbridge/codec"
	"jsbridge/gate"
)

type Middleware func(next gate.Gate) gate.Gate

// Chain composes middlewares so that the first one is the outermost:
//
//	Chain(A, B, C)(g) → A(B(C(g)))
func Chain(middlewares ...Middleware) Middleware {
	return func(next gate.Gate) gate.Gate {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// callLabel extracts object and method names for logs and metrics.
func callLabel(request string) (string, string) {
	call, err := codec.UnpackCall(request)
	if err != nil {
		return "unknown", "unknown"
	}
	return call.ObjectName, call.MethodName
}

// completion wraps a pair of callbacks so that only the first completion wins.
type completion struct {
	once      sync.Once
	onSuccess gate.SuccessFunc
	onFailure gate.FailureFunc
}

func (c *completion) success(response string) {
	c.once.Do(func() {
		if c.onSuccess != nil {
			c.onSuccess(response)
		}
	})
}

func (c *completion) failure(code int, msg string) {
	c.once.Do(func() {
		if c.onFailure != nil {
			c.onFailure(code, msg)
		}
	})
}
