package middleware

import (
	"time"

	"jsbridge/gate"
)

// Timeout fails a call with gate.CodeTimeout when it has not completed within timeout.
// A completion arriving afterwards is dropped; the call itself cannot be withdrawn.
func Timeout(timeout time.Duration) Middleware {
	return func(next gate.Gate) gate.Gate {
		return gate.Func(func(request string, onSuccess gate.SuccessFunc, onFailure gate.FailureFunc) error {
			c := &completion{onSuccess: onSuccess, onFailure: onFailure}
			timer := time.AfterFunc(timeout, func() {
				c.failure(gate.CodeTimeout, "request timed out")
			})

			err := next.Invoke(request,
				func(response string) {
					timer.Stop()
					c.success(response)
				},
				func(code int, msg string) {
					timer.Stop()
					c.failure(code, msg)
				})
			if err != nil {
				timer.Stop()
			}
			return err
		})
	}
}
