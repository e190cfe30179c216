package middleware

import (
	"golang.org/x/time/rate"

	"jsbridge/gate"
)

// RateLimit drops calls above r per second (token bucket with the given burst).
// A dropped call fails with gate.CodeRateLimited and is not queued.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next gate.Gate) gate.Gate {
		return gate.Func(func(request string, onSuccess gate.SuccessFunc, onFailure gate.FailureFunc) error {
			if !limiter.Allow() {
				onFailure(gate.CodeRateLimited, "rate limit exceeded")
				return nil
			}
			return next.Invoke(request, onSuccess, onFailure)
		})
	}
}
