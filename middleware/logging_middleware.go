package middleware

import (
	"time"

	"go.uber.org/zap"

	"jsbridge/gate"
)

// Logging records every call with its duration and outcome.
func Logging(logger *zap.Logger) Middleware {
	return func(next gate.Gate) gate.Gate {
		return gate.Func(func(request string, onSuccess gate.SuccessFunc, onFailure gate.FailureFunc) error {
			object, method := callLabel(request)
			start := time.Now()

			err := next.Invoke(request,
				func(response string) {
					logger.Debug("call completed",
						zap.String("object", object),
						zap.String("method", method),
						zap.Duration("duration", time.Since(start)))
					onSuccess(response)
				},
				func(code int, msg string) {
					logger.Warn("call failed",
						zap.String("object", object),
						zap.String("method", method),
						zap.Duration("duration", time.Since(start)),
						zap.String("code", gate.CodeName(code)),
						zap.String("error", msg))
					onFailure(code, msg)
				})
			if err != nil {
				logger.Error("call not accepted",
					zap.String("object", object),
					zap.String("method", method),
					zap.Error(err))
			}
			return err
		})
	}
}
