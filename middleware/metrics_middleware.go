package middleware

import (
	"strings"
	"time"

	"jsbridge/gate"
	"jsbridge/metrics"
)

// Metrics counts calls by outcome and observes their duration. Objects the host
// created at run time ("Counter#<uuid>") are counted under their type.
func Metrics(m *metrics.Metrics) Middleware {
	return func(next gate.Gate) gate.Gate {
		return gate.Func(func(request string, onSuccess gate.SuccessFunc, onFailure gate.FailureFunc) error {
			object, method := callLabel(request)
			object = objectKind(object)
			start := time.Now()
			done := func(outcome string) {
				m.Pending.Dec()
				m.Calls.WithLabelValues(object, method, outcome).Inc()
				m.CallDuration.WithLabelValues(object, method).Observe(time.Since(start).Seconds())
			}

			m.Pending.Inc()
			c := &completion{
				onSuccess: func(response string) {
					done("ok")
					onSuccess(response)
				},
				onFailure: func(code int, msg string) {
					done(gate.CodeName(code))
					onFailure(code, msg)
				},
			}
			err := next.Invoke(request, c.success, c.failure)
			if err != nil {
				m.Pending.Dec()
				m.Calls.WithLabelValues(object, method, "unavailable").Inc()
			}
			return err
		})
	}
}

// objectKind drops the instance suffix of a host-created object name.
func objectKind(name string) string {
	if i := strings.IndexByte(name, '#'); i > 0 {
		return name[:i]
	}
	return name
}
