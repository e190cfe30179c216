package middleware

import (
	"fmt"

	"jsbridge/acl"
	"jsbridge/codec"
	"jsbridge/gate"
)

// ServiceLookup is the service manager method whose first argument names a service.
const ServiceLookup = "getServiceForJavaScript"

// AccessControl rejects service lookups that the ACL does not allow for the page
// currently loaded. origin returns that page's URL. Every other call passes through.
func AccessControl(filter *acl.Filter, serviceManager string, origin func() string) Middleware {
	return func(next gate.Gate) gate.Gate {
		return gate.Func(func(request string, onSuccess gate.SuccessFunc, onFailure gate.FailureFunc) error {
			call, err := codec.UnpackCall(request)
			if err != nil || call.ObjectName != serviceManager || call.MethodName != ServiceLookup {
				return next.Invoke(request, onSuccess, onFailure)
			}

			service, _ := firstString(call.Argv)
			url := origin()
			if !filter.IsServiceAllowed(service, url) {
				onFailure(gate.CodeAccessDenied, fmt.Sprintf("service %q is not allowed for %s", service, url))
				return nil
			}
			return next.Invoke(request, onSuccess, onFailure)
		})
	}
}

func firstString(argv []any) (string, bool) {
	if len(argv) == 0 {
		return "", false
	}
	s, ok := argv[0].(string)
	return s, ok
}
