// Package client implements the page side of the bridge: the method proxy generator
// and the remote object materializer.
//
// Every remote invocation is fire-and-forget for the caller:
//
//	proxy call → codec.Pack → gate.Invoke ──→ native host
//	                                            │
//	callback / Future ← materialize? ← codec.Unpack ←┘
//
// Nothing in this package returns an error or panics towards the code that invoked a
// proxy. Failures end up in the logger and, for Invoke, in the Future's Result.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/zap"

	"jsbridge/codec"
	"jsbridge/gate"
)

// ServiceManagerName is the object every page can reach without prior lookups.
const ServiceManagerName = "ServiceManager"

// Callback receives the result of a successful remote call: either a plain JSON
// value or a *RemoteObject.
//
// A proxy also accepts any other function as its last argument. A function with
// no parameters is called without the result; otherwise the result is converted
// to the type of the first parameter and the rest get zero values.
type Callback func(result any)

// Method is a generated proxy. If the last argument is a Callback (or a func(any)) it
// receives the result and is not sent to the host.
type Method func(args ...any)

// RemoteError is the failure outcome of a call that reached the gate.
type RemoteError struct {
	Code    int
	Message string
	Err     error // Underlying cause for local failures (encode/decode), nil otherwise
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote call failed (%s): %s", gate.CodeName(e.Code), e.Message)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Bridge generates proxies bound to one call gate.
type Bridge struct {
	gate   gate.Gate // nil when the environment did not provide one
	logger *zap.Logger
}

type Option func(*Bridge)

func WithLogger(logger *zap.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New creates a bridge. A nil gate is accepted: every call is then dropped with a
// diagnostic, mirroring a page where the host never injected its query function.
func New(g gate.Gate, opts ...Option) *Bridge {
	b := &Bridge{
		gate:   g,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Generate returns a proxy for objectName.methodName.
func (b *Bridge) Generate(objectName, methodName string) Method {
	b.logger.Debug("generating method",
		zap.String("object", objectName),
		zap.String("method", methodName))

	return func(args ...any) {
		onSuccess, argv := b.splitCallback(args)
		if onSuccess == nil {
			onSuccess = b.dumpResult(objectName, methodName)
		}
		b.submit(objectName, methodName, argv, func(res Result) {
			// Failures were already logged by submit.
			if res.Err != nil {
				return
			}
			onSuccess(res.Interface())
		})
	}
}

// Invoke calls methodName on objectName and exposes the outcome as a Future.
// Arguments are sent as is; callbacks are not recognised here.
func (b *Bridge) Invoke(objectName, methodName string, args ...any) *Future {
	f := newFuture()
	b.submit(objectName, methodName, args, f.resolve)
	return f
}

// Materialize returns a handle for an object living on the native side.
// Handles are not cached; two handles for the same name are equivalent.
func (b *Bridge) Materialize(objectName string) *RemoteObject {
	return &RemoteObject{name: objectName, bridge: b}
}

// ServiceManager returns the handle of the host's service manager.
func (b *Bridge) ServiceManager() *RemoteObject {
	return b.Materialize(ServiceManagerName)
}

// GetService asks the service manager for the named service. On success the
// Result carries the service as a remote object.
func (b *Bridge) GetService(name string) *Future {
	return b.Invoke(ServiceManagerName, "getServiceForJavaScript", name)
}

// submit packs the call, hands it to the gate and routes the completion to complete
// exactly once, no matter how the gate behaves.
func (b *Bridge) submit(objectName, methodName string, argv []any, complete func(Result)) {
	fields := []zap.Field{zap.String("object", objectName), zap.String("method", methodName)}
	var once sync.Once
	finish := func(res Result) {
		once.Do(func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("callback panicked", append(fields, zap.Any("panic", r))...)
				}
			}()
			complete(res)
		})
	}

	if b.gate == nil {
		b.logger.Error("call gate unavailable, dropping call", fields...)
		finish(Result{Err: fmt.Errorf("%s.%s: %w", objectName, methodName, gate.ErrUnavailable)})
		return
	}

	payload, err := codec.Pack(objectName, methodName, argv)
	if err != nil {
		b.logger.Warn("failed to pack call", append(fields, zap.Error(err))...)
		finish(Result{Err: &RemoteError{Code: gate.CodeMalformed, Message: err.Error(), Err: err}})
		return
	}
	b.logger.Debug("sending call", append(fields, zap.String("request", payload))...)

	onSuccess := func(response string) {
		env, err := codec.Unpack(response)
		if err != nil {
			b.logger.Warn("failure callback: malformed response",
				append(fields, zap.String("response", response), zap.Error(err))...)
			finish(Result{Err: &RemoteError{Code: gate.CodeMalformed, Message: err.Error(), Err: err}})
			return
		}
		if env.IsObject() {
			finish(Result{Object: b.Materialize(env.ObjectName)})
			return
		}
		finish(Result{Value: env.Value})
	}
	onFailure := func(code int, msg string) {
		b.logger.Warn("failure callback",
			append(fields, zap.Int("code", code), zap.String("message", msg))...)
		finish(Result{Err: &RemoteError{Code: code, Message: msg}})
	}

	if err := b.invokeGate(payload, onSuccess, onFailure); err != nil {
		b.logger.Error("call gate unavailable, dropping call", append(fields, zap.Error(err))...)
		if !errors.Is(err, gate.ErrUnavailable) {
			err = fmt.Errorf("%w: %v", gate.ErrUnavailable, err)
		}
		finish(Result{Err: fmt.Errorf("%s.%s: %w", objectName, methodName, err)})
	}
}

// invokeGate converts a panicking gate into an unavailable one.
func (b *Bridge) invokeGate(payload string, onSuccess gate.SuccessFunc, onFailure gate.FailureFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("gate panicked: %v", r)
		}
	}()
	return b.gate.Invoke(payload, onSuccess, onFailure)
}

// dumpResult is the callback used when the caller did not pass one.
func (b *Bridge) dumpResult(objectName, methodName string) Callback {
	return func(result any) {
		if obj, ok := result.(*RemoteObject); ok {
			result = map[string]string{"objectName": obj.Name()}
		}
		b.logger.Info("dummy success callback: remote call result",
			zap.String("object", objectName),
			zap.String("method", methodName),
			zap.Any("result", result))
	}
}

// splitCallback separates a trailing function from the call arguments.
func (b *Bridge) splitCallback(args []any) (Callback, []any) {
	if len(args) == 0 {
		return nil, []any{}
	}
	last := len(args) - 1
	var cb Callback
	switch fn := args[last].(type) {
	case Callback:
		cb = fn
	case func(any):
		cb = fn
	default:
		v := reflect.ValueOf(fn)
		if v.Kind() != reflect.Func {
			return nil, append([]any{}, args...)
		}
		if !v.IsNil() {
			cb = b.adaptCallback(v)
		}
	}
	if cb == nil {
		return nil, append([]any{}, args[:last]...)
	}
	return cb, append([]any{}, args[:last]...)
}

// adaptCallback wraps an arbitrary function value as a Callback.
func (b *Bridge) adaptCallback(fn reflect.Value) Callback {
	t := fn.Type()
	fixed := t.NumIn()
	if t.IsVariadic() {
		fixed--
	}
	return func(result any) {
		in := make([]reflect.Value, 0, t.NumIn())
		for i := 0; i < fixed; i++ {
			if i > 0 {
				in = append(in, reflect.Zero(t.In(i)))
				continue
			}
			arg, err := convertResult(result, t.In(0))
			if err != nil {
				b.logger.Warn("callback does not accept result",
					zap.Stringer("type", t.In(0)), zap.Any("result", result), zap.Error(err))
				return
			}
			in = append(in, arg)
		}
		if fixed == 0 && t.IsVariadic() {
			arg, err := convertResult(result, t.In(0).Elem())
			if err != nil {
				b.logger.Warn("callback does not accept result",
					zap.Stringer("type", t.In(0)), zap.Any("result", result), zap.Error(err))
				return
			}
			in = append(in, arg)
		}
		fn.Call(in)
	}
}

// convertResult turns a decoded JSON value into a value of type t.
func convertResult(result any, t reflect.Type) (reflect.Value, error) {
	if result == nil {
		return reflect.Zero(t), nil
	}
	v := reflect.ValueOf(result)
	if v.Type().AssignableTo(t) {
		return v, nil
	}
	if obj, ok := result.(*RemoteObject); ok {
		if t.Kind() == reflect.String {
			return reflect.ValueOf(obj.Name()).Convert(t), nil
		}
		return reflect.Value{}, fmt.Errorf("remote object %s is not a %s", obj.Name(), t)
	}
	data, err := json.Marshal(result)
	if err != nil {
		return reflect.Value{}, err
	}
	out := reflect.New(t)
	if err := json.Unmarshal(data, out.Interface()); err != nil {
		return reflect.Value{}, err
	}
	return out.Elem(), nil
}
