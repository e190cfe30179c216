// Package jsbind exposes the bridge to scripts running in a goja JavaScript runtime.
//
// Install defines the global ServiceManager. Every remote object a script sees is
// a dynamic object: reading any member yields a function that calls the member on
// the host, and assigning a member sends a single-argument call named after it.
//
//	ServiceManager.getServiceForJavaScript("player", function (player) {
//	    player.volume = 7;               // player.volume(7)
//	    player.play("intro", function (ok) { ... });
//	});
//
// A goja runtime is not safe for concurrent use. Every method of Runtime, and the
// script itself, runs on the goroutine driving its Loop. Scripts also get the
// timer functions of the loop (setTimeout, setInterval, setImmediate).
package jsbind

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"jsbridge/client"
	"jsbridge/codec"
	"jsbridge/signal"
)

// GlobalName is the name under which the service manager is installed.
const GlobalName = "ServiceManager"

type Runtime struct {
	vm        *goja.Runtime
	loop      *Loop
	bridge    *client.Bridge
	signals   *signal.Registry
	logger    *zap.Logger
	installed bool
}

type Option func(*Runtime)

func WithLogger(logger *zap.Logger) Option {
	return func(r *Runtime) { r.logger = logger }
}

// WithSignals lets scripts connect to host events.
func WithSignals(signals *signal.Registry) Option {
	return func(r *Runtime) { r.signals = signals }
}

func New(bridge *client.Bridge, opts ...Option) *Runtime {
	loop := NewLoop()
	r := &Runtime{
		vm:     loop.VM(),
		loop:   loop,
		bridge: bridge,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.setupGlobals()
	return r
}

func (r *Runtime) VM() *goja.Runtime {
	return r.vm
}

func (r *Runtime) Loop() *Loop {
	return r.loop
}

func (r *Runtime) setupGlobals() {
	r.vm.Set("require", goja.Undefined())
	r.vm.Set("process", goja.Undefined())

	console := r.vm.NewObject()
	console.Set("log", r.makeConsoleFunc(zap.InfoLevel))
	console.Set("info", r.makeConsoleFunc(zap.InfoLevel))
	console.Set("warn", r.makeConsoleFunc(zap.WarnLevel))
	console.Set("error", r.makeConsoleFunc(zap.ErrorLevel))
	r.vm.Set("console", console)
}

func (r *Runtime) makeConsoleFunc(level zapcore.Level) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		if ce := r.logger.Check(level, "[JS] "+strings.Join(parts, " ")); ce != nil {
			ce.Write()
		}
		return goja.Undefined()
	}
}

// Install defines the global ServiceManager. Installing twice is a no-op.
func (r *Runtime) Install() {
	if r.installed {
		return
	}
	extras := map[string]goja.Value{
		"version":        r.vm.ToValue(codec.ProtocolVersion),
		"generateMethod": r.vm.ToValue(r.generateMethod),
	}
	if r.signals != nil {
		extras["connect"] = r.vm.ToValue(r.connect)
		extras["disconnect"] = r.vm.ToValue(r.disconnect)
	}
	if err := r.vm.Set(GlobalName, r.remoteObject(client.ServiceManagerName, extras)); err != nil {
		r.logger.Error("failed to install service manager", zap.Error(err))
		return
	}
	r.installed = true
	r.logger.Debug("service manager installed")
}

// Uninstall removes the global ServiceManager. Objects the script already holds
// keep working.
func (r *Runtime) Uninstall() {
	if !r.installed {
		return
	}
	if err := r.vm.GlobalObject().Delete(GlobalName); err != nil {
		r.logger.Error("failed to remove service manager", zap.Error(err))
		return
	}
	r.installed = false
	r.logger.Debug("service manager removed")
}

func (r *Runtime) Installed() bool {
	return r.installed
}

// RunScript evaluates src and then runs the loop until every call and timer the
// script started has completed. A done ctx interrupts the script.
func (r *Runtime) RunScript(ctx context.Context, name, src string) error {
	var scriptErr error
	err := r.loop.run(ctx, func(vm *goja.Runtime) {
		if _, err := vm.RunScript(name, src); err != nil {
			scriptErr = fmt.Errorf("run %s: %w", name, err)
			r.loop.ev.StopNoWait()
		}
	})
	if scriptErr != nil {
		return scriptErr
	}
	return err
}

// generateMethod is ServiceManager.generateMethod(objectName, methodName).
func (r *Runtime) generateMethod(call goja.FunctionCall) goja.Value {
	return r.method(call.Argument(0).String(), call.Argument(1).String())
}

// method returns the JS proxy for objectName.methodName. A trailing function
// argument is the success callback; it runs on the loop.
func (r *Runtime) method(objectName, methodName string) goja.Value {
	return r.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		args := call.Arguments
		var callback goja.Callable
		if n := len(args); n > 0 {
			if fn, ok := goja.AssertFunction(args[n-1]); ok {
				callback, args = fn, args[:n-1]
			}
		}
		argv := make([]any, len(args))
		for i, arg := range args {
			argv[i] = arg.Export()
		}

		if callback == nil {
			r.bridge.Generate(objectName, methodName)(argv...)
			return goja.Undefined()
		}

		hold := r.loop.Expect()
		r.bridge.Invoke(objectName, methodName, argv...).Then(func(res client.Result) {
			r.loop.Fulfil(hold, func() { r.deliver(objectName, methodName, callback, res) })
		})
		return goja.Undefined()
	})
}

// deliver hands a result to a script callback. Failures were already logged by
// the bridge and never reach the script.
func (r *Runtime) deliver(objectName, methodName string, callback goja.Callable, res client.Result) {
	if res.Err != nil {
		return
	}
	var v goja.Value
	if res.Object != nil {
		v = r.remoteObject(res.Object.Name(), nil)
	} else {
		v = r.vm.ToValue(res.Value)
	}
	if _, err := callback(goja.Undefined(), v); err != nil {
		r.logger.Warn("callback threw",
			zap.String("object", objectName),
			zap.String("method", methodName),
			zap.Error(err))
	}
}

// connect is ServiceManager.connect(signal, handler).
func (r *Runtime) connect(call goja.FunctionCall) goja.Value {
	name := call.Argument(0).String()
	handler, ok := goja.AssertFunction(call.Argument(1))
	if !ok {
		panic(r.vm.NewTypeError("connect: handler for %q is not a function", name))
	}
	id := r.signals.Connect(name, func(args ...any) {
		r.loop.Post(func() {
			values := make([]goja.Value, len(args))
			for i, arg := range args {
				values[i] = r.vm.ToValue(arg)
			}
			if _, err := handler(goja.Undefined(), values...); err != nil {
				r.logger.Error("emit: signal exception", zap.String("signal", name), zap.Error(err))
			}
		})
	})
	return r.vm.ToValue(id)
}

func (r *Runtime) disconnect(call goja.FunctionCall) goja.Value {
	return r.vm.ToValue(r.signals.Disconnect(uint64(call.Argument(0).ToInteger())))
}

// remoteObject is the script view of a host object.
type remoteObject struct {
	rt     *Runtime
	name   string
	extras map[string]goja.Value
}

func (r *Runtime) remoteObject(name string, extras map[string]goja.Value) *goja.Object {
	return r.vm.NewDynamicObject(&remoteObject{rt: r, name: name, extras: extras})
}

func (o *remoteObject) Get(key string) goja.Value {
	if v, ok := o.extras[key]; ok {
		return v
	}
	return o.rt.method(o.name, key)
}

func (o *remoteObject) Set(key string, val goja.Value) bool {
	o.rt.bridge.Generate(o.name, key)(val.Export())
	return true
}

func (o *remoteObject) Has(key string) bool {
	_, ok := o.extras[key]
	return ok
}

func (o *remoteObject) Delete(key string) bool {
	return false
}

func (o *remoteObject) Keys() []string {
	keys := make([]string, 0, len(o.extras))
	for k := range o.extras {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MarshalJSON lets a remote object be passed back to the host as an argument.
func (o *remoteObject) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"objectName": o.name})
}
