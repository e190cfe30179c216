package client

import (
	"context"
	"errors"
	"sync"

	"jsbridge/gate"
)

// Result is the terminal state of a remote call. Exactly one of the following holds:
//
//   - Err != nil: the call failed (remote error, malformed reply, or gate unavailable)
//   - Object != nil: the host returned a remote object
//   - otherwise Value is the plain result (possibly nil)
type Result struct {
	Value  any
	Object *RemoteObject
	Err    error
}

// Interface returns the value a callback would receive.
func (r Result) Interface() any {
	if r.Object != nil {
		return r.Object
	}
	return r.Value
}

// Unavailable reports whether the call never left the page because no gate could take it.
func (r Result) Unavailable() bool {
	return errors.Is(r.Err, gate.ErrUnavailable)
}

// Future is resolved once, when the gate completes the call. There is no way to
// cancel the call itself; Wait only stops waiting.
type Future struct {
	done   chan struct{}
	once   sync.Once
	result Result
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(res Result) {
	f.once.Do(func() {
		f.result = res
		close(f.done)
	})
}

// Done is closed when the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the result if the call already completed.
func (f *Future) Result() (Result, bool) {
	select {
	case <-f.done:
		return f.result, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the call completes or ctx is done.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Then runs fn with the result on a new goroutine once the call completes.
func (f *Future) Then(fn func(Result)) {
	go func() {
		<-f.done
		fn(f.result)
	}()
}
