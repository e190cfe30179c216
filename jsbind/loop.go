package jsbind

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
)

// holdPeriod is the tick of the idle interval that keeps the loop alive while a
// call is outstanding. It never does any work.
const holdPeriod = time.Hour

// Loop owns a JavaScript runtime and the goroutine allowed to touch it. Scripts get
// setTimeout, setInterval and setImmediate from it. Completions of remote calls
// arrive on arbitrary goroutines and are posted here.
//
// The loop is not running between RunUntilIdle/Run calls; work posted meanwhile
// runs when it is next started.
type Loop struct {
	ev      *eventloop.EventLoop
	vm      *goja.Runtime
	pending atomic.Int64
	runs    uint64 // Incremented on the loop goroutine at every start
}

// Hold keeps the loop running until the call it was taken for is fulfilled.
type Hold struct {
	interval *eventloop.Interval
}

func NewLoop() *Loop {
	l := &Loop{ev: eventloop.NewEventLoop(eventloop.EnableConsole(false))}
	l.ev.Run(func(vm *goja.Runtime) { l.vm = vm })
	return l
}

// VM returns the runtime. It may only be used from jobs running on the loop, or
// while the loop is not running.
func (l *Loop) VM() *goja.Runtime {
	return l.vm
}

// Post queues job. Safe from any goroutine.
func (l *Loop) Post(job func()) {
	l.ev.RunOnLoop(func(*goja.Runtime) { job() })
}

// Expect announces a job that will be posted later through Fulfil, so RunUntilIdle
// keeps waiting for it.
func (l *Loop) Expect() *Hold {
	l.pending.Add(1)
	return &Hold{interval: l.ev.SetInterval(func(*goja.Runtime) {}, holdPeriod)}
}

// Fulfil releases h and runs job on the loop.
func (l *Loop) Fulfil(h *Hold, job func()) {
	l.ev.RunOnLoop(func(*goja.Runtime) {
		l.ev.ClearInterval(h.interval)
		l.pending.Add(-1)
		job()
	})
}

// Pending returns the number of holds not yet fulfilled.
func (l *Loop) Pending() int {
	return int(l.pending.Load())
}

// RunUntilIdle runs the loop until no job, timer or hold is left.
func (l *Loop) RunUntilIdle(ctx context.Context) error {
	return l.run(ctx, nil)
}

// Run runs the loop until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	keepAlive := l.ev.SetInterval(func(*goja.Runtime) {}, holdPeriod)
	defer l.ev.ClearInterval(keepAlive)
	return l.run(ctx, nil)
}

// run starts the loop on the calling goroutine with fn as its first job and
// returns when the loop is idle or stopped. A done ctx interrupts running script
// code and stops the loop; holds and timers survive for the next run.
func (l *Loop) run(ctx context.Context, fn func(*goja.Runtime)) error {
	l.runs++
	run := l.runs

	stop := make(chan struct{})
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		select {
		case <-ctx.Done():
			l.vm.Interrupt(ctx.Err())
			l.ev.RunOnLoop(func(*goja.Runtime) {
				if l.runs == run {
					l.ev.StopNoWait()
				}
			})
		case <-stop:
		}
	}()

	l.ev.Run(func(vm *goja.Runtime) {
		if fn != nil {
			fn(vm)
		}
	})
	close(stop)
	<-watched
	l.vm.ClearInterrupt()
	return ctx.Err()
}
