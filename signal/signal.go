// Package signal keeps the handlers pages connect to host events.
//
// A Registry belongs to one page: it is created with the page and cleared when the
// page navigates away, so handlers never outlive the script that connected them.
package signal

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Handler receives the arguments of an emitted signal.
type Handler func(args ...any)

type connection struct {
	id      uint64
	handler Handler
}

type Registry struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string][]connection
	logger   *zap.Logger
}

func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		handlers: make(map[string][]connection),
		logger:   logger,
	}
}

// Connect adds h to signal and returns an id for Disconnect. Handlers run in
// connection order.
func (r *Registry) Connect(signal string, h Handler) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.handlers[signal] = append(r.handlers[signal], connection{id: r.nextID, handler: h})
	r.logger.Debug("signal connected", zap.String("signal", signal), zap.Uint64("id", r.nextID))
	return r.nextID
}

// Disconnect removes one connection. It reports whether id was connected.
func (r *Registry) Disconnect(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for signal, conns := range r.handlers {
		for i, c := range conns {
			if c.id != id {
				continue
			}
			rest := append(conns[:i:i], conns[i+1:]...)
			if len(rest) == 0 {
				delete(r.handlers, signal)
			} else {
				r.handlers[signal] = rest
			}
			return true
		}
	}
	return false
}

// Emit calls every handler connected to signal and returns how many ran to
// completion. A panicking handler is logged and does not stop the others.
func (r *Registry) Emit(signal string, args ...any) int {
	r.mu.RLock()
	conns := append([]connection(nil), r.handlers[signal]...)
	r.mu.RUnlock()

	if len(conns) == 0 {
		r.logger.Warn("emit: no handler connected", zap.String("signal", signal))
		return 0
	}

	delivered := 0
	for _, c := range conns {
		if r.call(signal, c, args) {
			delivered++
		}
	}
	return delivered
}

func (r *Registry) call(signal string, c connection, args []any) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("emit: signal exception",
				zap.String("signal", signal), zap.Uint64("id", c.id), zap.Any("error", rec))
			ok = false
		}
	}()
	c.handler(args...)
	return true
}

// Clear drops every connection.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = make(map[string][]connection)
}

// Signals lists the signals with at least one handler.
func (r *Registry) Signals() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
