// Package transport implements call gates over a frame connection to the host.
//
// ClientTransport multiplexes concurrent calls over one connection. Each request gets
// a unique call id, and a background goroutine (recvLoop) reads replies and routes
// them to the completion callbacks registered for that id:
//
//	proxy-1 ──Invoke(id=1)──┐
//	proxy-2 ──Invoke(id=2)──┼──→ single connection ──→ host
//	proxy-3 ──Invoke(id=3)──┘
//
//	recvLoop:  ←── reply(id=2) → pending[2] → go proxy-2 callbacks
//
// Callbacks never run on recvLoop. Replies may arrive in any order. Host notifications (frames without a call id)
// are handed to the notification handler.
package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"jsbridge/gate"
	"jsbridge/protocol"
)

// DefaultHeartbeat is the interval between keepalive frames.
const DefaultHeartbeat = 30 * time.Second

type pendingCall struct {
	onSuccess gate.SuccessFunc
	onFailure gate.FailureFunc
}

// ClientTransport is a gate.Gate backed by a single connection.
type ClientTransport struct {
	conn    Conn
	callID  uint64     // Last call id handed out (protected by sending)
	pending sync.Map   // map[uint64]*pendingCall, each entry removed on its one delivery
	sending sync.Mutex // Serializes writes and call id allocation
	closed  atomic.Bool
	done    chan struct{}

	notify    func(*protocol.Frame)
	heartbeat time.Duration
	logger    *zap.Logger
}

type Option func(*ClientTransport)

func WithLogger(logger *zap.Logger) Option {
	return func(t *ClientTransport) { t.logger = logger }
}

// WithNotifyHandler sets the receiver of host notifications. It runs on the read
// goroutine and should not block.
func WithNotifyHandler(fn func(*protocol.Frame)) Option {
	return func(t *ClientTransport) { t.notify = fn }
}

// WithHeartbeat sets the keepalive interval; zero disables heartbeats.
func WithHeartbeat(interval time.Duration) Option {
	return func(t *ClientTransport) { t.heartbeat = interval }
}

// NewClientTransport starts the read loop (and heartbeat loop) on conn.
func NewClientTransport(conn Conn, opts ...Option) *ClientTransport {
	t := &ClientTransport{
		conn:      conn,
		done:      make(chan struct{}),
		heartbeat: DefaultHeartbeat,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.recvLoop()
	if t.heartbeat > 0 {
		go t.heartbeatLoop(t.heartbeat)
	}
	return t
}

// NewStreamGate runs the bridge protocol over a byte stream.
func NewStreamGate(rwc io.ReadWriteCloser, opts ...Option) *ClientTransport {
	return NewClientTransport(NewStreamConn(rwc), opts...)
}

// DialWebSocket connects to a host serving the bridge over websocket.
func DialWebSocket(ctx context.Context, url string, opts ...Option) (*ClientTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewClientTransport(NewWebSocketConn(conn), opts...), nil
}

// Invoke sends request to the host. It returns gate.ErrUnavailable once the
// connection is closed or broken.
func (t *ClientTransport) Invoke(request string, onSuccess gate.SuccessFunc, onFailure gate.FailureFunc) error {
	t.sending.Lock()
	defer t.sending.Unlock()

	if t.closed.Load() {
		return gate.ErrUnavailable
	}

	t.callID++
	id := t.callID

	// Register before writing so a fast reply cannot race the registration.
	t.pending.Store(id, &pendingCall{onSuccess: onSuccess, onFailure: onFailure})

	if err := t.conn.WriteFrame(protocol.Request(id, request)); err != nil {
		t.pending.Delete(id)
		return fmt.Errorf("%w: %v", gate.ErrUnavailable, err)
	}
	return nil
}

// Close shuts the connection down. Pending calls fail with gate.CodeTransportClosed.
func (t *ClientTransport) Close() error {
	t.sending.Lock()
	t.closed.Store(true)
	t.sending.Unlock()
	return t.conn.Close()
}

// Done is closed when the read loop has exited.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.done
}

// recvLoop is the only reader of the connection.
func (t *ClientTransport) recvLoop() {
	defer close(t.done)
	for {
		f, err := t.conn.ReadFrame()
		if err != nil {
			if IsFrameError(err) {
				t.logger.Warn("dropping invalid frame", zap.Error(err))
				continue
			}
			t.closeAllPending(err)
			return
		}

		switch f.Name {
		case protocol.NameResponse:
			t.deliver(f)
		case protocol.NameHeartbeat:
		case protocol.NameRequest:
			t.logger.Warn("unexpected request frame from host", zap.Uint64("callId", f.CallID))
		default:
			if t.notify == nil {
				t.logger.Debug("ignoring notification", zap.String("name", f.Name))
				continue
			}
			t.notify(f)
		}
	}
}

// deliver hands the reply to its call. Completions run on their own goroutine so
// a callback that blocks, or waits for another reply, never stalls recvLoop.
func (t *ClientTransport) deliver(f *protocol.Frame) {
	v, ok := t.pending.LoadAndDelete(f.CallID)
	if !ok {
		t.logger.Warn("reply for unknown call", zap.Uint64("callId", f.CallID))
		return
	}
	call := v.(*pendingCall)
	if f.Success {
		go t.complete(f.CallID, func() { call.onSuccess(f.Body) })
		return
	}
	code := f.Code
	if code == 0 {
		code = gate.CodeRemote
	}
	go t.complete(f.CallID, func() { call.onFailure(code, f.Body) })
}

func (t *ClientTransport) complete(id uint64, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("completion callback panicked", zap.Uint64("callId", id), zap.Any("panic", r))
		}
	}()
	fn()
}

// closeAllPending fails every outstanding call so no caller waits forever.
func (t *ClientTransport) closeAllPending(err error) {
	t.sending.Lock()
	wasClosed := t.closed.Swap(true)
	t.sending.Unlock()

	if !wasClosed {
		t.logger.Warn("connection to host lost", zap.Error(err))
		t.conn.Close()
	}

	msg := fmt.Sprintf("connection closed: %v", err)
	t.pending.Range(func(key, value any) bool {
		if _, ok := t.pending.LoadAndDelete(key); !ok {
			return true
		}
		call := value.(*pendingCall)
		go t.complete(key.(uint64), func() { call.onFailure(gate.CodeTransportClosed, msg) })
		return true
	})
}

func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		t.sending.Lock()
		if t.closed.Load() {
			t.sending.Unlock()
			return
		}
		err := t.conn.WriteFrame(protocol.Heartbeat())
		t.sending.Unlock()
		if err != nil {
			return
		}
	}
}
