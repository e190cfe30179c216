// Package server is a host-side stand-in: it answers bridge calls from pages by
// dispatching them to registered Go objects, and pushes notifications to them.
//
// Request processing pipeline:
//
//	ServeConn (single goroutine reads frames)
//	  → for each request frame: go handleRequest (parallel processing)
//	    → codec.UnpackCall → object lookup → reflect.Call → codec.PackEnvelope → reply frame
//
// A method that returns a Remote hands the page a new remote object instead of a
// value: the receiver is registered under a fresh name and the reply carries that
// name as objectName.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"jsbridge/client"
	"jsbridge/codec"
	"jsbridge/gate"
	"jsbridge/message"
	"jsbridge/protocol"
	"jsbridge/transport"
)

// Remote marks a method result that must be handed to the page as an object.
// A nil Receiver refers to an object that is already registered under Name;
// otherwise Receiver is registered under Name, or under "<Type>#<uuid>" when
// Name is empty.
type Remote struct {
	Name     string
	Receiver any
}

// AsRemote returns rcvr as a new remote object with a generated name.
func AsRemote(rcvr any) Remote {
	return Remote{Receiver: rcvr}
}

// Fault is a failed dispatch, reported to the page as a failure reply.
type Fault struct {
	Code    int
	Message string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s", gate.CodeName(f.Code), f.Message)
}

func faultf(code int, format string, args ...any) error {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Server holds the objects reachable from pages.
type Server struct {
	mu      sync.RWMutex
	objects map[string]*service // "ServiceManager" → *service

	connMu sync.Mutex
	conns  map[*hostConn]struct{}

	wg       sync.WaitGroup // In-flight requests
	shutdown atomic.Bool

	upgrader websocket.Upgrader
	logger   *zap.Logger
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithCheckOrigin overrides the websocket origin check used by Handler.
func WithCheckOrigin(check func(r *http.Request) bool) Option {
	return func(s *Server) { s.upgrader.CheckOrigin = check }
}

// NewServer creates a server whose only object is the ServiceManager.
func NewServer(opts ...Option) *Server {
	s := &Server{
		objects: make(map[string]*service),
		conns:   make(map[*hostConn]struct{}),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	svc, err := newService(client.ServiceManagerName, &serviceManager{srv: s})
	if err != nil {
		panic(err)
	}
	s.objects[client.ServiceManagerName] = svc
	return s
}

// Register makes rcvr's exported methods callable as object name.
func (s *Server) Register(name string, rcvr any) error {
	if name == "" {
		return errors.New("server: empty object name")
	}
	if name == client.ServiceManagerName {
		return fmt.Errorf("server: %q is reserved", name)
	}
	svc, err := newService(name, rcvr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.objects[name] = svc
	s.mu.Unlock()
	s.logger.Debug("object registered", zap.String("object", name), zap.Int("methods", len(svc.method)))
	return nil
}

// Deregister removes an object. Later calls on it fail.
func (s *Server) Deregister(name string) {
	if name == client.ServiceManagerName {
		return
	}
	s.mu.Lock()
	delete(s.objects, name)
	s.mu.Unlock()
}

// Clear removes every object except the ServiceManager.
func (s *Server) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.objects {
		if name != client.ServiceManagerName {
			delete(s.objects, name)
		}
	}
}

// Objects lists the registered object names in sorted order.
func (s *Server) Objects() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.objects))
	for name := range s.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Server) lookup(name string) (*service, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.objects[name]
	return svc, ok
}

// Dispatch executes one packed call and returns the packed envelope to reply with.
// A non-nil error is a *Fault.
func (s *Server) Dispatch(ctx context.Context, request string) (string, error) {
	call, err := codec.UnpackCall(request)
	if err != nil {
		return "", faultf(gate.CodeMalformed, "%v", err)
	}

	svc, ok := s.lookup(call.ObjectName)
	if !ok {
		return "", faultf(gate.CodeRemote, "unknown object %q", call.ObjectName)
	}
	mt, ok := svc.lookup(call.MethodName)
	if !ok {
		return "", faultf(gate.CodeRemote, "%s has no method %q", call.ObjectName, call.MethodName)
	}

	result, err := svc.call(ctx, mt, call.Argv)
	if err != nil {
		return "", faultf(gate.CodeRemote, "%v", err)
	}

	env, err := s.envelope(result)
	if err != nil {
		return "", faultf(gate.CodeRemote, "%v", err)
	}
	body, err := codec.PackEnvelope(env)
	if err != nil {
		return "", faultf(gate.CodeMalformed, "%v", err)
	}
	return body, nil
}

func (s *Server) envelope(result any) (*message.Envelope, error) {
	remote, ok := result.(Remote)
	if !ok {
		return &message.Envelope{Value: result}, nil
	}
	if remote.Receiver == nil {
		if _, ok := s.lookup(remote.Name); !ok {
			return nil, fmt.Errorf("unknown object %q", remote.Name)
		}
		return &message.Envelope{ObjectName: remote.Name}, nil
	}

	name := remote.Name
	if name == "" {
		name = fmt.Sprintf("%s#%s", typeName(remote.Receiver), uuid.NewString())
	}
	if err := s.Register(name, remote.Receiver); err != nil {
		return nil, err
	}
	return &message.Envelope{ObjectName: name}, nil
}

func typeName(rcvr any) string {
	return reflect.Indirect(reflect.ValueOf(rcvr)).Type().Name()
}

func faultOf(err error) (int, string) {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code, f.Message
	}
	return gate.CodeRemote, err.Error()
}

// LocalGate returns a gate that dispatches in-process. Completions are delivered
// on a separate goroutine, never before Invoke returns.
func (s *Server) LocalGate() gate.Gate {
	return gate.Func(func(request string, onSuccess gate.SuccessFunc, onFailure gate.FailureFunc) error {
		if s.shutdown.Load() {
			return gate.ErrUnavailable
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			body, err := s.Dispatch(context.Background(), request)
			if err != nil {
				onFailure(faultOf(err))
				return
			}
			onSuccess(body)
		}()
		return nil
	})
}

// hostConn is one connected page. All writes go through writeMu.
type hostConn struct {
	conn    transport.Conn
	writeMu sync.Mutex
}

func (c *hostConn) write(f *protocol.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteFrame(f)
}

// ServeConn answers requests arriving on conn until it is closed or ctx is done.
// Each request runs in its own goroutine; replies may leave in any order.
func (s *Server) ServeConn(ctx context.Context, conn transport.Conn) error {
	hc := &hostConn{conn: conn}
	s.connMu.Lock()
	s.conns[hc] = struct{}{}
	s.connMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.connMu.Lock()
		delete(s.conns, hc)
		s.connMu.Unlock()
		conn.Close()
	}()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		f, err := conn.ReadFrame()
		if err != nil {
			if transport.IsFrameError(err) {
				s.logger.Warn("skipping invalid frame", zap.Error(err))
				continue
			}
			if ctx.Err() != nil || s.shutdown.Load() {
				return nil
			}
			return err
		}

		switch f.Name {
		case protocol.NameHeartbeat:
		case protocol.NameRequest:
			s.wg.Add(1)
			go s.handleRequest(ctx, hc, f)
		default:
			s.logger.Debug("ignoring frame", zap.String("name", f.Name))
		}
	}
}

func (s *Server) handleRequest(ctx context.Context, hc *hostConn, f *protocol.Frame) {
	defer s.wg.Done()

	reply := protocol.Success(f.CallID, "")
	body, err := s.Dispatch(ctx, f.Body)
	if err != nil {
		code, msg := faultOf(err)
		s.logger.Debug("call failed", zap.Uint64("callId", f.CallID), zap.Int("code", code), zap.String("error", msg))
		reply = protocol.Failure(f.CallID, code, msg)
	} else {
		reply.Body = body
	}

	if err := hc.write(reply); err != nil {
		s.logger.Warn("failed to write reply", zap.Uint64("callId", f.CallID), zap.Error(err))
	}
}

// Handler returns an http.Handler that upgrades to a websocket and serves the page on it.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		s.logger.Info("page connected", zap.String("remote", r.RemoteAddr))
		if err := s.ServeConn(r.Context(), transport.NewWebSocketConn(ws)); err != nil &&
			!websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			s.logger.Debug("page connection ended", zap.Error(err))
		}
	})
}

// Notify sends a notification frame to every connected page.
func (s *Server) Notify(name, body string) {
	s.connMu.Lock()
	conns := make([]*hostConn, 0, len(s.conns))
	for hc := range s.conns {
		conns = append(conns, hc)
	}
	s.connMu.Unlock()

	f := protocol.Notification(name, body)
	for _, hc := range conns {
		if err := hc.write(f); err != nil {
			s.logger.Warn("failed to notify page", zap.String("name", name), zap.Error(err))
		}
	}
}

// Emit broadcasts a signal to every connected page.
func (s *Server) Emit(signal string, args ...any) error {
	body, err := codec.PackEvent(&message.Event{Signal: signal, Args: args})
	if err != nil {
		return err
	}
	s.Notify(protocol.NameEvent, body)
	return nil
}

// Shutdown stops accepting calls, closes every page connection and waits for
// in-flight requests to finish.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.shutdown.Store(true)

	s.connMu.Lock()
	for hc := range s.conns {
		hc.conn.Close()
	}
	s.connMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for ongoing requests to finish")
	}
}

// serviceManager is the built-in object every page starts from.
type serviceManager struct {
	srv *Server
}

// GetServiceForJavaScript hands out a registered object by name.
func (m *serviceManager) GetServiceForJavaScript(name string) (Remote, error) {
	if name == "" || name == client.ServiceManagerName {
		return Remote{}, fmt.Errorf("unknown service %q", name)
	}
	if _, ok := m.srv.lookup(name); !ok {
		return Remote{}, fmt.Errorf("unknown service %q", name)
	}
	return Remote{Name: name}, nil
}

// Version reports the bridge protocol version.
func (m *serviceManager) Version() string {
	return codec.ProtocolVersion
}
