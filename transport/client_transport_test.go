package transport

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jsbridge/gate"
	"jsbridge/protocol"
)

// fakeHost answers frames read from conn with the reply function.
type fakeHost struct {
	conn     Conn
	writeMu  sync.Mutex
	requests chan *protocol.Frame
}

func newFakeHost(conn Conn) *fakeHost {
	h := &fakeHost{conn: conn, requests: make(chan *protocol.Frame, 64)}
	go func() {
		defer close(h.requests)
		for {
			f, err := conn.ReadFrame()
			if err != nil {
				if IsFrameError(err) {
					continue
				}
				return
			}
			if f.Name == protocol.NameRequest {
				h.requests <- f
			}
		}
	}()
	return h
}

func (h *fakeHost) next(t *testing.T) *protocol.Frame {
	t.Helper()
	select {
	case f := <-h.requests:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no request received")
		return nil
	}
}

func (h *fakeHost) send(t *testing.T, f *protocol.Frame) {
	t.Helper()
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	require.NoError(t, h.conn.WriteFrame(f))
}

type result struct {
	ok       bool
	response string
	code     int
	message  string
}

func collect() (gate.SuccessFunc, gate.FailureFunc, <-chan result) {
	ch := make(chan result, 1)
	return func(response string) { ch <- result{ok: true, response: response} },
		func(code int, msg string) { ch <- result{code: code, message: msg} },
		ch
}

func await(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("call did not complete")
		return result{}
	}
}

func pipe(t *testing.T, opts ...Option) (*ClientTransport, *fakeHost) {
	t.Helper()
	pageSide, hostSide := net.Pipe()
	ct := NewStreamGate(pageSide, append([]Option{WithHeartbeat(0)}, opts...)...)
	host := newFakeHost(NewStreamConn(hostSide))
	t.Cleanup(func() {
		ct.Close()
		hostSide.Close()
	})
	return ct, host
}

func TestStreamGateSerial(t *testing.T) {
	ct, host := pipe(t)

	for i, body := range []string{`{"value":1}`, `{"value":2}`, `{"objectName":"Foo"}`} {
		onSuccess, onFailure, ch := collect()
		require.NoError(t, ct.Invoke(`{"objectName":"Calc","methodName":"n","argv":[]}`, onSuccess, onFailure))

		req := host.next(t)
		assert.Equal(t, uint64(i+1), req.CallID)
		host.send(t, protocol.Success(req.CallID, body))

		r := await(t, ch)
		assert.True(t, r.ok)
		assert.Equal(t, body, r.response)
	}
}

func TestStreamGateOutOfOrderReplies(t *testing.T) {
	ct, host := pipe(t)

	const n = 20
	chans := make([]<-chan result, n)
	for i := 0; i < n; i++ {
		onSuccess, onFailure, ch := collect()
		chans[i] = ch
		require.NoError(t, ct.Invoke(`{"objectName":"Calc","methodName":"n","argv":[]}`, onSuccess, onFailure))
	}

	reqs := make([]*protocol.Frame, n)
	for i := 0; i < n; i++ {
		reqs[i] = host.next(t)
	}
	// Reply in reverse order; every caller must still get its own reply.
	for i := n - 1; i >= 0; i-- {
		host.send(t, protocol.Success(reqs[i].CallID, reqs[i].Body+"#"+string(rune('a'+i))))
	}

	for i := 0; i < n; i++ {
		r := await(t, chans[i])
		assert.True(t, strings.HasSuffix(r.response, "#"+string(rune('a'+i))), "call %d got %q", i, r.response)
	}
}

func TestStreamGateFailureReply(t *testing.T) {
	ct, host := pipe(t)

	onSuccess, onFailure, ch := collect()
	require.NoError(t, ct.Invoke(`{}`, onSuccess, onFailure))
	req := host.next(t)
	host.send(t, protocol.Failure(req.CallID, gate.CodeRemote, "no such method"))

	r := await(t, ch)
	assert.False(t, r.ok)
	assert.Equal(t, gate.CodeRemote, r.code)
	assert.Equal(t, "no such method", r.message)
}

func TestUnknownCallIDAndBadFramesAreIgnored(t *testing.T) {
	ct, host := pipe(t)

	host.send(t, protocol.Success(999, `{"value":1}`))
	host.send(t, &protocol.Frame{Version: "0.1", Name: protocol.NameHeartbeat})
	host.send(t, protocol.Heartbeat())

	onSuccess, onFailure, ch := collect()
	require.NoError(t, ct.Invoke(`{}`, onSuccess, onFailure))
	req := host.next(t)
	host.send(t, protocol.Success(req.CallID, `{"value":2}`))
	assert.Equal(t, `{"value":2}`, await(t, ch).response)
}

func TestNotificationsReachHandler(t *testing.T) {
	got := make(chan *protocol.Frame, 1)
	_, host := pipe(t, WithNotifyHandler(func(f *protocol.Frame) { got <- f }))

	host.send(t, protocol.Notification(protocol.NameServicesACL, `{"x":[]}`))

	select {
	case f := <-got:
		assert.Equal(t, protocol.NameServicesACL, f.Name)
		assert.Equal(t, `{"x":[]}`, f.Body)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestConnectionLossFailsPendingCalls(t *testing.T) {
	pageSide, hostSide := net.Pipe()
	ct := NewStreamGate(pageSide, WithHeartbeat(0))
	host := newFakeHost(NewStreamConn(hostSide))

	onSuccess, onFailure, ch := collect()
	require.NoError(t, ct.Invoke(`{}`, onSuccess, onFailure))
	host.next(t)

	hostSide.Close()

	r := await(t, ch)
	assert.False(t, r.ok)
	assert.Equal(t, gate.CodeTransportClosed, r.code)

	<-ct.Done()
	assert.ErrorIs(t, ct.Invoke(`{}`, onSuccess, onFailure), gate.ErrUnavailable)
}

func TestCallbackMayWaitForAnotherReply(t *testing.T) {
	ct, host := pipe(t)

	nested := make(chan result, 1)
	onSuccess := func(string) {
		s, f, ch := collect()
		if err := ct.Invoke(`{"n":2}`, s, f); err != nil {
			nested <- result{message: err.Error()}
			return
		}
		select {
		case r := <-ch:
			nested <- r
		case <-time.After(2 * time.Second):
			nested <- result{message: "nested call timed out"}
		}
	}
	require.NoError(t, ct.Invoke(`{"n":1}`, onSuccess, func(int, string) {}))

	first := host.next(t)
	host.send(t, protocol.Success(first.CallID, `{"value":1}`))
	second := host.next(t)
	host.send(t, protocol.Success(second.CallID, `{"value":2}`))

	r := await(t, nested)
	assert.True(t, r.ok, r.message)
	assert.Equal(t, `{"value":2}`, r.response)
}

func TestPanickingCallbackKeepsConnection(t *testing.T) {
	ct, host := pipe(t)

	require.NoError(t, ct.Invoke(`{}`, func(string) { panic("boom") }, func(int, string) {}))
	host.send(t, protocol.Success(host.next(t).CallID, `{}`))

	onSuccess, onFailure, ch := collect()
	require.NoError(t, ct.Invoke(`{}`, onSuccess, onFailure))
	host.send(t, protocol.Success(host.next(t).CallID, `{"value":"still here"}`))
	assert.Equal(t, `{"value":"still here"}`, await(t, ch).response)
}

func TestCloseMakesGateUnavailable(t *testing.T) {
	ct, _ := pipe(t)
	require.NoError(t, ct.Close())
	assert.ErrorIs(t, ct.Invoke(`{}`, func(string) {}, func(int, string) {}), gate.ErrUnavailable)
}

func TestHeartbeat(t *testing.T) {
	pageSide, hostSide := net.Pipe()
	ct := NewStreamGate(pageSide, WithHeartbeat(20*time.Millisecond))
	defer ct.Close()
	defer hostSide.Close()

	dec := protocol.NewDecoder(hostSide)
	f, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, protocol.NameHeartbeat, f.Name)
}

func TestWebSocketGate(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewWebSocketConn(c)
		defer conn.Close()
		for {
			f, err := conn.ReadFrame()
			if err != nil {
				return
			}
			if f.Name == protocol.NameRequest {
				if err := conn.WriteFrame(protocol.Success(f.CallID, `{"value":"pong"}`)); err != nil {
					return
				}
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ct, err := DialWebSocket(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), WithHeartbeat(0))
	require.NoError(t, err)
	defer ct.Close()

	onSuccess, onFailure, ch := collect()
	require.NoError(t, ct.Invoke(`{"objectName":"Host","methodName":"ping","argv":[]}`, onSuccess, onFailure))
	assert.Equal(t, `{"value":"pong"}`, await(t, ch).response)
}
