package middleware

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"jsbridge/acl"
	"jsbridge/codec"
	"jsbridge/gate"
	"jsbridge/metrics"
)

// outcome collects the completion of one call.
type outcome struct {
	mu       sync.Mutex
	done     chan struct{}
	response string
	code     int
	message  string
	calls    int
}

func newOutcome() *outcome {
	return &outcome{done: make(chan struct{})}
}

func (o *outcome) success(response string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	o.response = response
	if o.calls == 1 {
		close(o.done)
	}
}

func (o *outcome) failure(code int, msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	o.code, o.message = code, msg
	if o.calls == 1 {
		close(o.done)
	}
}

func (o *outcome) wait(t *testing.T) {
	t.Helper()
	select {
	case <-o.done:
	case <-time.After(2 * time.Second):
		t.Fatal("call did not complete")
	}
}

// echoGate completes every call successfully on another goroutine.
var echoGate = gate.Func(func(request string, onSuccess gate.SuccessFunc, onFailure gate.FailureFunc) error {
	go onSuccess(`{"value":"ok"}`)
	return nil
})

// slowGate completes after 200ms.
var slowGate = gate.Func(func(request string, onSuccess gate.SuccessFunc, onFailure gate.FailureFunc) error {
	go func() {
		time.Sleep(200 * time.Millisecond)
		onSuccess(`{"value":"ok"}`)
	}()
	return nil
})

// failGate fails every call remotely.
var failGate = gate.Func(func(request string, onSuccess gate.SuccessFunc, onFailure gate.FailureFunc) error {
	go onFailure(gate.CodeRemote, "no such method")
	return nil
})

func request(t *testing.T, object, method string, argv ...any) string {
	t.Helper()
	payload, err := codec.Pack(object, method, argv)
	require.NoError(t, err)
	return payload
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	g := Logging(zap.New(core))(failGate)

	o := newOutcome()
	require.NoError(t, g.Invoke(request(t, "Calc", "add", 1, 2), o.success, o.failure))
	o.wait(t)

	assert.Equal(t, gate.CodeRemote, o.code)
	entries := logs.FilterMessage("call failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Calc", entries[0].ContextMap()["object"])
	assert.Equal(t, "add", entries[0].ContextMap()["method"])
}

func TestLoggingPassesRefusal(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	refusing := gate.Func(func(string, gate.SuccessFunc, gate.FailureFunc) error { return gate.ErrUnavailable })

	err := Logging(zap.New(core))(refusing).Invoke(request(t, "Calc", "add"), nil, nil)
	assert.ErrorIs(t, err, gate.ErrUnavailable)
	assert.Equal(t, 1, logs.FilterMessage("call not accepted").Len())
}

func TestTimeoutPass(t *testing.T) {
	g := Timeout(500 * time.Millisecond)(echoGate)

	o := newOutcome()
	require.NoError(t, g.Invoke(request(t, "Calc", "add"), o.success, o.failure))
	o.wait(t)
	assert.Equal(t, `{"value":"ok"}`, o.response)
	assert.Zero(t, o.code)
}

func TestTimeoutExceeded(t *testing.T) {
	g := Timeout(50 * time.Millisecond)(slowGate)

	o := newOutcome()
	require.NoError(t, g.Invoke(request(t, "Calc", "add"), o.success, o.failure))
	o.wait(t)
	assert.Equal(t, gate.CodeTimeout, o.code)
	assert.Equal(t, "request timed out", o.message)

	// The late completion must be swallowed.
	time.Sleep(250 * time.Millisecond)
	o.mu.Lock()
	defer o.mu.Unlock()
	assert.Equal(t, 1, o.calls)
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: the first two pass, the third is dropped.
	g := RateLimit(1, 2)(echoGate)

	for i := 0; i < 2; i++ {
		o := newOutcome()
		require.NoError(t, g.Invoke(request(t, "Calc", "add"), o.success, o.failure))
		o.wait(t)
		assert.Zero(t, o.code, "request %d should pass", i)
	}

	o := newOutcome()
	require.NoError(t, g.Invoke(request(t, "Calc", "add"), o.success, o.failure))
	o.wait(t)
	assert.Equal(t, gate.CodeRateLimited, o.code)
	assert.Equal(t, "rate limit exceeded", o.message)
}

func TestAccessControl(t *testing.T) {
	filter := acl.New(nil)
	require.NoError(t, filter.SetRules(`{"player": ["^https://apps\\.example\\.com/"]}`))
	origin := "https://apps.example.com/home"

	forwarded := 0
	counting := gate.Func(func(request string, onSuccess gate.SuccessFunc, onFailure gate.FailureFunc) error {
		forwarded++
		onSuccess(`{"objectName":"player"}`)
		return nil
	})
	g := AccessControl(filter, "ServiceManager", func() string { return origin })(counting)

	allowed := newOutcome()
	require.NoError(t, g.Invoke(request(t, "ServiceManager", ServiceLookup, "player"), allowed.success, allowed.failure))
	allowed.wait(t)
	assert.Zero(t, allowed.code)

	denied := newOutcome()
	require.NoError(t, g.Invoke(request(t, "ServiceManager", ServiceLookup, "system"), denied.success, denied.failure))
	denied.wait(t)
	assert.Equal(t, gate.CodeAccessDenied, denied.code)

	origin = "https://evil.example.org/"
	other := newOutcome()
	require.NoError(t, g.Invoke(request(t, "player", "play"), other.success, other.failure))
	other.wait(t)
	assert.Zero(t, other.code, "non-lookup calls are not filtered")

	assert.Equal(t, 2, forwarded)
}

func TestMetrics(t *testing.T) {
	m := metrics.New()

	o := newOutcome()
	require.NoError(t, Metrics(m)(echoGate).Invoke(request(t, "Calc", "add"), o.success, o.failure))
	o.wait(t)

	f := newOutcome()
	require.NoError(t, Metrics(m)(failGate).Invoke(request(t, "Calc", "div"), f.success, f.failure))
	f.wait(t)

	refusing := gate.Func(func(string, gate.SuccessFunc, gate.FailureFunc) error { return errors.New("closed") })
	assert.Error(t, Metrics(m)(refusing).Invoke(request(t, "Calc", "mul"), nil, nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Calls.WithLabelValues("Calc", "add", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Calls.WithLabelValues("Calc", "div", "remote")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Calls.WithLabelValues("Calc", "mul", "unavailable")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Pending))
}

func TestMetricsLabelsHostObjectsByType(t *testing.T) {
	m := metrics.New()
	g := Metrics(m)(echoGate)

	for _, object := range []string{
		"Counter#6f1c2a4e-0b7d-4c57-9a37-1f0c5b2d8e11",
		"Counter#a03e9b52-77d4-4e0e-8d1f-2b6c9e4f7a30",
	} {
		o := newOutcome()
		require.NoError(t, g.Invoke(request(t, object, "increment"), o.success, o.failure))
		o.wait(t)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Calls.WithLabelValues("Counter", "increment", "ok")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.Calls))
}

func TestChain(t *testing.T) {
	var order []string
	var mu sync.Mutex
	tag := func(name string) Middleware {
		return func(next gate.Gate) gate.Gate {
			return gate.Func(func(request string, onSuccess gate.SuccessFunc, onFailure gate.FailureFunc) error {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return next.Invoke(request, onSuccess, onFailure)
			})
		}
	}

	g := Chain(tag("outer"), Logging(zap.NewNop()), Timeout(500*time.Millisecond), tag("inner"))(echoGate)

	o := newOutcome()
	require.NoError(t, g.Invoke(request(t, "Calc", "add"), o.success, o.failure))
	o.wait(t)
	assert.Zero(t, o.code)
	assert.Equal(t, []string{"outer", "inner"}, order)
}
