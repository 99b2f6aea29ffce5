package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-rpcmux/internal/metrics"
	"github.com/joeycumines/go-rpcmux/message"
	"github.com/joeycumines/go-rpcmux/rpcerr"
	"github.com/joeycumines/go-rpcmux/sink"
)

// echoSink immediately replies with whatever return it was configured
// with, regardless of the call.
type echoSink struct {
	ret *message.MethodReturn
}

func (e echoSink) State() sink.State { return sink.Open }
func (e echoSink) AsyncProcessRequest(stack *sink.Stack, _ *sink.Request) {
	stack.Deliver(&sink.Response{Return: e.ret})
}
func (e echoSink) AsyncProcessResponse(*sink.Stack, any, *sink.Response) {}

func TestDispatcher_HappyPath(t *testing.T) {
	m := metrics.NewRegistry()
	d := New("Echo", echoSink{ret: message.OK("pong")}, WithMetrics(m))

	fut := d.Dispatch("echo", []any{"ping"}, nil, time.Second)
	res := fut.Get()

	require.NoError(t, res.Err)
	assert.Equal(t, "pong", res.Value)

	snap := m.Latency(metrics.Source{Service: "Echo", Method: "echo"})
	assert.Equal(t, int64(1), snap.Count)
}

func TestDispatcher_ServerError_WrappedWithRemoteTrace(t *testing.T) {
	serverErr := rpcerr.New(rpcerr.KindServer, "boom")
	ret := message.Errorf(serverErr)
	ret.RemoteTrace = "stack trace here"
	d := New("Echo", echoSink{ret: ret})

	fut := d.Dispatch("echo", nil, nil, time.Second)
	res := fut.Get()

	require.Error(t, res.Err)
	var e *rpcerr.Error
	require.True(t, rpcerr.As(res.Err, &e))
	assert.Equal(t, rpcerr.KindServer, e.Kind())
	assert.Equal(t, "stack trace here", e.RemoteTrace())
}

func TestDispatcher_TimeoutError_NeverWrapped(t *testing.T) {
	timeoutErr := rpcerr.New(rpcerr.KindTimeout, "deadline exceeded")
	d := New("Echo", echoSink{ret: message.Errorf(timeoutErr)})

	fut := d.Dispatch("echo", nil, nil, time.Second)
	res := fut.Get()

	require.Error(t, res.Err)
	assert.Same(t, timeoutErr, res.Err)
}

func TestDispatcher_UnknownResponseType_IsInternalError(t *testing.T) {
	d := New("Echo", echoSink{ret: nil})

	fut := d.Dispatch("echo", nil, nil, time.Second)
	res := fut.Get()

	require.Error(t, res.Err)
	var e *rpcerr.Error
	require.True(t, rpcerr.As(res.Err, &e))
	assert.Equal(t, rpcerr.KindInternal, e.Kind())
}

func TestDispatcher_StampsDeadlineWhenTimeoutGiven(t *testing.T) {
	var gotCall *message.MethodCall
	capture := sink.Sink(captureSink{fn: func(req *sink.Request) { gotCall = req.Call }})
	d := New("Echo", capture)

	d.Dispatch("echo", nil, nil, time.Minute).Get()

	require.NotNil(t, gotCall)
	assert.False(t, gotCall.DeadlineAt().IsZero())
}

type captureSink struct {
	fn func(req *sink.Request)
}

func (c captureSink) State() sink.State { return sink.Open }
func (c captureSink) AsyncProcessRequest(stack *sink.Stack, req *sink.Request) {
	c.fn(req)
	stack.Deliver(&sink.Response{Return: message.OK(nil)})
}
func (c captureSink) AsyncProcessResponse(*sink.Stack, any, *sink.Response) {}
