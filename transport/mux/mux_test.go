package mux

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-rpcmux/internal/metrics"
	"github.com/joeycumines/go-rpcmux/message"
	"github.com/joeycumines/go-rpcmux/rpcerr"
	"github.com/joeycumines/go-rpcmux/sink"
)

// fakeServer drives the server side of a net.Pipe, decoding frames with
// the same wire format as the transport under test (the frame helpers
// below call the transport's own writeFrame/readFrame).
type fakeServer struct {
	conn net.Conn
}

func newFakeServer(t *testing.T) (Dialer, *fakeServer) {
	client, server := net.Pipe()
	t.Cleanup(func() { server.Close() })
	return func() (net.Conn, error) { return client, nil }, &fakeServer{conn: server}
}

func (s *fakeServer) readFrame() (msgType, int32, []byte, error) {
	return readFrame(s.conn)
}

func (s *fakeServer) writeFrame(typ msgType, tag int32, body []byte) error {
	return writeFrame(s.conn, frame{typ: typ, tag: tag, body: body})
}

// serveInitialPing replies Rping to the initial liveness ping Open sends,
// then hands control to handle for whatever the test wants to do next.
func serveInitialPing(t *testing.T, s *fakeServer, handle func()) {
	t.Helper()
	go func() {
		typ, tag, _, err := s.readFrame()
		if err != nil || typ != typeTping || tag != 1 {
			return
		}
		if err := s.writeFrame(typeRping, 1, nil); err != nil {
			return
		}
		if handle != nil {
			handle()
		}
	}()
}

func openTransport(t *testing.T, tr *Transport, s *fakeServer, handle func()) {
	t.Helper()
	serveInitialPing(t, s, handle)
	res, ok := tr.Open().Wait(2 * time.Second)
	require.True(t, ok, "Open timed out")
	require.NoError(t, res.Err)
}

func TestTransport_HappyPath(t *testing.T) {
	dial, s := newFakeServer(t)
	tr := New(dial, WithPingInterval(time.Hour, time.Hour))

	var gotTag int32
	done := make(chan struct{})
	openTransport(t, tr, s, func() {
		typ, tag, body, err := s.readFrame()
		require.NoError(t, err)
		require.Equal(t, typeTdispatch, typ)
		gotTag = tag
		_ = body
		require.NoError(t, s.writeFrame(typeRdispatch, tag, rdispatchOK([]byte("pong"))))
		close(done)
	})

	stack := sink.NewStack()
	var got *sink.Response
	recv := make(chan struct{})
	stack.Push(captureSink{onResp: func(r *sink.Response) { got = r; close(recv) }}, nil)

	tr.AsyncProcessRequest(stack, &sink.Request{Bytes: []byte("echo")})

	select {
	case <-recv:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
	<-done

	require.NotNil(t, got)
	assert.False(t, got.Return.IsError())
	assert.Equal(t, "pong", string(got.Bytes))
	assert.NotZero(t, gotTag)
}

func TestTransport_TagExhaustion(t *testing.T) {
	dial, s := newFakeServer(t)
	reg := metrics.NewRegistry()
	tr := New(dial, WithMaxTag(3), WithPingInterval(time.Hour, time.Hour), WithMetrics(reg))

	// Tags 2 and 3 are the only non-reserved tags available under
	// WithMaxTag(3) (0 is one-way, 1 is ping). The server never replies,
	// so both stay outstanding and the third call must observe
	// PoolExhausted.
	openTransport(t, tr, s, nil)

	for i := 0; i < 2; i++ {
		stack := sink.NewStack()
		stack.Push(captureSink{onResp: func(*sink.Response) {}}, nil)
		tr.AsyncProcessRequest(stack, &sink.Request{Bytes: []byte("x")})
	}

	stack := sink.NewStack()
	var got *sink.Response
	stack.Push(captureSink{onResp: func(r *sink.Response) { got = r }}, nil)
	tr.AsyncProcessRequest(stack, &sink.Request{Bytes: []byte("x")})

	require.NotNil(t, got)
	require.True(t, got.Return.IsError())
	var e *rpcerr.Error
	require.True(t, rpcerr.As(got.Return.Err, &e))
	assert.Equal(t, rpcerr.KindPoolExhausted, e.Kind())
	assert.Equal(t, int64(1), reg.PoolExhausted())
}

func TestTransport_ClientTimeoutDiscardsButRetainsTagUntilReply(t *testing.T) {
	dial, s := newFakeServer(t)
	tr := New(dial, WithPingInterval(time.Hour, time.Hour))

	dispatched := make(chan int32, 1)
	openTransport(t, tr, s, func() {
		_, tag, _, err := s.readFrame()
		require.NoError(t, err)
		dispatched <- tag
	})

	deadlineEvent := make(chan struct{})
	call := message.NewMethodCall("Echo", "echo", nil, nil).
		WithProperty(message.DeadlineEvent, deadlineEvent)

	stack := sink.NewStack()
	stack.Push(captureSink{onResp: func(*sink.Response) {}}, nil)
	tr.AsyncProcessRequest(stack, &sink.Request{Call: call, Bytes: []byte("slow")})

	var tag int32
	select {
	case tag = <-dispatched:
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the dispatch")
	}

	// Simulate the Timeout Sink firing: close the deadline event. The
	// transport should emit a Tdiscarded for tag without releasing it.
	close(deadlineEvent)

	typ, discardTag, _, err := s.readFrame()
	require.NoError(t, err)
	assert.Equal(t, typeTdiscarded, typ)
	assert.Equal(t, tag, discardTag)

	// The tag must still be considered in flight: a fresh call must not
	// reuse it while the server hasn't replied yet.
	tr.mu.Lock()
	_, stillTracked := tr.inFlight[tag]
	tr.mu.Unlock()
	assert.True(t, stillTracked)

	// The eventual server reply releases the tag as normal.
	require.NoError(t, s.writeFrame(typeRdispatch, tag, rdispatchOK(nil)))
	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		_, ok := tr.inFlight[tag]
		return !ok
	}, time.Second, time.Millisecond)
}

func TestTransport_PingTimeoutFaultsAllInFlight(t *testing.T) {
	dial, s := newFakeServer(t)
	tr := New(dial, WithPingInterval(10*time.Millisecond, 15*time.Millisecond))

	openTransport(t, tr, s, nil)

	// Stop answering ping/anything from here on; the next periodic ping
	// will time out and Shutdown the transport.
	stack := sink.NewStack()
	var got *sink.Response
	recv := make(chan struct{})
	stack.Push(captureSink{onResp: func(r *sink.Response) { got = r; close(recv) }}, nil)
	tr.AsyncProcessRequest(stack, &sink.Request{Bytes: []byte("x")})

	select {
	case <-recv:
	case <-time.After(7 * time.Second):
		t.Fatal("in-flight call was never faulted")
	}

	require.NotNil(t, got)
	require.True(t, got.Return.IsError())
	var e *rpcerr.Error
	require.True(t, rpcerr.As(got.Return.Err, &e))
	assert.Equal(t, rpcerr.KindTransportFault, e.Kind())
	assert.Equal(t, sink.Closed, tr.State())

	fr := tr.Faulted()
	require.True(t, fr.Settled())
}

func TestTransport_LateReplyForUntrackedTagIsDropped(t *testing.T) {
	dial, s := newFakeServer(t)
	tr := New(dial, WithPingInterval(time.Hour, time.Hour))
	openTransport(t, tr, s, nil)

	// No call was ever dispatched for tag 7: dispatchInbound must drop
	// this reply rather than panic on a missing map entry.
	require.NoError(t, s.writeFrame(typeRdispatch, 7, rdispatchOK(nil)))

	// Give dispatchInbound a moment to process, then confirm the
	// transport is still healthy (a panic in recvLoop would otherwise
	// eventually surface as a faulted transport).
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, sink.Open, tr.State())
}

// rdispatchOK builds a minimal Rdispatch body: status OK, zero contexts,
// then the raw payload, matching decodeRdispatch's expected shape.
func rdispatchOK(payload []byte) []byte {
	buf := make([]byte, 0, 3+len(payload))
	buf = append(buf, statusOK)
	var cnt [2]byte
	binary.BigEndian.PutUint16(cnt[:], 0)
	buf = append(buf, cnt[:]...)
	buf = append(buf, payload...)
	return buf
}

type captureSink struct {
	onResp func(*sink.Response)
}

func (c captureSink) State() sink.State { return sink.Open }
func (c captureSink) AsyncProcessRequest(*sink.Stack, *sink.Request) {}
func (c captureSink) AsyncProcessResponse(_ *sink.Stack, _ any, r *sink.Response) {
	if c.onResp != nil {
		c.onResp(r)
	}
}
