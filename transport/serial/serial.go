// Package serial implements the Serial Socket Transport of spec.md §4.4:
// a transport sink enforcing at most one outstanding call per
// connection, framing payloads as [uint32 big-endian length][payload].
//
// Grounded on the Timeout Sink's timer-queue-driven deadline handling
// (sink/timeout.go) for the per-call timeout, and on
// original_source/scales' _Fault/on_faulted pattern (also surfacing in
// singleton.py's on_faulted.Subscribe) for fault propagation.
package serial

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-rpcmux/future"
	"github.com/joeycumines/go-rpcmux/internal/rpclog"
	"github.com/joeycumines/go-rpcmux/message"
	"github.com/joeycumines/go-rpcmux/rpcerr"
	"github.com/joeycumines/go-rpcmux/sink"
)

// Dialer opens the underlying connection. A plain net.Dialer.DialContext
// or a test double satisfies this.
type Dialer func() (net.Conn, error)

// Transport is a Serial Socket Transport sink: one in-flight call at a
// time, enforced by a compare-and-swap of state from Open to Busy.
type Transport struct {
	logger rpclog.Logger

	mu      sync.Mutex
	conn    net.Conn
	state   atomic.Int32 // sink.State
	faulted *future.Future
}

// Option configures a Transport at construction time.
type Option func(*Transport)

// WithLogger attaches a structured logger. Defaults to rpclog.Nop.
func WithLogger(l rpclog.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// New dials via dial and returns a ready Transport. Unlike the
// Multiplexed Transport, there is no shared "Open" future to coordinate
// concurrent openers - a serial transport permits only one call in
// flight at all, so dialing eagerly at construction keeps the single
// in-flight invariant simple.
func New(dial Dialer, opts ...Option) (*Transport, error) {
	t := &Transport{logger: rpclog.Nop, faulted: future.New()}
	for _, opt := range opts {
		opt(t)
	}
	conn, err := dial()
	if err != nil {
		return nil, err
	}
	t.conn = conn
	t.state.Store(int32(sink.Open))
	return t, nil
}

func (t *Transport) State() sink.State { return sink.State(t.state.Load()) }

// Faulted implements sink.Faulter.
func (t *Transport) Faulted() *future.Future { return t.faulted }

// Close implements sink.Closer: an idempotent, observer-less close (no
// on_faulted fire, mirroring spec.md §8's "Close on a transport is
// idempotent; calling it when Closed does nothing and fires no
// observers" - that invariant is about _Shutdown; a plain Close here is
// the non-faulting counterpart used by pool eviction).
func (t *Transport) Close() {
	t.mu.Lock()
	if sink.State(t.state.Load()) == sink.Closed {
		t.mu.Unlock()
		return
	}
	t.state.Store(int32(sink.Closed))
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (t *Transport) fault(reason error) {
	t.mu.Lock()
	if sink.State(t.state.Load()) == sink.Closed {
		t.mu.Unlock()
		return
	}
	t.state.Store(int32(sink.Closed))
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	t.logger.Warning().Err(reason).Log("serial transport faulted")
	t.faulted.Set(reason)
}

// AsyncProcessRequest enforces the single-outstanding-call invariant:
// a call already in flight (Busy) causes the new call to fail
// immediately with ChannelConcurrencyError, without touching the
// socket (spec.md §4.4).
func (t *Transport) AsyncProcessRequest(stack *sink.Stack, req *sink.Request) {
	if !t.state.CompareAndSwap(int32(sink.Open), int32(sink.Busy)) {
		if sink.State(t.state.Load()) == sink.Closed {
			stack.Deliver(errResponse(rpcerr.New(rpcerr.KindTransportFault, "serial transport closed")))
			return
		}
		stack.Deliver(errResponse(rpcerr.New(rpcerr.KindChannelConcurrency, "serial transport already has a call in flight")))
		return
	}

	deadline, hasDeadline := deadlineOf(req)
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if hasDeadline {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Time{})
	}

	if err := writeFrame(conn, req.Bytes); err != nil {
		t.handleIOErr(stack, err)
		return
	}

	payload, err := readFrame(conn)
	if err != nil {
		t.handleIOErr(stack, err)
		return
	}

	t.state.Store(int32(sink.Open))
	stack.Deliver(&sink.Response{Bytes: payload})
}

// AsyncProcessResponse is never invoked: Transport is always the
// innermost link, delivering directly in AsyncProcessRequest.
func (t *Transport) AsyncProcessResponse(*sink.Stack, any, *sink.Response) {}

func (t *Transport) handleIOErr(stack *sink.Stack, err error) {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		// Stream is now unsynchronized relative to the server: fault
		// closes it rather than trying to keep using it (spec.md §4.4:
		// "close and reopen the socket" - reopening is the pool's job,
		// not this instance's, since a faulted transport is evicted).
		rerr := rpcerr.New(rpcerr.KindTimeout, "serial transport timed out")
		t.fault(rerr)
		stack.Deliver(errResponse(rerr))
		return
	}
	rerr := rpcerr.Wrap(rpcerr.KindTransportFault, err)
	t.fault(rerr)
	stack.Deliver(errResponse(rerr))
}

func deadlineOf(req *sink.Request) (time.Time, bool) {
	if req.Call == nil {
		return time.Time{}, false
	}
	d := req.Call.DeadlineAt()
	return d, !d.IsZero()
}

func writeFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func errResponse(err error) *sink.Response {
	return &sink.Response{Return: message.Errorf(err)}
}
