// Package mux implements the Multiplexed Socket Transport of spec.md
// §4.5/§6: a single connection pipelining many concurrent requests and
// replies, correlated by a 24-bit tag, with liveness pinging, an
// idempotent Open/Shutdown state machine, and discard-on-client-timeout
// semantics.
//
// The send-queue/ready-signal shape is grounded on timerqueue.Queue's
// own single-worker-plus-ready-channel design (timerqueue/timerqueue.go),
// applied here to draining frames instead of firing timers. The
// Uninitialized/Starting/Running/Stopped state machine and the shared
// "Open" future are grounded on spec.md §4.5 verbatim, using
// future.Future for the shared open/shutdown signals per spec.md §9's
// suggested "single-fire broadcast future" for on_faulted.
package mux

import (
	"encoding/binary"
	"errors"
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joeycumines/go-rpcmux/future"
	"github.com/joeycumines/go-rpcmux/internal/metrics"
	"github.com/joeycumines/go-rpcmux/internal/rpclog"
	"github.com/joeycumines/go-rpcmux/message"
	"github.com/joeycumines/go-rpcmux/rpcerr"
	"github.com/joeycumines/go-rpcmux/sink"
)

// Message types, per spec.md §6's framing subset.
type msgType int8

const (
	typeTdispatch msgType = 2
	typeRdispatch msgType = -2
	typeTping     msgType = 65
	typeRping     msgType = -65
	typeTdiscarded msgType = 66
	typeRerr       msgType = -128
	typeBadRerr    msgType = 127
)

// Rdispatch status byte values.
const (
	statusOK    = 0
	statusError = 1
	statusNack  = 2
)

// connState is the transport's own state machine (spec.md §4.5),
// distinct from the generic sink.State every Sink exposes; State()
// below maps one onto the other for pool/Faulter consumers.
type connState int32

const (
	stateUninitialized connState = iota
	stateStarting
	stateRunning
	stateStopped
)

// Dialer opens the underlying connection.
type Dialer func() (net.Conn, error)

const (
	maxTag          = 1<<24 - 1
	pingIntervalMin = 30 * time.Second
	pingIntervalMax = 40 * time.Second
	pingTimeout     = 5 * time.Second
)

// inflight is what the in-flight map stores per outstanding tag: the
// sink stack that enqueued it, plus whether it has already been
// client-timeout-discarded (spec.md §4.5's "Cancellation / client-
// initiated timeout").
type inflight struct {
	stack     *sink.Stack
	discarded bool
	// stopWatch, if non-nil, is closed when the reply arrives so the
	// goroutine watching the call's deadline-event channel (see
	// AsyncProcessRequest) can exit without waiting for that channel to
	// close on its own.
	stopWatch chan struct{}
}

// Transport is a Multiplexed Socket Transport sink.
type Transport struct {
	dial    Dialer
	logger  rpclog.Logger
	metrics *metrics.Registry
	maxTag  int32
	pingMin time.Duration
	pingMax time.Duration

	state   atomicState
	openFut atomicFuture // shared Open() future, set once per lifetime

	mu       sync.Mutex
	conn     net.Conn
	tagFree  []int32
	tagNext  int32
	inFlight map[int32]*inflight

	sendMu sync.Mutex
	sendQ  []frame
	sendCh chan struct{}

	pingPending atomic.Pointer[future.Future]
	faulted     *future.Future
}

type frame struct {
	typ msgType
	tag int32
	body []byte
}

// Option configures a Transport at construction time.
type Option func(*Transport)

// WithLogger attaches a structured logger. Defaults to rpclog.Nop.
func WithLogger(l rpclog.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// WithMetrics attaches a metrics.Registry for the tag pool's
// pool-exhaustion counter (spec.md §8 scenario 5). Nil (the default)
// disables counting.
func WithMetrics(m *metrics.Registry) Option {
	return func(t *Transport) { t.metrics = m }
}

// WithMaxTag bounds the tag pool ceiling below the protocol's 2^24-1
// maximum - used by tests exercising PoolExhausted without issuing
// millions of calls (spec.md §8 scenario 5).
func WithMaxTag(max int32) Option {
	return func(t *Transport) {
		if max > 0 && max <= maxTag {
			t.maxTag = max
		}
	}
}

// WithPingInterval overrides the jittered ping interval bounds.
func WithPingInterval(min, max time.Duration) Option {
	return func(t *Transport) { t.pingMin, t.pingMax = min, max }
}

// New returns an unopened Transport. Call Open to start it.
func New(dial Dialer, opts ...Option) *Transport {
	t := &Transport{
		dial:     dial,
		logger:   rpclog.Nop,
		maxTag:   maxTag,
		pingMin:  pingIntervalMin,
		pingMax:  pingIntervalMax,
		tagNext:  2, // 0 = one-way, 1 = ping
		inFlight: make(map[int32]*inflight),
		sendCh:   make(chan struct{}, 1),
		faulted:  future.New(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.state.store(stateUninitialized)
	return t
}

// State implements sink.Sink, mapping the transport's own state machine
// onto the generic lifecycle (Uninitialized/Starting -> Idle/Busy,
// Running -> Open, Stopped -> Closed).
func (t *Transport) State() sink.State {
	switch t.state.load() {
	case stateRunning:
		return sink.Open
	case stateStopped:
		return sink.Closed
	case stateStarting:
		return sink.Busy
	default:
		return sink.Idle
	}
}

// Faulted implements sink.Faulter.
func (t *Transport) Faulted() *future.Future { return t.faulted }

// Close implements sink.Closer in terms of Shutdown.
func (t *Transport) Close() { t.Shutdown(errors.New("pool evicted transport")) }

// Open idempotently starts the transport: dial, start the send/receive
// loops, complete an initial ping, then start the ping loop. The first
// caller drives the open; subsequent concurrent callers await the same
// future (spec.md §4.5).
func (t *Transport) Open() *future.Future {
	if fut := t.openFut.load(); fut != nil {
		return fut
	}

	fut := future.New()
	if !t.openFut.storeIfAbsent(fut) {
		return t.openFut.load()
	}

	t.state.store(stateStarting)
	go t.runOpen(fut)
	return fut
}

func (t *Transport) runOpen(fut *future.Future) {
	conn, err := t.dial()
	if err != nil {
		t.state.store(stateStopped)
		fut.SetErr(rpcerr.Wrap(rpcerr.KindTransportFault, err))
		return
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	g := &errgroup.Group{}
	g.Go(func() error { return t.sendLoop(conn) })
	g.Go(func() error { return t.recvLoop(conn) })

	pending := future.New()
	t.pingPending.Store(pending)
	t.enqueue(frame{typ: typeTping, tag: 1})

	if _, ok := pending.Wait(pingTimeout); !ok {
		t.Shutdown(errors.New("initial ping timed out"))
		fut.SetErr(rpcerr.New(rpcerr.KindTransportFault, "initial ping timed out"))
		return
	}

	g.Go(func() error { return t.pingLoop() })
	go func() {
		if err := g.Wait(); err != nil {
			t.logger.Warning().Err(err).Log("mux loop group exited")
		}
	}()

	t.state.store(stateRunning)
	fut.Set(nil)
}

// AsyncProcessRequest implements the request handling steps of
// spec.md §4.5.
//
// step 2 (one-way: tag 0, no in-flight bookkeeping) is not implemented -
// the Dispatcher always awaits a reply, so every call reaching this
// transport wants a tag. Nothing upstream currently produces a one-way
// request; a future one-way sink would need to special-case tag 0 here
// rather than going through acquireTag.
func (t *Transport) AsyncProcessRequest(stack *sink.Stack, req *sink.Request) {
	if t.state.load() != stateRunning {
		stack.Deliver(errResponse(rpcerr.New(rpcerr.KindTransportFault, "transport is not running")))
		return
	}

	tag, err := t.acquireTag()
	if err != nil {
		stack.Deliver(errResponse(err))
		return
	}

	fl := &inflight{stack: stack}
	if req.Call != nil {
		if ev, ok := req.Call.Property(message.DeadlineEvent); ok {
			if ch, ok := ev.(chan struct{}); ok {
				fl.stopWatch = make(chan struct{})
				go t.watchDeadline(tag, ch, fl.stopWatch)
			}
		}
	}

	t.mu.Lock()
	t.inFlight[tag] = fl
	t.mu.Unlock()

	t.enqueue(frame{typ: typeTdispatch, tag: tag, body: encodeTdispatch(req)})
}

// watchDeadline discards tag the moment the Timeout Sink closes the
// call's deadline-event channel (client-side timeout fired above this
// transport in the chain), per spec.md §4.5's discard-on-client-timeout
// policy. stop lets dispatchInbound/Shutdown end the watch once the tag
// is no longer outstanding, without leaking a goroutine per call that
// completes normally.
func (t *Transport) watchDeadline(tag int32, deadlineEvent <-chan struct{}, stop <-chan struct{}) {
	select {
	case <-deadlineEvent:
		t.Discard(tag, "client timeout")
	case <-stop:
	}
}

// AsyncProcessResponse is never invoked directly: replies arrive via
// recvLoop/dispatchInbound, which calls the stored stack's Deliver.
func (t *Transport) AsyncProcessResponse(*sink.Stack, any, *sink.Response) {}

// Discard enqueues a Tdiscarded for tag, per spec.md §4.5's client-
// timeout cancellation policy: the tag is NOT released here - only the
// eventual server reply (or Shutdown) releases it.
func (t *Transport) Discard(tag int32, reason string) {
	t.mu.Lock()
	fl, ok := t.inFlight[tag]
	if ok {
		fl.discarded = true
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	t.enqueue(frame{typ: typeTdiscarded, tag: tag, body: []byte(reason)})
}

// acquireTag pops a free tag or advances the high-water mark, per
// spec.md §3's Tag Pool.
func (t *Transport) acquireTag() (int32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.tagFree); n > 0 {
		tag := t.tagFree[n-1]
		t.tagFree = t.tagFree[:n-1]
		return tag, nil
	}
	if t.tagNext > t.maxTag {
		if t.metrics != nil {
			t.metrics.IncrPoolExhausted()
		}
		return 0, rpcerr.New(rpcerr.KindPoolExhausted, "tag pool exhausted")
	}
	tag := t.tagNext
	t.tagNext++
	return tag, nil
}

func (t *Transport) releaseTag(tag int32) {
	t.mu.Lock()
	t.tagFree = append(t.tagFree, tag)
	t.mu.Unlock()
}

// enqueue appends a frame to the send queue and wakes the send loop.
func (t *Transport) enqueue(f frame) {
	t.sendMu.Lock()
	t.sendQ = append(t.sendQ, f)
	t.sendMu.Unlock()
	select {
	case t.sendCh <- struct{}{}:
	default:
	}
}

func (t *Transport) sendLoop(conn net.Conn) error {
	for {
		t.sendMu.Lock()
		q := t.sendQ
		t.sendQ = nil
		t.sendMu.Unlock()

		for _, f := range q {
			if err := writeFrame(conn, f); err != nil {
				t.Shutdown(err)
				return err
			}
		}

		if t.state.load() == stateStopped {
			return nil
		}

		<-t.sendCh
		if t.state.load() == stateStopped {
			return nil
		}
	}
}

func (t *Transport) recvLoop(conn net.Conn) error {
	for {
		typ, tag, body, err := readFrame(conn)
		if err != nil {
			t.Shutdown(err)
			return err
		}
		t.dispatchInbound(typ, tag, body)
	}
}

func (t *Transport) dispatchInbound(typ msgType, tag int32, body []byte) {
	if tag == 1 && typ == typeRping {
		if p := t.pingPending.Load(); p != nil {
			p.Set(nil)
		}
		return
	}
	if tag == 0 {
		t.logger.Warning().Int("tag", int(tag)).Log("mux dropped non-ping message on one-way tag")
		return
	}

	t.mu.Lock()
	fl, ok := t.inFlight[tag]
	if ok {
		delete(t.inFlight, tag)
	}
	t.mu.Unlock()
	if !ok {
		// Late reply for a tag no longer tracked (already torn down by
		// Shutdown, or a duplicate) - drop it (spec.md §9 Open Question,
		// resolved: "Prefer: drop late replies for tags not in the map").
		t.logger.Warning().Int("tag", int(tag)).Log("mux dropped reply for untracked tag")
		return
	}
	t.releaseTag(tag)
	if fl.stopWatch != nil {
		close(fl.stopWatch)
	}

	fl.stack.Deliver(decodeRdispatch(typ, body))
}

func (t *Transport) pingLoop() error {
	for {
		interval := t.pingMin + time.Duration(rand.Int63n(int64(t.pingMax-t.pingMin+1)))
		select {
		case <-time.After(interval):
		case <-t.closedSignal():
			return nil
		}
		if t.state.load() != stateRunning {
			return nil
		}

		pending := future.New()
		t.pingPending.Store(pending)
		t.enqueue(frame{typ: typeTping, tag: 1})
		if _, ok := pending.Wait(pingTimeout); !ok {
			t.Shutdown(errors.New("Ping Timeout"))
			return nil
		}
	}
}

func (t *Transport) closedSignal() <-chan struct{} {
	return t.faulted.Done()
}

// Shutdown is idempotent and atomic: transitions to Stopped, closes the
// socket, drains the in-flight map completing every waiter with a
// transport-fault error, and fires Faulted exactly once (spec.md §4.5).
func (t *Transport) Shutdown(reason error) {
	t.mu.Lock()
	if t.state.load() == stateStopped {
		t.mu.Unlock()
		return
	}
	t.state.store(stateStopped)
	conn := t.conn
	waiters := t.inFlight
	t.inFlight = make(map[int32]*inflight)
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	for _, fl := range waiters {
		if fl.stopWatch != nil {
			close(fl.stopWatch)
		}
		fl.stack.Deliver(errResponse(rpcerr.Wrap(rpcerr.KindTransportFault, reason)))
	}

	// Wake a blocked sendLoop so it observes Stopped and exits.
	select {
	case t.sendCh <- struct{}{}:
	default:
	}

	t.logger.Warning().Err(reason).Log("mux transport shut down")
	t.faulted.Set(reason)
}

func deadlineOf(req *sink.Request) (time.Time, bool) {
	if req.Call == nil {
		return time.Time{}, false
	}
	d := req.Call.DeadlineAt()
	return d, !d.IsZero()
}

func errResponse(err error) *sink.Response {
	return &sink.Response{Return: message.Errorf(err)}
}

// encodeTdispatch builds a Tdispatch body: context (count=0 unless a
// deadline is present, in which case the Finagle Deadline context entry
// is emitted per spec.md §6), dst_len=0, dtab_len=0, then the
// already-serialized payload.
func encodeTdispatch(req *sink.Request) []byte {
	var ctxEntries [][]byte
	if d, ok := deadlineOf(req); ok {
		var v [16]byte
		nowUs := time.Now().UnixMicro()
		timeoutUs := time.Until(d).Microseconds()
		binary.BigEndian.PutUint64(v[0:8], uint64(nowUs))
		binary.BigEndian.PutUint64(v[8:16], uint64(timeoutUs))
		ctxEntries = append(ctxEntries, append([]byte("com.twitter.finagle.Deadline"), v[:]...))
	}

	buf := make([]byte, 0, 8+len(req.Bytes))
	var cnt [2]byte
	binary.BigEndian.PutUint16(cnt[:], uint16(len(ctxEntries)))
	buf = append(buf, cnt[:]...)
	for _, e := range ctxEntries {
		// key is the well-known string before the 16-byte value; for
		// simplicity the key/value split point is fixed at len(e)-16.
		key := e[:len(e)-16]
		val := e[len(e)-16:]
		var kl, vl [2]byte
		binary.BigEndian.PutUint16(kl[:], uint16(len(key)))
		binary.BigEndian.PutUint16(vl[:], uint16(len(val)))
		buf = append(buf, kl[:]...)
		buf = append(buf, key...)
		buf = append(buf, vl[:]...)
		buf = append(buf, val...)
	}
	buf = append(buf, 0, 0) // dst_len
	buf = append(buf, 0, 0) // dtab_len
	buf = append(buf, req.Bytes...)
	return buf
}

// decodeRdispatch parses an Rdispatch/Rerr/BAD_Rerr body into a
// sink.Response, per spec.md §6.
func decodeRdispatch(typ msgType, body []byte) *sink.Response {
	switch typ {
	case typeRdispatch:
		if len(body) < 3 {
			return errResponse(rpcerr.New(rpcerr.KindInternal, "truncated Rdispatch"))
		}
		status := body[0]
		ctxCount := binary.BigEndian.Uint16(body[1:3])
		off := 3
		for i := uint16(0); i < ctxCount && off+4 <= len(body); i++ {
			kl := int(binary.BigEndian.Uint16(body[off : off+2]))
			off += 2 + kl
			if off+2 > len(body) {
				break
			}
			vl := int(binary.BigEndian.Uint16(body[off : off+2]))
			off += 2 + vl
		}
		payload := body[min(off, len(body)):]
		switch status {
		case statusOK:
			return &sink.Response{Bytes: payload}
		case statusError:
			return errResponse(rpcerr.New(rpcerr.KindServer, string(payload)))
		default: // NACK
			return errResponse(rpcerr.New(rpcerr.KindServer, "NACK"))
		}
	case typeRerr, typeBadRerr:
		return errResponse(rpcerr.New(rpcerr.KindServer, string(body)))
	default:
		return errResponse(rpcerr.New(rpcerr.KindInternal, "unrecognized reply message type"))
	}
}

func writeFrame(w io.Writer, f frame) error {
	body := make([]byte, 0, 4+len(f.body))
	body = append(body, byte(f.typ))
	body = append(body, byte(f.tag>>16), byte(f.tag>>8), byte(f.tag))
	body = append(body, f.body...)

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func readFrame(r io.Reader) (msgType, int32, []byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, 0, nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n < 4 {
		return 0, 0, nil, errors.New("mux: frame shorter than header")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, 0, nil, err
	}
	typ := decodeMsgType(buf[0])
	tag := int32(buf[1])<<16 | int32(buf[2])<<8 | int32(buf[3])
	return typ, tag, buf[4:], nil
}

// decodeMsgType recovers the signed message type from the wire byte,
// per spec.md §6: "recovered from the unsigned byte as -(256 - b) for
// negative types."
func decodeMsgType(b byte) msgType {
	if b >= 128 {
		return msgType(-(256 - int(b)))
	}
	return msgType(b)
}
