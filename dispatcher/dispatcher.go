// Package dispatcher implements the Dispatcher component described in
// spec.md §4.1: it is the single entry point a caller uses to invoke a
// method, and it is always the innermost (terminal) frame on a call's
// Stack - nothing unwinds past it.
//
// Grounded on original_source/scales/dispatch.py's MessageDispatcher:
// DispatchMethodCall stamps a deadline, pushes (source, start_time,
// future) and spawns the request onto the chain; AsyncProcessResponse
// records latency keyed by source, classifies the result, and completes
// the future without ever calling stack.Deliver again.
package dispatcher

import (
	"time"

	"github.com/joeycumines/go-rpcmux/future"
	"github.com/joeycumines/go-rpcmux/internal/metrics"
	"github.com/joeycumines/go-rpcmux/internal/rpclog"
	"github.com/joeycumines/go-rpcmux/message"
	"github.com/joeycumines/go-rpcmux/rpcerr"
	"github.com/joeycumines/go-rpcmux/sink"
)

// Dispatcher is the terminal sink-stack consumer: it owns the chain head
// built from a Provider list, and turns every call into a Future.
type Dispatcher struct {
	service        string
	head           sink.Sink
	defaultTimeout time.Duration
	metrics        *metrics.Registry
	logger         rpclog.Logger
}

// Option configures a Dispatcher at construction time.
type Option func(*Dispatcher)

// WithDefaultTimeout sets the timeout applied when Dispatch is called
// without an explicit one. Zero means "no deadline".
func WithDefaultTimeout(d time.Duration) Option {
	return func(d2 *Dispatcher) { d2.defaultTimeout = d }
}

// WithMetrics attaches a metrics.Registry for per-(service,method)
// latency observations. Nil (the default) disables metrics.
func WithMetrics(m *metrics.Registry) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger attaches a structured logger. Defaults to rpclog.Nop.
func WithLogger(l rpclog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New builds a Dispatcher for service, wiring head as the chain's
// outermost sink (built via sink.Build by the caller).
func New(service string, head sink.Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{service: service, head: head, logger: rpclog.Nop}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// dispatchCtx is the context pushed onto the Stack: the latency source,
// the call's start time, and the Future to complete.
type dispatchCtx struct {
	source metrics.Source
	start  time.Time
	fut    *future.Future
}

// Dispatch creates and posts a call onto the sink chain, returning a
// Future signalled when the call completes (successfully, with an
// error, or via timeout). A zero timeout uses the Dispatcher's default;
// a negative timeout means "no deadline".
func (d *Dispatcher) Dispatch(method string, args []any, kwargs map[string]any, timeout time.Duration) *future.Future {
	if timeout == 0 {
		timeout = d.defaultTimeout
	}

	call := message.NewMethodCall(d.service, method, args, kwargs)
	if timeout > 0 {
		call = call.WithProperty(message.Deadline, time.Now().Add(timeout)).
			WithProperty(message.DeadlineEvent, make(chan struct{}))
	}

	source := metrics.Source{Service: d.service, Method: method}
	fut := future.New()

	stack := sink.NewStack()
	stack.Push(d, &dispatchCtx{source: source, start: time.Now(), fut: fut})

	// Spawned so the caller's goroutine is never blocked by the chain,
	// mirroring the original's gevent.spawn of AsyncProcessRequest.
	go d.head.AsyncProcessRequest(stack, &sink.Request{Call: call})

	return fut
}

// AsyncProcessResponse completes the Future for this call. It never
// calls stack.Deliver: the Dispatcher is always the innermost frame.
func (d *Dispatcher) AsyncProcessResponse(_ *sink.Stack, ctx any, resp *sink.Response) {
	dc, ok := ctx.(*dispatchCtx)
	if !ok {
		return
	}

	if d.metrics != nil {
		d.metrics.ObserveLatency(dc.source, time.Since(dc.start))
	}

	ret := resp.Return
	if ret == nil {
		dc.fut.SetErr(rpcerr.New(rpcerr.KindInternal, "unknown response message: no MethodReturn present"))
		return
	}

	if ret.IsError() {
		err := wrapError(ret)
		d.logger.Debug().Str("service", dc.source.Service).Str("method", dc.source.Method).Err(err).Log("call failed")
		dc.fut.SetErr(err)
		return
	}

	dc.fut.Set(ret.Value)
}

// AsyncProcessRequest is never called on a Dispatcher: it is only ever
// the innermost Stack frame, never a link forwarding a request.
func (d *Dispatcher) AsyncProcessRequest(*sink.Stack, *sink.Request) {}

// State reports Open: a Dispatcher has no lifecycle of its own distinct
// from the chain it owns.
func (d *Dispatcher) State() sink.State { return sink.Open }

// wrapError classifies a failed MethodReturn, leaving timeouts
// unwrapped and attaching a remote stack trace (if present) to any other
// *rpcerr.Error; errors of other types are returned unchanged
// (original_source/scales/dispatch.py's _WrapException).
func wrapError(ret *message.MethodReturn) error {
	if rpcerr.IsTimeout(ret.Err) {
		return ret.Err
	}

	var e *rpcerr.Error
	if rpcerr.As(ret.Err, &e) {
		if ret.RemoteTrace != "" {
			return e.WithRemoteTrace(ret.RemoteTrace)
		}
		return e
	}

	return ret.Err
}
