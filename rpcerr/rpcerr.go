// Package rpcerr defines the closed taxonomy of error kinds the CORE
// pipeline produces. Errors travel back through the sink chain as values
// (see package sink), never as panics or bare error interfaces with no
// classification, so that a dispatcher or an upstream pool can branch on
// "what kind of failure was this" without string matching.
package rpcerr

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies an Error. The set is closed: new kinds require a new
// constant here, not an arbitrary string.
type Kind int

const (
	// KindUnknown is never produced by this package; it exists so the
	// zero value of Kind is recognizably invalid.
	KindUnknown Kind = iota

	// KindTimeout means a deadline elapsed client-side. Never wrapped;
	// surfaces verbatim per spec.
	KindTimeout

	// KindClient means the client rejected a malformed call before
	// sending it (e.g. the wrong message class reached a sink).
	KindClient

	// KindChannelConcurrency means a serial transport received a second
	// request while one was still in flight.
	KindChannelConcurrency

	// KindServer means the server returned a NACK, an Rerr, or an error
	// Rdispatch. Carries the server's text (and, where present, a
	// remote stack trace string).
	KindServer

	// KindTransportFault means the underlying connection failed. Every
	// in-flight waiter observes this kind on shutdown.
	KindTransportFault

	// KindInternal means the pipeline produced a response message class
	// no sink recognized.
	KindInternal

	// KindPoolExhausted means a tag pool's high-water mark reached the
	// ceiling with no free tags available.
	KindPoolExhausted
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindClient:
		return "client"
	case KindChannelConcurrency:
		return "channel_concurrency"
	case KindServer:
		return "server"
	case KindTransportFault:
		return "transport_fault"
	case KindInternal:
		return "internal"
	case KindPoolExhausted:
		return "pool_exhausted"
	default:
		return "unknown"
	}
}

// GRPCCode maps a Kind to the nearest [codes.Code], for callers bridging
// into a gRPC-shaped world (e.g. a status-aware load balancer).
func (k Kind) GRPCCode() codes.Code {
	switch k {
	case KindTimeout:
		return codes.DeadlineExceeded
	case KindClient:
		return codes.InvalidArgument
	case KindChannelConcurrency:
		return codes.ResourceExhausted
	case KindServer:
		return codes.Unknown
	case KindTransportFault:
		return codes.Unavailable
	case KindInternal:
		return codes.Internal
	case KindPoolExhausted:
		return codes.ResourceExhausted
	default:
		return codes.Unknown
	}
}

// GRPCStatus implements the interface github.com/grpc-ecosystem error
// bridges look for (status.FromError type-asserts on it), letting an
// *Error surface through a gRPC-shaped boundary with the right code
// without the caller needing to know about rpcerr.Kind at all.
func (e *Error) GRPCStatus() *status.Status {
	if e == nil {
		return status.New(codes.OK, "")
	}
	return status.New(e.kind.GRPCCode(), e.Error())
}

// Error is the concrete error type produced across the sink chain.
// It optionally carries the server's remote stack trace, preserved
// verbatim for diagnostic wrapping by the Dispatcher.
type Error struct {
	kind       Kind
	msg        string
	remoteTrace string
	cause      error
}

// New constructs an Error of the given kind with a message.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

// Newf constructs an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{kind: kind, msg: cause.Error(), cause: cause}
}

// WithRemoteTrace attaches a server-side stack trace string, returning a
// new Error. The original receiver is not mutated.
func (e *Error) WithRemoteTrace(trace string) *Error {
	if e == nil {
		return nil
	}
	cp := *e
	cp.remoteTrace = trace
	return &cp
}

// Kind reports the error's classification.
func (e *Error) Kind() Kind {
	if e == nil {
		return KindUnknown
	}
	return e.kind
}

// RemoteTrace returns the server-side stack trace string, if any.
func (e *Error) RemoteTrace() string {
	if e == nil {
		return ""
	}
	return e.remoteTrace
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.remoteTrace != "" {
		return fmt.Sprintf("%s: %s\n%s", e.kind, e.msg, e.remoteTrace)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is reports whether err is an *Error of the given kind. Convenience for
// errors.Is(err, rpcerr.Timeout) style checks against kind sentinels below.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok || other == nil {
		return false
	}
	return e.kind == other.kind && other.msg == "" && other.cause == nil
}

// Sentinel kind markers usable with errors.Is, e.g. errors.Is(err, rpcerr.Timeout).
var (
	Timeout             = &Error{kind: KindTimeout}
	Client              = &Error{kind: KindClient}
	ChannelConcurrency   = &Error{kind: KindChannelConcurrency}
	Server              = &Error{kind: KindServer}
	TransportFault      = &Error{kind: KindTransportFault}
	Internal            = &Error{kind: KindInternal}
	PoolExhausted       = &Error{kind: KindPoolExhausted}
)

// IsTimeout reports whether err is a timeout Error, unwrapping as needed.
func IsTimeout(err error) bool {
	var e *Error
	if As(err, &e) {
		return e.kind == KindTimeout
	}
	return false
}

// As is a small local helper so this package does not need to import
// errors just for one call site used by IsTimeout; kept here rather than
// inlined at each call site to avoid repeating the type switch.
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
