package sink

import (
	"time"

	"github.com/joeycumines/go-rpcmux/internal/metrics"
	"github.com/joeycumines/go-rpcmux/message"
	"github.com/joeycumines/go-rpcmux/rpcerr"
	"github.com/joeycumines/go-rpcmux/timerqueue"
)

// TimeoutSink installs deadline handlers and produces timeout errors,
// cancelling downstream work once the deadline fires (spec.md §4.3).
type TimeoutSink struct {
	next    Sink
	queue   *timerqueue.Queue
	metrics *metrics.Registry
}

// NewTimeoutSink returns a Provider building a TimeoutSink against the
// given shared timer queue. metrics may be nil to disable counting.
func NewTimeoutSink(queue *timerqueue.Queue, m *metrics.Registry) Provider {
	return func(next Sink) Sink {
		return &TimeoutSink{next: next, queue: queue, metrics: m}
	}
}

func (t *TimeoutSink) State() State { return t.next.State() }

type timeoutCtx struct {
	cancel timerqueue.CancelFunc
}

func (t *TimeoutSink) AsyncProcessRequest(stack *Stack, req *Request) {
	deadline := req.Call.DeadlineAt()
	if deadline.IsZero() {
		t.next.AsyncProcessRequest(stack, req)
		return
	}

	if !deadline.After(time.Now()) {
		// Already in the past: short-circuit without touching the chain.
		stack.Deliver(&Response{Return: message.Errorf(rpcerr.New(rpcerr.KindTimeout, "deadline already elapsed"))})
		return
	}

	cancel := t.queue.Schedule(deadline, func() {
		// A timerqueue entry fires at most once, so the deadline event
		// (if present) is closed exactly once here.
		if ev, ok := req.Call.Property(message.DeadlineEvent); ok {
			if ch, ok := ev.(chan struct{}); ok {
				close(ch)
			}
		}
		if t.metrics != nil {
			t.metrics.IncrTimeouts()
		}
		stack.Deliver(&Response{Return: message.Errorf(rpcerr.New(rpcerr.KindTimeout, "call exceeded deadline"))})
	})

	stack.Push(t, &timeoutCtx{cancel: cancel})
	t.next.AsyncProcessRequest(stack, req)
}

func (t *TimeoutSink) AsyncProcessResponse(stack *Stack, ctx any, resp *Response) {
	if tc, ok := ctx.(*timeoutCtx); ok {
		tc.cancel() // idempotent: no-op if the deadline already fired
	}
	stack.Deliver(resp)
}
