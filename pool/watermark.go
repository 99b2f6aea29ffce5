package pool

import (
	"sync"
	"time"

	"github.com/joeycumines/go-rpcmux/sink"
	"github.com/joeycumines/go-rpcmux/timerqueue"
)

// Watermark bounds the number of concurrently open underlying sinks
// between a low and high watermark: up to `high` sinks may be open at
// once; idle sinks above `low` are closed after a grace period instead
// of kept forever. Supplements spec.md §2's "watermarked sink reuse"
// (named in the component table, not detailed in the body) on the same
// Idle -> Open -> Busy -> Closed lifecycle spec.md §3 defines for every
// sink, using the Timer Queue for idle reclamation the way the Timeout
// Sink uses it for deadlines.
type Watermark struct {
	factory     Factory
	low, high   int
	gracePeriod time.Duration
	queue       *timerqueue.Queue // nil disables idle reclamation

	mu      sync.Mutex
	idle    []sink.Sink
	open    int
	waiters []chan struct{}
}

// NewWatermark returns a Watermark pool sink. queue may be nil to
// disable idle reclamation (idle sinks are then kept until high is
// reached and reused indefinitely).
func NewWatermark(factory Factory, low, high int, queue *timerqueue.Queue, gracePeriod time.Duration) *Watermark {
	if high < 1 {
		high = 1
	}
	if low < 0 {
		low = 0
	}
	if low > high {
		low = high
	}
	return &Watermark{factory: factory, low: low, high: high, queue: queue, gracePeriod: gracePeriod}
}

func (p *Watermark) State() sink.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.open == 0 {
		return sink.Idle
	}
	return sink.Open
}

func (p *Watermark) AsyncProcessRequest(stack *sink.Stack, req *sink.Request) {
	s := p.acquire()
	stack.Push(p, s)
	s.AsyncProcessRequest(stack, req)
}

func (p *Watermark) AsyncProcessResponse(stack *sink.Stack, ctx any, resp *sink.Response) {
	s, _ := ctx.(sink.Sink)
	if s != nil {
		p.release(s)
	}
	stack.Deliver(resp)
}

// acquire returns an idle sink or opens a fresh one, blocking if the
// pool is already at the high watermark until a slot frees up.
func (p *Watermark) acquire() sink.Sink {
	for {
		p.mu.Lock()
		for len(p.idle) > 0 {
			n := len(p.idle) - 1
			s := p.idle[n]
			p.idle = p.idle[:n]
			if s.State() != sink.Closed {
				p.mu.Unlock()
				return s
			}
			p.open--
		}

		if p.open < p.high {
			p.open++
			p.mu.Unlock()
			next := p.factory()
			p.subscribeFault(next)
			return next
		}

		wait := make(chan struct{})
		p.waiters = append(p.waiters, wait)
		p.mu.Unlock()
		<-wait
	}
}

func (p *Watermark) subscribeFault(s sink.Sink) {
	subscribeEviction(s, func() {
		p.mu.Lock()
		p.open--
		p.wakeOneLocked()
		p.mu.Unlock()
	})
}

// release returns s to the idle set, or drops it (decrementing open) if
// it has already transitioned to Closed. Idle sinks above the low
// watermark are scheduled for eviction after the grace period.
func (p *Watermark) release(s sink.Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s.State() == sink.Closed {
		p.open--
		p.wakeOneLocked()
		return
	}

	p.idle = append(p.idle, s)
	p.wakeOneLocked()

	if p.queue != nil && len(p.idle) > p.low {
		p.queue.Schedule(time.Now().Add(p.gracePeriod), func() { p.reclaim(s) })
	}
}

// reclaim removes s from the idle set and closes it, if it is still
// idle and still above the low watermark by the time the grace period
// elapses.
func (p *Watermark) reclaim(s sink.Sink) {
	p.mu.Lock()
	if len(p.idle) <= p.low {
		p.mu.Unlock()
		return
	}
	idx := -1
	for i, c := range p.idle {
		if c == s {
			idx = i
			break
		}
	}
	if idx == -1 {
		p.mu.Unlock()
		return
	}
	p.idle = append(p.idle[:idx], p.idle[idx+1:]...)
	p.open--
	p.mu.Unlock()

	if c, ok := s.(sink.Closer); ok {
		c.Close()
	}
}

// wakeOneLocked notifies one waiter that a slot may be free. Must be
// called with p.mu held.
func (p *Watermark) wakeOneLocked() {
	if len(p.waiters) == 0 {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	close(w)
}

var _ sink.Sink = (*Watermark)(nil)
