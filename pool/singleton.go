package pool

import (
	"sync"

	"github.com/joeycumines/go-rpcmux/sink"
)

// Singleton lazily opens one underlying sink and reuses it for every
// call, recreating it only after a fault or after the underlying sink
// reports Closed. Grounded on
// original_source/scales/pool/singleton.py's SingletonPoolSink,
// simplified from its explicit Open/Close ref-counting (this CORE's
// Sink interface has no Open/Close lifecycle calls of its own - a
// Singleton is created once per Dispatcher and lives as long as it
// does) to lazy-create-on-first-use plus evict-on-fault.
type Singleton struct {
	factory Factory

	mu  sync.Mutex
	cur sink.Sink
}

// NewSingleton returns a Singleton pool sink backed by factory.
func NewSingleton(factory Factory) *Singleton {
	return &Singleton{factory: factory}
}

func (p *Singleton) State() sink.State {
	p.mu.Lock()
	cur := p.cur
	p.mu.Unlock()
	if cur == nil {
		return sink.Idle
	}
	return cur.State()
}

// get returns the current underlying sink, creating one if absent or if
// the current one has moved to Closed (original_source's `_Get`:
// "elif self.next_sink.state > ChannelState.Open: ... return self._Get()").
func (p *Singleton) get() sink.Sink {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cur != nil && p.cur.State() != sink.Closed {
		return p.cur
	}

	next := p.factory()
	p.cur = next
	subscribeEviction(next, func() {
		p.mu.Lock()
		if p.cur == next {
			p.cur = nil
		}
		p.mu.Unlock()
	})
	return next
}

func (p *Singleton) AsyncProcessRequest(stack *sink.Stack, req *sink.Request) {
	next := p.get()
	next.AsyncProcessRequest(stack, req)
}

// AsyncProcessResponse is never invoked: Singleton forwards directly to
// the underlying sink without pushing itself onto the Stack, the same
// non-participating pattern as ClientIDSink.
func (p *Singleton) AsyncProcessResponse(*sink.Stack, any, *sink.Response) {}

var _ sink.Sink = (*Singleton)(nil)
