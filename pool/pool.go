// Package pool implements the Pool Sinks named but not detailed by
// spec.md §2/§4 ("Connection pooling policies (singleton, per-call,
// watermark) — consumed as sinks") and supplemented from
// original_source/scales/pool/singleton.py.
//
// A pool sits between the Serializer Sink and the (load-balanced)
// Transport: it owns a Factory that lazily creates the underlying sink
// (almost always a transport), decides when to reuse it versus build a
// fresh one, and evicts on fault exactly as the original's
// SingletonPoolSink does via on_faulted.
package pool

import (
	"github.com/joeycumines/go-rpcmux/future"
	"github.com/joeycumines/go-rpcmux/sink"
)

// Factory constructs a fresh underlying sink, e.g. opening a new
// transport connection. Pools call this lazily, never at construction.
type Factory func() sink.Sink

// subscribeEviction arranges for onFault to run once s faults, if s
// implements sink.Faulter. Grounded on
// original_source/scales/pool/singleton.py's
// `next_sink.on_faulted.Subscribe(self.__PropagateShutdown)`.
func subscribeEviction(s sink.Sink, onFault func()) {
	f, ok := s.(sink.Faulter)
	if !ok {
		return
	}
	f.Faulted().SafeLink(func(future.Result) (any, error) {
		onFault()
		return nil, nil
	})
}
