package mux

import (
	"sync/atomic"

	"github.com/joeycumines/go-rpcmux/future"
)

// atomicState is a lock-free connState cell.
type atomicState struct {
	v atomic.Int32
}

func (a *atomicState) store(s connState) { a.v.Store(int32(s)) }
func (a *atomicState) load() connState   { return connState(a.v.Load()) }

// atomicFuture is a lock-free, set-once *future.Future cell used to
// coordinate Open()'s "first caller drives the open, others await the
// same future" contract (spec.md §4.5).
type atomicFuture struct {
	v atomic.Pointer[future.Future]
}

func (a *atomicFuture) load() *future.Future { return a.v.Load() }

// storeIfAbsent sets fut if no future has been stored yet, reporting
// whether this call won the race.
func (a *atomicFuture) storeIfAbsent(fut *future.Future) bool {
	return a.v.CompareAndSwap(nil, fut)
}
