// Package rpclog is the ambient structured logging seam used across
// dispatcher, transport, and membership. Rather than a bespoke Logger
// interface, every component accepts a logiface.Logger (the teacher's
// own structured-logging framework, github.com/joeycumines/logiface)
// wired to a zerolog backend via github.com/joeycumines/izerolog - the
// same pairing the teacher's own logiface-zerolog package exists to
// provide.
package rpclog

import (
	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

// Logger is the structured logging handle accepted by dispatcher,
// transport, and membership constructors. A nil Writer (the zero-configured form
// Nop returns) makes every call a safe no-op, per logiface.Logger's own
// canWrite() gate.
type Logger = *logiface.Logger[*izerolog.Event]

// Nop discards everything: a Logger with no writer configured.
var Nop Logger = logiface.New[*izerolog.Event]()

// New wires a logiface.Logger to zl, the concrete zerolog backend.
func New(zl zerolog.Logger) Logger {
	return logiface.New[*izerolog.Event](izerolog.L.WithZerolog(zl))
}
