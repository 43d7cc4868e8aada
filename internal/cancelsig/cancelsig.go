// Package cancelsig is the in-memory half of two-phase cancellation:
// the durable CANCEL_REQUESTED write is phase one, and a Signal is the
// phase-two in-process flag a running executor or model runner checks
// at its next suspension point.
package cancelsig

import "sync/atomic"

// Signal is a one-shot, concurrency-safe cancellation flag.
type Signal struct {
	flag atomic.Bool
}

// New returns an unset Signal.
func New() *Signal { return &Signal{} }

// Set raises the signal. Idempotent.
func (s *Signal) Set() { s.flag.Store(true) }

// IsSet reports whether the signal has been raised.
func (s *Signal) IsSet() bool { return s.flag.Load() }
