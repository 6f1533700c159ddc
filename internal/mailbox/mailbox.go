// Package mailbox provides a single-slot, latest-wins handoff between one
// writer goroutine and one reader goroutine.
package mailbox

import "sync/atomic"

// Mailbox holds at most one undelivered value. Put replaces whatever is
// waiting; Take removes it. The zero value is an empty mailbox.
type Mailbox[T any] struct {
	slot       atomic.Pointer[T]
	puts       atomic.Uint64
	superseded atomic.Uint64
}

// Put stores v and reports whether an unconsumed value was discarded.
func (m *Mailbox[T]) Put(v *T) bool {
	m.puts.Add(1)
	if prev := m.slot.Swap(v); prev != nil {
		m.superseded.Add(1)
		return true
	}
	return false
}

// Take returns the waiting value and empties the slot, or nil if empty.
func (m *Mailbox[T]) Take() *T {
	return m.slot.Swap(nil)
}

// Pending reports whether a value is waiting.
func (m *Mailbox[T]) Pending() bool {
	return m.slot.Load() != nil
}

func (m *Mailbox[T]) Puts() uint64 {
	return m.puts.Load()
}

// Superseded counts values replaced before they were taken.
func (m *Mailbox[T]) Superseded() uint64 {
	return m.superseded.Load()
}
