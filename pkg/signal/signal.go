// Package signal provides a small typed observer list.
//
// A Signal delivers a value to every connected slot in connection order.
// Connecting returns a Connection whose Disconnect removes the slot; a slot
// disconnected while an emission is in progress is not called afterwards.
package signal

import "sync"

// Slot receives values emitted by a Signal.
type Slot[T any] func(T)

// Signal is a list of slots. The zero value is ready to use.
type Signal[T any] struct {
	mu     sync.Mutex
	nextID uint64
	slots  []*slotEntry[T]
}

type slotEntry[T any] struct {
	id        uint64
	fn        Slot[T]
	connected bool
}

// Connection identifies one connected slot.
type Connection struct {
	disconnect func()
}

// Disconnect removes the slot from its signal. It is safe to call more than
// once, and on a zero Connection.
func (c *Connection) Disconnect() {
	if c == nil || c.disconnect == nil {
		return
	}
	c.disconnect()
	c.disconnect = nil
}

// Connected reports whether Disconnect has not yet been called.
func (c *Connection) Connected() bool {
	return c != nil && c.disconnect != nil
}

// Connect adds fn to the signal.
func (s *Signal[T]) Connect(fn Slot[T]) *Connection {
	s.mu.Lock()
	s.nextID++
	entry := &slotEntry[T]{id: s.nextID, fn: fn, connected: true}
	s.slots = append(s.slots, entry)
	s.mu.Unlock()

	return &Connection{disconnect: func() { s.remove(entry.id) }}
}

func (s *Signal[T]) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, entry := range s.slots {
		if entry.id == id {
			entry.connected = false
			s.slots = append(s.slots[:i], s.slots[i+1:]...)
			return
		}
	}
}

// Emit calls every connected slot with v. Slots may connect or disconnect
// during emission.
func (s *Signal[T]) Emit(v T) {
	s.mu.Lock()
	snapshot := make([]*slotEntry[T], len(s.slots))
	copy(snapshot, s.slots)
	s.mu.Unlock()

	for _, entry := range snapshot {
		s.mu.Lock()
		connected := entry.connected
		s.mu.Unlock()
		if connected {
			entry.fn(v)
		}
	}
}

// Len returns the number of connected slots.
func (s *Signal[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// DisconnectAll removes every slot.
func (s *Signal[T]) DisconnectAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.slots {
		entry.connected = false
	}
	s.slots = nil
}
