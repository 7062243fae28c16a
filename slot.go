package dbus

import "sync"

// Slot is a move-only RAII token: dropping it (calling Close, or
// letting it be garbage collected after an explicit Close) performs
// exactly one unregistration on the Connection that issued it — vtable
// removal, match-rule removal, pending-call cancellation, or
// ObjectManager removal (§3, §4.5). A Slot never outlives its
// Connection; closing a Slot whose Connection already closed is a
// harmless no-op, mirroring the signalWatch.cancel idempotence the
// teacher package builds its signal subscriptions on.
type Slot struct {
	mu       sync.Mutex
	closed   bool
	teardown func()
}

func newSlot(teardown func()) *Slot {
	return &Slot{teardown: teardown}
}

// Close unregisters whatever this Slot guards. It is idempotent: a
// second call is a no-op.
func (s *Slot) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.teardown != nil {
		s.teardown()
	}
	return nil
}

// Closed reports whether Close has already run.
func (s *Slot) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// float transfers ownership of the Slot to its Connection: the
// Connection keeps it alive (and will Close it on its own shutdown)
// instead of the caller needing to hold and Close it explicitly. This
// is the "floating Slot" of §3.
func (s *Slot) float(owner *floatingSlots) {
	owner.add(s)
}

// floatingSlots collects Slots whose lifetime has been handed to a
// Connection, closed in reverse registration order on shutdown.
type floatingSlots struct {
	mu    sync.Mutex
	slots []*Slot
}

func (f *floatingSlots) add(s *Slot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slots = append(f.slots, s)
}

func (f *floatingSlots) closeAll() {
	f.mu.Lock()
	slots := f.slots
	f.slots = nil
	f.mu.Unlock()
	for i := len(slots) - 1; i >= 0; i-- {
		slots[i].Close()
	}
}
