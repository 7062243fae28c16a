package dbus

import (
	"testing"
	"time"

	godbus "github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// signalQueue is the internal buffer runLoop/ProcessPending/
// AttachExternalLoop all pull from instead of racing directly on the
// engine's own channel; these tests exercise it without a live bus.

func TestSignalQueueFIFOOrder(t *testing.T) {
	q := newSignalQueue()
	q.push(&godbus.Signal{Name: "one"})
	q.push(&godbus.Signal{Name: "two"})

	first, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, "one", first.Name)

	second, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, "two", second.Name)

	_, ok = q.pop()
	assert.False(t, ok)
}

func TestSignalQueueReadyNotifiesOnce(t *testing.T) {
	q := newSignalQueue()
	q.push(&godbus.Signal{Name: "one"})

	select {
	case <-q.ready:
	case <-time.After(time.Second):
		t.Fatal("expected a ready notification after push")
	}

	// A second push while nothing drained the first notification must
	// not block: notify is a non-blocking best-effort signal, not a
	// per-item delivery guarantee.
	q.push(&godbus.Signal{Name: "two"})
}

// ProcessPending drains exactly one buffered unit of work per call and
// reports whether it did, per §4.4's "process_pending → bool" contract.
func TestConnectionProcessPendingDrainsOneAtATime(t *testing.T) {
	c := &Connection{}
	c.loop.queue = newSignalQueue()
	c.loop.queue.push(&godbus.Signal{Name: "org.example.Foo.Bar", Path: "/x"})

	assert.True(t, c.ProcessPending())
	assert.False(t, c.ProcessPending())
}
