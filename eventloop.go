package dbus

import (
	"context"
	"sync"
	"time"

	godbus "github.com/godbus/dbus/v5"
)

// EventLoopState names the lifecycle of a Connection's dispatch loop,
// per §5.
type EventLoopState int

const (
	LoopNotStarted EventLoopState = iota
	LoopRunning
	LoopStopping
	LoopStopped
)

func (s EventLoopState) String() string {
	switch s {
	case LoopNotStarted:
		return "not-started"
	case LoopRunning:
		return "running"
	case LoopStopping:
		return "stopping"
	case LoopStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// loopState holds the dispatch loop's running state: the queue every
// incoming signal is buffered on ahead of dispatch, and the leave/done
// channels that implement LeaveEventLoop as a closed-channel wake,
// analogous to the teacher's own fd-based wake pipe in dbus.go's
// receiveLoop.
type loopState struct {
	mu    sync.Mutex
	state EventLoopState
	queue *signalQueue
	leave chan struct{}
	done  chan struct{}
}

// signalQueue buffers signals read off the engine's own channel into an
// internally owned FIFO, so multiple consumption paths (EnterEventLoop's
// runLoop, ProcessPending, AttachExternalLoop) can all pull single units
// of work from one place instead of racing to receive directly off the
// engine channel — a channel receive by one consumer is a signal lost to
// every other, which a single shared engine channel can't support once
// more than one delivery path exists.
type signalQueue struct {
	mu     sync.Mutex
	items  []*godbus.Signal
	ready  chan struct{}
	closed bool
	done   chan struct{}
}

func newSignalQueue() *signalQueue {
	return &signalQueue{ready: make(chan struct{}, 1), done: make(chan struct{})}
}

// forward drains the engine's own signal channel into the queue until it
// closes (the Connection closed), then marks the queue closed.
func (q *signalQueue) forward(engineCh <-chan *godbus.Signal) {
	for sig := range engineCh {
		q.push(sig)
	}
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	close(q.done)
	q.notify()
}

func (q *signalQueue) push(sig *godbus.Signal) {
	q.mu.Lock()
	q.items = append(q.items, sig)
	q.mu.Unlock()
	q.notify()
}

func (q *signalQueue) notify() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// pop removes and returns one buffered signal, if any.
func (q *signalQueue) pop() (*godbus.Signal, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	sig := q.items[0]
	q.items = q.items[1:]
	return sig, true
}

// EnterEventLoop runs the dispatch loop on the calling goroutine until
// LeaveEventLoop is called or the Connection is closed. It processes
// incoming signals, fanning them out to Subscribers; async call
// replies are delivered by CallAsync's own goroutines, not by this loop.
func (c *Connection) EnterEventLoop() error {
	c.loop.mu.Lock()
	if c.loop.state == LoopRunning {
		c.loop.mu.Unlock()
		return NewError(ErrFailed, "event loop already running")
	}
	c.loop.state = LoopRunning
	c.loop.leave = make(chan struct{})
	leave := c.loop.leave
	c.loop.mu.Unlock()

	c.runLoop(leave)

	c.loop.mu.Lock()
	c.loop.state = LoopStopped
	c.loop.mu.Unlock()
	return nil
}

// EnterEventLoopAsync starts the dispatch loop on a background
// goroutine and returns immediately, returning a Slot that stops the
// loop when closed.
func (c *Connection) EnterEventLoopAsync() *Slot {
	c.loop.mu.Lock()
	if c.loop.state == LoopRunning {
		c.loop.mu.Unlock()
		return newSlot(func() {})
	}
	c.loop.state = LoopRunning
	c.loop.leave = make(chan struct{})
	c.loop.done = make(chan struct{})
	leave, done := c.loop.leave, c.loop.done
	c.loop.mu.Unlock()

	go func() {
		c.runLoop(leave)
		c.loop.mu.Lock()
		c.loop.state = LoopStopped
		c.loop.mu.Unlock()
		close(done)
	}()

	return newSlot(func() { c.stopLoop() })
}

// LeaveEventLoop signals a running EnterEventLoop/EnterEventLoopAsync
// to return, mirroring the teacher package's cancelFunc-based shutdown
// wake in dbus.go.
func (c *Connection) LeaveEventLoop() {
	c.loop.mu.Lock()
	defer c.loop.mu.Unlock()
	if c.loop.state != LoopRunning || c.loop.leave == nil {
		return
	}
	c.loop.state = LoopStopping
	select {
	case <-c.loop.leave:
	default:
		close(c.loop.leave)
	}
}

func (c *Connection) stopLoop() {
	c.LeaveEventLoop()
	c.loop.mu.Lock()
	done := c.loop.done
	c.loop.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (c *Connection) runLoop(leave chan struct{}) {
	q := c.loop.queue
	for {
		if sig, ok := q.pop(); ok {
			c.dispatchSignal(sig)
			continue
		}
		select {
		case <-leave:
			return
		case <-q.done:
			return
		case <-q.ready:
		}
	}
}

// ProcessPending drains and dispatches one unit of buffered work if any
// is immediately available, reporting whether it did, for callers that
// want to pump the loop cooperatively (§5's "direct processing" model)
// instead of dedicating a goroutine to EnterEventLoop.
func (c *Connection) ProcessPending() bool {
	sig, ok := c.loop.queue.pop()
	if !ok {
		return false
	}
	c.dispatchSignal(sig)
	return true
}

func (c *Connection) dispatchSignal(sig *godbus.Signal) {
	iface, member := splitInterfaceMember(sig.Name)

	c.subsMu.Lock()
	subs := make([]*signalSubscription, len(c.subs))
	copy(subs, c.subs)
	c.subsMu.Unlock()

	for _, sub := range subs {
		if sub.rule.Matches(string(sig.Sender), sig.Path, iface, member) {
			sub.deliver(sig)
		}
	}
}

func splitInterfaceMember(name string) (iface, member string) {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[:i], name[i+1:]
		}
	}
	return "", name
}

// PollData is a simplified stand-in for the (fd, events, timeout_usec)
// tuple an externally-driven event loop would normally poll on. The
// underlying engine does not expose its socket fd, so instead of a
// pollable descriptor this reports a minimum wait duration; callers
// integrating with an external loop (e.g. one built on a timer wheel)
// call AttachExternalLoop to get a channel that fires whenever
// dispatch work is ready instead.
type PollData struct {
	// MinimumWait is how long the external loop may safely sleep
	// before calling ProcessPending again.
	MinimumWait time.Duration
}

// GetPollData reports the current PollData for cooperative external
// integration. This is a deliberate simplification versus a literal fd:
// see the Open Question resolution recorded for PollData.
func (c *Connection) GetPollData() PollData {
	return PollData{MinimumWait: 50 * time.Millisecond}
}

// AttachExternalLoop returns a channel that receives a value whenever
// there is dispatch work ready, for integration into a caller-owned
// select loop instead of EnterEventLoop, per §4.4's "attach to external
// loop" mode. The channel only notifies; it never consumes a signal
// itself (unlike a literal fd readability notification, receiving from
// it does not drain anything), so the caller must call ProcessPending
// in a loop until it returns false on every notification, exactly as
// §4.4 prescribes for a consumer driving its own poll loop. The
// returned Slot stops feeding the channel when closed.
func (c *Connection) AttachExternalLoop() (<-chan struct{}, *Slot) {
	ready := make(chan struct{}, 1)
	stop := make(chan struct{})
	q := c.loop.queue
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-q.done:
				select {
				case ready <- struct{}{}:
				default:
				}
				return
			case <-q.ready:
				select {
				case ready <- struct{}{}:
				default:
				}
			}
		}
	}()
	return ready, newSlot(func() { close(stop) })
}

func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}
