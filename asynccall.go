package dbus

import (
	"context"
	"time"

	godbus "github.com/godbus/dbus/v5"
)

// AsyncCallState names where a pending async method call sits in its
// Created→Pending→Completed/Cancelled lifecycle (§4.6).
type AsyncCallState int

const (
	AsyncCreated AsyncCallState = iota
	AsyncPending
	AsyncCompleted
	AsyncCancelled
)

type pendingCall struct {
	id     uint64
	engine *godbus.Call
	cancel context.CancelFunc
	state  AsyncCallState
}

// AsyncCallHandle is a copyable handle to one in-flight async call.
// Cancel prevents its completion callback/future from firing; it does
// not guarantee the remote side aborts the call.
type AsyncCallHandle struct {
	conn *Connection
	id   uint64
}

// Cancel marks the call cancelled: any still-pending completion
// callback becomes a no-op and a Future's channel is never sent to.
func (h AsyncCallHandle) Cancel() {
	h.conn.asyncMu.Lock()
	defer h.conn.asyncMu.Unlock()
	if pc, ok := h.conn.pending[h.id]; ok {
		pc.state = AsyncCancelled
		pc.cancel()
	}
}

// State reports the call's current lifecycle state.
func (h AsyncCallHandle) State() AsyncCallState {
	h.conn.asyncMu.Lock()
	defer h.conn.asyncMu.Unlock()
	if pc, ok := h.conn.pending[h.id]; ok {
		return pc.state
	}
	return AsyncCompleted
}

// AsyncReply carries the outcome of one async method call.
type AsyncReply struct {
	Message *Message
	Err     error
}

// CallAsync sends a MethodCall message without blocking, invoking
// callback on a worker goroutine when the reply (or error, or
// timeout) arrives. Cancelling the returned handle before completion
// suppresses the callback.
func (c *Connection) CallAsync(msg *Message, timeout time.Duration, callback func(AsyncReply)) AsyncCallHandle {
	id := c.nextID()
	ctx, cancel := contextWithTimeout(c.effectiveTimeout(timeout))

	obj := c.engine.Object(msg.Destination, msg.Path)
	retCh := make(chan *godbus.Call, 1)
	engineCall := obj.GoWithContext(ctx, msg.Interface+"."+msg.Member, 0, retCh, msg.Body()...)

	pc := &pendingCall{id: id, engine: engineCall, cancel: cancel, state: AsyncPending}
	c.asyncMu.Lock()
	c.pending[id] = pc
	c.asyncMu.Unlock()

	go func() {
		defer cancel()
		var reply AsyncReply
		select {
		case <-ctx.Done():
			reply = AsyncReply{Err: FromEngine(ctx.Err())}
		case call := <-retCh:
			if call.Err != nil {
				reply = AsyncReply{Err: FromEngine(call.Err)}
			} else {
				m := newMessage(KindMethodReply)
				m.setBody(call.Body)
				reply = AsyncReply{Message: m}
			}
		}

		c.asyncMu.Lock()
		cur, ok := c.pending[id]
		cancelled := ok && cur.state == AsyncCancelled
		if ok {
			cur.state = AsyncCompleted
		}
		delete(c.pending, id)
		c.asyncMu.Unlock()

		if !cancelled && callback != nil {
			callback(reply)
		}
	}()

	return AsyncCallHandle{conn: c, id: id}
}

// CallAsyncFuture is CallAsync expressed as a channel-based future
// rather than a callback, standing in for the original's language-level
// future type (§4.6). The channel receives exactly one value, or none
// if the handle is cancelled before the call completes.
func (c *Connection) CallAsyncFuture(msg *Message, timeout time.Duration) (<-chan AsyncReply, AsyncCallHandle) {
	out := make(chan AsyncReply, 1)
	handle := c.CallAsync(msg, timeout, func(r AsyncReply) { out <- r })
	return out, handle
}
