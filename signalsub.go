package dbus

import (
	"sync"

	godbus "github.com/godbus/dbus/v5"
)

// SignalHandler receives a decoded signal's message body along with
// the path/interface/member it arrived on.
type SignalHandler func(path ObjectPath, iface, member string, body []interface{})

// signalSubscription is one installed subscriber: a match rule plus
// the handler to fan matching signals out to. Each Subscriber installs
// its own bus-side match rule, but Connection keeps one engine-level
// signal channel and a list of these, routing locally — grounded
// in the teacher's own signalWatchSet fan-out idea in signal.go,
// adapted here to the single shared-channel model godbus/dbus/v5
// provides.
type signalSubscription struct {
	rule    MatchRule
	handler SignalHandler
}

func (s *signalSubscription) deliver(sig *godbus.Signal) {
	iface, member := splitInterfaceMember(sig.Name)
	s.handler(sig.Path, iface, member, sig.Body)
}

// Subscriber builds up a signal subscription fluently before
// registering it with a Connection.
type Subscriber struct {
	conn *Connection
	rule MatchRule
}

// Subscribe starts building a signal subscription on conn.
func (c *Connection) Subscribe() *Subscriber {
	return &Subscriber{conn: c, rule: MatchRule{Type: TypeSignal}}
}

func (s *Subscriber) WithSender(sender string) *Subscriber {
	s.rule.Sender = sender
	return s
}

func (s *Subscriber) WithPath(path ObjectPath) *Subscriber {
	s.rule.Path = path
	return s
}

func (s *Subscriber) WithPathNamespace(ns ObjectPath) *Subscriber {
	s.rule.PathNamespace = ns
	return s
}

func (s *Subscriber) WithInterface(iface string) *Subscriber {
	s.rule.Interface = iface
	return s
}

func (s *Subscriber) WithMember(member string) *Subscriber {
	s.rule.Member = member
	return s
}

func (s *Subscriber) WithArg(index int, value string) *Subscriber {
	if s.rule.Args == nil {
		s.rule.Args = make(map[int]string)
	}
	s.rule.Args[index] = value
	return s
}

// OnSignal installs the bus-side match rule and registers handler as
// the local fan-out target, returning a Slot that removes both when
// closed.
func (s *Subscriber) OnSignal(handler SignalHandler) (*Slot, error) {
	if err := s.conn.engine.AddMatchSignal(s.rule.matchOptions()...); err != nil {
		return nil, FromEngine(err)
	}

	sub := &signalSubscription{rule: s.rule, handler: handler}
	s.conn.subsMu.Lock()
	s.conn.subs = append(s.conn.subs, sub)
	s.conn.subsMu.Unlock()

	var once sync.Once
	slot := newSlot(func() {
		once.Do(func() {
			s.conn.subsMu.Lock()
			for i, cur := range s.conn.subs {
				if cur == sub {
					s.conn.subs = append(s.conn.subs[:i], s.conn.subs[i+1:]...)
					break
				}
			}
			s.conn.subsMu.Unlock()
			s.conn.engine.RemoveMatchSignal(s.rule.matchOptions()...)
		})
	})
	return slot, nil
}

// AddMatchFloating installs rule/handler on conn with the resulting
// Slot's lifetime immediately handed to conn, per §4.4's
// add_match_floating: the caller gets no Slot to hold or Close, and
// the subscription is torn down automatically when conn closes.
func (c *Connection) AddMatchFloating(rule MatchRule, handler SignalHandler) error {
	slot, err := (&Subscriber{conn: c, rule: rule}).OnSignal(handler)
	if err != nil {
		return err
	}
	slot.float(c.slots)
	return nil
}

// AddMatchAsync installs rule without blocking the caller on the bus's
// acknowledgement: the AddMatchSignal round-trip runs on its own
// goroutine, and installedCb (if non-nil) reports its outcome once
// that finishes. messageCb fans out matching signals exactly like
// Subscriber.OnSignal, but only once installation has completed.
// Closing the returned Slot before installedCb fires cancels delivery
// instead of racing to remove a match rule the bus never installed;
// per §4.4's add_match_async.
func (c *Connection) AddMatchAsync(rule MatchRule, installedCb func(error), messageCb SignalHandler) *Slot {
	sub := &signalSubscription{rule: rule, handler: messageCb}

	var mu sync.Mutex
	var closed, installed bool

	slot := newSlot(func() {
		mu.Lock()
		wasInstalled := installed
		closed = true
		mu.Unlock()
		if wasInstalled {
			c.subsMu.Lock()
			for i, cur := range c.subs {
				if cur == sub {
					c.subs = append(c.subs[:i], c.subs[i+1:]...)
					break
				}
			}
			c.subsMu.Unlock()
			c.engine.RemoveMatchSignal(rule.matchOptions()...)
		}
	})

	go func() {
		err := c.engine.AddMatchSignal(rule.matchOptions()...)
		mu.Lock()
		alreadyClosed := closed
		if err == nil && !alreadyClosed {
			installed = true
		}
		mu.Unlock()

		if err == nil && !alreadyClosed {
			c.subsMu.Lock()
			c.subs = append(c.subs, sub)
			c.subsMu.Unlock()
		}
		if installedCb != nil {
			installedCb(FromEngine(err))
		}
	}()

	return slot
}
