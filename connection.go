package dbus

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	godbus "github.com/godbus/dbus/v5"
)

// BusKind names the D-Bus connection kinds §4.4 requires Open to
// support.
type BusKind int

const (
	BusSession BusKind = iota
	BusSystem
	BusDefault
	BusRemoteSystem
	BusSessionAddress
	BusServer
	BusDirect
)

func (k BusKind) String() string {
	switch k {
	case BusSession:
		return "session"
	case BusSystem:
		return "system"
	case BusDefault:
		return "default"
	case BusRemoteSystem:
		return "remote-system"
	case BusSessionAddress:
		return "session-at-address"
	case BusServer:
		return "server"
	case BusDirect:
		return "direct"
	default:
		return "unknown"
	}
}

// defaultCallTimeout mirrors the engine's own default of 25s, used
// when neither a per-call nor a connection-wide timeout is set (§4.7).
const defaultCallTimeout = 25 * time.Second

// Connection owns a bus handle: a bus kind, the set of well-known
// names it currently holds, the live Slots it issued, and an event-loop
// state machine, per §3.
type Connection struct {
	engine *godbus.Conn
	kind   BusKind

	mu          sync.Mutex
	names       map[string]bool
	callTimeout time.Duration

	slots *floatingSlots

	loop loopState

	subsMu sync.Mutex
	subs   []*signalSubscription

	asyncMu    sync.Mutex
	pending    map[uint64]*pendingCall
	nextCallID uint64

	objMgrMu sync.Mutex
	objMgrs  map[ObjectPath]*ObjectManager
}

func wrapConnection(engine *godbus.Conn, kind BusKind) *Connection {
	c := &Connection{
		engine:  engine,
		kind:    kind,
		names:   make(map[string]bool),
		slots:   &floatingSlots{},
		pending: make(map[uint64]*pendingCall),
		objMgrs: make(map[ObjectPath]*ObjectManager),
	}
	c.loop.queue = newSignalQueue()
	engineSignals := make(chan *godbus.Signal, 64)
	engine.Signal(engineSignals)
	go c.loop.queue.forward(engineSignals)
	return c
}

// OpenSessionBus connects to the caller's session bus.
func OpenSessionBus() (*Connection, error) {
	engine, err := godbus.ConnectSessionBus()
	if err != nil {
		return nil, FromEngine(err)
	}
	return wrapConnection(engine, BusSession), nil
}

// OpenSystemBus connects to the system bus.
func OpenSystemBus() (*Connection, error) {
	engine, err := godbus.ConnectSystemBus()
	if err != nil {
		return nil, FromEngine(err)
	}
	return wrapConnection(engine, BusSystem), nil
}

// OpenDefaultBus connects to the session bus if one is configured for
// the calling user (DBUS_SESSION_BUS_ADDRESS is set), else the system
// bus, mirroring the teacher package's own Connect(StandardBus)
// fallback in dbus.go.
func OpenDefaultBus() (*Connection, error) {
	if os.Getenv("DBUS_SESSION_BUS_ADDRESS") != "" {
		return OpenSessionBus()
	}
	return OpenSystemBus()
}

// OpenSessionBusAtAddress dials an arbitrary D-Bus server address
// (e.g. "unix:path=/run/user/1000/bus", "tcp:host=127.0.0.1,port=123")
// and performs the normal Hello handshake against it.
func OpenSessionBusAtAddress(address string) (*Connection, error) {
	engine, err := godbus.Dial(address)
	if err != nil {
		return nil, FromEngine(err)
	}
	if err := engine.Auth(nil); err != nil {
		engine.Close()
		return nil, FromEngine(err)
	}
	if err := engine.Hello(); err != nil {
		engine.Close()
		return nil, FromEngine(err)
	}
	return wrapConnection(engine, BusSessionAddress), nil
}

// OpenDirectBus dials a peer-to-peer D-Bus connection with no
// surrounding bus daemon, per the D-Bus spec's "direct connection"
// mode: authentication happens but the Hello handshake is skipped
// since there is no daemon to assign a unique name.
func OpenDirectBus(address string) (*Connection, error) {
	engine, err := godbus.Dial(address)
	if err != nil {
		return nil, FromEngine(err)
	}
	if err := engine.Auth(nil); err != nil {
		engine.Close()
		return nil, FromEngine(err)
	}
	return wrapConnection(engine, BusDirect), nil
}

// OpenRemoteSystemBus reaches a remote host's system bus by tunneling
// through an external ssh(1) process piped to stdin/stdout, recovered
// from the transport address-parsing idea in the teacher's
// transport.go generalized to an ssh:// scheme rather than unix/tcp.
func OpenRemoteSystemBus(host string) (*Connection, error) {
	cmd := exec.Command("ssh", host, "-T", "--", "socat", "-", "UNIX-CONNECT:/var/run/dbus/system_bus_socket")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	conn := &sshConn{stdin: stdin, stdout: stdout, cmd: cmd}
	engine, err := godbus.NewConn(conn)
	if err != nil {
		conn.Close()
		return nil, FromEngine(err)
	}
	if err := engine.Auth(nil); err != nil {
		engine.Close()
		return nil, FromEngine(err)
	}
	if err := engine.Hello(); err != nil {
		engine.Close()
		return nil, FromEngine(err)
	}
	return wrapConnection(engine, BusRemoteSystem), nil
}

// ServeOnFD listens for peer connections on a pre-opened listening
// socket fd (e.g. handed down by systemd socket activation) and calls
// handler with a Connection for every accepted peer, per the "server"
// bus kind of §4.4.
func ServeOnFD(fd uintptr, handler func(*Connection)) error {
	listener, err := net.FileListener(os.NewFile(fd, "dbus-server"))
	if err != nil {
		return err
	}
	for {
		peer, err := listener.Accept()
		if err != nil {
			return err
		}
		engine, err := godbus.NewConn(peer)
		if err != nil {
			defaultLogger.Errorf("dbus: rejecting peer connection on fd %d: %v", fd, err)
			peer.Close()
			continue
		}
		go handler(wrapConnection(engine, BusServer))
	}
}

// sshConn adapts an external ssh process's stdio pipes to net.Conn so
// the engine can speak the D-Bus protocol over them unmodified.
type sshConn struct {
	stdin  interface{ Write([]byte) (int, error); Close() error }
	stdout interface{ Read([]byte) (int, error) }
	cmd    *exec.Cmd
}

func (c *sshConn) Read(b []byte) (int, error)  { return c.stdout.Read(b) }
func (c *sshConn) Write(b []byte) (int, error) { return c.stdin.Write(b) }
func (c *sshConn) Close() error {
	c.stdin.Close()
	return c.cmd.Wait()
}
func (c *sshConn) LocalAddr() net.Addr                { return sshAddr{} }
func (c *sshConn) RemoteAddr() net.Addr               { return sshAddr{} }
func (c *sshConn) SetDeadline(t time.Time) error      { return nil }
func (c *sshConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *sshConn) SetWriteDeadline(t time.Time) error { return nil }

type sshAddr struct{}

func (sshAddr) Network() string { return "ssh" }
func (sshAddr) String() string  { return "ssh-tunnel" }

// Close shuts the bus handle down: the event loop (if running) is
// stopped, every floating Slot is closed in reverse registration
// order, and the underlying engine connection is closed.
func (c *Connection) Close() error {
	c.stopLoop()
	c.slots.closeAll()
	return c.engine.Close()
}

// UniqueName returns this connection's bus-assigned unique name
// (":1.NN" style).
func (c *Connection) UniqueName() string {
	return c.engine.Names()[0]
}

// Kind reports which bus kind this Connection was opened as.
func (c *Connection) Kind() BusKind { return c.kind }

// SetMethodCallTimeout sets the connection-wide default timeout for
// synchronous and async calls that don't specify their own. A value of
// 0 means "use the engine default" (~25s).
func (c *Connection) SetMethodCallTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callTimeout = d
}

// MethodCallTimeout returns the connection-wide default timeout.
func (c *Connection) MethodCallTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callTimeout
}

func (c *Connection) effectiveTimeout(perCall time.Duration) time.Duration {
	if perCall > 0 {
		return perCall
	}
	c.mu.Lock()
	d := c.callTimeout
	c.mu.Unlock()
	if d > 0 {
		return d
	}
	return defaultCallTimeout
}

// RequestName requests ownership of a well-known bus name. Failures on
// an unknown-or-conflicting name surface as an Error rather than a
// bare bool, per §4.4.
func (c *Connection) RequestName(name string, flags godbus.RequestNameFlags) error {
	if err := ValidateBusName(name); err != nil {
		return err
	}
	reply, err := c.engine.RequestName(name, flags)
	if err != nil {
		return FromEngine(err)
	}
	switch reply {
	case godbus.RequestNameReplyPrimaryOwner, godbus.RequestNameReplyAlreadyOwner:
		c.mu.Lock()
		c.names[name] = true
		c.mu.Unlock()
		return nil
	case godbus.RequestNameReplyInQueue:
		return NewError(ErrFailed, fmt.Sprintf("name %q queued, not yet owned", name))
	case godbus.RequestNameReplyExists:
		return NewError(ErrAccessDenied, fmt.Sprintf("name %q already owned by another connection", name))
	default:
		return NewError(ErrFailed, fmt.Sprintf("unexpected RequestName reply %d for %q", reply, name))
	}
}

// ReleaseName releases a previously acquired well-known name.
func (c *Connection) ReleaseName(name string) error {
	reply, err := c.engine.ReleaseName(name)
	if err != nil {
		return FromEngine(err)
	}
	c.mu.Lock()
	delete(c.names, name)
	c.mu.Unlock()
	if reply != godbus.ReleaseNameReplyReleased {
		return NewError(ErrFailed, fmt.Sprintf("could not release name %q", name))
	}
	return nil
}

// Names returns the well-known names this connection currently holds.
func (c *Connection) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.names))
	for n := range c.names {
		out = append(out, n)
	}
	return out
}

// CreateMethodCall builds a building MethodCall Message addressed to
// destination/path/interface/member.
func (c *Connection) CreateMethodCall(destination string, path ObjectPath, iface, member string) (*Message, error) {
	if err := ValidateObjectPath(path); err != nil {
		return nil, err
	}
	return NewMethodCall(destination, path, iface, member), nil
}

// CreateSignal builds a building Signal Message.
func (c *Connection) CreateSignal(path ObjectPath, iface, member string) (*Message, error) {
	if err := ValidateObjectPath(path); err != nil {
		return nil, err
	}
	return NewSignal(path, iface, member), nil
}

// Send transmits a sealed message with no reply expected (a signal, or
// a method call explicitly flagged NoReply).
func (c *Connection) Send(msg *Message) error {
	if msg.Kind == KindSignal {
		name := msg.Interface + "." + msg.Member
		return FromEngine(c.engine.Emit(msg.Path, name, msg.Body()...))
	}
	obj := c.engine.Object(msg.Destination, msg.Path)
	call := obj.Call(msg.Interface+"."+msg.Member, godbus.FlagNoReplyExpected, msg.Body()...)
	return FromEngine(call.Err)
}

// Call sends a MethodCall message and blocks the calling thread until
// a reply arrives or timeout elapses, per §4.4.
func (c *Connection) Call(msg *Message, timeout time.Duration) (*Message, error) {
	obj := c.engine.Object(msg.Destination, msg.Path)
	ctx, cancel := contextWithTimeout(c.effectiveTimeout(timeout))
	defer cancel()
	call := obj.CallWithContext(ctx, msg.Interface+"."+msg.Member, 0, msg.Body()...)
	if call.Err != nil {
		return nil, FromEngine(call.Err)
	}
	reply := newMessage(KindMethodReply)
	reply.Destination = c.UniqueName()
	reply.setBody(call.Body)
	return reply, nil
}

func (c *Connection) nextID() uint64 {
	return atomic.AddUint64(&c.nextCallID, 1)
}
