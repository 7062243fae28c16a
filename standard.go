package dbus

import godbus "github.com/godbus/dbus/v5"

// This file adapts the teacher package's stub Introspectable/
// Properties/MessageBus wrapper types (its proxy.go, since deleted) into
// full client-side helpers over the real Proxy/Message machinery, for
// the standard interfaces §7 says every object implicitly answers:
// org.freedesktop.DBus.Peer, .Introspectable, .Properties and
// .ObjectManager.

// Ping calls org.freedesktop.DBus.Peer.Ping, used to check a remote
// object is alive and responsive.
func (p *Proxy) Ping() error {
	return p.call("org.freedesktop.DBus.Peer", "Ping", nil)
}

// GetMachineId calls org.freedesktop.DBus.Peer.GetMachineId.
func (p *Proxy) GetMachineId() (string, error) {
	var id string
	err := p.call("org.freedesktop.DBus.Peer", "GetMachineId", nil, &id)
	return id, err
}

// GetProperty calls org.freedesktop.DBus.Properties.Get and unwraps
// the returned Variant. The reply body's one element is already a wire
// Variant (the engine decodes it as such), so it is adopted directly
// rather than re-boxed through NewVariant, which would otherwise
// produce a variant-of-a-variant.
func (p *Proxy) GetProperty(iface, name string) (Variant, error) {
	var raw godbus.Variant
	var v Variant
	if err := p.call("org.freedesktop.DBus.Properties", "Get", []interface{}{iface, name}, &raw); err != nil {
		return v, err
	}
	return variantFromRaw(raw), nil
}

// SetProperty calls org.freedesktop.DBus.Properties.Set.
func (p *Proxy) SetProperty(iface, name string, value interface{}) error {
	return p.call("org.freedesktop.DBus.Properties", "Set", []interface{}{iface, name, NewVariant(value).raw()})
}

// GetAllProperties calls org.freedesktop.DBus.Properties.GetAll. The
// reply's a{sv} decodes as a map of already-wire Variants, same
// reasoning as GetProperty above.
func (p *Proxy) GetAllProperties(iface string) (map[string]Variant, error) {
	var raw map[string]godbus.Variant
	if err := p.call("org.freedesktop.DBus.Properties", "GetAll", []interface{}{iface}, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]Variant, len(raw))
	for k, v := range raw {
		out[k] = variantFromRaw(v)
	}
	return out, nil
}

// BusQuery is a client-side wrapper for the org.freedesktop.DBus
// daemon interface itself — list names, query name ownership and a
// connection's unix user/process id, get the bus id — recovered from the teacher package's stub MessageBus
// type, rebuilt over Proxy instead of the teacher's raw ObjectProxy.Call.
type BusQuery struct {
	proxy *Proxy
}

// NewBusQuery builds a BusQuery over conn addressed at the bus daemon
// itself (org.freedesktop.DBus at /org/freedesktop/DBus).
func NewBusQuery(conn *Connection) (*BusQuery, error) {
	p, err := NewProxy(conn, "org.freedesktop.DBus", "/org/freedesktop/DBus")
	if err != nil {
		return nil, err
	}
	p.defaultIface = "org.freedesktop.DBus"
	return &BusQuery{proxy: p}, nil
}

func (q *BusQuery) ListNames() ([]string, error) {
	var names []string
	err := q.proxy.call("org.freedesktop.DBus", "ListNames", nil, &names)
	return names, err
}

func (q *BusQuery) ListActivatableNames() ([]string, error) {
	var names []string
	err := q.proxy.call("org.freedesktop.DBus", "ListActivatableNames", nil, &names)
	return names, err
}

func (q *BusQuery) NameHasOwner(name string) (bool, error) {
	var has bool
	err := q.proxy.call("org.freedesktop.DBus", "NameHasOwner", []interface{}{name}, &has)
	return has, err
}

func (q *BusQuery) GetNameOwner(name string) (string, error) {
	var owner string
	err := q.proxy.call("org.freedesktop.DBus", "GetNameOwner", []interface{}{name}, &owner)
	return owner, err
}

func (q *BusQuery) GetConnectionUnixUser(name string) (uint32, error) {
	var uid uint32
	err := q.proxy.call("org.freedesktop.DBus", "GetConnectionUnixUser", []interface{}{name}, &uid)
	return uid, err
}

func (q *BusQuery) GetConnectionUnixProcessID(name string) (uint32, error) {
	var pid uint32
	err := q.proxy.call("org.freedesktop.DBus", "GetConnectionUnixProcessID", []interface{}{name}, &pid)
	return pid, err
}

func (q *BusQuery) GetID() (string, error) {
	var id string
	err := q.proxy.call("org.freedesktop.DBus", "GetId", nil, &id)
	return id, err
}

// ManagedObject is one entry of an ObjectManager's GetManagedObjects
// reply: an object path and the interfaces+properties it implements.
type ManagedObject struct {
	Path       ObjectPath
	Interfaces map[string]map[string]Variant
}

// ObjectManagerProxy is the client-side counterpart to objectmanager.go's
// server-side ObjectManager: it queries GetManagedObjects and tracks
// InterfacesAdded/InterfacesRemoved.
type ObjectManagerProxy struct {
	proxy *Proxy
}

// NewObjectManagerProxy builds a client for the ObjectManager rooted
// at path on destination.
func NewObjectManagerProxy(conn *Connection, destination string, path ObjectPath) (*ObjectManagerProxy, error) {
	p, err := NewProxy(conn, destination, path)
	if err != nil {
		return nil, err
	}
	return &ObjectManagerProxy{proxy: p}, nil
}

// GetManagedObjects calls org.freedesktop.DBus.ObjectManager.GetManagedObjects.
func (m *ObjectManagerProxy) GetManagedObjects() ([]ManagedObject, error) {
	var raw map[ObjectPath]map[string]map[string]godbus.Variant
	if err := m.proxy.call("org.freedesktop.DBus.ObjectManager", "GetManagedObjects", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]ManagedObject, 0, len(raw))
	for path, ifaces := range raw {
		entry := ManagedObject{Path: path, Interfaces: make(map[string]map[string]Variant, len(ifaces))}
		for iface, props := range ifaces {
			converted := make(map[string]Variant, len(props))
			for k, v := range props {
				converted[k] = variantFromRaw(v)
			}
			entry.Interfaces[iface] = converted
		}
		out = append(out, entry)
	}
	return out, nil
}

// OnInterfacesAdded subscribes to InterfacesAdded signals.
func (m *ObjectManagerProxy) OnInterfacesAdded(handler func(path ObjectPath, interfaces map[string]map[string]Variant)) (*Slot, error) {
	return m.proxy.OnSignal("org.freedesktop.DBus.ObjectManager", "InterfacesAdded", func(body []interface{}) {
		if len(body) != 2 {
			return
		}
		path, _ := body[0].(ObjectPath)
		raw, _ := body[1].(map[string]map[string]godbus.Variant)
		out := make(map[string]map[string]Variant, len(raw))
		for iface, props := range raw {
			converted := make(map[string]Variant, len(props))
			for k, v := range props {
				converted[k] = variantFromRaw(v)
			}
			out[iface] = converted
		}
		handler(path, out)
	})
}

// OnInterfacesRemoved subscribes to InterfacesRemoved signals.
func (m *ObjectManagerProxy) OnInterfacesRemoved(handler func(path ObjectPath, interfaces []string)) (*Slot, error) {
	return m.proxy.OnSignal("org.freedesktop.DBus.ObjectManager", "InterfacesRemoved", func(body []interface{}) {
		if len(body) != 2 {
			return
		}
		path, _ := body[0].(ObjectPath)
		ifaces, _ := body[1].([]string)
		handler(path, ifaces)
	})
}
