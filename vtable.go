package dbus

// MethodFlag and PropertyFlag mirror the per-member annotations §4.5
// lets a vtable entry carry: whether a method is deprecated or sends
// no reply, whether a property changes without emitting
// PropertiesChanged, and so on. A deferred reply is chosen by setting
// DeferredHandler, not by a flag.
type MethodFlag int

const (
	MethodNone MethodFlag = 1 << iota
	MethodDeprecated
	MethodNoReply
	MethodUnprivileged
)

type SignalFlag int

const (
	SignalNone SignalFlag = 1 << iota
	SignalDeprecated
)

type PropertyFlag int

const (
	PropertyNone PropertyFlag = 1 << iota
	PropertyDeprecated
	PropertyEmitsInvalidation
	PropertyEmitsNoSignal
	PropertyConst
	PropertyExplicitEmit
)

// InterfaceFlag mirrors §3's interface-wide flag set: Deprecated and
// Privileged apply to every member of the interface unless a member
// overrides them with its own per-entry flag.
type InterfaceFlag int

const (
	InterfaceNone InterfaceFlag = 1 << iota
	InterfaceDeprecated
	InterfacePrivileged
)

// PropertyUpdateBehavior is the interface-wide default change-emission
// policy §3 requires (the third member of the {Deprecated, Privileged,
// PropertyUpdateBehavior} interface-wide flag set), applied to any
// property on the interface that doesn't set PropertyExplicitEmit.
type PropertyUpdateBehavior int

const (
	PropertyUpdateEmitsChange PropertyUpdateBehavior = iota
	PropertyUpdateEmitsInvalidation
	PropertyUpdateConst
	PropertyUpdateEmitsNoSignal
)

// MethodHandler implements one exported method synchronously. req is
// positioned at the start of the method's input arguments; the handler
// Reads them, does its work, and either returns a *Message built from
// req.CreateReply (with return values Appended and the message Sealed)
// or a *Error to send back as a D-Bus error reply.
type MethodHandler func(req *Message) (*Message, *Error)

// DeferredMethodHandler implements one exported method whose reply is
// produced asynchronously: the handler Reads req's arguments, starts
// whatever work will eventually produce a result (typically on its own
// goroutine) and returns immediately, without having called sink.Return
// or sink.ReturnError yet — those complete the call later, possibly
// from a different goroutine (§4.6/§7's deferred-reply model).
type DeferredMethodHandler func(req *Message, sink *ResultSink)

// MethodVTableEntry declares one method on an InterfaceVTable: its
// name, input/output signatures (used to validate registration and,
// for the engine bridge, to synthesize the method's reflected function
// signature), and its handler. Exactly one of Handler/DeferredHandler
// must be set.
type MethodVTableEntry struct {
	Name            string
	InputSig        string // e.g. "sas" for (string, []string)
	OutputSig       string
	Handler         MethodHandler
	DeferredHandler DeferredMethodHandler
	Flags           MethodFlag
}

// SignalVTableEntry declares a signal an object may emit.
type SignalVTableEntry struct {
	Name  string
	Sig   string
	Flags SignalFlag
}

// PropertyGetHandler returns the current value of a property.
type PropertyGetHandler func() (interface{}, *Error)

// PropertySetHandler applies a new value to a property; v has already
// been type-checked against Sig.
type PropertySetHandler func(v interface{}) *Error

// PropertyVTableEntry declares one property on an InterfaceVTable. Set
// is nil for a read-only property.
type PropertyVTableEntry struct {
	Name  string
	Sig   string
	Get   PropertyGetHandler
	Set   PropertySetHandler
	Flags PropertyFlag
}

// InterfaceVTable is the full description of one D-Bus interface an
// Object exports: its methods, signals and properties, per §7. Unlike
// a set of compile-time-generated per-method functions, entries here
// are plain data built and registered at runtime — bridgeMethod
// bridges each MethodHandler to the engine's reflection-based exporter
// with a synthesized concrete function type (see object.go).
type InterfaceVTable struct {
	Interface  string
	Methods    []MethodVTableEntry
	Signals    []SignalVTableEntry
	Properties []PropertyVTableEntry

	Flags InterfaceFlag
	// DefaultPropertyUpdateBehavior is consulted for any property on
	// this interface that doesn't set PropertyExplicitEmit; the zero
	// value is PropertyUpdateEmitsChange, matching prop.EmitTrue.
	DefaultPropertyUpdateBehavior PropertyUpdateBehavior
}

func (v *InterfaceVTable) method(name string) *MethodVTableEntry {
	for i := range v.Methods {
		if v.Methods[i].Name == name {
			return &v.Methods[i]
		}
	}
	return nil
}

func (v *InterfaceVTable) property(name string) *PropertyVTableEntry {
	for i := range v.Properties {
		if v.Properties[i].Name == name {
			return &v.Properties[i]
		}
	}
	return nil
}

// effectiveUpdateBehavior resolves p's change-emission policy: an
// explicit PropertyExplicitEmit entry overrides v's interface-wide
// DefaultPropertyUpdateBehavior, per §3.
func (v *InterfaceVTable) effectiveUpdateBehavior(p *PropertyVTableEntry) PropertyUpdateBehavior {
	if p.Flags&PropertyExplicitEmit == 0 {
		return v.DefaultPropertyUpdateBehavior
	}
	switch {
	case p.Flags&PropertyEmitsNoSignal != 0:
		return PropertyUpdateEmitsNoSignal
	case p.Flags&PropertyEmitsInvalidation != 0:
		return PropertyUpdateEmitsInvalidation
	case p.Flags&PropertyConst != 0:
		return PropertyUpdateConst
	default:
		return PropertyUpdateEmitsChange
	}
}

// requiresPrivilege reports whether m should be advertised as
// requiring privilege: interface-wide Privileged applies to every
// method unless a given entry opts out with MethodUnprivileged.
func (v *InterfaceVTable) requiresPrivilege(m *MethodVTableEntry) bool {
	return v.Flags&InterfacePrivileged != 0 && m.Flags&MethodUnprivileged == 0
}
