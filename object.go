package dbus

import (
	"fmt"
	"reflect"
	"sort"

	godbus "github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
)

// Object adapts a path's set of InterfaceVTables onto the engine's
// reflection-based exporter. Registration is late-bound: vtable
// entries are plain data supplied at AddInterface time, not
// compile-time-generated methods, so dispatch synthesizes a concrete
// function value per method via reflect.MakeFunc, matching the
// signature ReflectTypeForSignature derives from the entry's declared
// InputSig/OutputSig (§7).
type Object struct {
	conn *Connection
	path ObjectPath

	vtables map[string]*InterfaceVTable
	props   *prop.Properties
}

// NewObject begins adapting path on conn. Interfaces are added with
// AddInterface before the object becomes reachable; the engine only
// sees the exported method table once at least one interface has been
// registered.
func (c *Connection) NewObject(path ObjectPath) (*Object, error) {
	if err := ValidateObjectPath(path); err != nil {
		return nil, err
	}
	return &Object{conn: c, path: path, vtables: make(map[string]*InterfaceVTable)}, nil
}

// AddInterface registers one InterfaceVTable on the object and exports
// it to the engine, returning a Slot that unexports it when closed.
func (o *Object) AddInterface(vt *InterfaceVTable) (*Slot, error) {
	if err := validateVTableSignatures(vt); err != nil {
		return nil, err
	}
	o.vtables[vt.Interface] = vt

	methods := make(map[string]interface{}, len(vt.Methods))
	for i := range vt.Methods {
		entry := &vt.Methods[i]
		fn, err := bridgeMethod(o.conn, entry)
		if err != nil {
			return nil, fmt.Errorf("dbus: method %s.%s: %w", vt.Interface, entry.Name, err)
		}
		methods[entry.Name] = fn
	}
	if err := o.conn.engine.ExportMethodTable(methods, o.path, vt.Interface); err != nil {
		return nil, FromEngine(err)
	}

	if len(vt.Properties) > 0 {
		if err := o.exportProperties(vt); err != nil {
			return nil, err
		}
	}

	return newSlot(func() {
		if err := o.conn.engine.ExportMethodTable(nil, o.path, vt.Interface); err != nil {
			defaultLogger.Errorf("dbus: unexporting %s on %s: %v", vt.Interface, o.path, err)
		}
		delete(o.vtables, vt.Interface)
	}), nil
}

// bridgeMethod synthesizes a concrete Go function value whose
// signature matches entry's declared D-Bus in/out types, so the
// engine's reflective exporter can call it directly. The function body
// packs its reflected arguments into a request Message, invokes
// entry.Handler, and unpacks the reply's body back into reflected
// return values plus a trailing *godbus.Error.
func bridgeMethod(conn *Connection, entry *MethodVTableEntry) (interface{}, error) {
	inTokens, err := SplitSignature(entry.InputSig)
	if err != nil {
		return nil, err
	}
	outTokens, err := SplitSignature(entry.OutputSig)
	if err != nil {
		return nil, err
	}

	in := make([]reflect.Type, len(inTokens))
	for i, tok := range inTokens {
		t, err := ReflectTypeForSignature(tok)
		if err != nil {
			return nil, err
		}
		in[i] = t
	}
	out := make([]reflect.Type, len(outTokens))
	for i, tok := range outTokens {
		t, err := ReflectTypeForSignature(tok)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	errType := reflect.TypeOf((*godbus.Error)(nil))
	funcType := reflect.FuncOf(in, append(append([]reflect.Type{}, out...), errType), false)

	fn := reflect.MakeFunc(funcType, func(args []reflect.Value) []reflect.Value {
		req := newMessage(KindMethodCall)
		req.Interface, req.Member = "", entry.Name
		body := make([]interface{}, len(args))
		for i, a := range args {
			body[i] = a.Interface()
		}
		req.setBody(body)

		if entry.Flags&MethodNoReply != 0 {
			// §4.6: no reply is ever sent for a NoReply-flagged method.
			// The engine's own reflective dispatch only withholds a
			// reply when the *caller's* message carries
			// FlagNoReplyExpected, so there is no lower-level hook to
			// force that regardless of an uncooperative caller; running
			// the handler detached and handing back zero values at
			// least keeps this call from blocking on (or surfacing)
			// work the caller isn't waiting on, and keeps the reply
			// body empty if the engine does end up sending one.
			go func() {
				if entry.DeferredHandler != nil {
					sink := newResultSink()
					entry.DeferredHandler(req, sink)
					<-sink.done
				} else {
					entry.Handler(req)
				}
			}()
			results := make([]reflect.Value, len(out)+1)
			for i, t := range out {
				results[i] = reflect.Zero(t)
			}
			results[len(out)] = reflect.Zero(errType)
			return results
		}

		var reply *Message
		var handlerErr *Error

		if entry.DeferredHandler != nil {
			// The engine (github.com/godbus/dbus/v5) already dispatches
			// every incoming call on its own goroutine, so blocking this
			// reflected function on the sink's channel holds only that
			// one call's goroutine, not the connection's dispatch loop —
			// concurrent calls to other deferred methods proceed
			// independently and may complete out of submission order.
			sink := newResultSink()
			entry.DeferredHandler(req, sink)
			res := <-sink.done
			reply, handlerErr = res.reply, res.err
		} else {
			reply, handlerErr = entry.Handler(req)
		}

		results := make([]reflect.Value, len(out)+1)
		if handlerErr != nil {
			for i, t := range out {
				results[i] = reflect.Zero(t)
			}
			results[len(out)] = reflect.ValueOf(handlerErr.toEngineError())
			return results
		}
		if reply == nil {
			for i, t := range out {
				results[i] = reflect.Zero(t)
			}
			results[len(out)] = reflect.Zero(errType)
			return results
		}
		replyBody := reply.Body()
		for i, t := range out {
			if i < len(replyBody) {
				v := reflect.ValueOf(replyBody[i])
				if v.Type() != t && v.Type().ConvertibleTo(t) {
					v = v.Convert(t)
				}
				results[i] = v
			} else {
				results[i] = reflect.Zero(t)
			}
		}
		results[len(out)] = reflect.Zero(errType)
		return results
	})

	return fn.Interface(), nil
}

func (o *Object) exportProperties(vt *InterfaceVTable) error {
	propMap := prop.Map{vt.Interface: make(map[string]*prop.Prop)}
	for i := range vt.Properties {
		entry := &vt.Properties[i]
		emit := engineEmitType(vt.effectiveUpdateBehavior(entry))

		initial, propErr := entry.Get()
		if propErr != nil {
			return propErr
		}

		writable := entry.Set != nil
		p := &prop.Prop{
			Value:    initial,
			Writable: writable,
			Emit:     emit,
		}
		if entry.Set != nil {
			set := entry.Set
			p.Callback = func(c *prop.Change) *godbus.Error {
				if err := set(c.Value); err != nil {
					return err.toEngineError()
				}
				return nil
			}
		}
		propMap[vt.Interface][entry.Name] = p
	}

	props, err := prop.Export(o.conn.engine, o.path, propMap)
	if err != nil {
		return FromEngine(err)
	}
	o.props = props
	return nil
}

// engineEmitType maps a resolved PropertyUpdateBehavior onto the
// engine's own prop.EmitType enum.
func engineEmitType(b PropertyUpdateBehavior) prop.EmitType {
	switch b {
	case PropertyUpdateEmitsInvalidation:
		return prop.EmitInvalidates
	case PropertyUpdateConst:
		return prop.EmitConst
	case PropertyUpdateEmitsNoSignal:
		return prop.EmitFalse
	default:
		return prop.EmitTrue
	}
}

// EmitPropertiesChanged re-reads the named properties on iface from
// their PropertyVTableEntry.Get and pushes the new values through the
// engine's prop.Properties store, which emits PropertiesChanged for
// any property whose Emit policy allows it. PropertyEmitsNoSignal
// properties are skipped entirely, per §7's EmitsNoSignal carve-out.
// Passing no names means "all properties of that interface", per §7.
func (o *Object) EmitPropertiesChanged(iface string, names ...string) error {
	if o.props == nil {
		return nil
	}
	vt := o.vtables[iface]
	if vt == nil {
		return NewError(ErrUnknownInterface, iface)
	}
	if len(names) == 0 {
		for i := range vt.Properties {
			names = append(names, vt.Properties[i].Name)
		}
	}
	for _, name := range names {
		entry := vt.property(name)
		if entry == nil {
			return NewError(ErrUnknownProperty, name)
		}
		switch vt.effectiveUpdateBehavior(entry) {
		case PropertyUpdateEmitsNoSignal, PropertyUpdateConst:
			continue
		}
		value, propErr := entry.Get()
		if propErr != nil {
			return propErr
		}
		o.props.SetMust(iface, name, value)
	}
	return nil
}

// Path returns the object's bus path.
func (o *Object) Path() ObjectPath { return o.path }

// validateVTableSignatures checks every declared signature string on
// vt against ValidateSignature before the interface is registered,
// catching a malformed InputSig/OutputSig/Sig at AddInterface time
// instead of failing obscurely once the engine tries to use it.
func validateVTableSignatures(vt *InterfaceVTable) error {
	for i := range vt.Methods {
		m := &vt.Methods[i]
		if err := ValidateSignature(m.InputSig); err != nil {
			return fmt.Errorf("dbus: method %s.%s input: %w", vt.Interface, m.Name, err)
		}
		if err := ValidateSignature(m.OutputSig); err != nil {
			return fmt.Errorf("dbus: method %s.%s output: %w", vt.Interface, m.Name, err)
		}
	}
	for i := range vt.Signals {
		s := &vt.Signals[i]
		if err := ValidateSignature(s.Sig); err != nil {
			return fmt.Errorf("dbus: signal %s.%s: %w", vt.Interface, s.Name, err)
		}
	}
	for i := range vt.Properties {
		p := &vt.Properties[i]
		if err := ValidateSignature(p.Sig); err != nil {
			return fmt.Errorf("dbus: property %s.%s: %w", vt.Interface, p.Name, err)
		}
	}
	return nil
}

// sortedVTables returns the object's registered interfaces in a stable,
// name-sorted order. Map iteration order is randomized per run, which
// would otherwise make two IntrospectXML calls differ byte-for-byte
// whenever more than one interface is registered, violating §8's
// introspect-idempotence invariant.
func (o *Object) sortedVTables() []*InterfaceVTable {
	out := make([]*InterfaceVTable, 0, len(o.vtables))
	for _, vt := range o.vtables {
		out = append(out, vt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Interface < out[j].Interface })
	return out
}
