package dbus

import (
	godbusintrospect "github.com/godbus/dbus/v5/introspect"
)

// IntrospectXML builds the introspection XML document for everything
// registered on o, plus the standard Introspectable and Properties
// interfaces (Peer is not listed), per §7's Introspection
// requirement. Generation is driven by the same InterfaceVTable data
// AddInterface already exported to the engine, rather than hand-walking
// an XML tree the way the teacher's introspect.go parsed one.
func (o *Object) IntrospectXML() string {
	node := &godbusintrospect.Node{
		Name:       string(o.path),
		Interfaces: []godbusintrospect.Interface{godbusintrospect.IntrospectData, propertiesIntrospectData},
	}
	for _, vt := range o.sortedVTables() {
		node.Interfaces = append(node.Interfaces, vtableIntrospectData(vt))
	}
	return godbusintrospect.NewIntrospectable(node).String()
}

// ExportIntrospectable exports org.freedesktop.DBus.Introspectable on
// the object's path, answering with IntrospectXML's output. The engine
// ships its own introspect.Introspectable helper for exactly this; we
// reach for it instead of hand-writing the XML response method.
func (o *Object) ExportIntrospectable() error {
	node := &godbusintrospect.Node{
		Name:       string(o.path),
		Interfaces: []godbusintrospect.Interface{godbusintrospect.IntrospectData, propertiesIntrospectData},
	}
	for _, vt := range o.sortedVTables() {
		node.Interfaces = append(node.Interfaces, vtableIntrospectData(vt))
	}
	return FromEngine(o.conn.engine.Export(godbusintrospect.NewIntrospectable(node), o.path, "org.freedesktop.DBus.Introspectable"))
}

var propertiesIntrospectData = godbusintrospect.Interface{
	Name: "org.freedesktop.DBus.Properties",
	Methods: []godbusintrospect.Method{
		{Name: "Get", Args: []godbusintrospect.Arg{
			{Name: "interface", Type: "s", Direction: "in"},
			{Name: "name", Type: "s", Direction: "in"},
			{Name: "value", Type: "v", Direction: "out"},
		}},
		{Name: "Set", Args: []godbusintrospect.Arg{
			{Name: "interface", Type: "s", Direction: "in"},
			{Name: "name", Type: "s", Direction: "in"},
			{Name: "value", Type: "v", Direction: "in"},
		}},
		{Name: "GetAll", Args: []godbusintrospect.Arg{
			{Name: "interface", Type: "s", Direction: "in"},
			{Name: "props", Type: "a{sv}", Direction: "out"},
		}},
	},
	Signals: []godbusintrospect.Signal{
		{Name: "PropertiesChanged", Args: []godbusintrospect.Arg{
			{Name: "interface", Type: "s"},
			{Name: "changed_properties", Type: "a{sv}"},
			{Name: "invalidated_properties", Type: "as"},
		}},
	},
}

func vtableIntrospectData(vt *InterfaceVTable) godbusintrospect.Interface {
	iface := godbusintrospect.Interface{Name: vt.Interface}
	if vt.Flags&InterfaceDeprecated != 0 {
		iface.Annotations = append(iface.Annotations, godbusintrospect.Annotation{
			Name: "org.freedesktop.DBus.Deprecated", Value: "true",
		})
	}
	for i := range vt.Methods {
		m := &vt.Methods[i]
		method := godbusintrospect.Method{Name: m.Name}
		inTokens, _ := SplitSignature(m.InputSig)
		for _, tok := range inTokens {
			method.Args = append(method.Args, godbusintrospect.Arg{Type: tok, Direction: "in"})
		}
		outTokens, _ := SplitSignature(m.OutputSig)
		for _, tok := range outTokens {
			method.Args = append(method.Args, godbusintrospect.Arg{Type: tok, Direction: "out"})
		}
		if m.Flags&MethodDeprecated != 0 {
			method.Annotations = append(method.Annotations, godbusintrospect.Annotation{
				Name: "org.freedesktop.DBus.Deprecated", Value: "true",
			})
		}
		if m.Flags&MethodNoReply != 0 {
			method.Annotations = append(method.Annotations, godbusintrospect.Annotation{
				Name: "org.freedesktop.DBus.Method.NoReply", Value: "true",
			})
		}
		if vt.requiresPrivilege(m) {
			method.Annotations = append(method.Annotations, godbusintrospect.Annotation{
				Name: "org.freedesktop.systemd1.Privileged", Value: "true",
			})
		}
		iface.Methods = append(iface.Methods, method)
	}
	for _, s := range vt.Signals {
		signal := godbusintrospect.Signal{Name: s.Name}
		tokens, _ := SplitSignature(s.Sig)
		for _, tok := range tokens {
			signal.Args = append(signal.Args, godbusintrospect.Arg{Type: tok})
		}
		iface.Signals = append(iface.Signals, signal)
	}
	for i := range vt.Properties {
		p := &vt.Properties[i]
		access := "read"
		if p.Set != nil {
			access = "readwrite"
		}
		iface.Properties = append(iface.Properties, godbusintrospect.Property{
			Name:   p.Name,
			Type:   p.Sig,
			Access: access,
			Annotations: []godbusintrospect.Annotation{{
				Name:  "org.freedesktop.DBus.Property.EmitsChangedSignal",
				Value: emitsChangedSignalValue(vt.effectiveUpdateBehavior(p)),
			}},
		})
	}
	return iface
}

// emitsChangedSignalValue renders a resolved PropertyUpdateBehavior as
// the string §6/§7 specify for the EmitsChangedSignal annotation.
func emitsChangedSignalValue(b PropertyUpdateBehavior) string {
	switch b {
	case PropertyUpdateEmitsInvalidation:
		return "invalidates"
	case PropertyUpdateConst:
		return "const"
	case PropertyUpdateEmitsNoSignal:
		return "false"
	default:
		return "true"
	}
}

// Introspect calls org.freedesktop.DBus.Introspectable.Introspect on
// a remote object, the client-side counterpart to Object.IntrospectXML.
func (p *Proxy) Introspect() (string, error) {
	var xml string
	err := p.call("org.freedesktop.DBus.Introspectable", "Introspect", nil, &xml)
	return xml, err
}
