// Package dbus is a high-level, ergonomic façade over a D-Bus engine.
//
// It lets a program expose native Go values as objects on the bus
// (Object) and call methods, read properties and subscribe to signals
// on remote objects (Proxy), with the mapping between native types and
// D-Bus wire signatures derived by reflection at run time, or taken from
// a type's own Signature method (HasSignature). The
// wire protocol itself — transport, SASL authentication and message
// framing — is handled by the underlying engine, github.com/godbus/dbus/v5;
// this package never talks to a socket directly.
package dbus
