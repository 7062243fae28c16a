package dbus

import (
	"fmt"
	"strings"

	godbus "github.com/godbus/dbus/v5"
)

// ObjectPath is a validated D-Bus object path, signature "o".
type ObjectPath = godbus.ObjectPath

// Signature is a validated D-Bus type signature string, signature "g".
type Signature = godbus.Signature

// UnixFD is a file descriptor passed over the bus out-of-band,
// signature "h". It is a thin alias over the engine's own type so that
// SignatureOf can special-case it without pulling in a second
// representation of the same concept.
type UnixFD = godbus.UnixFD

// Variant is a self-describing value: a signature plus the single
// value it carries. A non-empty Variant always peek-types to a valid
// single-element contents signature (§3).
type Variant struct {
	inner godbus.Variant
}

// NewVariant wraps v, deriving its signature via the engine's own
// godbus.MakeVariant.
func NewVariant(v interface{}) Variant {
	return Variant{inner: godbus.MakeVariant(v)}
}

// Value returns the boxed value, unwrapped to interface{}.
func (v Variant) Value() interface{} {
	return v.inner.Value()
}

// Signature returns the wire signature of the boxed value.
func (v Variant) Signature() godbus.Signature {
	return v.inner.Signature()
}

func (v Variant) String() string {
	return v.inner.String()
}

// Store copies the boxed value into dest, which must be a non-nil
// pointer, returning the engine's Store error if the dynamic type
// doesn't match.
func (v Variant) Store(dest interface{}) error {
	return godbus.Store([]interface{}{v.inner}, dest)
}

func (v Variant) raw() godbus.Variant { return v.inner }

func variantFromRaw(raw godbus.Variant) Variant {
	return Variant{inner: raw}
}

// ValidateObjectPath reports whether p is a syntactically valid D-Bus
// object path, recovered from the original's Types.cpp constructor
// check: non-empty, starts with '/', contains only [A-Za-z0-9_] segments
// separated by '/' and never ends in '/' unless it is the root path.
func ValidateObjectPath(p ObjectPath) error {
	s := string(p)
	if s == "" || s[0] != '/' {
		return fmt.Errorf("dbus: invalid object path %q: must start with '/'", s)
	}
	if len(s) > 1 && strings.HasSuffix(s, "/") {
		return fmt.Errorf("dbus: invalid object path %q: must not end in '/'", s)
	}
	if s == "/" {
		return nil
	}
	for _, seg := range strings.Split(s[1:], "/") {
		if seg == "" {
			return fmt.Errorf("dbus: invalid object path %q: empty segment", s)
		}
		for _, r := range seg {
			if !(r == '_' || (r >= '0' && r <= '9') || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
				return fmt.Errorf("dbus: invalid object path %q: illegal character %q", s, r)
			}
		}
	}
	return nil
}

// ValidateSignature reports whether sig is a syntactically valid
// D-Bus type signature: on top of the 255-byte wire limit, it
// delegates the actual grammar (balanced containers, a known alphabet
// of basic/container type codes) to the engine's own parser rather
// than duplicating it, the same way ValidateObjectPath owns its own
// narrower grammar by hand.
func ValidateSignature(sig string) error {
	if len(sig) > 255 {
		return fmt.Errorf("dbus: signature %q exceeds 255 bytes", sig)
	}
	if _, err := godbus.ParseSignature(sig); err != nil {
		return fmt.Errorf("dbus: invalid signature %q: %w", sig, err)
	}
	return nil
}

// ValidateBusName reports whether name is a syntactically plausible
// well-known or unique D-Bus bus name.
func ValidateBusName(name string) error {
	if name == "" {
		return fmt.Errorf("dbus: bus name must not be empty")
	}
	if len(name) > 255 {
		return fmt.Errorf("dbus: bus name %q exceeds 255 bytes", name)
	}
	if !strings.Contains(name, ".") && !strings.HasPrefix(name, ":") {
		return fmt.Errorf("dbus: bus name %q must contain a '.' or be a unique name", name)
	}
	return nil
}
