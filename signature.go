package dbus

import (
	"fmt"
	"reflect"

	godbus "github.com/godbus/dbus/v5"
)

// HasSignature is implemented by types that know their own D-Bus wire
// signature without reflection. Enumerations backed by an integer type
// and user records that want a signature other than the derived tuple
// implement it; everything else falls back to SignatureOf's reflective
// derivation.
type HasSignature interface {
	Signature() godbus.Signature
}

var hasSignatureType = reflect.TypeOf((*HasSignature)(nil)).Elem()

// SignatureOf derives the canonical D-Bus signature for a Go type: the
// total function signature_of<T> required by §4.1. It is the single
// source of truth the rest of the package consults when building
// MethodCall/MethodReply bodies and vtable entries.
func SignatureOf(t reflect.Type) (godbus.Signature, error) {
	// Both variant types carry a Signature method describing their
	// contents, so they are matched before the HasSignature check.
	if t == reflect.TypeOf(Variant{}) || t == reflect.TypeOf(godbus.Variant{}) {
		return godbus.ParseSignature("v")
	}
	if t == reflect.TypeOf(godbus.Signature{}) {
		return godbus.ParseSignature("g")
	}
	if t.Implements(hasSignatureType) {
		return reflect.New(t).Elem().Interface().(HasSignature).Signature(), nil
	}
	if reflect.PointerTo(t).Implements(hasSignatureType) {
		return reflect.New(t).Interface().(HasSignature).Signature(), nil
	}

	if t == reflect.TypeOf(UnixFD(0)) {
		return godbus.ParseSignature("h")
	}

	switch t.Kind() {
	case reflect.Bool:
		return godbus.ParseSignature("b")
	case reflect.Uint8:
		return godbus.ParseSignature("y")
	case reflect.Int16:
		return godbus.ParseSignature("n")
	case reflect.Uint16:
		return godbus.ParseSignature("q")
	case reflect.Int32:
		return godbus.ParseSignature("i")
	case reflect.Uint32:
		return godbus.ParseSignature("u")
	case reflect.Int64:
		return godbus.ParseSignature("x")
	case reflect.Uint64:
		return godbus.ParseSignature("t")
	case reflect.Float64:
		return godbus.ParseSignature("d")
	case reflect.String:
		if t == reflect.TypeOf(ObjectPath("")) {
			return godbus.ParseSignature("o")
		}
		return godbus.ParseSignature("s")
	case reflect.Array, reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 && t != reflect.TypeOf(UnixFD(0)) {
			return godbus.ParseSignature("ay")
		}
		elem, err := SignatureOf(t.Elem())
		if err != nil {
			return godbus.Signature{}, err
		}
		return godbus.ParseSignature("a" + elem.String())
	case reflect.Map:
		key, err := SignatureOf(t.Key())
		if err != nil {
			return godbus.Signature{}, err
		}
		val, err := SignatureOf(t.Elem())
		if err != nil {
			return godbus.Signature{}, err
		}
		return godbus.ParseSignature("a{" + key.String() + val.String() + "}")
	case reflect.Struct:
		return tupleSignature(t)
	case reflect.Ptr:
		return SignatureOf(t.Elem())
	}
	return godbus.Signature{}, fmt.Errorf("dbus: cannot derive signature for %s", t)
}

// tupleSignature derives "(" sig(T1) ... sig(Tn) ")" for a struct,
// recursing field by field. Registration for struct-as-dictionary mode
// (record.go) is a separate opt-in and does not affect this path.
func tupleSignature(t reflect.Type) (godbus.Signature, error) {
	out := "("
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" && !f.Anonymous {
			continue // unexported field, not part of the wire shape
		}
		if f.Tag.Get("dbus") == "-" {
			continue
		}
		sig, err := SignatureOf(f.Type)
		if err != nil {
			return godbus.Signature{}, fmt.Errorf("field %s: %w", f.Name, err)
		}
		out += sig.String()
	}
	out += ")"
	return godbus.ParseSignature(out)
}

// SignatureOfValue is a convenience wrapper for the common case of
// already holding a value rather than a reflect.Type.
func SignatureOfValue(v interface{}) (godbus.Signature, error) {
	return SignatureOf(reflect.TypeOf(v))
}

// SplitSignature breaks a signature string into its top-level complete
// type tokens, respecting nested "(...)" and "{...}" scopes, e.g.
// "a{sv}(ii)s" -> ["a{sv}", "(ii)", "s"]. Object and Proxy use this to
// walk a method's declared in/out signature one argument at a time.
func SplitSignature(sig string) ([]string, error) {
	var tokens []string
	depth := 0
	start := -1
	for i := 0; i < len(sig); i++ {
		c := sig[i]
		if start == -1 {
			start = i
		}
		switch c {
		case '(', '{':
			depth++
		case ')', '}':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("dbus: unbalanced signature %q", sig)
			}
		case 'a':
			continue // array marker is a prefix of the next token, not its own
		}
		if depth == 0 && c != 'a' {
			tokens = append(tokens, sig[start:i+1])
			start = -1
		}
	}
	if depth != 0 || start != -1 {
		return nil, fmt.Errorf("dbus: unbalanced signature %q", sig)
	}
	return tokens, nil
}

// ReflectTypeForSignature maps a single complete D-Bus type token to a
// concrete Go reflect.Type, the inverse of SignatureOf. Object uses it
// with reflect.MakeFunc to bridge a runtime-registered MethodVTableEntry
// to the concrete, fixed-arity function value the engine's reflective
// exporter requires.
func ReflectTypeForSignature(tok string) (reflect.Type, error) {
	if tok == "" {
		return nil, fmt.Errorf("dbus: empty signature token")
	}
	switch tok[0] {
	case 'y':
		return reflect.TypeOf(byte(0)), nil
	case 'b':
		return reflect.TypeOf(false), nil
	case 'n':
		return reflect.TypeOf(int16(0)), nil
	case 'q':
		return reflect.TypeOf(uint16(0)), nil
	case 'i':
		return reflect.TypeOf(int32(0)), nil
	case 'u':
		return reflect.TypeOf(uint32(0)), nil
	case 'x':
		return reflect.TypeOf(int64(0)), nil
	case 't':
		return reflect.TypeOf(uint64(0)), nil
	case 'd':
		return reflect.TypeOf(float64(0)), nil
	case 's':
		return reflect.TypeOf(""), nil
	case 'o':
		return reflect.TypeOf(ObjectPath("")), nil
	case 'g':
		return reflect.TypeOf(godbus.Signature{}), nil
	case 'h':
		return reflect.TypeOf(UnixFD(0)), nil
	case 'v':
		return reflect.TypeOf(godbus.Variant{}), nil
	case 'a':
		if len(tok) >= 2 && tok[1] == '{' {
			inner := tok[2 : len(tok)-1]
			toks, err := SplitSignature(inner)
			if err != nil || len(toks) != 2 {
				return nil, fmt.Errorf("dbus: malformed dict signature %q", tok)
			}
			keyT, err := ReflectTypeForSignature(toks[0])
			if err != nil {
				return nil, err
			}
			valT, err := ReflectTypeForSignature(toks[1])
			if err != nil {
				return nil, err
			}
			return reflect.MapOf(keyT, valT), nil
		}
		elemT, err := ReflectTypeForSignature(tok[1:])
		if err != nil {
			return nil, err
		}
		return reflect.SliceOf(elemT), nil
	case '(':
		inner := tok[1 : len(tok)-1]
		toks, err := SplitSignature(inner)
		if err != nil {
			return nil, err
		}
		fields := make([]reflect.StructField, len(toks))
		for i, t := range toks {
			ft, err := ReflectTypeForSignature(t)
			if err != nil {
				return nil, err
			}
			fields[i] = reflect.StructField{Name: fmt.Sprintf("F%d", i), Type: ft}
		}
		return reflect.StructOf(fields), nil
	}
	return nil, fmt.Errorf("dbus: unsupported signature token %q", tok)
}
