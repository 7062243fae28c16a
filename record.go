package dbus

import (
	"fmt"
	"reflect"

	godbus "github.com/godbus/dbus/v5"
)

// DictMode selects how ToDict/FromDict handle fields missing from the
// wire representation, per §4.1's strict/relaxed struct-as-dictionary
// modes.
type DictMode int

const (
	// DictStrict requires every field's key to be present on read.
	DictStrict DictMode = iota
	// DictRelaxed leaves missing fields at their zero value.
	DictRelaxed
)

// dbusFieldName returns the wire key for a struct field: the value of
// a `dbus:"name"` tag if present, else the field's Go name.
func dbusFieldName(f reflect.StructField) string {
	if tag := f.Tag.Get("dbus"); tag != "" && tag != "-" {
		return tag
	}
	return f.Name
}

// ToDict serializes a record as a{sv}: every exported field becomes a
// key (its Go name, or its `dbus:"..."` tag) paired with a Variant
// holding the field value. Nested records are recursively emitted as
// nested a{sv} values when they too opt in by implementing DictRecord.
func ToDict(v interface{}) (map[string]godbus.Variant, error) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, fmt.Errorf("dbus: ToDict: nil pointer")
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, fmt.Errorf("dbus: ToDict: %s is not a struct", rv.Type())
	}
	out := make(map[string]godbus.Variant, rv.NumField())
	t := rv.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" || f.Tag.Get("dbus") == "-" {
			continue
		}
		fv := rv.Field(i).Interface()
		if nested, ok := fv.(DictRecord); ok {
			nestedDict, err := ToDict(nested)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", f.Name, err)
			}
			out[dbusFieldName(f)] = godbus.MakeVariant(nestedDict)
			continue
		}
		out[dbusFieldName(f)] = godbus.MakeVariant(fv)
	}
	return out, nil
}

// FromDict deserializes a{sv} into the struct pointed to by dest,
// according to mode. In DictStrict mode every field's key must be
// present in dict; in DictRelaxed mode a missing key simply leaves the
// field at its current (typically zero) value.
func FromDict(dict map[string]godbus.Variant, dest interface{}, mode DictMode) error {
	rv := reflect.ValueOf(dest)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("dbus: FromDict: dest must be a non-nil pointer")
	}
	rv = rv.Elem()
	if rv.Kind() != reflect.Struct {
		return fmt.Errorf("dbus: FromDict: %s is not a struct", rv.Type())
	}
	t := rv.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" || f.Tag.Get("dbus") == "-" {
			continue
		}
		key := dbusFieldName(f)
		variant, ok := dict[key]
		if !ok {
			if mode == DictStrict {
				return fmt.Errorf("dbus: FromDict: missing required key %q", key)
			}
			continue
		}
		field := rv.Field(i)
		if field.Kind() == reflect.Struct {
			if nested, ok := field.Addr().Interface().(DictRecord); ok {
				nestedDict, ok := variant.Value().(map[string]godbus.Variant)
				if !ok {
					return fmt.Errorf("dbus: FromDict: key %q is not a nested dict", key)
				}
				if err := FromDict(nestedDict, nested, mode); err != nil {
					return fmt.Errorf("field %s: %w", f.Name, err)
				}
				continue
			}
		}
		val := reflect.ValueOf(variant.Value())
		if !val.Type().AssignableTo(field.Type()) {
			if val.Type().ConvertibleTo(field.Type()) {
				val = val.Convert(field.Type())
			} else {
				return fmt.Errorf("dbus: FromDict: key %q: cannot assign %s to %s", key, val.Type(), field.Type())
			}
		}
		field.Set(val)
	}
	return nil
}

// DictRecord opts a record into struct-as-dictionary (a{sv}) framing.
// Its only method is the unexported dictRecordMarker, so only types in
// this package can implement it; it exists purely as a marker so
// ToDict/FromDict can recurse into nested records, mirroring the
// opt-in macro trait described in the original design notes.
type DictRecord interface {
	dictRecordMarker()
}
