package dbus

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	godbus "github.com/godbus/dbus/v5"
)

// MessageKind distinguishes the four Message subtypes of §3.
type MessageKind int

const (
	KindPlain MessageKind = iota
	KindMethodCall
	KindMethodReply
	KindSignal
)

// containerKind names the scopes a Message's cursor can be inside,
// per §4.2's Array/DictEntry/Variant/Struct enumeration.
type containerKind int

const (
	containerArray containerKind = iota
	containerDictEntry
	containerVariant
	containerStruct
)

// frame is one entry in the open-container stack used while a Message
// is being built. elemSig, when non-empty, is the declared element
// type for an Array/DictEntry scope; appended values are checked
// against it so that a mismatched Append fails immediately rather than
// producing an invalid message.
type frame struct {
	kind    containerKind
	elemSig string
	values  []interface{}
}

// Message is a typed, ordered sequence of values with a current
// read/write cursor, per §3. A Message being built is append-only with
// the cursor at the end; once Seal is called it becomes immutable and
// can be sent or, for a received message, walked for reading.
type Message struct {
	Kind MessageKind

	Destination string
	Path        ObjectPath
	Interface   string
	Member      string
	Sender      string
	ErrorName   string
	ReplySerial uint32
	NoReplyFlag bool

	sealed bool
	stack  []*frame // open containers while building; empty once sealed

	// body holds the flattened top-level values once sealed, in the
	// order they were appended (building) or decoded (reading).
	body []interface{}

	// readStack is the open-container stack on the read side, mirroring
	// stack's role while building. readStack[0] always covers the
	// top-level body; EnterArrayRead et al. push a frame scoped to one
	// container's elements, and the matching ExitArrayRead et al. pops
	// it, so Read/PeekType always operate against the innermost entered
	// container per §4.2.
	readStack []*readFrame
	ok        bool // true iff the last read succeeded; mirrors §4.2's ok flag
}

// readFrame is one entry in the read-side container stack. pos is the
// cursor within values; a read past len(values) is how a zero-element
// (or exhausted) container's boundary is detected, per §4.1.
type readFrame struct {
	kind   containerKind
	values []interface{}
	pos    int
}

func newMessage(kind MessageKind) *Message {
	return &Message{Kind: kind, stack: []*frame{{kind: containerStruct}}, ok: true}
}

// NewPlainMessage creates a freestanding Plain message, used as a
// carrier for Variant contents.
func NewPlainMessage() *Message { return newMessage(KindPlain) }

// NewMethodCall creates a building MethodCall message addressed to
// destination/path/interface/member.
func NewMethodCall(destination string, path ObjectPath, iface, member string) *Message {
	m := newMessage(KindMethodCall)
	m.Destination = destination
	m.Path = path
	m.Interface = iface
	m.Member = member
	return m
}

// NewSignal creates a building Signal message.
func NewSignal(path ObjectPath, iface, member string) *Message {
	m := newMessage(KindSignal)
	m.Path = path
	m.Interface = iface
	m.Member = member
	return m
}

// CreateReply builds an empty MethodReply message addressed back to
// call's sender, ready to have return values appended. ReplySerial is
// not set.
func (call *Message) CreateReply() *Message {
	m := newMessage(KindMethodReply)
	m.Destination = call.Sender
	return m
}

// CreateErrorReply builds a MethodReply tagged as an error.
func (call *Message) CreateErrorReply(e *Error) *Message {
	m := newMessage(KindMethodReply)
	m.Destination = call.Sender
	m.ErrorName = e.Name
	if e.Message != "" {
		_ = m.Append(e.Message)
	}
	return m
}

func (m *Message) top() *frame { return m.stack[len(m.stack)-1] }

// Append writes values to the message at the current cursor position.
// Outside any explicitly entered container this simply extends the
// top-level argument list; inside one, values accumulate into that
// container's scope until it is exited.
func (m *Message) Append(values ...interface{}) error {
	if m.sealed {
		return fmt.Errorf("dbus: cannot append to a sealed message")
	}
	top := m.top()
	for _, v := range values {
		if top.elemSig != "" {
			sig, err := SignatureOfValue(v)
			if err != nil {
				return err
			}
			if sig.String() != top.elemSig {
				return fmt.Errorf("dbus: container expects element signature %q, got %q", top.elemSig, sig.String())
			}
		} else if top.kind == containerArray {
			sig, err := SignatureOfValue(v)
			if err != nil {
				return err
			}
			top.elemSig = sig.String()
		}
		top.values = append(top.values, v)
	}
	return nil
}

// EnterArray opens an Array scope whose elements must all carry
// elemSig; pass "" to infer the element signature from the first
// appended value instead.
func (m *Message) EnterArray(elemSig string) error {
	if m.sealed {
		return fmt.Errorf("dbus: cannot open a container on a sealed message")
	}
	m.stack = append(m.stack, &frame{kind: containerArray, elemSig: elemSig})
	return nil
}

// ExitArray closes the innermost Array scope, appending the completed
// slice as a single value in the parent scope.
func (m *Message) ExitArray() error {
	return m.exitContainer(containerArray, func(f *frame) (interface{}, error) {
		return buildTypedSlice(f)
	})
}

// EnterStruct opens a Struct scope.
func (m *Message) EnterStruct() error {
	if m.sealed {
		return fmt.Errorf("dbus: cannot open a container on a sealed message")
	}
	m.stack = append(m.stack, &frame{kind: containerStruct})
	return nil
}

// ExitStruct closes the innermost Struct scope. The accumulated field
// values are assembled into a genuine Go struct type built at runtime
// via reflect.StructOf, so the engine's own reflective encoder marshals
// it as a D-Bus STRUCT without this package needing a hand-rolled wire
// writer.
func (m *Message) ExitStruct() error {
	return m.exitContainer(containerStruct, func(f *frame) (interface{}, error) {
		return buildDynamicStruct(f.values)
	})
}

// EnterVariant opens a Variant scope; exactly one value must be
// appended before ExitVariant.
func (m *Message) EnterVariant() error {
	if m.sealed {
		return fmt.Errorf("dbus: cannot open a container on a sealed message")
	}
	m.stack = append(m.stack, &frame{kind: containerVariant})
	return nil
}

// ExitVariant closes the innermost Variant scope.
func (m *Message) ExitVariant() error {
	return m.exitContainer(containerVariant, func(f *frame) (interface{}, error) {
		if len(f.values) != 1 {
			return nil, fmt.Errorf("dbus: variant must contain exactly one value, got %d", len(f.values))
		}
		return godbus.MakeVariant(f.values[0]), nil
	})
}

// EnterDict opens a mapping scope. Use AppendDictEntry to add key/value
// pairs and ExitDict to close it.
func (m *Message) EnterDict(keySig, valSig string) error {
	if m.sealed {
		return fmt.Errorf("dbus: cannot open a container on a sealed message")
	}
	m.stack = append(m.stack, &frame{kind: containerDictEntry, elemSig: keySig + "\x00" + valSig})
	return nil
}

// AppendDictEntry adds one key/value pair to the innermost dict scope.
func (m *Message) AppendDictEntry(key, value interface{}) error {
	if len(m.stack) == 0 || m.top().kind != containerDictEntry {
		return fmt.Errorf("dbus: AppendDictEntry called outside a dict scope")
	}
	if sigs := strings.SplitN(m.top().elemSig, "\x00", 2); len(sigs) == 2 {
		for i, v := range []interface{}{key, value} {
			if sigs[i] == "" {
				continue
			}
			sig, err := SignatureOfValue(v)
			if err != nil {
				return err
			}
			if sig.String() != sigs[i] {
				return fmt.Errorf("dbus: dict expects signature %q, got %q", sigs[i], sig.String())
			}
		}
	}
	m.top().values = append(m.top().values, [2]interface{}{key, value})
	return nil
}

// ExitDict closes the innermost dict scope, appending the completed
// map as a single value in the parent scope.
func (m *Message) ExitDict() error {
	return m.exitContainer(containerDictEntry, func(f *frame) (interface{}, error) {
		return buildTypedMap(f.values)
	})
}

func (m *Message) exitContainer(kind containerKind, finish func(*frame) (interface{}, error)) error {
	if m.sealed {
		return fmt.Errorf("dbus: cannot close a container on a sealed message")
	}
	if len(m.stack) < 2 {
		return fmt.Errorf("dbus: no open container to exit")
	}
	top := m.top()
	if top.kind != kind {
		return fmt.Errorf("dbus: container kind mismatch on exit")
	}
	m.stack = m.stack[:len(m.stack)-1]
	value, err := finish(top)
	if err != nil {
		return err
	}
	m.top().values = append(m.top().values, value)
	return nil
}

// Seal is a one-way transition from building to sealed: the message
// becomes the wire representation and may be sent (or, if local, read
// back). It fails if any containers were left open.
func (m *Message) Seal() error {
	if m.sealed {
		return nil
	}
	if len(m.stack) != 1 {
		return fmt.Errorf("dbus: %d container(s) left open before seal", len(m.stack)-1)
	}
	m.body = m.stack[0].values
	m.stack = nil
	m.sealed = true
	m.readStack = []*readFrame{{kind: containerStruct, values: m.body}}
	m.ok = true
	return nil
}

// Rewind resets the read cursor. complete=true discards every entered
// container and starts again from the first top-level element;
// complete=false rewinds only the innermost open container (the one
// EnterArrayRead/EnterStructRead/EnterVariantRead/EnterDictRead most
// recently pushed) back to its own first element, per §4.2's
// "innermost open container" wording.
func (m *Message) Rewind(complete bool) {
	if complete {
		m.readStack = []*readFrame{{kind: containerStruct, values: m.body}}
	} else {
		m.curReadFrame().pos = 0
	}
	m.ok = true
}

func (m *Message) curReadFrame() *readFrame {
	if len(m.readStack) == 0 {
		// Read before Seal: body is empty, so this degenerates to an
		// always-exhausted root frame rather than panicking.
		m.readStack = []*readFrame{{kind: containerStruct, values: m.body}}
	}
	return m.readStack[len(m.readStack)-1]
}

// PeekType returns the primary type byte and contents signature of the
// value at the cursor, within the innermost entered container, without
// consuming it.
func (m *Message) PeekType() (byte, string, error) {
	f := m.curReadFrame()
	if f.pos >= len(f.values) {
		m.ok = false
		return 0, "", fmt.Errorf("dbus: cursor past end of message")
	}
	sig, err := SignatureOfValue(f.values[f.pos])
	if err != nil {
		return 0, "", err
	}
	s := sig.String()
	return s[0], s, nil
}

// Read advances the cursor within the innermost entered container,
// storing successive values into dest, which must be pointers. It
// fails with an ErrInvalidArgs Error if a value's dynamic type can be
// neither assigned nor converted to the pointed-to type, and sets the not-ok flag (see OK) once the cursor
// runs past the container's last element — §4.1's end-of-container
// detection, exercised by reading zero elements from an empty
// container entered via EnterArrayRead et al.
func (m *Message) Read(dest ...interface{}) error {
	f := m.curReadFrame()
	for _, d := range dest {
		if f.pos >= len(f.values) {
			m.ok = false
			return NewError(ErrInvalidArgs, "read past end of message")
		}
		if err := storeOne(f.values[f.pos], d); err != nil {
			m.ok = false
			return err
		}
		f.pos++
	}
	m.ok = true
	return nil
}

// OK reports whether the most recent Read (or container enter) found
// the value it was looking for; §4.2's end-of-container flag. A Read
// or EnterArrayRead/EnterStructRead/EnterVariantRead/EnterDictRead
// call that runs past the current container's last element clears it.
func (m *Message) OK() bool { return m.ok }

// EnterArrayRead descends into the array at the cursor, making its
// elements readable via Read/PeekType until the matching
// ExitArrayRead. Reading past the array's last element (including
// immediately, for a zero-length array) clears OK, which is how a
// caller detects the container's boundary while iterating, per §4.1.
func (m *Message) EnterArrayRead() error { return m.enterReadContainer(containerArray) }

// ExitArrayRead leaves the array entered by the matching
// EnterArrayRead, restoring the parent container's cursor.
func (m *Message) ExitArrayRead() error { return m.exitReadContainer(containerArray) }

// EnterStructRead descends into the struct at the cursor, making its
// fields readable in order via Read/PeekType.
func (m *Message) EnterStructRead() error { return m.enterReadContainer(containerStruct) }

// ExitStructRead leaves the struct entered by the matching
// EnterStructRead.
func (m *Message) ExitStructRead() error { return m.exitReadContainer(containerStruct) }

// EnterVariantRead descends into the variant at the cursor, making its
// single contained value readable via Read/PeekType.
func (m *Message) EnterVariantRead() error { return m.enterReadContainer(containerVariant) }

// ExitVariantRead leaves the variant entered by the matching
// EnterVariantRead.
func (m *Message) ExitVariantRead() error { return m.exitReadContainer(containerVariant) }

// EnterDictRead descends into the dict (array of dict-entries) at the
// cursor. Entries are read as alternating key, value pairs: call Read
// twice per entry (once for the key, once for the value) until OK
// reports false. Map key order is not significant in D-Bus, so entries
// are walked in a stable, sorted-by-key order rather than Go's
// randomized map iteration order.
func (m *Message) EnterDictRead() error { return m.enterReadContainer(containerDictEntry) }

// ExitDictRead leaves the dict entered by the matching EnterDictRead.
func (m *Message) ExitDictRead() error { return m.exitReadContainer(containerDictEntry) }

func (m *Message) enterReadContainer(kind containerKind) error {
	f := m.curReadFrame()
	if f.pos >= len(f.values) {
		m.ok = false
		return NewError(ErrInvalidArgs, "read past end of message")
	}
	elems, err := containerReadElements(kind, f.values[f.pos])
	if err != nil {
		m.ok = false
		return err
	}
	f.pos++
	m.readStack = append(m.readStack, &readFrame{kind: kind, values: elems})
	m.ok = true
	return nil
}

func (m *Message) exitReadContainer(kind containerKind) error {
	if len(m.readStack) < 2 {
		return fmt.Errorf("dbus: no open container to exit")
	}
	top := m.curReadFrame()
	if top.kind != kind {
		return fmt.Errorf("dbus: container kind mismatch on exit")
	}
	m.readStack = m.readStack[:len(m.readStack)-1]
	return nil
}

// containerReadElements flattens v, the value found at a cursor
// position, into the ordered list a readFrame iterates: one entry per
// array element or struct field, a single entry for a variant's inner
// value, or alternating key/value entries for a dict.
func containerReadElements(kind containerKind, v interface{}) ([]interface{}, error) {
	switch kind {
	case containerArray:
		if vs, ok := v.([]interface{}); ok {
			return vs, nil
		}
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice {
			return nil, NewError(ErrInvalidArgs, "value is not an array")
		}
		out := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = rv.Index(i).Interface()
		}
		return out, nil
	case containerStruct:
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Struct {
			return nil, NewError(ErrInvalidArgs, "value is not a struct")
		}
		out := make([]interface{}, rv.NumField())
		for i := 0; i < rv.NumField(); i++ {
			out[i] = rv.Field(i).Interface()
		}
		return out, nil
	case containerVariant:
		variant, ok := v.(godbus.Variant)
		if !ok {
			return nil, NewError(ErrInvalidArgs, "value is not a variant")
		}
		return []interface{}{variant.Value()}, nil
	case containerDictEntry:
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Map {
			return nil, NewError(ErrInvalidArgs, "value is not a dict")
		}
		keys := rv.MapKeys()
		sort.Slice(keys, func(i, j int) bool {
			return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface())
		})
		out := make([]interface{}, 0, len(keys)*2)
		for _, k := range keys {
			out = append(out, k.Interface(), rv.MapIndex(k).Interface())
		}
		return out, nil
	default:
		return nil, fmt.Errorf("dbus: unknown container kind")
	}
}

// Body returns the sealed message's top-level values, for callers that
// want to hand them straight to the engine (e.g. Connection.Send).
func (m *Message) Body() []interface{} {
	return m.body
}

// setBody installs a pre-decoded body on a received message and marks
// it sealed+readable; used when wrapping an incoming engine Call/Signal.
func (m *Message) setBody(body []interface{}) {
	m.body = body
	m.sealed = true
	m.stack = nil
	m.readStack = []*readFrame{{kind: containerStruct, values: m.body}}
	m.ok = true
}

func storeOne(src, dest interface{}) error {
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Ptr || dv.IsNil() {
		return fmt.Errorf("dbus: Read destination must be a non-nil pointer")
	}
	sv := reflect.ValueOf(src)
	if !sv.Type().AssignableTo(dv.Elem().Type()) {
		if sv.Type().ConvertibleTo(dv.Elem().Type()) {
			sv = sv.Convert(dv.Elem().Type())
		} else {
			return NewError(ErrInvalidArgs, fmt.Sprintf("cannot read %s into %s", sv.Type(), dv.Elem().Type()))
		}
	}
	dv.Elem().Set(sv)
	return nil
}

// buildDynamicStruct assembles a concrete Go struct value (via
// reflect.StructOf) whose fields, in order, hold vals. This is how a
// generic EnterStruct/ExitStruct pair becomes something the engine's
// reflective marshaller can encode as a D-Bus STRUCT without this
// package owning a byte-level struct writer.
func buildDynamicStruct(vals []interface{}) (interface{}, error) {
	fields := make([]reflect.StructField, len(vals))
	for i, v := range vals {
		fields[i] = reflect.StructField{Name: fmt.Sprintf("F%d", i), Type: reflect.TypeOf(v)}
	}
	t := reflect.StructOf(fields)
	sv := reflect.New(t).Elem()
	for i, v := range vals {
		sv.Field(i).Set(reflect.ValueOf(v))
	}
	return sv.Interface(), nil
}

// buildTypedSlice assembles a concrete slice (e.g. []string, []int32)
// from an Array frame's accumulated values, so the engine marshals a
// homogeneous "a<sig>" instead of a a dynamic []interface{} blob for
// types that don't require one.
func buildTypedSlice(f *frame) (interface{}, error) {
	if len(f.values) == 0 {
		if f.elemSig != "" {
			elemT, err := ReflectTypeForSignature(f.elemSig)
			if err != nil {
				return nil, err
			}
			return reflect.MakeSlice(reflect.SliceOf(elemT), 0, 0).Interface(), nil
		}
		return []interface{}{}, nil
	}
	elemT := reflect.TypeOf(f.values[0])
	slice := reflect.MakeSlice(reflect.SliceOf(elemT), len(f.values), len(f.values))
	for i, v := range f.values {
		slice.Index(i).Set(reflect.ValueOf(v))
	}
	return slice.Interface(), nil
}

// buildTypedMap assembles a concrete map from a dict frame's
// accumulated [2]interface{}{key, value} pairs.
func buildTypedMap(pairs []interface{}) (interface{}, error) {
	if len(pairs) == 0 {
		return map[string]godbus.Variant{}, nil
	}
	first := pairs[0].([2]interface{})
	keyT := reflect.TypeOf(first[0])
	valT := reflect.TypeOf(first[1])
	m := reflect.MakeMapWithSize(reflect.MapOf(keyT, valT), len(pairs))
	for _, p := range pairs {
		pair := p.([2]interface{})
		m.SetMapIndex(reflect.ValueOf(pair[0]), reflect.ValueOf(pair[1]))
	}
	return m.Interface(), nil
}
