package dbus

import (
	"testing"

	godbus "github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These exercise §8's first Testable Property — read_T(seal(write_T(empty,
// v))) == v — directly against Message, with no bus involved.

func TestMessageAppendSealReadRoundTripScalars(t *testing.T) {
	m := NewPlainMessage()
	require.NoError(t, m.Append("hello", int32(42), true))
	require.NoError(t, m.Seal())

	var s string
	var i int32
	var b bool
	require.NoError(t, m.Read(&s, &i, &b))
	assert.True(t, m.OK())
	assert.Equal(t, "hello", s)
	assert.Equal(t, int32(42), i)
	assert.True(t, b)
}

func TestMessageReadPastEndClearsOK(t *testing.T) {
	m := NewPlainMessage()
	require.NoError(t, m.Append("only"))
	require.NoError(t, m.Seal())

	var s string
	require.NoError(t, m.Read(&s))
	assert.True(t, m.OK())

	var extra string
	err := m.Read(&extra)
	assert.Error(t, err)
	assert.False(t, m.OK())
}

func TestMessagePeekTypeDoesNotConsume(t *testing.T) {
	m := NewPlainMessage()
	require.NoError(t, m.Append(int32(7)))
	require.NoError(t, m.Seal())

	primary, sig, err := m.PeekType()
	require.NoError(t, err)
	assert.Equal(t, byte('i'), primary)
	assert.Equal(t, "i", sig)

	var out int32
	require.NoError(t, m.Read(&out))
	assert.Equal(t, int32(7), out)
}

func TestMessageArrayRoundTrip(t *testing.T) {
	m := NewPlainMessage()
	require.NoError(t, m.EnterArray("s"))
	require.NoError(t, m.Append("a", "b", "c"))
	require.NoError(t, m.ExitArray())
	require.NoError(t, m.Seal())

	require.NoError(t, m.EnterArrayRead())
	var got []string
	for m.OK() {
		var s string
		if err := m.Read(&s); err != nil {
			break
		}
		got = append(got, s)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
	require.NoError(t, m.ExitArrayRead())
}

// An empty array still round-trips, and entering it then immediately
// reading sets the not-ok flag at the container's boundary, per §4.1.
func TestMessageEmptyArrayReadSetsNotOKAtBoundary(t *testing.T) {
	m := NewPlainMessage()
	require.NoError(t, m.EnterArray("s"))
	require.NoError(t, m.ExitArray())
	require.NoError(t, m.Seal())

	require.NoError(t, m.EnterArrayRead())
	var s string
	err := m.Read(&s)
	assert.Error(t, err)
	assert.False(t, m.OK())
	require.NoError(t, m.ExitArrayRead())
}

func TestMessageStructRoundTrip(t *testing.T) {
	m := NewPlainMessage()
	require.NoError(t, m.EnterStruct())
	require.NoError(t, m.Append("Ada", int32(36)))
	require.NoError(t, m.ExitStruct())
	require.NoError(t, m.Seal())

	require.NoError(t, m.EnterStructRead())
	var name string
	var age int32
	require.NoError(t, m.Read(&name, &age))
	assert.Equal(t, "Ada", name)
	assert.Equal(t, int32(36), age)
	require.NoError(t, m.ExitStructRead())
}

func TestMessageVariantRoundTrip(t *testing.T) {
	m := NewPlainMessage()
	require.NoError(t, m.EnterVariant())
	require.NoError(t, m.Append(int32(99)))
	require.NoError(t, m.ExitVariant())
	require.NoError(t, m.Seal())

	var v godbus.Variant
	require.NoError(t, m.Read(&v))

	m.Rewind(true)
	require.NoError(t, m.EnterVariantRead())
	var out int32
	require.NoError(t, m.Read(&out))
	assert.Equal(t, int32(99), out)
	require.NoError(t, m.ExitVariantRead())
}

func TestMessageDictRoundTrip(t *testing.T) {
	m := NewPlainMessage()
	require.NoError(t, m.EnterDict("s", "i"))
	require.NoError(t, m.AppendDictEntry("one", int32(1)))
	require.NoError(t, m.AppendDictEntry("two", int32(2)))
	require.NoError(t, m.ExitDict())
	require.NoError(t, m.Seal())

	require.NoError(t, m.EnterDictRead())
	got := make(map[string]int32)
	for m.OK() {
		var k string
		var v int32
		if err := m.Read(&k, &v); err != nil {
			break
		}
		got[k] = v
	}
	assert.Equal(t, map[string]int32{"one": 1, "two": 2}, got)
	require.NoError(t, m.ExitDictRead())
}

func TestMessageRewindCompleteRestartsFromRoot(t *testing.T) {
	m := NewPlainMessage()
	require.NoError(t, m.Append("a", "b"))
	require.NoError(t, m.Seal())

	var s string
	require.NoError(t, m.Read(&s))
	assert.Equal(t, "a", s)

	m.Rewind(true)
	require.NoError(t, m.Read(&s))
	assert.Equal(t, "a", s)
}

func TestMessageRewindIncompleteResetsInnermostContainerOnly(t *testing.T) {
	m := NewPlainMessage()
	require.NoError(t, m.EnterArray("i"))
	require.NoError(t, m.Append(int32(1), int32(2)))
	require.NoError(t, m.ExitArray())
	require.NoError(t, m.Append("after"))
	require.NoError(t, m.Seal())

	var first int32
	require.NoError(t, m.EnterArrayRead())
	require.NoError(t, m.Read(&first))
	assert.Equal(t, int32(1), first)

	m.Rewind(false)
	require.NoError(t, m.Read(&first))
	assert.Equal(t, int32(1), first)
	var second int32
	require.NoError(t, m.Read(&second))
	assert.Equal(t, int32(2), second)
	require.NoError(t, m.ExitArrayRead())

	var tail string
	require.NoError(t, m.Read(&tail))
	assert.Equal(t, "after", tail)
}
