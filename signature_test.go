package dbus

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignatureOfScalars(t *testing.T) {
	cases := []struct {
		v   interface{}
		sig string
	}{
		{true, "b"},
		{byte(0), "y"},
		{int16(0), "n"},
		{uint16(0), "q"},
		{int32(0), "i"},
		{uint32(0), "u"},
		{int64(0), "x"},
		{uint64(0), "t"},
		{float64(0), "d"},
		{"hello", "s"},
		{ObjectPath("/a"), "o"},
		{UnixFD(3), "h"},
	}
	for _, c := range cases {
		sig, err := SignatureOfValue(c.v)
		require.NoError(t, err)
		assert.Equal(t, c.sig, sig.String())
	}
}

func TestSignatureOfContainers(t *testing.T) {
	sig, err := SignatureOfValue([]string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, "as", sig.String())

	sig, err = SignatureOfValue(map[string]int32{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, "a{si}", sig.String())

	sig, err = SignatureOfValue([]byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, "ay", sig.String())
}

func TestSignatureOfStruct(t *testing.T) {
	type pair struct {
		A string
		B int32
	}
	sig, err := SignatureOfValue(pair{})
	require.NoError(t, err)
	assert.Equal(t, "(si)", sig.String())
}

func TestSplitSignature(t *testing.T) {
	toks, err := SplitSignature("a{sv}(ii)s")
	require.NoError(t, err)
	assert.Equal(t, []string{"a{sv}", "(ii)", "s"}, toks)
}

func TestSplitSignatureUnbalanced(t *testing.T) {
	_, err := SplitSignature("(ii")
	assert.Error(t, err)
}

func TestReflectTypeForSignatureRoundTrip(t *testing.T) {
	toks, err := SplitSignature("a{sv}(ii)s")
	require.NoError(t, err)
	for _, tok := range toks {
		typ, err := ReflectTypeForSignature(tok)
		require.NoError(t, err)
		sig, err := SignatureOf(typ)
		require.NoError(t, err)
		assert.Equal(t, tok, sig.String())
	}
}

func TestReflectTypeForSignatureUnixFD(t *testing.T) {
	typ, err := ReflectTypeForSignature("h")
	require.NoError(t, err)
	assert.Equal(t, reflect.TypeOf(UnixFD(0)), typ)
}
