package dbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type person struct {
	Name string
	Age  int32 `dbus:"years"`
}

func TestToDictFromDictRoundTrip(t *testing.T) {
	p := person{Name: "Ada", Age: 36}
	dict, err := ToDict(p)
	require.NoError(t, err)
	assert.Contains(t, dict, "Name")
	assert.Contains(t, dict, "years")

	var out person
	require.NoError(t, FromDict(dict, &out, DictStrict))
	assert.Equal(t, p, out)
}

func TestFromDictRelaxedAllowsMissing(t *testing.T) {
	dict, err := ToDict(person{Name: "Grace"})
	require.NoError(t, err)
	delete(dict, "years")

	var out person
	require.NoError(t, FromDict(dict, &out, DictRelaxed))
	assert.Equal(t, "Grace", out.Name)
	assert.Equal(t, int32(0), out.Age)
}

func TestFromDictStrictRejectsMissing(t *testing.T) {
	dict, err := ToDict(person{Name: "Grace"})
	require.NoError(t, err)
	delete(dict, "years")

	var out person
	err = FromDict(dict, &out, DictStrict)
	assert.Error(t, err)
}

func TestToDictRejectsNonStruct(t *testing.T) {
	_, err := ToDict(42)
	assert.Error(t, err)
}
