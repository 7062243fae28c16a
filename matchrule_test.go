package dbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchRuleString(t *testing.T) {
	r := MatchRule{
		Type:      TypeSignal,
		Interface: "org.freedesktop.DBus",
		Member:    "Foo",
		Path:      "/bar/foo",
	}

	assert.Equal(t, "type='signal',path='/bar/foo',interface='org.freedesktop.DBus',member='Foo'", r.String())
}

func TestMatchRuleStringEmpty(t *testing.T) {
	var r MatchRule
	assert.Equal(t, "", r.String())
}

func TestMatchRuleMatches(t *testing.T) {
	r := MatchRule{Interface: "org.sdbusgo.integrationtests", Member: "stateChanged"}

	assert.True(t, r.Matches(":1.1", "/org/sdbusgo/integrationtests", "org.sdbusgo.integrationtests", "stateChanged"))
	assert.False(t, r.Matches(":1.1", "/org/sdbusgo/integrationtests", "org.sdbusgo.integrationtests", "other"))
	assert.False(t, r.Matches(":1.1", "/org/sdbusgo/integrationtests", "org.other", "stateChanged"))
}

func TestMatchRuleArgs(t *testing.T) {
	r := MatchRule{Type: TypeSignal, Args: map[int]string{0: "com.example.Thing"}}
	assert.Equal(t, "type='signal',arg0='com.example.Thing'", r.String())
}
