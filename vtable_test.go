package dbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInterfaceVTableEffectiveUpdateBehaviorFallsBackToInterfaceDefault(t *testing.T) {
	vt := &InterfaceVTable{DefaultPropertyUpdateBehavior: PropertyUpdateEmitsInvalidation}
	p := &PropertyVTableEntry{Name: "Status"}
	assert.Equal(t, PropertyUpdateEmitsInvalidation, vt.effectiveUpdateBehavior(p))
}

func TestInterfaceVTableEffectiveUpdateBehaviorHonorsExplicitOverride(t *testing.T) {
	vt := &InterfaceVTable{DefaultPropertyUpdateBehavior: PropertyUpdateEmitsChange}
	p := &PropertyVTableEntry{Name: "Status", Flags: PropertyExplicitEmit | PropertyEmitsNoSignal}
	assert.Equal(t, PropertyUpdateEmitsNoSignal, vt.effectiveUpdateBehavior(p))
}

func TestInterfaceVTableEffectiveUpdateBehaviorConstOverride(t *testing.T) {
	vt := &InterfaceVTable{}
	p := &PropertyVTableEntry{Name: "Id", Flags: PropertyExplicitEmit | PropertyConst}
	assert.Equal(t, PropertyUpdateConst, vt.effectiveUpdateBehavior(p))
}

func TestInterfaceVTableRequiresPrivilege(t *testing.T) {
	vt := &InterfaceVTable{Flags: InterfacePrivileged}
	privileged := &MethodVTableEntry{Name: "Reboot"}
	unprivileged := &MethodVTableEntry{Name: "GetStatus", Flags: MethodUnprivileged}

	assert.True(t, vt.requiresPrivilege(privileged))
	assert.False(t, vt.requiresPrivilege(unprivileged))

	open := &InterfaceVTable{}
	assert.False(t, open.requiresPrivilege(privileged))
}

func TestEmitsChangedSignalValueStrings(t *testing.T) {
	assert.Equal(t, "true", emitsChangedSignalValue(PropertyUpdateEmitsChange))
	assert.Equal(t, "invalidates", emitsChangedSignalValue(PropertyUpdateEmitsInvalidation))
	assert.Equal(t, "const", emitsChangedSignalValue(PropertyUpdateConst))
	assert.Equal(t, "false", emitsChangedSignalValue(PropertyUpdateEmitsNoSignal))
}

func TestAncestorPathsWalksToRoot(t *testing.T) {
	got := ancestorPaths(ObjectPath("/org/example/foo/bar"))
	assert.Equal(t, []ObjectPath{
		"/org/example/foo/bar",
		"/org/example/foo",
		"/org/example",
		"/org",
		"/",
	}, got)
}

func TestAncestorPathsRoot(t *testing.T) {
	assert.Equal(t, []ObjectPath{"/"}, ancestorPaths(ObjectPath("/")))
}

func TestValidateSignatureAcceptsValidAndRejectsMalformed(t *testing.T) {
	assert.NoError(t, ValidateSignature(""))
	assert.NoError(t, ValidateSignature("s"))
	assert.NoError(t, ValidateSignature("a{sv}"))
	assert.Error(t, ValidateSignature("("))
	assert.Error(t, ValidateSignature("z"))
}
