package dbus

import (
	"fmt"
	"strings"

	godbus "github.com/godbus/dbus/v5"
)

// MatchRule is a standard D-Bus match rule expression: comma-separated
// key='value' pairs over type/sender/interface/member/path/path_namespace/
// destination/arg0..argN (§6). A zero-valued field is left out of the
// rule and so matches anything.
type MatchRule struct {
	Type          MessageType
	Sender        string
	Path          ObjectPath
	PathNamespace ObjectPath
	Interface     string
	Member        string
	Destination   string
	Args          map[int]string
}

// MessageType names the wire message kinds a match rule can filter on.
type MessageType string

const (
	TypeSignal      MessageType = "signal"
	TypeMethodCall  MessageType = "method_call"
	TypeMethodReply MessageType = "method_return"
	TypeError       MessageType = "error"
)

// String renders the rule as the wire match-rule expression consumed
// by AddMatch and the engine's AddMatchSignal.
func (r *MatchRule) String() string {
	var parts []string
	if r.Type != "" {
		parts = append(parts, fmt.Sprintf("type='%s'", r.Type))
	}
	if r.Sender != "" {
		parts = append(parts, fmt.Sprintf("sender='%s'", r.Sender))
	}
	if r.Path != "" {
		parts = append(parts, fmt.Sprintf("path='%s'", r.Path))
	}
	if r.PathNamespace != "" {
		parts = append(parts, fmt.Sprintf("path_namespace='%s'", r.PathNamespace))
	}
	if r.Interface != "" {
		parts = append(parts, fmt.Sprintf("interface='%s'", r.Interface))
	}
	if r.Member != "" {
		parts = append(parts, fmt.Sprintf("member='%s'", r.Member))
	}
	if r.Destination != "" {
		parts = append(parts, fmt.Sprintf("destination='%s'", r.Destination))
	}
	for i := 0; i <= 63; i++ {
		if v, ok := r.Args[i]; ok {
			parts = append(parts, fmt.Sprintf("arg%d='%s'", i, v))
		}
	}
	return strings.Join(parts, ",")
}

// matchOptions translates the rule into the engine's own MatchOption
// list, used to install it via the engine's AddMatchSignal.
func (r *MatchRule) matchOptions() []godbus.MatchOption {
	var opts []godbus.MatchOption
	if r.Sender != "" {
		opts = append(opts, godbus.WithMatchSender(r.Sender))
	}
	if r.Path != "" {
		opts = append(opts, godbus.WithMatchObjectPath(r.Path))
	}
	if r.PathNamespace != "" {
		opts = append(opts, godbus.WithMatchPathNamespace(r.PathNamespace))
	}
	if r.Interface != "" {
		opts = append(opts, godbus.WithMatchInterface(r.Interface))
	}
	if r.Member != "" {
		opts = append(opts, godbus.WithMatchMember(r.Member))
	}
	if r.Destination != "" {
		opts = append(opts, godbus.WithMatchDestination(r.Destination))
	}
	for i := 0; i <= 63; i++ {
		if v, ok := r.Args[i]; ok {
			opts = append(opts, godbus.WithMatchArg(i, v))
		}
	}
	return opts
}

// Matches reports whether a received signal satisfies the rule.
// Connection's dispatch uses this to route the one engine-level signal
// channel to the right SignalSubscriptions. Only Sender, Path,
// Interface and Member are compared; PathNamespace, Destination and
// Args are not checked here. A received signal's sender is always a
// unique name, so a well-known Sender name is left to the bus-side
// match rule and only a unique-name Sender (":1.NN") is compared.
func (r *MatchRule) Matches(sender string, path ObjectPath, iface, member string) bool {
	if strings.HasPrefix(r.Sender, ":") && r.Sender != sender {
		return false
	}
	if r.Path != "" && r.Path != path {
		return false
	}
	if r.Interface != "" && r.Interface != iface {
		return false
	}
	if r.Member != "" && r.Member != member {
		return false
	}
	return true
}
