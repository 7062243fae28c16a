package dbus

import (
	"context"
	"errors"
	"fmt"

	godbus "github.com/godbus/dbus/v5"
)

// Canonical D-Bus error names used throughout the dispatch and proxy
// paths, grounded in org.freedesktop.DBus's own error catalogue.
const (
	ErrUnknownMethod    = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrUnknownInterface = "org.freedesktop.DBus.Error.UnknownInterface"
	ErrUnknownObject    = "org.freedesktop.DBus.Error.UnknownObject"
	ErrUnknownProperty  = "org.freedesktop.DBus.Error.UnknownProperty"
	ErrInvalidArgs      = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrAccessDenied     = "org.freedesktop.DBus.Error.AccessDenied"
	ErrPropertyReadOnly = "org.freedesktop.DBus.Error.PropertyReadOnly"
	ErrNoReply          = "org.freedesktop.DBus.Error.NoReply"
	ErrTimeout          = "org.freedesktop.DBus.Error.Timeout"
	ErrFailed           = "org.freedesktop.DBus.Error.Failed"
)

// Error is a tagged failure value carrying a dotted D-Bus error name
// and a human-readable message, per §3/§4.3. It wraps the engine error
// it was built from, if any, so callers can Unwrap down to the cause.
type Error struct {
	Name    string
	Message string
	Errno   int // 0 if not derived from a syscall errno

	cause error
}

// NewError builds an Error directly from a name and message.
func NewError(name, message string) *Error {
	return &Error{Name: name, Message: message}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is(err, NewError(ErrTimeout, "")) style checks compare by
// canonical name rather than pointer identity.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Name == other.Name
	}
	return false
}

// FromErrno converts a syscall errno into an Error. The name is always
// ErrFailed (there is no per-errno name mapping), the message is text
// as given (the errno's own text is not appended), and errno is kept in
// the Errno field.
func FromErrno(errno int, text string) *Error {
	return &Error{Name: ErrFailed, Message: text, Errno: errno}
}

// FromEngine classifies a raw error returned by the underlying engine
// into a tagged Error, recovered from Error.cpp's createError: a
// context deadline becomes the canonical Timeout error, an engine
// *godbus.Error is unwrapped verbatim, and anything else is reported
// as Failed with the original text appended. It returns a plain nil
// error (not a typed nil *Error) when err is nil, so callers can use
// it unconditionally as `return FromEngine(err)` without falling into
// the typed-nil-in-interface trap.
func FromEngine(err error) error {
	if err == nil {
		return nil
	}
	var dep *Error
	if errors.As(err, &dep) {
		return dep
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Name: ErrTimeout, Message: "method call timed out", cause: err}
	}
	var ge godbus.Error
	if errors.As(err, &ge) {
		msg := ""
		if len(ge.Body) > 0 {
			if s, ok := ge.Body[0].(string); ok {
				msg = s
			}
		}
		return &Error{Name: ge.Name, Message: msg, cause: err}
	}
	return &Error{Name: ErrFailed, Message: err.Error(), cause: err}
}

// toEngineError renders an Error back into the engine's own error type
// so it can be written as a reply body via ExportMethodTable handlers.
func (e *Error) toEngineError() *godbus.Error {
	if e == nil {
		return nil
	}
	var body []interface{}
	if e.Message != "" {
		body = []interface{}{e.Message}
	}
	return godbus.NewError(e.Name, body)
}
