package dbus

import (
	"fmt"
	"os"

	"github.com/coreos/go-systemd/v22/journal"
)

// Logger is the ambient logging sink used for the package's own
// diagnostics (lost connections, dropped signals, dispatch errors on a
// goroutine with no caller left to return an error to) — the Go
// counterpart to the teacher package's scattered log.Println calls in
// dbus.go and names.go, unified here behind one seam so a caller can
// swap it.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// journalLogger writes through the systemd journal when available,
// falling back to stderr otherwise (e.g. running outside systemd, or
// in a container without a journald socket).
type journalLogger struct{}

func (journalLogger) Debugf(format string, args ...interface{}) {
	logAt(journal.PriDebug, format, args...)
}

func (journalLogger) Infof(format string, args ...interface{}) {
	logAt(journal.PriInfo, format, args...)
}

func (journalLogger) Errorf(format string, args ...interface{}) {
	logAt(journal.PriErr, format, args...)
}

func logAt(priority journal.Priority, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if journal.Enabled() {
		_ = journal.Send(msg, priority, nil)
		return
	}
	fmt.Fprintln(os.Stderr, msg)
}

// defaultLogger is used by every Connection unless overridden with
// SetLogger.
var defaultLogger Logger = journalLogger{}

// SetLogger replaces the package-wide default logger, for callers that
// want their own structured logging instead of the journal/stderr
// default.
func SetLogger(l Logger) {
	if l == nil {
		l = journalLogger{}
	}
	defaultLogger = l
}
