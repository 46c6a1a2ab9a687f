// Package loghook provides the pluggable operator-log backend spec.md
// treats as an external collaborator ("logging back-end selection:
// syslog vs. stderr"). It mirrors the original daemon's g_phook
// function-pointer indirection: component code calls a Hook rather
// than a concrete logging package, so the backend stays swappable
// between debug (foreground, stdout/stderr) and production (syslog).
package loghook

import (
	"fmt"
	"log"
	"log/syslog"
	"os"
)

// Priority mirrors syslog's coarse severity levels; netdumpd only
// needs three.
type Priority int

const (
	Info Priority = iota
	Warning
	Err
)

// Hook logs one already-formatted message at the given priority.
type Hook func(p Priority, format string, args ...any)

// Debug returns a Hook built on the standard `log` package: timestamps
// + short file/line, informational messages to stdout, warnings/errors
// to stderr. Used when -D is given.
func Debug() Hook {
	info := log.New(os.Stdout, "", log.LstdFlags|log.Lshortfile)
	errl := log.New(os.Stderr, "", log.LstdFlags|log.Lshortfile)
	return func(p Priority, format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		if p == Info {
			info.Output(3, msg)
			return
		}
		errl.Output(3, msg)
	}
}

// Syslog returns a Hook that writes to the system log under the daemon
// facility, the production default (not -D). If the local syslog
// daemon cannot be reached, it falls back to Debug() so a startup
// logging failure never silently swallows operator-visible output.
func Syslog(tag string) Hook {
	w, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, tag)
	if err != nil {
		return Debug()
	}
	return func(p Priority, format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		switch p {
		case Warning:
			w.Warning(msg)
		case Err:
			w.Err(msg)
		default:
			w.Info(msg)
		}
	}
}

// Infof, Warnf and Errf are convenience wrappers so call sites read
// like the stdlib log package rather than threading Priority through
// every call.
func (h Hook) Infof(format string, args ...any) { h(Info, format, args...) }
func (h Hook) Warnf(format string, args ...any) { h(Warning, format, args...) }
func (h Hook) Errf(format string, args ...any)  { h(Err, format, args...) }
