// Package stats implements netdumpd's optional periodic statistics
// log: counters for session outcomes and bytes received, flushed on a
// timer to a CSV file an operator can graph.
package stats

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/sandvine/netdumpd/internal/loghook"
)

// Recorder accumulates counters the event loop updates as sessions
// start and end. The zero value is usable; a nil *Recorder is also
// safe to call methods on, so callers can pass nil when statistics
// collection is disabled without branching at every call site.
type Recorder struct {
	sessionsStarted   uint64
	sessionsSucceeded uint64
	sessionsTimedOut  uint64
	sessionsErrored   uint64
	bytesReceived     uint64
}

// Snapshot is a point-in-time copy of a Recorder's counters.
type Snapshot struct {
	SessionsStarted   uint64
	SessionsSucceeded uint64
	SessionsTimedOut  uint64
	SessionsErrored   uint64
	BytesReceived     uint64
}

// SessionStarted records that a new session was created.
func (r *Recorder) SessionStarted() {
	if r == nil {
		return
	}
	atomic.AddUint64(&r.sessionsStarted, 1)
}

// SessionResult records a session's terminal reason, one of "success",
// "timeout" or "error" (internal/session's notify reasons).
func (r *Recorder) SessionResult(reason string) {
	if r == nil {
		return
	}
	switch reason {
	case "success":
		atomic.AddUint64(&r.sessionsSucceeded, 1)
	case "timeout":
		atomic.AddUint64(&r.sessionsTimedOut, 1)
	case "error":
		atomic.AddUint64(&r.sessionsErrored, 1)
	}
}

// AddBytes records n additional bytes of VMCORE payload received.
func (r *Recorder) AddBytes(n int) {
	if r == nil || n <= 0 {
		return
	}
	atomic.AddUint64(&r.bytesReceived, uint64(n))
}

// Snapshot returns a consistent-enough copy of the current counters
// for logging; exact atomicity across fields is not required since
// this is an operator-facing trend log, not an accounting system.
func (r *Recorder) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	return Snapshot{
		SessionsStarted:   atomic.LoadUint64(&r.sessionsStarted),
		SessionsSucceeded: atomic.LoadUint64(&r.sessionsSucceeded),
		SessionsTimedOut:  atomic.LoadUint64(&r.sessionsTimedOut),
		SessionsErrored:   atomic.LoadUint64(&r.sessionsErrored),
		BytesReceived:     atomic.LoadUint64(&r.bytesReceived),
	}
}

var csvHeader = []string{"unix", "sessions_started", "sessions_succeeded", "sessions_timed_out", "sessions_errored", "bytes_received"}

func (s Snapshot) row(now time.Time) []string {
	return []string{
		fmt.Sprint(now.Unix()),
		fmt.Sprint(s.SessionsStarted),
		fmt.Sprint(s.SessionsSucceeded),
		fmt.Sprint(s.SessionsTimedOut),
		fmt.Sprint(s.SessionsErrored),
		fmt.Sprint(s.BytesReceived),
	}
}

// RunLogger appends one CSV row of r's counters to path every interval
// until stop is closed. path is passed through time.Now().Format so an
// operator can rotate logs daily (e.g. "/var/log/netdumpd-20060102.csv").
// A path of "" or a non-positive interval disables logging entirely.
func RunLogger(path string, interval time.Duration, r *Recorder, stop <-chan struct{}, hook loghook.Hook) {
	if path == "" || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			if err := appendRow(path, now, r.Snapshot()); err != nil {
				hook.Errf("write stats log: %v", err)
			}
		}
	}
}

func appendRow(path string, now time.Time, snap Snapshot) error {
	dir, file := filepath.Split(path)
	resolved := filepath.Join(dir, now.Format(file))

	f, err := os.OpenFile(resolved, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if stat, err := f.Stat(); err == nil && stat.Size() == 0 {
		if err := w.Write(csvHeader); err != nil {
			return err
		}
	}
	if err := w.Write(snap.row(now)); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}
