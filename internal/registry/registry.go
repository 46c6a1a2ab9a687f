// Package registry maps donor IPv4 addresses to their in-progress
// Session, and provides the sweep used to find timed-out sessions
// (spec.md §3, §4.4).
package registry

import (
	"time"

	"github.com/sandvine/netdumpd/internal/session"
)

// Registry owns every live Session, keyed by donor IP. It is mutated
// exclusively by the event multiplexer's dispatcher goroutine; no
// locking is required (spec.md §5).
type Registry struct {
	sessions map[string]*session.Session
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{sessions: make(map[string]*session.Session)}
}

// Get looks up the session for a donor IP.
func (r *Registry) Get(ip string) (*session.Session, bool) {
	s, ok := r.sessions[ip]
	return s, ok
}

// Put inserts or replaces the session for a donor IP.
func (r *Registry) Put(ip string, s *session.Session) {
	r.sessions[ip] = s
}

// Delete removes a donor IP's session.
func (r *Registry) Delete(ip string) {
	delete(r.sessions, ip)
}

// Len reports the number of live sessions.
func (r *Registry) Len() int { return len(r.sessions) }

// All returns every live session; used for the no-graceful-drain
// shutdown path, which terminates every session as a timeout.
func (r *Registry) All() []*session.Session {
	out := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// TimedOut returns every session whose last activity is older than
// timeout as of now, without mutating the registry; the caller is
// responsible for terminating and then Delete-ing each one.
func (r *Registry) TimedOut(now time.Time, timeout time.Duration) []*session.Session {
	var out []*session.Session
	for _, s := range r.sessions {
		if s.LastMsg.Add(timeout).Before(now) {
			out = append(out, s)
		}
	}
	return out
}
