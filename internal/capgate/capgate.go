// Package capgate implements the startup authority reduction of
// spec.md §4.8/§2.8. The original daemon uses FreeBSD Capsicum's
// cap_enter(2) to irrevocably drop the ability to open new files or
// sockets by pathname, retaining only the capabilities it explicitly
// obtained beforehand (the dump directory descriptor, the DNS-lookup
// channel, and the two helper channels). Linux has no equivalent
// syscall-level sandbox; this package approximates the same intent
// with the mechanisms Linux actually offers, documented in DESIGN.md
// as weaker than Capsicum's kernel-enforced guarantee.
package capgate

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// NoFileLimit bounds how many descriptors in total, those already
// open included, the process may hold once gated: the dump
// directory's descriptor, the two helper channels, and headroom for one session's info/core files plus the
// listening socket each helper already owns independently.
const NoFileLimit = 64

// Enter reduces the calling process's ambient authority. It sets
// PR_SET_NO_NEW_PRIVS (the process and its children can never regain
// privileges through a setuid/setcap executable) and lowers
// RLIMIT_NOFILE to NoFileLimit, narrowing the set of descriptors the
// process could accumulate even if a logic bug let it try. Both
// failures are treated as the capability-setup-failure error class of
// spec.md §7: fatal to the daemon at startup.
func Enter() error {
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return errors.Wrap(err, "prctl(PR_SET_NO_NEW_PRIVS)")
	}

	limit := unix.Rlimit{Cur: NoFileLimit, Max: NoFileLimit}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return errors.Wrap(err, "setrlimit(RLIMIT_NOFILE)")
	}

	return nil
}
