// Package spool manages the on-disk layout of a single dump directory:
// per-hostname info/vmcore filename allocation with exclusive-create
// semantics, and the ".last" symlink pair updated on completion
// (spec.md §3, §4.4).
package spool

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// MaxIndex bounds the per-hostname index space: 0..255.
const MaxIndex = 256

// Files is a successfully allocated (info, core) pair for one session.
type Files struct {
	Index    int
	InfoPath string
	CorePath string
	Info     *os.File
	Core     *os.File
}

// Spool owns a single dump directory, opened once at startup and
// addressed by relative paths thereafter.
type Spool struct {
	dir string
}

// Open validates that dir exists and is a directory, returning a Spool
// rooted there. It does not itself hold a directory descriptor across
// calls (the os package re-resolves relative paths against dir), which
// is sufficient for netdumpd's single-directory, no-chroot model.
func Open(dir string) (*Spool, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, errors.Wrap(err, "invalid dump location")
	}
	if !fi.IsDir() {
		return nil, errors.Errorf("dump location %q is not a directory", dir)
	}
	return &Spool{dir: dir}, nil
}

// Dir returns the dump directory path.
func (s *Spool) Dir() string { return s.dir }

// SanitizeSubpath confines a herald-supplied path component to the
// dump directory (spec.md §9 Open Question (b)): an empty string maps
// to the dump directory itself; any other path is cleaned with
// filepath.Clean, and an absolute path, or one whose cleaned form still
// has a ".." component and so escapes the dump directory, is rejected
// rather than silently clamped.
func SanitizeSubpath(requested string) (string, error) {
	if requested == "" {
		return ".", nil
	}
	if filepath.IsAbs(requested) {
		return "", errors.Errorf("herald path %q is absolute", requested)
	}
	clean := filepath.Clean(requested)
	for _, part := range strings.Split(clean, string(filepath.Separator)) {
		if part == ".." || part == "" {
			return "", errors.Errorf("herald path %q escapes the dump directory", requested)
		}
	}
	return clean, nil
}

// Allocate scans candidate indices 0..MaxIndex-1 for hostname under
// subDir (a path already produced by SanitizeSubpath, created here if
// it does not yet exist), creating the info file first (exclusive) and
// then the core file (exclusive); if
// the core file cannot be created the info file is removed and the
// next index is tried. Both files are returned open, ready for the
// session's lifetime. An error is returned if no index is free.
func (s *Spool) Allocate(subDir, hostname string) (*Files, error) {
	base := filepath.Join(s.dir, subDir)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create dump sub-directory %s", base)
	}
	for i := 0; i < MaxIndex; i++ {
		infoPath := filepath.Join(base, fmt.Sprintf("info.%s.%d", hostname, i))
		corePath := filepath.Join(base, fmt.Sprintf("vmcore.%s.%d", hostname, i))

		info, err := os.OpenFile(infoPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			if os.IsExist(err) {
				continue
			}
			return nil, errors.Wrapf(err, "create %s", infoPath)
		}

		core, err := os.OpenFile(corePath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			info.Close()
			os.Remove(infoPath)
			if os.IsExist(err) {
				continue
			}
			return nil, errors.Wrapf(err, "create %s", corePath)
		}

		return &Files{
			Index:    i,
			InfoPath: infoPath,
			CorePath: corePath,
			Info:     info,
			Core:     core,
		}, nil
	}

	return nil, errors.Errorf("no free dump index for host %q (0..%d exhausted)", hostname, MaxIndex-1)
}

// CommitLast atomically repoints the "info.<host>.last" and
// "vmcore.<host>.last" symlinks at f (unlink-if-present, then
// symlink). This is not fully atomic with respect to readers polling
// for ".last" presence, which is acceptable per spec.md §5.
func (s *Spool) CommitLast(hostname string, f *Files) error {
	if err := relink(f.CorePath, fmt.Sprintf("vmcore.%s.last", hostname)); err != nil {
		return err
	}
	if err := relink(f.InfoPath, fmt.Sprintf("info.%s.last", hostname)); err != nil {
		return err
	}
	return nil
}

// relink points linkName (created alongside target, in target's own
// directory) at target, unlinking any previous symlink first.
func relink(target, linkName string) error {
	linkPath := filepath.Join(filepath.Dir(target), linkName)
	if err := os.Remove(linkPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "unlink %s", linkPath)
	}
	if err := os.Symlink(filepath.Base(target), linkPath); err != nil {
		return errors.Wrapf(err, "symlink %s -> %s", linkPath, target)
	}
	return nil
}
