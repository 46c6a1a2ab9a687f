package spool

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestAllocateUsesLowestFreeIndex(t *testing.T) {
	dir := t.TempDir()
	sp, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	f0, err := sp.Allocate(".", "donor")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if f0.Index != 0 {
		t.Fatalf("expected index 0, got %d", f0.Index)
	}
	f0.Info.Close()
	f0.Core.Close()

	// Index 0 is still present on disk, so a second allocation for the
	// same host must skip it.
	f1, err := sp.Allocate(".", "donor")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer f1.Info.Close()
	defer f1.Core.Close()
	if f1.Index != 1 {
		t.Fatalf("expected index 1 (0 still on disk), got %d", f1.Index)
	}
}

func TestAllocateExhaustion(t *testing.T) {
	dir := t.TempDir()
	sp, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < MaxIndex; i++ {
		if _, err := os.Create(filepath.Join(dir, "info.full."+strconv.Itoa(i))); err != nil {
			t.Fatalf("seed info file: %v", err)
		}
	}
	if _, err := sp.Allocate(".", "full"); err == nil {
		t.Fatalf("expected allocation exhaustion error")
	}
}

func TestCommitLastCreatesSymlinks(t *testing.T) {
	dir := t.TempDir()
	sp, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	f, err := sp.Allocate(".", "donor")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer f.Info.Close()
	defer f.Core.Close()

	if err := sp.CommitLast("donor", f); err != nil {
		t.Fatalf("CommitLast: %v", err)
	}

	for _, name := range []string{"info.donor.last", "vmcore.donor.last"} {
		target, err := os.Readlink(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("Readlink(%s): %v", name, err)
		}
		if target == "" {
			t.Fatalf("empty symlink target for %s", name)
		}
	}
}

func TestCommitLastOverwritesPriorSymlink(t *testing.T) {
	dir := t.TempDir()
	sp, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	f0, err := sp.Allocate(".", "donor")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := sp.CommitLast("donor", f0); err != nil {
		t.Fatalf("CommitLast 0: %v", err)
	}
	f0.Info.Close()
	f0.Core.Close()

	f1, err := sp.Allocate(".", "donor")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer f1.Info.Close()
	defer f1.Core.Close()
	if err := sp.CommitLast("donor", f1); err != nil {
		t.Fatalf("CommitLast 1: %v", err)
	}

	target, err := os.Readlink(filepath.Join(dir, "vmcore.donor.last"))
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if target != filepath.Base(f1.CorePath) {
		t.Fatalf("expected .last to point at newest core file, got %q", target)
	}
}

func TestSanitizeSubpathRejectsEscape(t *testing.T) {
	cases := []string{"../escape", "/abs/path", "a/../../b"}
	for _, c := range cases {
		if _, err := SanitizeSubpath(c); err == nil {
			t.Fatalf("expected SanitizeSubpath(%q) to reject", c)
		}
	}
}

func TestSanitizeSubpathAllowsSimpleComponents(t *testing.T) {
	got, err := SanitizeSubpath("")
	if err != nil || got != "." {
		t.Fatalf("expected empty path to map to \".\": got %q, err %v", got, err)
	}
	if _, err := SanitizeSubpath("subdir"); err != nil {
		t.Fatalf("expected simple component to be accepted: %v", err)
	}
}
