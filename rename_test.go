package vdisk_test

import (
	"testing"

	"github.com/go-vdisk/vdisk"
)

// TestRenameAcrossDirectories is E5: a file moved from one directory into
// another is reachable under the new path and gone from the old one.
func TestRenameAcrossDirectories(t *testing.T) {
	h := mustFormat(t)
	defer h.Close()
	root, err := h.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	if _, err := root.Mkdir("a"); err != nil {
		t.Fatalf("Mkdir(a): %v", err)
	}
	if _, err := root.Mkdir("b"); err != nil {
		t.Fatalf("Mkdir(b): %v", err)
	}
	a, err := root.Dir("a")
	if err != nil {
		t.Fatalf("Dir(a): %v", err)
	}
	b, err := root.Dir("b")
	if err != nil {
		t.Fatalf("Dir(b): %v", err)
	}
	if _, err := a.Create("f"); err != nil {
		t.Fatalf("Create(a/f): %v", err)
	}

	if err := a.Rename("f", b, "g"); err != nil {
		t.Fatalf("Rename(a/f -> b/g): %v", err)
	}

	if _, err := a.Lookup("f"); err == nil {
		t.Fatalf("a/f should no longer exist after rename")
	}
	if _, err := b.Lookup("g"); err != nil {
		t.Fatalf("Lookup(b/g): %v", err)
	}
}

// TestRenameMissingSourceFails is the NotFound edge of E5: renaming a name
// absent from the source directory fails without touching the destination.
func TestRenameMissingSourceFails(t *testing.T) {
	h := mustFormat(t)
	defer h.Close()
	root, err := h.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	if _, err := root.Mkdir("a"); err != nil {
		t.Fatalf("Mkdir(a): %v", err)
	}
	if _, err := root.Mkdir("b"); err != nil {
		t.Fatalf("Mkdir(b): %v", err)
	}
	a, err := root.Dir("a")
	if err != nil {
		t.Fatalf("Dir(a): %v", err)
	}
	b, err := root.Dir("b")
	if err != nil {
		t.Fatalf("Dir(b): %v", err)
	}

	if err := a.Rename("nope", b, "g"); err == nil {
		t.Fatalf("expected error renaming a nonexistent source name")
	}
	names, err := b.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("destination directory gained entries from a failed rename: %d", len(names))
	}
}

// TestRenameOverwritesExistingFile covers the overwrite branch of §4.H
// rename: renaming onto an existing regular file replaces it, freeing the
// old target's inode.
func TestRenameOverwritesExistingFile(t *testing.T) {
	h := mustFormat(t)
	defer h.Close()
	root, err := h.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	srcInum, err := root.Create("src")
	if err != nil {
		t.Fatalf("Create(src): %v", err)
	}
	if _, err := root.Create("dst"); err != nil {
		t.Fatalf("Create(dst): %v", err)
	}

	before, err := h.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if err := root.Rename("src", root, "dst"); err != nil {
		t.Fatalf("Rename(src -> dst): %v", err)
	}
	after, err := h.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if after.UsedInodes != before.UsedInodes-1 {
		t.Fatalf("used inodes after overwrite-rename = %d, want %d", after.UsedInodes, before.UsedInodes-1)
	}

	got, err := root.Lookup("dst")
	if err != nil {
		t.Fatalf("Lookup(dst): %v", err)
	}
	if got != srcInum {
		t.Fatalf("dst resolves to inode %d, want the renamed src inode %d", got, srcInum)
	}
	if _, err := root.Lookup("src"); err == nil {
		t.Fatalf("src should no longer exist after being renamed away")
	}
}

// TestRenameDirectoryIntoOwnSubtreeFails enforces the loop guard on §4.H
// rename: a directory cannot be moved into its own descendant.
func TestRenameDirectoryIntoOwnSubtreeFails(t *testing.T) {
	h := mustFormat(t)
	defer h.Close()
	root, err := h.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	if _, err := root.Mkdir("a"); err != nil {
		t.Fatalf("Mkdir(a): %v", err)
	}
	a, err := root.Dir("a")
	if err != nil {
		t.Fatalf("Dir(a): %v", err)
	}
	if _, err := a.Mkdir("b"); err != nil {
		t.Fatalf("Mkdir(a/b): %v", err)
	}
	b, err := a.Dir("b")
	if err != nil {
		t.Fatalf("Dir(a/b): %v", err)
	}

	if err := root.Rename("a", b, "loop"); err == nil {
		t.Fatalf("expected error moving a into its own descendant a/b")
	}
}
