package vdisk_test

import (
	"path/filepath"
	"testing"

	"github.com/go-vdisk/vdisk"
)

// TestFormatMountRoundTrip covers E1 and §8 property 8: a freshly formatted
// volume mounts with an empty root, and mutations made before a clean close
// are visible after a fresh mount.
func TestFormatMountRoundTrip(t *testing.T) {
	cfg := testConfig()
	path := filepath.Join(t.TempDir(), "vol.img")
	h, err := vdisk.FormatInFile(path, cfg)
	if err != nil {
		t.Fatalf("FormatInFile: %v", err)
	}
	root, err := h.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	names, err := root.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("fresh root has %d entries, want 0", len(names))
	}

	if _, err := root.Mkdir("a"); err != nil {
		t.Fatalf("Mkdir(a): %v", err)
	}
	stats, err := h.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.UsedInodes < 2 {
		t.Fatalf("used inodes = %d, want at least 2 (root + a)", stats.UsedInodes)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	h2, err := vdisk.MountInFile(path)
	if err != nil {
		t.Fatalf("MountInFile: %v", err)
	}
	defer h2.Close()
	root2, err := h2.Root()
	if err != nil {
		t.Fatalf("Root after remount: %v", err)
	}
	names, err = root2.List()
	if err != nil {
		t.Fatalf("List after remount: %v", err)
	}
	if len(names) != 1 || names[0].Name != "a" {
		t.Fatalf("root after remount = %v, want [a]", names)
	}
}

// TestStatsReflectsAllocation exercises §4.I stats() against the allocator's
// bookkeeping (§8 property 1 on the inode side).
func TestStatsReflectsAllocation(t *testing.T) {
	h := mustFormat(t)
	defer h.Close()
	root, err := h.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}

	before, err := h.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if _, err := root.Mkdir("dir1"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if _, err := root.Create("file1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	after, err := h.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if after.UsedInodes != before.UsedInodes+2 {
		t.Fatalf("used inodes went from %d to %d, want +2", before.UsedInodes, after.UsedInodes)
	}

	if err := root.Unlink("file1"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if err := root.Rmdir("dir1"); err != nil {
		t.Fatalf("Rmdir: %v", err)
	}
	final, err := h.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if final.UsedInodes != before.UsedInodes {
		t.Fatalf("used inodes after removal = %d, want %d", final.UsedInodes, before.UsedInodes)
	}
}

// TestRootCannotBeRemovedOrRenamed enforces §3's "the root directory cannot
// be removed or renamed".
func TestRootCannotBeRemovedOrRenamed(t *testing.T) {
	h := mustFormat(t)
	defer h.Close()
	root, err := h.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	if err := root.Rmdir("."); err == nil {
		t.Fatalf("expected error removing root via \".\"")
	}

	if _, err := root.Mkdir("sub"); err != nil {
		t.Fatalf("Mkdir(sub): %v", err)
	}
	sub, err := root.Dir("sub")
	if err != nil {
		t.Fatalf("Dir(sub): %v", err)
	}
	if err := sub.Rename("..", root, "gone"); err == nil {
		t.Fatalf("expected error renaming root out from under itself via \"..\"")
	}
}

// TestDuplicateNameRejected is §8 property 6: no two live entries in a
// directory may share a name.
func TestDuplicateNameRejected(t *testing.T) {
	h := mustFormat(t)
	defer h.Close()
	root, err := h.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	if _, err := root.Create("dup"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := root.Create("dup"); err == nil {
		t.Fatalf("Create over an existing name should fail with ErrExists")
	}
	if _, err := root.Mkdir("dup"); err == nil {
		t.Fatalf("Mkdir over an existing file name should fail with ErrExists")
	}
}

// TestOpenCreateSemantics covers §4.H's open() mode-flag table: CREATE
// without EXCLUSIVE reuses an existing file; EXCLUSIVE|CREATE over an
// existing name fails Exists; opening a directory as a file fails IsDir.
func TestOpenCreateSemantics(t *testing.T) {
	h := mustFormat(t)
	defer h.Close()
	root, err := h.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}

	fh, err := root.Open("f", vdisk.OpenCreate|vdisk.OpenWrite)
	if err != nil {
		t.Fatalf("Open CREATE|WRITE: %v", err)
	}
	if _, err := fh.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	fh.Close()

	fh2, err := root.Open("f", vdisk.OpenCreate|vdisk.OpenRead)
	if err != nil {
		t.Fatalf("Open CREATE|READ over existing file should reuse it, got %v", err)
	}
	fh2.Close()

	if _, err := root.Open("f", vdisk.OpenCreate|vdisk.OpenExclusive|vdisk.OpenWrite); err == nil {
		t.Fatalf("Open CREATE|EXCLUSIVE over an existing name should fail")
	}

	if _, err := root.Mkdir("d"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if _, err := root.Open("d", vdisk.OpenRead); err == nil {
		t.Fatalf("Open on a directory should fail with ErrIsDir")
	}
}
