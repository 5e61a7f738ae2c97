package vdisk_test

import (
	"bytes"
	"testing"

	"github.com/go-vdisk/vdisk"
)

// TestWriteReadRoundTrip is E2 and §8 property 3: writing a run of bytes and
// reading it back yields exactly what was written, and the size lands at
// the number of bytes written.
func TestWriteReadRoundTrip(t *testing.T) {
	cfg := vdisk.Config{BlockSize: 4096, InodeSize: 128, NumBlocks: 1024, NumInodes: 1024}
	h, err := vdisk.FormatInMemory(cfg)
	if err != nil {
		t.Fatalf("FormatInMemory: %v", err)
	}
	defer h.Close()
	root, err := h.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}

	fh, err := root.Open("f", vdisk.OpenCreate|vdisk.OpenWrite)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	payload := bytes.Repeat([]byte{0xAB}, 10000)
	n, err := fh.Write(payload)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("Write returned %d, want %d", n, len(payload))
	}
	if err := fh.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rfh, err := root.Open("f", vdisk.OpenRead)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer rfh.Close()
	size, err := rfh.Seek(0, vdisk.SeekEnd)
	if err != nil {
		t.Fatalf("Seek(END): %v", err)
	}
	if size != uint64(len(payload)) {
		t.Fatalf("size = %d, want %d", size, len(payload))
	}
	if _, err := rfh.Seek(0, vdisk.SeekStart); err != nil {
		t.Fatalf("Seek(START): %v", err)
	}
	got := make([]byte, len(payload))
	readTotal := 0
	for readTotal < len(got) {
		n, err := rfh.Read(got[readTotal:])
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if n == 0 {
			break
		}
		readTotal += n
	}
	if readTotal != len(payload) {
		t.Fatalf("read %d bytes, want %d", readTotal, len(payload))
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round-tripped content mismatch")
	}
}

// TestHoleSemantics is E3 and §8 property 4: seeking past the current end
// and writing creates a hole that reads back as zeroes, and size reflects
// the new high-water mark.
func TestHoleSemantics(t *testing.T) {
	h := mustFormat(t)
	defer h.Close()
	root, err := h.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	fh, err := root.Open("hole", vdisk.OpenCreate|vdisk.OpenWrite)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	const gap = 100_000
	if _, err := fh.Seek(gap, vdisk.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if _, err := fh.Write([]byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := fh.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rfh, err := root.Open("hole", vdisk.OpenRead)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer rfh.Close()
	size, err := rfh.Seek(0, vdisk.SeekEnd)
	if err != nil {
		t.Fatalf("Seek(END): %v", err)
	}
	if size != gap+1 {
		t.Fatalf("size = %d, want %d", size, gap+1)
	}
	if _, err := rfh.Seek(0, vdisk.SeekStart); err != nil {
		t.Fatalf("Seek(START): %v", err)
	}
	buf := make([]byte, gap+1)
	total := 0
	for total < len(buf) {
		n, err := rfh.Read(buf[total:])
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if n == 0 {
			break
		}
		total += n
	}
	if total != len(buf) {
		t.Fatalf("read %d bytes, want %d", total, len(buf))
	}
	for i := 0; i < gap; i++ {
		if buf[i] != 0 {
			t.Fatalf("byte %d = %#x, want 0 (hole)", i, buf[i])
		}
	}
	if buf[gap] != 'x' {
		t.Fatalf("last byte = %q, want 'x'", buf[gap])
	}
}

// TestTruncateIdempotence is §8 property 5: truncating to the same size
// twice is equivalent to doing it once, and reads past the new size return
// nothing.
func TestTruncateIdempotence(t *testing.T) {
	h := mustFormat(t)
	defer h.Close()
	root, err := h.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	fh, err := root.Open("t", vdisk.OpenCreate|vdisk.OpenRead|vdisk.OpenWrite)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := fh.Write(bytes.Repeat([]byte{1}, 2000)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := fh.Truncate(500); err != nil {
		t.Fatalf("Truncate(500): %v", err)
	}
	if err := fh.Truncate(500); err != nil {
		t.Fatalf("Truncate(500) again: %v", err)
	}
	size, err := fh.Seek(0, vdisk.SeekEnd)
	if err != nil {
		t.Fatalf("Seek(END): %v", err)
	}
	if size != 500 {
		t.Fatalf("size after double truncate = %d, want 500", size)
	}
	if _, err := fh.Seek(0, vdisk.SeekStart); err != nil {
		t.Fatalf("Seek(START): %v", err)
	}
	buf := make([]byte, 10)
	n, err := fh.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 10 {
		t.Fatalf("read %d bytes within the truncated file, want 10", n)
	}

	if _, err := fh.Seek(500, vdisk.SeekStart); err != nil {
		t.Fatalf("Seek(500): %v", err)
	}
	n, err = fh.Read(buf)
	if err != nil {
		t.Fatalf("Read past end: %v", err)
	}
	if n != 0 {
		t.Fatalf("read %d bytes past the truncated size, want 0", n)
	}
	if err := fh.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// TestIndirectBlockAllocation is E4: enough direct-pointer files to exhaust
// the 12-slot direct array in one more file forces single-indirect
// allocation, and Stats accounts for the extra indirect block.
func TestIndirectBlockAllocation(t *testing.T) {
	cfg := vdisk.Config{BlockSize: 64, InodeSize: 128, NumBlocks: 2048, NumInodes: 64}
	h, err := vdisk.FormatInMemory(cfg)
	if err != nil {
		t.Fatalf("FormatInMemory: %v", err)
	}
	defer h.Close()
	root, err := h.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}

	before, err := h.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}

	directSpan := int(vdisk.NumDirect) * int(cfg.BlockSize)
	for i := 0; i < 11; i++ {
		fh, err := root.Open(nameFor(i), vdisk.OpenCreate|vdisk.OpenWrite)
		if err != nil {
			t.Fatalf("Open %d: %v", i, err)
		}
		if _, err := fh.Write(bytes.Repeat([]byte{1}, directSpan)); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
		fh.Close()
	}

	afterDirect, err := h.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	wantDirectBlocks := uint32(11 * int(vdisk.NumDirect))
	if got := afterDirect.UsedBlocks - before.UsedBlocks; got != wantDirectBlocks {
		t.Fatalf("used blocks after 11 direct-only files = %d, want %d", got, wantDirectBlocks)
	}

	// One more file, one byte past the direct span: forces a single
	// indirect block plus one leaf block. Its 14-byte entry still fits in
	// root's second block (106 bytes in all).
	fh, err := root.Open("overflow", vdisk.OpenCreate|vdisk.OpenWrite)
	if err != nil {
		t.Fatalf("Open overflow: %v", err)
	}
	if _, err := fh.Write(bytes.Repeat([]byte{1}, directSpan+1)); err != nil {
		t.Fatalf("Write overflow: %v", err)
	}
	fh.Close()

	final, err := h.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	wantFinal := wantDirectBlocks + uint32(vdisk.NumDirect) + 1 /*indirect block*/ + 1 /*leaf*/
	if got := final.UsedBlocks - before.UsedBlocks; got != wantFinal {
		t.Fatalf("used blocks after overflow file = %d, want %d", got, wantFinal)
	}
}

func nameFor(i int) string {
	return string(rune('a' + i))
}
