package vdisk

import (
	"encoding/binary"
	"fmt"

	bitmap "github.com/boljen/go-bitmap"
)

// bitmapHintSize is the width of the rotating allocation hint persisted
// ahead of the packed bit-vector itself (§4.D; the "rotating allocation hint
// persistence" supplement in SPEC_FULL.md).
const bitmapHintSize = 4

// allocator is a first-fit bitmap allocator over `total` indices, backed by
// github.com/boljen/go-bitmap. Index 0 is always pre-marked in-use and is
// never returned by alloc or accepted by free — it is the sentinel "no
// pointer" value (§3).
type allocator struct {
	bm    bitmap.Bitmap
	total uint32
	hint  uint32
	used  uint32
}

// newAllocator builds a fresh, all-free allocator (besides the reserved
// index 0), used by format().
func newAllocator(total uint32) *allocator {
	a := &allocator{bm: bitmap.New(int(total)), total: total}
	a.bm.Set(0, true)
	a.used = 1
	return a
}

// loadAllocator reconstructs an allocator from its persisted on-disk form:
// a 4-byte rotating hint followed by the packed bit-vector.
func loadAllocator(raw []byte, total uint32) (*allocator, error) {
	need := bitmapHintSize + int((total+7)/8)
	if len(raw) < need {
		return nil, fmt.Errorf("%w: bitmap region too small", ErrFormat)
	}
	a := &allocator{
		bm:    bitmap.NewSlice(raw[bitmapHintSize : bitmapHintSize+int((total+7)/8)]),
		total: total,
		hint:  binary.LittleEndian.Uint32(raw[:bitmapHintSize]),
	}
	for i := uint32(0); i < total; i++ {
		if a.bm.Get(int(i)) {
			a.used++
		}
	}
	return a, nil
}

// store serializes the allocator into a byte slice sized to fit the fixed
// on-disk bitmap region (blocks * blockSize).
func (a *allocator) store(regionBytes int) []byte {
	buf := make([]byte, regionBytes)
	binary.LittleEndian.PutUint32(buf[:bitmapHintSize], a.hint)
	copy(buf[bitmapHintSize:], a.bm.Data(false))
	return buf
}

// alloc finds the lowest free index at or after the rotating hint (wrapping
// once), marks it used, advances the hint, and returns it. It returns
// ErrNoSpace if every index is in use.
func (a *allocator) alloc() (uint32, error) {
	if a.used >= a.total {
		return 0, ErrNoSpace
	}
	for pass := 0; pass < 2; pass++ {
		start := a.hint
		end := a.total
		if pass == 1 {
			start = 0
			end = a.hint
		}
		for i := start; i < end; i++ {
			if !a.bm.Get(int(i)) {
				a.bm.Set(int(i), true)
				a.used++
				a.hint = i + 1
				if a.hint >= a.total {
					a.hint = 1
				}
				return i, nil
			}
		}
	}
	return 0, ErrNoSpace
}

// free releases index i. Freeing index 0 or an already-free index is
// ErrDoubleFree (§4.D): the allocator treats both as corruption, since a
// well-behaved caller never holds a reference to an unallocated index.
func (a *allocator) free(i uint32) error {
	if i == 0 || i >= a.total || !a.bm.Get(int(i)) {
		return ErrDoubleFree
	}
	a.bm.Set(int(i), false)
	a.used--
	return nil
}

func (a *allocator) isSet(i uint32) bool {
	if i >= a.total {
		return false
	}
	return a.bm.Get(int(i))
}

func (a *allocator) countSet() uint32 {
	return a.used
}
