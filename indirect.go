package vdisk

import "encoding/binary"

// indirect.go implements §4.F: mapping a logical block index within a file
// to a physical data block number, walking the inode's direct/single/
// double/triple pointer tree, allocating on write and never on read.

func ptrsPerBlock(dev BlockDevice) uint64 {
	return uint64(dev.BlockSize()) / pointerWidth
}

func readIndirect(dev BlockDevice, block uint32) ([]uint32, error) {
	buf, err := dev.ReadBlock(block)
	if err != nil {
		return nil, err
	}
	n := len(buf) / pointerWidth
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(buf[i*pointerWidth:])
	}
	return out, nil
}

func writeIndirect(dev BlockDevice, block uint32, ptrs []uint32) error {
	buf := make([]byte, dev.BlockSize())
	for i, p := range ptrs {
		binary.LittleEndian.PutUint32(buf[i*pointerWidth:], p)
	}
	return dev.WriteBlock(block, buf)
}

func zeroBlock(dev BlockDevice, block uint32) error {
	return dev.WriteBlock(block, make([]byte, dev.BlockSize()))
}

func allocZeroBlock(dev BlockDevice, data *allocator) (uint32, error) {
	b, err := data.alloc()
	if err != nil {
		return 0, err
	}
	if err := zeroBlock(dev, b); err != nil {
		data.free(b)
		return 0, err
	}
	return b, nil
}

// logicalRanges describes, for a given geometry, the first logical block
// index and capacity (in leaf blocks) of the single/double/triple indirect
// regions that follow the 12 direct pointers.
type logicalRanges struct {
	singleBase, singleCap uint64
	doubleBase, doubleCap uint64
	tripleBase, tripleCap uint64
}

func computeRanges(dev BlockDevice) logicalRanges {
	n := ptrsPerBlock(dev)
	r := logicalRanges{}
	r.singleBase = NumDirect
	r.singleCap = n
	r.doubleBase = r.singleBase + r.singleCap
	r.doubleCap = n * n
	r.tripleBase = r.doubleBase + r.doubleCap
	r.tripleCap = n * n * n
	return r
}

// blockForRead returns the physical block number for logical block L,
// without allocating. A zero result means a hole: the caller reads it as
// zeroes.
func blockForRead(dev BlockDevice, ino *Inode, l uint64) (uint32, error) {
	if l < NumDirect {
		return ino.Pointers[l], nil
	}
	r := computeRanges(dev)
	switch {
	case l < r.doubleBase:
		return readLevel(dev, ino.Pointers[ptrSingle], []uint64{l - r.singleBase})
	case l < r.tripleBase:
		rem := l - r.doubleBase
		n := ptrsPerBlock(dev)
		return readLevel(dev, ino.Pointers[ptrDouble], []uint64{rem / n, rem % n})
	case l < r.tripleBase+r.tripleCap:
		rem := l - r.tripleBase
		n := ptrsPerBlock(dev)
		return readLevel(dev, ino.Pointers[ptrTriple], []uint64{rem / (n * n), (rem / n) % n, rem % n})
	default:
		return 0, ErrFileTooLarge
	}
}

func readLevel(dev BlockDevice, root uint32, idx []uint64) (uint32, error) {
	if root == 0 {
		return 0, nil
	}
	cur := root
	for level := 0; level < len(idx)-1; level++ {
		arr, err := readIndirect(dev, cur)
		if err != nil {
			return 0, err
		}
		cur = arr[idx[level]]
		if cur == 0 {
			return 0, nil
		}
	}
	arr, err := readIndirect(dev, cur)
	if err != nil {
		return 0, err
	}
	return arr[idx[len(idx)-1]], nil
}

// blockForWrite returns the physical block number for logical block L,
// allocating and zeroing any missing interior or leaf block along the way,
// and mutates ino.Pointers as needed. The caller is responsible for
// persisting the inode afterwards.
func blockForWrite(dev BlockDevice, data *allocator, ino *Inode, l uint64) (uint32, error) {
	if l < NumDirect {
		if ino.Pointers[l] == 0 {
			b, err := allocZeroBlock(dev, data)
			if err != nil {
				return 0, err
			}
			ino.Pointers[l] = b
		}
		return ino.Pointers[l], nil
	}
	r := computeRanges(dev)
	switch {
	case l < r.doubleBase:
		return writeLevel(dev, data, &ino.Pointers[ptrSingle], []uint64{l - r.singleBase})
	case l < r.tripleBase:
		rem := l - r.doubleBase
		n := ptrsPerBlock(dev)
		return writeLevel(dev, data, &ino.Pointers[ptrDouble], []uint64{rem / n, rem % n})
	case l < r.tripleBase+r.tripleCap:
		rem := l - r.tripleBase
		n := ptrsPerBlock(dev)
		return writeLevel(dev, data, &ino.Pointers[ptrTriple], []uint64{rem / (n * n), (rem / n) % n, rem % n})
	default:
		return 0, ErrFileTooLarge
	}
}

func writeLevel(dev BlockDevice, data *allocator, root *uint32, idx []uint64) (uint32, error) {
	if *root == 0 {
		b, err := allocZeroBlock(dev, data)
		if err != nil {
			return 0, err
		}
		*root = b
	}
	cur := *root
	for level := 0; level < len(idx)-1; level++ {
		arr, err := readIndirect(dev, cur)
		if err != nil {
			return 0, err
		}
		next := arr[idx[level]]
		if next == 0 {
			b, err := allocZeroBlock(dev, data)
			if err != nil {
				return 0, err
			}
			arr[idx[level]] = b
			if err := writeIndirect(dev, cur, arr); err != nil {
				return 0, err
			}
			next = b
		}
		cur = next
	}
	arr, err := readIndirect(dev, cur)
	if err != nil {
		return 0, err
	}
	last := idx[len(idx)-1]
	if arr[last] == 0 {
		b, err := allocZeroBlock(dev, data)
		if err != nil {
			return 0, err
		}
		arr[last] = b
		if err := writeIndirect(dev, cur, arr); err != nil {
			return 0, err
		}
	}
	return arr[last], nil
}

// freeSubtree frees every leaf at or beyond logical offset keepCount within
// the subtree rooted at block (a block at the given depth: depth==1 means
// its entries are leaf data blocks, depth==2/3 means its entries are
// pointers to further indirect blocks). It frees interior blocks whose
// children are now entirely zero, post-order, and reports whether this
// block itself is now entirely zero (so its parent can free it too).
func freeSubtree(dev BlockDevice, data *allocator, block uint32, depth int, keepCount uint64) (bool, error) {
	if block == 0 {
		return true, nil
	}
	arr, err := readIndirect(dev, block)
	if err != nil {
		return false, err
	}
	n := uint64(len(arr))
	changed := false
	allZero := true

	if depth == 1 {
		for i := uint64(0); i < n; i++ {
			if i < keepCount {
				if arr[i] != 0 {
					allZero = false
				}
				continue
			}
			if arr[i] != 0 {
				if err := data.free(arr[i]); err != nil {
					return false, err
				}
				arr[i] = 0
				changed = true
			}
		}
	} else {
		childCap := n
		for p := 1; p < depth-1; p++ {
			childCap *= n
		}
		fullKeep := keepCount / childCap
		rem := keepCount % childCap
		for i := uint64(0); i < n; i++ {
			switch {
			case i < fullKeep:
				if arr[i] != 0 {
					allZero = false
				}
			case i == fullKeep && rem > 0:
				if arr[i] != 0 {
					freedAll, err := freeSubtree(dev, data, arr[i], depth-1, rem)
					if err != nil {
						return false, err
					}
					if freedAll {
						if err := data.free(arr[i]); err != nil {
							return false, err
						}
						arr[i] = 0
						changed = true
					} else {
						allZero = false
					}
				}
			default:
				if arr[i] != 0 {
					if _, err := freeSubtree(dev, data, arr[i], depth-1, 0); err != nil {
						return false, err
					}
					if err := data.free(arr[i]); err != nil {
						return false, err
					}
					arr[i] = 0
					changed = true
				}
			}
		}
	}

	if changed {
		if err := writeIndirect(dev, block, arr); err != nil {
			return false, err
		}
	}
	return allZero, nil
}

// freeIndirectRegion frees the subtree rooted at *root (base..base+cap in
// logical block numbering), keeping only logical blocks below
// keepLogicalBlocks.
func freeIndirectRegion(dev BlockDevice, data *allocator, root *uint32, depth int, base, regionCap, keepLogicalBlocks uint64) error {
	if keepLogicalBlocks <= base {
		if *root != 0 {
			if _, err := freeSubtree(dev, data, *root, depth, 0); err != nil {
				return err
			}
			if err := data.free(*root); err != nil {
				return err
			}
			*root = 0
		}
		return nil
	}
	if keepLogicalBlocks >= base+regionCap {
		return nil
	}
	keep := keepLogicalBlocks - base
	allZero, err := freeSubtree(dev, data, *root, depth, keep)
	if err != nil {
		return err
	}
	if allZero && *root != 0 {
		if err := data.free(*root); err != nil {
			return err
		}
		*root = 0
	}
	return nil
}

// shrinkPointerTree frees every block (direct, single, double, triple)
// reachable only at or beyond keepLogicalBlocks, post-order. Called with
// keepLogicalBlocks==0 it frees the entire tree (used when an inode itself
// is freed).
func shrinkPointerTree(dev BlockDevice, data *allocator, ino *Inode, keepLogicalBlocks uint64) error {
	for l := uint64(0); l < NumDirect; l++ {
		if l >= keepLogicalBlocks && ino.Pointers[l] != 0 {
			if err := data.free(ino.Pointers[l]); err != nil {
				return err
			}
			ino.Pointers[l] = 0
		}
	}

	r := computeRanges(dev)
	if err := freeIndirectRegion(dev, data, &ino.Pointers[ptrSingle], 1, r.singleBase, r.singleCap, keepLogicalBlocks); err != nil {
		return err
	}
	if err := freeIndirectRegion(dev, data, &ino.Pointers[ptrDouble], 2, r.doubleBase, r.doubleCap, keepLogicalBlocks); err != nil {
		return err
	}
	if err := freeIndirectRegion(dev, data, &ino.Pointers[ptrTriple], 3, r.tripleBase, r.tripleCap, keepLogicalBlocks); err != nil {
		return err
	}
	return nil
}

// freePointerTree frees every block reachable from ino, used when the owning
// inode itself is being freed (§4.E).
func freePointerTree(dev BlockDevice, data *allocator, ino *Inode) error {
	return shrinkPointerTree(dev, data, ino, 0)
}
