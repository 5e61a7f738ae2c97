package vdisk

import (
	"encoding/binary"
	"fmt"
	"time"
)

// inodeHeaderSize is the minimum size of an on-disk inode record: the fixed
// fields mode:u16 | flags:u16 | size:u64 | ctime:u64 | mtime:u64 |
// atime:u64 (§6) plus the pointer array that follows them.
const inodeHeaderSize = 2 + 2 + 8 + 8 + 8 + 8 + numPtrs*pointerWidth

// Inode is the typed metadata record addressed by inode number (§3). nlink
// is not stored: this system never produces anything other than 1 (§3,
// "Non-goals: hard links"), so it is a constant rather than a field.
type Inode struct {
	Mode    Mode
	Flags   uint16
	Size    uint64
	CTime   int64
	MTime   int64
	ATime   int64
	Pointers [numPtrs]uint32
}

const NLink = 1

func (ino *Inode) marshal(inodeSize uint32) []byte {
	buf := make([]byte, inodeSize)
	binary.LittleEndian.PutUint16(buf[0:], uint16(ino.Mode))
	binary.LittleEndian.PutUint16(buf[2:], ino.Flags)
	binary.LittleEndian.PutUint64(buf[4:], ino.Size)
	binary.LittleEndian.PutUint64(buf[12:], uint64(ino.CTime))
	binary.LittleEndian.PutUint64(buf[20:], uint64(ino.MTime))
	binary.LittleEndian.PutUint64(buf[28:], uint64(ino.ATime))
	off := 36
	for _, p := range ino.Pointers {
		binary.LittleEndian.PutUint32(buf[off:], p)
		off += 4
	}
	return buf
}

func unmarshalInode(buf []byte) (*Inode, error) {
	if len(buf) < inodeHeaderSize {
		return nil, fmt.Errorf("%w: inode record too small", ErrFormat)
	}
	ino := &Inode{
		Mode:  Mode(binary.LittleEndian.Uint16(buf[0:])),
		Flags: binary.LittleEndian.Uint16(buf[2:]),
		Size:  binary.LittleEndian.Uint64(buf[4:]),
		CTime: int64(binary.LittleEndian.Uint64(buf[12:])),
		MTime: int64(binary.LittleEndian.Uint64(buf[20:])),
		ATime: int64(binary.LittleEndian.Uint64(buf[28:])),
	}
	off := 36
	for i := range ino.Pointers {
		ino.Pointers[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	return ino, nil
}

// inodeTable addresses fixed-size inode slots starting at layout.inodeTableStart
// (§4.E). It owns the inode bitmap allocator but delegates the pointer-tree
// walk on free to indirect.go, which in turn frees data blocks through the
// data allocator.
type inodeTable struct {
	dev       BlockDevice
	l         layout
	inodeSize uint32
	ino       *allocator // inode numbers
	data      *allocator // data block numbers, shared with indirect.go
}

func (t *inodeTable) byteOffset(i uint32) uint64 {
	return uint64(t.l.inodeTableStart)*uint64(t.dev.BlockSize()) + uint64(i)*uint64(t.inodeSize)
}

func (t *inodeTable) load(i uint32) (*Inode, error) {
	if i == 0 || i >= t.ino.total {
		return nil, fmt.Errorf("%w: inode %d", ErrOutOfRange, i)
	}
	buf, err := readBytes(t.dev, t.byteOffset(i), int(t.inodeSize))
	if err != nil {
		return nil, err
	}
	return unmarshalInode(buf)
}

func (t *inodeTable) store(i uint32, ino *Inode) error {
	if i == 0 || i >= t.ino.total {
		return fmt.Errorf("%w: inode %d", ErrOutOfRange, i)
	}
	return writeBytes(t.dev, t.byteOffset(i), ino.marshal(t.inodeSize))
}

// alloc reserves a fresh inode bitmap bit and writes a zeroed record of the
// given mode, with ctime/mtime/atime stamped to now.
func (t *inodeTable) alloc(mode Mode) (uint32, *Inode, error) {
	i, err := t.ino.alloc()
	if err != nil {
		return 0, nil, err
	}
	now := nowSeconds()
	ino := &Inode{Mode: mode, CTime: now, MTime: now, ATime: now}
	if err := t.store(i, ino); err != nil {
		t.ino.free(i)
		return 0, nil, err
	}
	return i, ino, nil
}

// free releases every data/indirect block reachable from the inode's
// pointers, post-order, then releases the inode bitmap bit. It tolerates
// zero-sentinel pointers throughout.
func (t *inodeTable) free(i uint32) error {
	ino, err := t.load(i)
	if err != nil {
		return err
	}
	if err := freePointerTree(dataDevice{t.dev, t.l}, t.data, ino); err != nil {
		return err
	}
	return t.ino.free(i)
}

// nowSeconds returns the current wall-clock time in seconds. It is the
// single place that touches time.Now so monotonicity bugs have one home.
var nowSeconds = func() int64 {
	return time.Now().Unix()
}
