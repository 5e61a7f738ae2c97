package vdisk

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"
)

// Superblock is the persisted geometry and identity record living at block
// 0 of the on-disk layout (§4.C, §6). Mount reads and validates it before
// any other structure is trusted.
type Superblock struct {
	Config   Config
	VolumeID uuid.UUID // stamped at format time, stable across mounts (§9)
}

const (
	sbMagic        = "VDISK1\x00\x00"
	sbMagicSize    = 8
	sbVersion      = 1
	sbHeaderFields = sbMagicSize + 2 /*version*/ + 2 /*reserved*/ + 4*4 /*Config*/ + 16 /*uuid*/ + 4 /*checksum*/
)

// layout describes, in block units, the fixed regions of the on-disk image
// derived deterministically from Config. Nothing here is persisted — every
// mount recomputes it from the superblock's Config.
type layout struct {
	inodeBitmapStart uint32
	inodeBitmapLen   uint32
	dataBitmapStart  uint32
	dataBitmapLen    uint32
	inodeTableStart  uint32
	inodeTableLen    uint32
	dataStart        uint32
	totalBlocks      uint32
}

func computeLayout(c Config) layout {
	inodeBitmapBytes := uint64(bitmapHintSize) + uint64((c.NumInodes+7)/8)
	dataBitmapBytes := uint64(bitmapHintSize) + uint64((c.NumBlocks+7)/8)
	inodeTableBytes := uint64(c.NumInodes) * uint64(c.InodeSize)

	l := layout{}
	l.inodeBitmapStart = 1
	l.inodeBitmapLen = uint32(c.blocksForBytes(inodeBitmapBytes))
	l.dataBitmapStart = l.inodeBitmapStart + l.inodeBitmapLen
	l.dataBitmapLen = uint32(c.blocksForBytes(dataBitmapBytes))
	l.inodeTableStart = l.dataBitmapStart + l.dataBitmapLen
	l.inodeTableLen = uint32(c.blocksForBytes(inodeTableBytes))
	l.dataStart = l.inodeTableStart + l.inodeTableLen
	l.totalBlocks = l.dataStart + c.NumBlocks
	return l
}

func (sb *Superblock) marshal(blockSize uint32) []byte {
	buf := make([]byte, blockSize)
	off := 0
	copy(buf[off:], sbMagic)
	off += sbMagicSize
	binary.LittleEndian.PutUint16(buf[off:], sbVersion)
	off += 2
	off += 2 // reserved
	binary.LittleEndian.PutUint32(buf[off:], sb.Config.BlockSize)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], sb.Config.InodeSize)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], sb.Config.NumBlocks)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], sb.Config.NumInodes)
	off += 4
	idBytes, _ := sb.VolumeID.MarshalBinary()
	copy(buf[off:], idBytes)
	off += 16

	checksum := crc32.ChecksumIEEE(buf[:off])
	binary.LittleEndian.PutUint32(buf[off:], checksum)
	return buf
}

func unmarshalSuperblock(buf []byte) (*Superblock, error) {
	if len(buf) < sbHeaderFields {
		return nil, fmt.Errorf("%w: superblock block too small", ErrFormat)
	}
	off := 0
	if string(buf[off:off+sbMagicSize]) != sbMagic {
		return nil, fmt.Errorf("%w: bad superblock magic", ErrFormat)
	}
	off += sbMagicSize

	version := binary.LittleEndian.Uint16(buf[off:])
	off += 2
	if version != sbVersion {
		return nil, fmt.Errorf("%w: superblock version %d", ErrVersion, version)
	}
	off += 2 // reserved

	sb := &Superblock{}
	sb.Config.BlockSize = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	sb.Config.InodeSize = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	sb.Config.NumBlocks = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	sb.Config.NumInodes = binary.LittleEndian.Uint32(buf[off:])
	off += 4

	checksumStart := off + 16
	if err := sb.VolumeID.UnmarshalBinary(buf[off:checksumStart]); err != nil {
		return nil, fmt.Errorf("%w: volume id: %v", ErrFormat, err)
	}
	off = checksumStart

	wantChecksum := crc32.ChecksumIEEE(buf[:off])
	gotChecksum := binary.LittleEndian.Uint32(buf[off:])
	if wantChecksum != gotChecksum {
		return nil, fmt.Errorf("%w: superblock checksum mismatch", ErrFormat)
	}

	if err := sb.Config.validate(); err != nil {
		return nil, err
	}

	return sb, nil
}

// newVolumeID mints a fresh random volume identity for format time.
func newVolumeID() (uuid.UUID, error) {
	return uuid.NewRandom()
}

// readSuperblock loads and validates block 0 of dev.
func readSuperblock(dev BlockDevice) (*Superblock, error) {
	buf, err := dev.ReadBlock(0)
	if err != nil {
		return nil, err
	}
	return unmarshalSuperblock(buf)
}

func writeSuperblock(dev BlockDevice, sb *Superblock) error {
	return dev.WriteBlock(0, sb.marshal(dev.BlockSize()))
}
