package vdisk

import (
	"fmt"
	"log"
)

// Handle is a mounted volume (§4.I). All directory and file operations are
// reached through it. A Handle is poisoned permanently the first time
// ErrIntegrity or ErrDoubleFree surfaces from any operation (§7): every
// later call on the same Handle returns that same error instead of touching
// the device again.
type Handle struct {
	dev    BlockDevice
	l      layout
	sb     *Superblock
	inoAll *allocator
	datAll *allocator
	table  *inodeTable
	fs     *fsContext
	poison *error
}

// Stats reports volume-wide allocation counts, the read-only counterpart to
// df(1) for this filesystem.
type Stats struct {
	TotalBlocks uint32
	UsedBlocks  uint32
	TotalInodes uint32
	UsedInodes  uint32
}

func (h *Handle) checkPoison() error {
	if h.poison != nil && *h.poison != nil {
		return *h.poison
	}
	return nil
}

func (h *Handle) poisonIfFatal(err error) error {
	return notePoison(h.poison, err)
}

// notePoison latches err into *cell the first time it is (or wraps) one of
// the unrecoverable kinds (§7); every later call observes the same error
// instead of touching the device again.
func notePoison(cell *error, err error) error {
	if err == nil || cell == nil {
		return err
	}
	if *cell == nil && (isErr(err, ErrIntegrity) || isErr(err, ErrDoubleFree)) {
		*cell = err
		log.Printf("vdisk: mount poisoned: %v", err)
	}
	return err
}

func isErr(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Root returns a Directory over the volume's root inode.
func (h *Handle) Root() (*Directory, error) {
	if err := h.checkPoison(); err != nil {
		return nil, err
	}
	return newDirectory(h.fs, rootInodeNum), nil
}

// Stats reports the volume's current allocation state.
func (h *Handle) Stats() (Stats, error) {
	if err := h.checkPoison(); err != nil {
		return Stats{}, err
	}
	return Stats{
		TotalBlocks: h.datAll.total,
		UsedBlocks:  h.datAll.countSet(),
		TotalInodes: h.inoAll.total,
		UsedInodes:  h.inoAll.countSet(),
	}, nil
}

// Close flushes bitmaps, the superblock, and the backing device, in that
// order, then releases the device (e.g. the advisory file lock).
func (h *Handle) Close() error {
	if err := h.checkPoison(); err != nil {
		h.dev.Close()
		return err
	}
	if err := h.flushMeta(); err != nil {
		h.poisonIfFatal(err)
		h.dev.Close()
		return err
	}
	if err := h.dev.Flush(); err != nil {
		return err
	}
	return h.dev.Close()
}

func (h *Handle) flushMeta() error {
	inodeBitmapBytes := int(h.l.inodeBitmapLen) * int(h.dev.BlockSize())
	if err := writeBytes(h.dev, uint64(h.l.inodeBitmapStart)*uint64(h.dev.BlockSize()), h.inoAll.store(inodeBitmapBytes)); err != nil {
		return err
	}
	dataBitmapBytes := int(h.l.dataBitmapLen) * int(h.dev.BlockSize())
	if err := writeBytes(h.dev, uint64(h.l.dataBitmapStart)*uint64(h.dev.BlockSize()), h.datAll.store(dataBitmapBytes)); err != nil {
		return err
	}
	return writeSuperblock(h.dev, h.sb)
}

func buildHandle(dev BlockDevice, sb *Superblock) (*Handle, error) {
	l := computeLayout(sb.Config)
	if dev.NumBlocks() < l.totalBlocks {
		return nil, fmt.Errorf("%w: device has %d blocks, layout needs %d", ErrFormat, dev.NumBlocks(), l.totalBlocks)
	}

	inodeBitmapBytes := int(l.inodeBitmapLen) * int(dev.BlockSize())
	rawInoBm, err := readBytes(dev, uint64(l.inodeBitmapStart)*uint64(dev.BlockSize()), inodeBitmapBytes)
	if err != nil {
		return nil, err
	}
	inoAll, err := loadAllocator(rawInoBm, sb.Config.NumInodes)
	if err != nil {
		return nil, err
	}

	dataBitmapBytes := int(l.dataBitmapLen) * int(dev.BlockSize())
	rawDataBm, err := readBytes(dev, uint64(l.dataBitmapStart)*uint64(dev.BlockSize()), dataBitmapBytes)
	if err != nil {
		return nil, err
	}
	datAll, err := loadAllocator(rawDataBm, sb.Config.NumBlocks)
	if err != nil {
		return nil, err
	}

	table := &inodeTable{dev: dev, l: l, inodeSize: sb.Config.InodeSize, ino: inoAll, data: datAll}
	poison := new(error)
	fs := &fsContext{dev: dataDevice{dev, l}, table: table, data: datAll, poison: poison}

	return &Handle{
		dev:    dev,
		l:      l,
		sb:     sb,
		inoAll: inoAll,
		datAll: datAll,
		table:  table,
		fs:     fs,
		poison: poison,
	}, nil
}

// dataDevice translates logical data-block numbers (§3's pointer-value
// space, 0..NumBlocks-1 with 0 reserved) into physical blocks on the
// underlying host device by adding the layout's data region start. Every
// component above inode.go/indirect.go/dir.go programs against logical
// numbers; dataDevice is the single place that adds dataStart.
type dataDevice struct {
	BlockDevice
	l layout
}

func (d dataDevice) ReadBlock(n uint32) ([]byte, error) {
	return d.BlockDevice.ReadBlock(d.l.dataStart + n)
}

func (d dataDevice) WriteBlock(n uint32, data []byte) error {
	return d.BlockDevice.WriteBlock(d.l.dataStart+n, data)
}

func (d dataDevice) NumBlocks() uint32 { return d.l.totalBlocks - d.l.dataStart }

func format(dev BlockDevice, cfg Config) (*Handle, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	l := computeLayout(cfg)
	if dev.NumBlocks() < l.totalBlocks {
		return nil, fmt.Errorf("%w: device has %d blocks, layout needs %d", ErrFormat, dev.NumBlocks(), l.totalBlocks)
	}

	id, err := newVolumeID()
	if err != nil {
		return nil, err
	}
	sb := &Superblock{Config: cfg, VolumeID: id}
	if err := writeSuperblock(dev, sb); err != nil {
		return nil, err
	}

	inoAll := newAllocator(cfg.NumInodes)
	datAll := newAllocator(cfg.NumBlocks)

	h, err := buildHandle(dev, sb)
	if err != nil {
		return nil, err
	}
	h.inoAll = inoAll
	h.datAll = datAll
	h.table.ino = inoAll
	h.table.data = datAll
	h.fs.data = datAll

	rootInum, _, err := h.table.alloc(ModeDir)
	if err != nil {
		return nil, err
	}
	if rootInum != rootInodeNum {
		return nil, fmt.Errorf("%w: root inode allocated as %d, want %d", ErrFormat, rootInum, rootInodeNum)
	}
	root := newDirectory(h.fs, rootInodeNum)
	if err := root.appendEntry(".", rootInodeNum); err != nil {
		return nil, err
	}
	if err := root.appendEntry("..", rootInodeNum); err != nil {
		return nil, err
	}

	if err := h.flushMeta(); err != nil {
		return nil, err
	}
	if err := dev.Flush(); err != nil {
		return nil, err
	}
	log.Printf("vdisk: formatted volume %s: %d blocks, %d inodes", sb.VolumeID, cfg.NumBlocks, cfg.NumInodes)
	return h, nil
}

func mount(dev BlockDevice) (*Handle, error) {
	sb, err := readSuperblock(dev)
	if err != nil {
		return nil, err
	}
	h, err := buildHandle(dev, sb)
	if err != nil {
		return nil, err
	}
	log.Printf("vdisk: mounted volume %s", sb.VolumeID)
	return h, nil
}

// FormatInMemory formats a brand-new in-memory volume per cfg.
func FormatInMemory(cfg Config) (*Handle, error) {
	l := computeLayout(cfg)
	dev := NewInMemoryDevice(cfg.BlockSize, l.totalBlocks)
	return format(dev, cfg)
}

// MountInMemory is exposed mainly for tests and tooling that build a volume
// with FormatInMemory and want to exercise the mount path against the same
// backing device without a round trip through a file.
func MountInMemory(dev *InMemoryDevice) (*Handle, error) {
	return mount(dev)
}

// FormatInFile formats a brand-new host-file-backed volume at path.
func FormatInFile(path string, cfg Config) (*Handle, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	l := computeLayout(cfg)
	dev, err := OpenFileDevice(path, cfg.BlockSize, l.totalBlocks, 0)
	if err != nil {
		return nil, err
	}
	h, err := format(dev, cfg)
	if err != nil {
		dev.Close()
		return nil, err
	}
	return h, nil
}

// MountInFile mounts an existing host-file-backed volume at path. The
// device is opened with whatever block count the superblock reports, since
// the real geometry isn't known until the superblock itself is read; it is
// reopened once the superblock is in hand.
func MountInFile(path string) (*Handle, error) {
	probe, err := OpenFileDevice(path, defaultProbeBlockSize, 1, 0)
	if err != nil {
		return nil, err
	}
	sb, err := readSuperblock(probe)
	probe.Close()
	if err != nil {
		return nil, err
	}
	l := computeLayout(sb.Config)
	dev, err := OpenFileDevice(path, sb.Config.BlockSize, l.totalBlocks, 0)
	if err != nil {
		return nil, err
	}
	h, err := buildHandle(dev, sb)
	if err != nil {
		dev.Close()
		return nil, err
	}
	log.Printf("vdisk: mounted volume %s", sb.VolumeID)
	return h, nil
}

// defaultProbeBlockSize is used only to read the superblock's true
// BlockSize off of block 0 before reopening with the real geometry; the
// superblock record itself fits well within it for any config validate()
// accepts.
const defaultProbeBlockSize = 4096

// FormatInFileEncrypted formats a brand-new AEAD-encrypted host-file-backed
// volume at path, protected by password.
func FormatInFileEncrypted(path string, cfg Config, password []byte, kdf KDFParams) (*Handle, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	l := computeLayout(cfg)
	dev, err := FormatEncryptedFileDevice(path, cfg.BlockSize, l.totalBlocks, password, kdf)
	if err != nil {
		return nil, err
	}
	h, err := format(dev, cfg)
	if err != nil {
		dev.Close()
		return nil, err
	}
	return h, nil
}

// MountInFileEncrypted opens an existing AEAD-encrypted volume at path. The
// whole-disk MAC is verified before the superblock, or any other data, is
// trusted (§6, §7): a bad password yields ErrAuth, a tampered disk yields
// ErrIntegrity, and in both cases no Handle is returned. The MAC check
// happens on this first, geometry-probing open already — it is computed over
// raw ciphertext bytes (see EncryptedDevice.wholeDiskMAC), not framed by the
// probe's placeholder blockSize/numBlocks — so a tampered disk never gets as
// far as having its superblock parsed.
func MountInFileEncrypted(path string, password []byte) (*Handle, error) {
	probe, err := OpenEncryptedFileDevice(path, defaultProbeBlockSize, 1, password)
	if err != nil {
		return nil, err
	}
	sb, err := readSuperblock(probe)
	probe.Close()
	if err != nil {
		return nil, err
	}
	l := computeLayout(sb.Config)
	dev, err := OpenEncryptedFileDevice(path, sb.Config.BlockSize, l.totalBlocks, password)
	if err != nil {
		return nil, err
	}
	h, err := buildHandle(dev, sb)
	if err != nil {
		dev.Close()
		return nil, err
	}
	log.Printf("vdisk: mounted encrypted volume %s", sb.VolumeID)
	return h, nil
}
