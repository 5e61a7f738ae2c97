package vdisk

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// BlockDevice is the capability set every backend must provide: fixed-size
// block read/write, flush and close, plus the block count it was formatted
// with. The façade (vdisk.go) and everything above it programs only against
// this interface; InMemoryDevice, FileDevice and EncryptedDevice are the
// three variants selected at mount/format time (§9, "polymorphism over
// backends").
type BlockDevice interface {
	ReadBlock(n uint32) ([]byte, error)
	WriteBlock(n uint32, data []byte) error
	Flush() error
	Close() error
	NumBlocks() uint32
	BlockSize() uint32
}

func checkBlockArgs(dev BlockDevice, n uint32, data []byte) error {
	if n >= dev.NumBlocks() {
		return fmt.Errorf("%w: block %d >= %d", ErrOutOfRange, n, dev.NumBlocks())
	}
	if data != nil && uint32(len(data)) != dev.BlockSize() {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrBadSize, len(data), dev.BlockSize())
	}
	return nil
}

// InMemoryDevice backs blocks with a slice of byte buffers. It never touches
// the host filesystem and is the backend used by format_in_memory/
// mount_in_memory.
type InMemoryDevice struct {
	blockSize uint32
	blocks    [][]byte
}

var _ BlockDevice = (*InMemoryDevice)(nil)

// NewInMemoryDevice allocates a zero-filled block store of numBlocks blocks.
func NewInMemoryDevice(blockSize, numBlocks uint32) *InMemoryDevice {
	blocks := make([][]byte, numBlocks)
	for i := range blocks {
		blocks[i] = make([]byte, blockSize)
	}
	return &InMemoryDevice{blockSize: blockSize, blocks: blocks}
}

func (d *InMemoryDevice) ReadBlock(n uint32) ([]byte, error) {
	if err := checkBlockArgs(d, n, nil); err != nil {
		return nil, err
	}
	out := make([]byte, d.blockSize)
	copy(out, d.blocks[n])
	return out, nil
}

func (d *InMemoryDevice) WriteBlock(n uint32, data []byte) error {
	if err := checkBlockArgs(d, n, data); err != nil {
		return err
	}
	copy(d.blocks[n], data)
	return nil
}

func (d *InMemoryDevice) Flush() error      { return nil }
func (d *InMemoryDevice) Close() error      { return nil }
func (d *InMemoryDevice) NumBlocks() uint32 { return uint32(len(d.blocks)) }
func (d *InMemoryDevice) BlockSize() uint32 { return d.blockSize }

// FileDevice stores blocks at byte offset headerSize + n*blockSize within a
// host file, guarded by an advisory flock(2) for the lifetime of the mount
// so a second process opening the same path observes ErrAlreadyMounted
// (§5). headerSize is 0 for a plain disk, whose superblock is block 0; the
// encrypted variant reserves EncryptedHeaderSize bytes ahead of block 0 (§6).
type FileDevice struct {
	mu         sync.Mutex
	f          *os.File
	blockSize  uint32
	numBlocks  uint32
	headerSize int64
	locked     bool
}

var _ BlockDevice = (*FileDevice)(nil)

// OpenFileDevice opens (creating if needed) the file at path and locks it
// for exclusive use by this process.
func OpenFileDevice(path string, blockSize, numBlocks uint32, headerSize int64) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrAlreadyMounted
		}
		return nil, fmt.Errorf("%w: lock %s: %v", ErrIO, path, err)
	}

	want := headerSize + int64(numBlocks)*int64(blockSize)
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if info.Size() < want {
		if err := f.Truncate(want); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
	}

	return &FileDevice{
		f:          f,
		blockSize:  blockSize,
		numBlocks:  numBlocks,
		headerSize: headerSize,
		locked:     true,
	}, nil
}

func (d *FileDevice) offset(n uint32) int64 {
	return d.headerSize + int64(n)*int64(d.blockSize)
}

func (d *FileDevice) ReadBlock(n uint32) ([]byte, error) {
	if err := checkBlockArgs(d, n, nil); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	buf := make([]byte, d.blockSize)
	if _, err := d.f.ReadAt(buf, d.offset(n)); err != nil {
		return nil, fmt.Errorf("%w: read block %d: %v", ErrIO, n, err)
	}
	return buf, nil
}

func (d *FileDevice) WriteBlock(n uint32, data []byte) error {
	if err := checkBlockArgs(d, n, data); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.f.WriteAt(data, d.offset(n)); err != nil {
		return fmt.Errorf("%w: write block %d: %v", ErrIO, n, err)
	}
	return nil
}

// dataRegionSize reports how many bytes of ciphertext currently sit after
// the header, straight off the host file's length — independent of any
// particular block-size framing. The encrypted backend uses this to compute
// its whole-disk MAC over the exact bytes it was taken over at close,
// before the real block size (itself inside the encrypted superblock) is
// known to whichever caller is opening the device.
func (d *FileDevice) dataRegionSize() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, err := d.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIO, err)
	}
	n := info.Size() - d.headerSize
	if n < 0 {
		n = 0
	}
	return n, nil
}

// readRaw reads n bytes starting at byte offset off within the data region
// (i.e. relative to the end of the header), bypassing block-size framing.
func (d *FileDevice) readRaw(off, n int64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf := make([]byte, n)
	if _, err := d.f.ReadAt(buf, d.headerSize+off); err != nil {
		return nil, fmt.Errorf("%w: read raw range: %v", ErrIO, err)
	}
	return buf, nil
}

// readHeader and writeHeader let components above (superblock, encryption
// header) address the reserved region before block 0 directly.
func (d *FileDevice) readHeader(buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.f.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("%w: read header: %v", ErrIO, err)
	}
	return nil
}

func (d *FileDevice) writeHeader(buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.f.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("%w: write header: %v", ErrIO, err)
	}
	return nil
}

func (d *FileDevice) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.f.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", ErrIO, err)
	}
	return nil
}

func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.locked {
		unix.Flock(int(d.f.Fd()), unix.LOCK_UN)
		d.locked = false
	}
	if err := d.f.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

func (d *FileDevice) NumBlocks() uint32 { return d.numBlocks }
func (d *FileDevice) BlockSize() uint32 { return d.blockSize }
