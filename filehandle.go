package vdisk

import "fmt"

// OpenFlag selects the access semantics of an open() call (§4.G).
type OpenFlag uint32

const (
	OpenRead OpenFlag = 1 << iota
	OpenWrite
	OpenCreate
	OpenTruncate
	OpenAppend
	OpenExclusive
)

func (f OpenFlag) has(bit OpenFlag) bool { return f&bit != 0 }

// Whence selects the reference point for Seek, mirroring io.Seeker.
type Whence int

const (
	SeekStart   Whence = 0
	SeekCurrent Whence = 1
	SeekEnd     Whence = 2
)

// FileHandle is a cursor over one inode's byte stream (§4.G). It is not
// safe for concurrent use by multiple goroutines without external
// synchronization, matching the per-handle model in §5.
type FileHandle struct {
	fs     *fsContext
	inum   uint32
	flags  OpenFlag
	pos    uint64
	closed bool
}

// fsContext bundles the pieces a FileHandle needs to reach through to the
// mounted volume: the block device, the inode table, and the data block
// allocator shared with the directory layer.
type fsContext struct {
	dev    BlockDevice
	table  *inodeTable
	data   *allocator
	poison *error
}

// checkPoison reports the latched mount-wide error, if any (§7): once
// ErrIntegrity or ErrDoubleFree has surfaced once, every directory and file
// operation on this mount fails the same way without touching the device.
func (fs *fsContext) checkPoison() error {
	if fs.poison != nil && *fs.poison != nil {
		return *fs.poison
	}
	return nil
}

func (fs *fsContext) notePoison(err error) error {
	return notePoison(fs.poison, err)
}

func openFileHandle(fs *fsContext, inum uint32, flags OpenFlag) (*FileHandle, error) {
	if err := fs.checkPoison(); err != nil {
		return nil, err
	}
	if !flags.has(OpenRead) && !flags.has(OpenWrite) {
		return nil, fmt.Errorf("%w: open requires READ or WRITE", ErrBadMode)
	}
	ino, err := fs.table.load(inum)
	if err != nil {
		return nil, err
	}
	if ino.Mode.IsDir() {
		return nil, ErrIsDir
	}
	fh := &FileHandle{fs: fs, inum: inum, flags: flags}
	if flags.has(OpenTruncate) {
		if !flags.has(OpenWrite) {
			return nil, fmt.Errorf("%w: TRUNCATE requires WRITE", ErrBadMode)
		}
		if err := fh.truncateLocked(ino, 0); err != nil {
			return nil, err
		}
	}
	if flags.has(OpenAppend) {
		fh.pos = ino.Size
	}
	return fh, nil
}

func (fh *FileHandle) inode() (*Inode, error) {
	return fh.fs.table.load(fh.inum)
}

// Seek repositions the cursor per whence, matching io.Seeker semantics.
// Negative resulting offsets are rejected with ErrBadOffset.
func (fh *FileHandle) Seek(offset int64, whence Whence) (uint64, error) {
	if fh.closed {
		return 0, fmt.Errorf("%w: handle closed", ErrBadMode)
	}
	if err := fh.fs.checkPoison(); err != nil {
		return 0, err
	}
	var base int64
	switch whence {
	case SeekStart:
		base = 0
	case SeekCurrent:
		base = int64(fh.pos)
	case SeekEnd:
		ino, err := fh.inode()
		if err != nil {
			return 0, err
		}
		base = int64(ino.Size)
	default:
		return 0, fmt.Errorf("%w: bad whence", ErrBadOffset)
	}
	newPos := base + offset
	if newPos < 0 {
		return 0, ErrBadOffset
	}
	fh.pos = uint64(newPos)
	return fh.pos, nil
}

func (fh *FileHandle) Tell() uint64 { return fh.pos }

// Read fills buf starting at the current cursor, short-reading at EOF like
// io.Reader, and never allocates holes — unwritten regions read back as
// zeroes (§4.F, §8 invariant for sparse reads).
func (fh *FileHandle) Read(buf []byte) (int, error) {
	if fh.closed {
		return 0, fmt.Errorf("%w: handle closed", ErrBadMode)
	}
	if err := fh.fs.checkPoison(); err != nil {
		return 0, err
	}
	if !fh.flags.has(OpenRead) {
		return 0, fmt.Errorf("%w: handle not opened for reading", ErrBadMode)
	}
	ino, err := fh.inode()
	if err != nil {
		return 0, err
	}
	if fh.pos >= ino.Size {
		return 0, nil
	}
	bs := uint64(fh.fs.dev.BlockSize())
	remaining := ino.Size - fh.pos
	if uint64(len(buf)) > remaining {
		buf = buf[:remaining]
	}
	read := 0
	for read < len(buf) {
		abs := fh.pos + uint64(read)
		l := abs / bs
		off := int(abs % bs)
		phys, err := blockForRead(fh.fs.dev, ino, l)
		if err != nil {
			return read, err
		}
		n := len(buf) - read
		if off+n > int(bs) {
			n = int(bs) - off
		}
		if phys == 0 {
			for i := 0; i < n; i++ {
				buf[read+i] = 0
			}
		} else {
			block, err := fh.fs.dev.ReadBlock(phys)
			if err != nil {
				return read, err
			}
			copy(buf[read:read+n], block[off:off+n])
		}
		read += n
	}
	fh.pos += uint64(read)
	ino.ATime = nowSeconds()
	if err := fh.fs.table.store(fh.inum, ino); err != nil {
		return read, err
	}
	return read, nil
}

// Write stores buf starting at the current cursor, allocating blocks (and
// holes before them) as needed, and advances Size when the write extends
// past the current end of file.
func (fh *FileHandle) Write(buf []byte) (int, error) {
	if fh.closed {
		return 0, fmt.Errorf("%w: handle closed", ErrBadMode)
	}
	if err := fh.fs.checkPoison(); err != nil {
		return 0, err
	}
	if !fh.flags.has(OpenWrite) {
		return 0, fmt.Errorf("%w: handle not opened for writing", ErrBadMode)
	}
	ino, err := fh.inode()
	if err != nil {
		return 0, err
	}
	if fh.flags.has(OpenAppend) {
		fh.pos = ino.Size
	}
	bs := uint64(fh.fs.dev.BlockSize())
	maxSize := ino.maxSizeFor(fh.fs.dev)
	if fh.pos+uint64(len(buf)) > maxSize {
		return 0, ErrFileTooLarge
	}
	if fh.pos > ino.Size {
		for l := ino.Size / bs; l < fh.pos/bs; l++ {
			if _, err := blockForWrite(fh.fs.dev, fh.fs.data, ino, l); err != nil {
				return 0, err
			}
		}
	}
	written := 0
	for written < len(buf) {
		abs := fh.pos + uint64(written)
		l := abs / bs
		off := int(abs % bs)
		phys, err := blockForWrite(fh.fs.dev, fh.fs.data, ino, l)
		if err != nil {
			return written, err
		}
		n := len(buf) - written
		if off+n > int(bs) {
			n = int(bs) - off
		}
		block, err := fh.fs.dev.ReadBlock(phys)
		if err != nil {
			return written, err
		}
		copy(block[off:off+n], buf[written:written+n])
		if err := fh.fs.dev.WriteBlock(phys, block); err != nil {
			return written, err
		}
		written += n
	}
	fh.pos += uint64(written)
	now := nowSeconds()
	ino.MTime = now
	ino.ATime = now
	if fh.pos > ino.Size {
		ino.Size = fh.pos
	}
	if err := fh.fs.table.store(fh.inum, ino); err != nil {
		return written, err
	}
	return written, nil
}

// Truncate sets the file's size to newSize, freeing any block made wholly
// unreachable and zero-filling any byte range newly exposed by growth.
func (fh *FileHandle) Truncate(newSize uint64) error {
	if fh.closed {
		return fmt.Errorf("%w: handle closed", ErrBadMode)
	}
	if err := fh.fs.checkPoison(); err != nil {
		return err
	}
	if !fh.flags.has(OpenWrite) {
		return fmt.Errorf("%w: handle not opened for writing", ErrBadMode)
	}
	ino, err := fh.inode()
	if err != nil {
		return err
	}
	return fh.truncateLocked(ino, newSize)
}

func (fh *FileHandle) truncateLocked(ino *Inode, newSize uint64) error {
	maxSize := ino.maxSizeFor(fh.fs.dev)
	if newSize > maxSize {
		return ErrFileTooLarge
	}
	bs := uint64(fh.fs.dev.BlockSize())
	if newSize < ino.Size {
		keepBlocks := (newSize + bs - 1) / bs
		if err := shrinkPointerTree(fh.fs.dev, fh.fs.data, ino, keepBlocks); err != nil {
			return fh.fs.notePoison(err)
		}
		// The final partially-kept block may hold stale bytes past
		// newSize; zero them so a later grow doesn't resurrect old data.
		if rem := newSize % bs; rem != 0 && newSize > 0 {
			l := (newSize - 1) / bs
			phys, err := blockForRead(fh.fs.dev, ino, l)
			if err != nil {
				return err
			}
			if phys != 0 {
				block, err := fh.fs.dev.ReadBlock(phys)
				if err != nil {
					return err
				}
				for i := rem; i < bs; i++ {
					block[i] = 0
				}
				if err := fh.fs.dev.WriteBlock(phys, block); err != nil {
					return err
				}
			}
		}
	}
	ino.Size = newSize
	ino.MTime = nowSeconds()
	if fh.pos > newSize {
		fh.pos = newSize
	}
	return fh.fs.table.store(fh.inum, ino)
}

// Flush is a no-op placeholder for callers that mirror io.Writer-adjacent
// flush conventions; every Write already persists the inode record.
func (fh *FileHandle) Flush() error {
	if fh.closed {
		return fmt.Errorf("%w: handle closed", ErrBadMode)
	}
	return nil
}

func (fh *FileHandle) Close() error {
	fh.closed = true
	return nil
}

// maxSizeFor reports the largest byte size this inode's pointer tree can
// address given the device's block size (§4.F).
func (ino *Inode) maxSizeFor(dev BlockDevice) uint64 {
	n := ptrsPerBlock(dev)
	blocks := NumDirect + n + n*n + n*n*n
	return blocks * uint64(dev.BlockSize())
}
