package vdisk

import (
	"encoding/binary"
	"fmt"
)

// Directory entries are a flat, append-only stream of variable-length
// records stored as the directory inode's own file content (§4.H):
//
//	name_len:u16 | inode:u32 | name:bytes[name_len]
//
// A record with inode==0 is a tombstone: the name_len/name bytes stay on
// disk (so later records keep their byte offsets) but the slot is treated
// as absent. unlink/rmdir/rename all tombstone rather than compact, so
// removal never moves any other record — the tradeoff is that a directory
// with heavy churn never shrinks on disk until reformatted.
const direntHeaderSize = 2 + 4

// DirEntry is one live (non-tombstoned) name visible in a listing.
type DirEntry struct {
	Name  string
	Inode uint32
	IsDir bool
}

// Directory is a handle onto one directory inode's entry stream.
type Directory struct {
	fs   *fsContext
	inum uint32
}

func newDirectory(fs *fsContext, inum uint32) *Directory {
	return &Directory{fs: fs, inum: inum}
}

func (d *Directory) Inode() uint32 { return d.inum }

func marshalDirent(name string, inode uint32) []byte {
	buf := make([]byte, direntHeaderSize+len(name))
	binary.LittleEndian.PutUint16(buf[0:], uint16(len(name)))
	binary.LittleEndian.PutUint32(buf[2:], inode)
	copy(buf[direntHeaderSize:], name)
	return buf
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	if len(name) > 0xffff {
		return fmt.Errorf("%w: name too long", ErrInvalidName)
	}
	for i := 0; i < len(name); i++ {
		if name[i] == '/' || name[i] == 0 {
			return fmt.Errorf("%w: name contains '/' or NUL", ErrInvalidName)
		}
	}
	return nil
}

// iterate walks every live record in order, stopping early if visit returns
// true or an error.
func (d *Directory) iterate(visit func(name string, inode uint32) (bool, error)) error {
	fh, err := openFileHandle(d.fs, d.inum, OpenRead)
	if err != nil {
		return err
	}
	defer fh.Close()

	hdr := make([]byte, direntHeaderSize)
	for {
		n, err := fh.Read(hdr)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if n != direntHeaderSize {
			return fmt.Errorf("%w: truncated directory entry header", ErrFormat)
		}
		nameLen := binary.LittleEndian.Uint16(hdr[0:])
		inode := binary.LittleEndian.Uint32(hdr[2:])
		name := make([]byte, nameLen)
		if nameLen > 0 {
			n, err := fh.Read(name)
			if err != nil {
				return err
			}
			if n != int(nameLen) {
				return fmt.Errorf("%w: truncated directory entry name", ErrFormat)
			}
		}
		if inode == 0 {
			continue // tombstone
		}
		stop, err := visit(string(name), inode)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
}

// List returns every live entry, with each target inode's type resolved.
// "." and ".." are bookkeeping records for Rename's ancestor walk
// (isAncestorOf), not namespace entries, so a freshly made directory lists
// empty (§4.H, §4.I: "initializes an empty body"/"an empty directory").
func (d *Directory) List() ([]DirEntry, error) {
	var out []DirEntry
	err := d.iterate(func(name string, inode uint32) (bool, error) {
		if name == "." || name == ".." {
			return false, nil
		}
		ino, err := d.fs.table.load(inode)
		if err != nil {
			return false, err
		}
		out = append(out, DirEntry{Name: name, Inode: inode, IsDir: ino.Mode.IsDir()})
		return false, nil
	})
	return out, err
}

// Lookup resolves name to an inode number within this directory.
func (d *Directory) Lookup(name string) (uint32, error) {
	if err := validateName(name); err != nil {
		return 0, err
	}
	var found uint32
	err := d.iterate(func(n string, inode uint32) (bool, error) {
		if n == name {
			found = inode
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return 0, err
	}
	if found == 0 {
		return 0, ErrNotFound
	}
	return found, nil
}

// appendEntry appends a new, non-tombstoned record to the directory stream.
func (d *Directory) appendEntry(name string, inode uint32) error {
	fh, err := openFileHandle(d.fs, d.inum, OpenWrite|OpenAppend)
	if err != nil {
		return err
	}
	defer fh.Close()
	_, err = fh.Write(marshalDirent(name, inode))
	return err
}

// tombstoneEntry zeroes the inode field of name's record in place, without
// disturbing any other record's byte offset.
func (d *Directory) tombstoneEntry(name string) error {
	fh, err := openFileHandle(d.fs, d.inum, OpenRead)
	if err != nil {
		return err
	}
	found := false
	var foundOffset uint64
	hdr := make([]byte, direntHeaderSize)
	for {
		offset := fh.Tell()
		n, err := fh.Read(hdr)
		if err != nil {
			fh.Close()
			return err
		}
		if n == 0 {
			break
		}
		nameLen := binary.LittleEndian.Uint16(hdr[0:])
		inode := binary.LittleEndian.Uint32(hdr[2:])
		nameBuf := make([]byte, nameLen)
		if nameLen > 0 {
			if _, err := fh.Read(nameBuf); err != nil {
				fh.Close()
				return err
			}
		}
		if inode != 0 && string(nameBuf) == name {
			found = true
			foundOffset = offset
			break
		}
	}
	fh.Close()
	if !found {
		return ErrNotFound
	}

	wfh, err := openFileHandle(d.fs, d.inum, OpenWrite)
	if err != nil {
		return err
	}
	defer wfh.Close()
	if _, err := wfh.Seek(int64(foundOffset+2), SeekStart); err != nil {
		return err
	}
	zero := make([]byte, 4)
	_, err = wfh.Write(zero)
	return err
}

// Create makes a new regular file named name in this directory.
func (d *Directory) Create(name string) (uint32, error) {
	if err := validateName(name); err != nil {
		return 0, err
	}
	if _, err := d.Lookup(name); err == nil {
		return 0, ErrExists
	} else if err != ErrNotFound {
		return 0, err
	}
	inum, _, err := d.fs.table.alloc(ModeFile)
	if err != nil {
		return 0, err
	}
	if err := d.appendEntry(name, inum); err != nil {
		d.fs.table.free(inum)
		return 0, err
	}
	return inum, nil
}

// Open resolves or creates name per flags and returns a cursor onto it.
func (d *Directory) Open(name string, flags OpenFlag) (*FileHandle, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	inum, err := d.Lookup(name)
	if err == ErrNotFound {
		if !flags.has(OpenCreate) {
			return nil, ErrNotFound
		}
		inum, _, err = d.fs.table.alloc(ModeFile)
		if err != nil {
			return nil, err
		}
		if err := d.appendEntry(name, inum); err != nil {
			d.fs.table.free(inum)
			return nil, err
		}
	} else if err != nil {
		return nil, err
	} else if flags.has(OpenCreate) && flags.has(OpenExclusive) {
		return nil, ErrExists
	}
	ino, err := d.fs.table.load(inum)
	if err != nil {
		return nil, err
	}
	if ino.Mode.IsDir() {
		return nil, ErrIsDir
	}
	return openFileHandle(d.fs, inum, flags)
}

// Mkdir creates a new, empty subdirectory (containing only "." and "..")
// named name within d.
func (d *Directory) Mkdir(name string) (uint32, error) {
	if err := validateName(name); err != nil {
		return 0, err
	}
	if _, err := d.Lookup(name); err == nil {
		return 0, ErrExists
	} else if err != ErrNotFound {
		return 0, err
	}
	inum, _, err := d.fs.table.alloc(ModeDir)
	if err != nil {
		return 0, err
	}
	child := newDirectory(d.fs, inum)
	if err := child.appendEntry(".", inum); err != nil {
		d.fs.table.free(inum)
		return 0, err
	}
	if err := child.appendEntry("..", d.inum); err != nil {
		d.fs.table.free(inum)
		return 0, err
	}
	if err := d.appendEntry(name, inum); err != nil {
		d.fs.table.free(inum)
		return 0, err
	}
	return inum, nil
}

// Dir resolves name to a subdirectory and returns a Directory handle onto
// it, the navigation primitive a caller uses to descend a path one
// component at a time (e.g. before calling Rename with a newParent that
// isn't d itself). Fails ErrNotFound if the name is absent, ErrNotDir if it
// names a regular file.
func (d *Directory) Dir(name string) (*Directory, error) {
	inum, err := d.Lookup(name)
	if err != nil {
		return nil, err
	}
	ino, err := d.fs.table.load(inum)
	if err != nil {
		return nil, err
	}
	if !ino.Mode.IsDir() {
		return nil, ErrNotDir
	}
	return newDirectory(d.fs, inum), nil
}

// nonDotCount returns the number of non-tombstoned records other than "."
// and "..", used to decide whether a directory is empty enough to rmdir or
// to be overwritten by a rename: "." and ".." are always present in a live
// directory and never count as namespace entries (§3: "no non-'.' entries").
func (d *Directory) nonDotCount() (int, error) {
	n := 0
	err := d.iterate(func(name string, inode uint32) (bool, error) {
		if name != "." && name != ".." {
			n++
		}
		return false, nil
	})
	return n, err
}

// Rmdir removes the empty subdirectory named name.
func (d *Directory) Rmdir(name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	if name == "." || name == ".." {
		return fmt.Errorf("%w: cannot remove %q", ErrInvalidName, name)
	}
	inum, err := d.Lookup(name)
	if err != nil {
		return err
	}
	if inum == rootInodeNum {
		return fmt.Errorf("%w: cannot remove the root directory", ErrInvalidName)
	}
	ino, err := d.fs.table.load(inum)
	if err != nil {
		return err
	}
	if !ino.Mode.IsDir() {
		return ErrNotDir
	}
	child := newDirectory(d.fs, inum)
	n, err := child.nonDotCount()
	if err != nil {
		return err
	}
	if n > 0 {
		return ErrNotEmpty
	}
	if err := d.fs.table.free(inum); err != nil {
		return d.fs.notePoison(err)
	}
	return d.tombstoneEntry(name)
}

// Unlink removes the regular file named name.
func (d *Directory) Unlink(name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	if name == "." || name == ".." {
		return fmt.Errorf("%w: cannot unlink %q", ErrInvalidName, name)
	}
	inum, err := d.Lookup(name)
	if err != nil {
		return err
	}
	ino, err := d.fs.table.load(inum)
	if err != nil {
		return err
	}
	if ino.Mode.IsDir() {
		return ErrIsDir
	}
	if err := d.fs.table.free(inum); err != nil {
		return d.fs.notePoison(err)
	}
	return d.tombstoneEntry(name)
}

// isAncestorOf reports whether candidate appears in dir's "..": chain up to
// the root, used by Rename to reject moving a directory into its own
// subtree (§7, ErrLoop).
func isAncestorOf(fs *fsContext, candidate uint32, dir uint32) (bool, error) {
	cur := dir
	for {
		if cur == candidate {
			return true, nil
		}
		if cur == rootInodeNum {
			return false, nil
		}
		parent, err := newDirectory(fs, cur).Lookup("..")
		if err != nil {
			return false, err
		}
		if parent == cur {
			return false, nil
		}
		cur = parent
	}
}

// Rename moves oldName out of d into newParent under newName, atomically
// from the caller's perspective: a crash or error leaves either the old or
// the new link intact, never neither.
func (d *Directory) Rename(oldName string, newParent *Directory, newName string) error {
	if err := validateName(oldName); err != nil {
		return err
	}
	if err := validateName(newName); err != nil {
		return err
	}
	if oldName == "." || oldName == ".." || newName == "." || newName == ".." {
		return fmt.Errorf("%w: cannot rename %q or %q", ErrInvalidName, oldName, newName)
	}
	srcInum, err := d.Lookup(oldName)
	if err != nil {
		return err
	}
	if srcInum == rootInodeNum {
		return fmt.Errorf("%w: cannot rename the root directory", ErrInvalidName)
	}
	srcIno, err := d.fs.table.load(srcInum)
	if err != nil {
		return err
	}
	if srcIno.Mode.IsDir() {
		loop, err := isAncestorOf(d.fs, srcInum, newParent.inum)
		if err != nil {
			return err
		}
		if loop || srcInum == newParent.inum {
			return ErrLoop
		}
	}

	if dstInum, err := newParent.Lookup(newName); err == nil {
		dstIno, err := d.fs.table.load(dstInum)
		if err != nil {
			return err
		}
		if dstIno.Mode.IsDir() {
			if !srcIno.Mode.IsDir() {
				return ErrIsDir
			}
			child := newDirectory(d.fs, dstInum)
			n, err := child.nonDotCount()
			if err != nil {
				return err
			}
			if n > 0 {
				return ErrNotEmpty
			}
		} else if srcIno.Mode.IsDir() {
			return ErrNotDir
		}
		if err := d.fs.table.free(dstInum); err != nil {
			return d.fs.notePoison(err)
		}
		if err := newParent.tombstoneEntry(newName); err != nil {
			return err
		}
	} else if err != ErrNotFound {
		return err
	}

	if err := newParent.appendEntry(newName, srcInum); err != nil {
		return err
	}
	if err := d.tombstoneEntry(oldName); err != nil {
		return err
	}
	if srcIno.Mode.IsDir() && newParent.inum != d.inum {
		child := newDirectory(d.fs, srcInum)
		if err := child.tombstoneEntry(".."); err != nil {
			return err
		}
		if err := child.appendEntry("..", newParent.inum); err != nil {
			return err
		}
	}
	return nil
}
