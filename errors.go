package vdisk

import "errors"

// Package-specific error variables that can be used with errors.Is() for error handling.
var (
	// ErrFormat is returned when a superblock or encryption header is malformed or unrecognized.
	ErrFormat = errors.New("vdisk: invalid format")

	// ErrVersion is returned when a superblock or header carries an unsupported version.
	ErrVersion = errors.New("vdisk: unsupported version")

	// ErrAuth is returned when an encrypted device is opened with the wrong password.
	ErrAuth = errors.New("vdisk: authentication failed")

	// ErrIntegrity is returned when the whole-disk MAC of an encrypted device fails to verify.
	// A mount poisoned by ErrIntegrity never recovers; every later operation fails the same way.
	ErrIntegrity = errors.New("vdisk: integrity check failed")

	// ErrNoSpace is returned when a bitmap allocator has no free index to hand out.
	ErrNoSpace = errors.New("vdisk: no space left")

	// ErrFileTooLarge is returned when a logical block index exceeds the addressable ceiling.
	ErrFileTooLarge = errors.New("vdisk: file too large")

	// ErrNotFound is returned when a name lookup in a directory fails.
	ErrNotFound = errors.New("vdisk: not found")

	// ErrExists is returned when a create would clobber an existing name under EXCLUSIVE semantics.
	ErrExists = errors.New("vdisk: already exists")

	// ErrIsDir is returned when a file operation is attempted on a directory inode.
	ErrIsDir = errors.New("vdisk: is a directory")

	// ErrNotDir is returned when a directory operation is attempted on a non-directory inode.
	ErrNotDir = errors.New("vdisk: not a directory")

	// ErrNotEmpty is returned by rmdir, or rename-over, on a directory that still has entries.
	ErrNotEmpty = errors.New("vdisk: directory not empty")

	// ErrLoop is returned when a rename would move a directory into its own subtree.
	ErrLoop = errors.New("vdisk: rename would create a loop")

	// ErrInvalidName is returned when a directory entry name fails validation.
	ErrInvalidName = errors.New("vdisk: invalid name")

	// ErrBadMode is returned for API misuse such as writing through a read-only handle.
	ErrBadMode = errors.New("vdisk: bad mode")

	// ErrBadOffset is returned for a seek whence value or resulting offset that makes no sense.
	ErrBadOffset = errors.New("vdisk: bad offset")

	// ErrBadSize is returned when a buffer handed to a block device is not exactly block-sized.
	ErrBadSize = errors.New("vdisk: bad block size")

	// ErrOutOfRange is returned when a block or inode index is outside the addressable range.
	ErrOutOfRange = errors.New("vdisk: index out of range")

	// ErrIO is returned when the underlying host device fails.
	ErrIO = errors.New("vdisk: I/O error")

	// ErrDoubleFree is returned when freeing an already-free bitmap index.
	// It indicates allocator corruption and poisons the mount, like ErrIntegrity.
	ErrDoubleFree = errors.New("vdisk: double free")

	// ErrAlreadyMounted is returned when a file-backed device is already locked by another mount.
	ErrAlreadyMounted = errors.New("vdisk: already mounted")

	// ErrPoisoned is not returned by this package: after ErrIntegrity or ErrDoubleFree has been
	// observed once on a mount, every later operation returns that same error instead.
	ErrPoisoned = errors.New("vdisk: mount poisoned by a prior unrecoverable error")
)
