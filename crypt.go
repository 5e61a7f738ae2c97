package vdisk

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20"
)

// Header layout, per §6:
//
//	magic:8 | version:u16 | kdf_id:u16 | kdf_params:32 |
//	salt:16 | base_nonce:12 | wrapped_key:48 | whole_disk_mac:32
const (
	encMagic         = "VDISKENC"
	encVersion       = 1
	encSaltSize      = 16
	encNonceSize     = chacha20.NonceSize // 12 bytes
	encWrappedKeySize = fileKeySize + wrapTagSize
	encMACSize       = sha256.Size
	encKDFParamsSize = 32

	fileKeySize = 32 // 256-bit file key
	wrapTagSize = 16 // truncated HMAC binding the password to the wrapped key

	EncryptedHeaderSize = 8 + 2 + 2 + encKDFParamsSize + encSaltSize + encNonceSize + encWrappedKeySize + encMACSize

	kdfArgon2id = 1
)

// KDFParams tunes the memory-hard password stretch (argon2id) used to wrap
// the file key. DefaultKDFParams is fast enough for tests; production
// callers should raise MemoryKiB and Time.
type KDFParams struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// DefaultKDFParams is deliberately cheap: this engine's threat model is
// tamper-evidence and confidentiality of the file, not resistance to a
// dedicated password-cracking farm. Callers with stronger requirements pass
// their own KDFParams to FormatInFileEncrypted.
var DefaultKDFParams = KDFParams{Time: 1, MemoryKiB: 16 * 1024, Threads: 1}

func (p KDFParams) encode() [encKDFParamsSize]byte {
	var b [encKDFParamsSize]byte
	binary.LittleEndian.PutUint32(b[0:4], p.Time)
	binary.LittleEndian.PutUint32(b[4:8], p.MemoryKiB)
	b[8] = p.Threads
	return b
}

func decodeKDFParams(b []byte) KDFParams {
	return KDFParams{
		Time:      binary.LittleEndian.Uint32(b[0:4]),
		MemoryKiB: binary.LittleEndian.Uint32(b[4:8]),
		Threads:   b[8],
	}
}

func (p KDFParams) derive(password, salt []byte) []byte {
	threads := p.Threads
	if threads == 0 {
		threads = 1
	}
	return argon2.IDKey(password, salt, p.Time, p.MemoryKiB, threads, fileKeySize)
}

type encHeader struct {
	kdf       KDFParams
	salt      [encSaltSize]byte
	baseNonce [encNonceSize]byte
	wrappedKey [encWrappedKeySize]byte
	mac       [encMACSize]byte
}

func (h *encHeader) marshal() []byte {
	buf := make([]byte, EncryptedHeaderSize)
	off := 0
	copy(buf[off:], encMagic)
	off += 8
	binary.LittleEndian.PutUint16(buf[off:], encVersion)
	off += 2
	binary.LittleEndian.PutUint16(buf[off:], kdfArgon2id)
	off += 2
	params := h.kdf.encode()
	copy(buf[off:], params[:])
	off += encKDFParamsSize
	copy(buf[off:], h.salt[:])
	off += encSaltSize
	copy(buf[off:], h.baseNonce[:])
	off += encNonceSize
	copy(buf[off:], h.wrappedKey[:])
	off += encWrappedKeySize
	copy(buf[off:], h.mac[:])
	off += encMACSize
	return buf
}

func unmarshalEncHeader(buf []byte) (*encHeader, error) {
	if len(buf) < EncryptedHeaderSize {
		return nil, fmt.Errorf("%w: short encrypted header", ErrFormat)
	}
	if string(buf[0:8]) != encMagic {
		return nil, fmt.Errorf("%w: bad encrypted header magic", ErrFormat)
	}
	off := 8
	version := binary.LittleEndian.Uint16(buf[off:])
	off += 2
	if version != encVersion {
		return nil, fmt.Errorf("%w: header version %d", ErrVersion, version)
	}
	kdfID := binary.LittleEndian.Uint16(buf[off:])
	off += 2
	if kdfID != kdfArgon2id {
		return nil, fmt.Errorf("%w: unknown kdf id %d", ErrVersion, kdfID)
	}
	h := &encHeader{kdf: decodeKDFParams(buf[off : off+encKDFParamsSize])}
	off += encKDFParamsSize
	copy(h.salt[:], buf[off:])
	off += encSaltSize
	copy(h.baseNonce[:], buf[off:])
	off += encNonceSize
	copy(h.wrappedKey[:], buf[off:])
	off += encWrappedKeySize
	copy(h.mac[:], buf[off:])
	off += encMACSize
	return h, nil
}

// wrapKey encrypts fileKey under derivedKey with a fixed (all-zero) nonce —
// safe here because the key is wrapped exactly once, at format time, never
// reused — and appends a truncated HMAC binding the password to the key so
// a wrong password is detected before any data block is touched.
func wrapKey(derivedKey, fileKey []byte) ([encWrappedKeySize]byte, error) {
	var out [encWrappedKeySize]byte
	c, err := chacha20.NewUnauthenticatedCipher(derivedKey, make([]byte, encNonceSize))
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	c.XORKeyStream(out[:fileKeySize], fileKey)

	mac := hmac.New(sha256.New, derivedKey)
	mac.Write(fileKey)
	tag := mac.Sum(nil)
	copy(out[fileKeySize:], tag[:wrapTagSize])
	return out, nil
}

// unwrapKey recovers the file key and verifies the password binding tag.
// On mismatch it returns ErrAuth without the caller ever seeing a data
// block, matching §4.B.
func unwrapKey(derivedKey []byte, wrapped [encWrappedKeySize]byte) ([]byte, error) {
	fileKey := make([]byte, fileKeySize)
	c, err := chacha20.NewUnauthenticatedCipher(derivedKey, make([]byte, encNonceSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	c.XORKeyStream(fileKey, wrapped[:fileKeySize])

	mac := hmac.New(sha256.New, derivedKey)
	mac.Write(fileKey)
	tag := mac.Sum(nil)
	if subtle.ConstantTimeCompare(tag[:wrapTagSize], wrapped[fileKeySize:]) != 1 {
		return nil, ErrAuth
	}
	return fileKey, nil
}

// EncryptedDevice wraps a FileDevice with streaming ChaCha20 confidentiality
// and a whole-disk HMAC-SHA256 integrity tag (§4.B, §6). Every block read or
// write goes through per-block keystream XOR; the whole-disk MAC is checked
// once at Open and rewritten at format time and on every Flush (and so at
// Close) that follows a block write.
type EncryptedDevice struct {
	mu      sync.Mutex
	inner   *FileDevice
	fileKey []byte
	header  *encHeader
	dirty   bool
	poison  error
}

var _ BlockDevice = (*EncryptedDevice)(nil)

// FormatEncryptedFileDevice creates a new encrypted disk at path, generating
// a random file key and base nonce and wrapping the file key under a key
// derived from password.
func FormatEncryptedFileDevice(path string, blockSize, numBlocks uint32, password []byte, kdf KDFParams) (*EncryptedDevice, error) {
	inner, err := OpenFileDevice(path, blockSize, numBlocks, EncryptedHeaderSize)
	if err != nil {
		return nil, err
	}

	h := &encHeader{kdf: kdf}
	if _, err := rand.Read(h.salt[:]); err != nil {
		inner.Close()
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if _, err := rand.Read(h.baseNonce[:]); err != nil {
		inner.Close()
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	fileKey := make([]byte, fileKeySize)
	if _, err := rand.Read(fileKey); err != nil {
		inner.Close()
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	derived := kdf.derive(password, h.salt[:])
	wrapped, err := wrapKey(derived, fileKey)
	if err != nil {
		inner.Close()
		return nil, err
	}
	h.wrappedKey = wrapped

	d := &EncryptedDevice{inner: inner, fileKey: fileKey, header: h}
	if err := d.rewriteMAC(); err != nil {
		inner.Close()
		return nil, err
	}
	return d, nil
}

// OpenEncryptedFileDevice opens an existing encrypted disk, deriving the key
// from password and verifying the whole-disk MAC before any block is
// served. The MAC is computed over the raw ciphertext bytes on disk rather
// than by framing them into blockSize/numBlocks-sized blocks, so verification
// is correct even when the caller does not yet know the volume's real
// geometry (e.g. a probe open used only to decrypt the superblock and
// recover Config, before a second open with the real block size).
func OpenEncryptedFileDevice(path string, blockSize, numBlocks uint32, password []byte) (*EncryptedDevice, error) {
	inner, err := OpenFileDevice(path, blockSize, numBlocks, EncryptedHeaderSize)
	if err != nil {
		return nil, err
	}

	raw := make([]byte, EncryptedHeaderSize)
	if err := inner.readHeader(raw); err != nil {
		inner.Close()
		return nil, err
	}
	h, err := unmarshalEncHeader(raw)
	if err != nil {
		inner.Close()
		return nil, err
	}

	derived := h.kdf.derive(password, h.salt[:])
	fileKey, err := unwrapKey(derived, h.wrappedKey)
	if err != nil {
		inner.Close()
		return nil, err
	}

	d := &EncryptedDevice{inner: inner, fileKey: fileKey, header: h}
	if err := d.verifyMAC(); err != nil {
		inner.Close()
		return nil, err
	}
	return d, nil
}

func (d *EncryptedDevice) blockNonce(n uint32) [encNonceSize]byte {
	var nonce [encNonceSize]byte
	copy(nonce[:], d.header.baseNonce[:])
	var nb [8]byte
	binary.LittleEndian.PutUint64(nb[:], uint64(n))
	for i := 0; i < 8; i++ {
		nonce[encNonceSize-8+i] ^= nb[i]
	}
	return nonce
}

func (d *EncryptedDevice) cipherFor(n uint32) (*chacha20.Cipher, error) {
	nonce := d.blockNonce(n)
	return chacha20.NewUnauthenticatedCipher(d.fileKey, nonce[:])
}

func (d *EncryptedDevice) ReadBlock(n uint32) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.poison != nil {
		return nil, d.poison
	}

	ct, err := d.inner.ReadBlock(n)
	if err != nil {
		return nil, err
	}
	c, err := d.cipherFor(n)
	if err != nil {
		return nil, err
	}
	pt := make([]byte, len(ct))
	c.XORKeyStream(pt, ct)
	return pt, nil
}

func (d *EncryptedDevice) WriteBlock(n uint32, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.poison != nil {
		return d.poison
	}

	c, err := d.cipherFor(n)
	if err != nil {
		return err
	}
	ct := make([]byte, len(data))
	c.XORKeyStream(ct, data)
	if err := d.inner.WriteBlock(n, ct); err != nil {
		return err
	}
	d.dirty = true
	return nil
}

// macChunkSize bounds how much ciphertext wholeDiskMAC reads into memory at
// once; it has no bearing on the on-disk format, just the verification
// loop's footprint on a large volume.
const macChunkSize = 1 << 20

// wholeDiskMAC hashes every ciphertext byte on disk, in ascending order,
// straight off the host file's length (FileDevice.dataRegionSize/readRaw)
// rather than by framing it into blockSize/numBlocks-sized blocks. This
// keeps the whole-disk MAC well-defined before the real block size is known
// (it lives inside the superblock, itself ciphertext), and produces the
// same tag regardless of how the caller currently has the device framed:
// the per-block ciphertexts of §6 are, in ascending order, exactly the raw
// bytes of the data region concatenated.
func (d *EncryptedDevice) wholeDiskMAC() ([]byte, error) {
	size, err := d.inner.dataRegionSize()
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, d.fileKey)
	for off := int64(0); off < size; off += macChunkSize {
		n := int64(macChunkSize)
		if off+n > size {
			n = size - off
		}
		buf, err := d.inner.readRaw(off, n)
		if err != nil {
			return nil, err
		}
		mac.Write(buf)
	}
	return mac.Sum(nil), nil
}

// rewriteMAC recomputes the whole-disk HMAC and persists it in the header,
// per §6.
func (d *EncryptedDevice) rewriteMAC() error {
	sum, err := d.wholeDiskMAC()
	if err != nil {
		return err
	}
	copy(d.header.mac[:], sum)
	if err := d.inner.writeHeader(d.header.marshal()); err != nil {
		return err
	}
	d.dirty = false
	return nil
}

func (d *EncryptedDevice) verifyMAC() error {
	sum, err := d.wholeDiskMAC()
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(sum, d.header.mac[:]) != 1 {
		d.poison = ErrIntegrity
		return ErrIntegrity
	}
	return nil
}

func (d *EncryptedDevice) Flush() error {
	d.mu.Lock()
	dirty := d.dirty
	d.mu.Unlock()
	if dirty {
		if err := func() error {
			d.mu.Lock()
			defer d.mu.Unlock()
			return d.rewriteMAC()
		}(); err != nil {
			return err
		}
	}
	return d.inner.Flush()
}

func (d *EncryptedDevice) Close() error {
	if err := d.Flush(); err != nil {
		d.inner.Close()
		return err
	}
	return d.inner.Close()
}

func (d *EncryptedDevice) NumBlocks() uint32 { return d.inner.NumBlocks() }
func (d *EncryptedDevice) BlockSize() uint32 { return d.inner.BlockSize() }
