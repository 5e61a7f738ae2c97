package vdisk

// readBytes and writeBytes let fixed-region components (the inode table,
// the bitmaps) address an arbitrary byte range spanning one or more blocks
// via simple read-modify-write, without needing every record to fit inside
// a single block.

func readBytes(dev BlockDevice, start uint64, n int) ([]byte, error) {
	bs := uint64(dev.BlockSize())
	out := make([]byte, n)
	filled := 0
	for filled < n {
		abs := start + uint64(filled)
		blk := uint32(abs / bs)
		off := int(abs % bs)
		buf, err := dev.ReadBlock(blk)
		if err != nil {
			return nil, err
		}
		filled += copy(out[filled:], buf[off:])
	}
	return out, nil
}

func writeBytes(dev BlockDevice, start uint64, data []byte) error {
	bs := uint64(dev.BlockSize())
	written := 0
	for written < len(data) {
		abs := start + uint64(written)
		blk := uint32(abs / bs)
		off := int(abs % bs)
		buf, err := dev.ReadBlock(blk)
		if err != nil {
			return err
		}
		n := copy(buf[off:], data[written:])
		if err := dev.WriteBlock(blk, buf); err != nil {
			return err
		}
		written += n
	}
	return nil
}
