package ext4

import "github.com/eeems-org/rm-update-fuse-go/crc32c"

// GroupDescriptor is one entry of the block group descriptor table
// immediately following the superblock's block. Encoded either as 32 bytes
// (32-bit volumes) or 64 bytes (64BIT incompat feature set); the hi-half
// fields are zero when the volume is 32-bit.
type GroupDescriptor struct {
	raw         []byte
	has64       bool
	number      uint32
	seed        uint32
	checksummed bool

	BlockBitmapLo     uint32
	InodeBitmapLo     uint32
	InodeTableLo      uint32
	FreeBlocksCountLo uint16
	FreeInodesCountLo uint16
	UsedDirsCountLo   uint16
	Flags             uint16
	ChecksumValue     uint16
	BlockBitmapHi     uint32
	InodeBitmapHi     uint32
	InodeTableHi      uint32
	FreeBlocksCountHi uint16
	FreeInodesCountHi uint16
	UsedDirsCountHi   uint16
}

// groupDescriptorsFromBytes decodes the group descriptor table from b,
// which must hold exactly count entries of descSize bytes each.
func groupDescriptorsFromBytes(b []byte, count int, descSize int, has64, checksummed bool, seed uint32) ([]*GroupDescriptor, error) {
	gds := make([]*GroupDescriptor, 0, count)
	for i := 0; i < count; i++ {
		start := i * descSize
		if start+descSize > len(b) {
			return nil, ErrBadSuperblock
		}
		gd, err := groupDescriptorFromBytes(b[start:start+descSize], uint32(i), has64, checksummed, seed)
		if err != nil {
			return nil, err
		}
		gds = append(gds, gd)
	}
	return gds, nil
}

func groupDescriptorFromBytes(b []byte, number uint32, has64, checksummed bool, seed uint32) (*GroupDescriptor, error) {
	gd := &GroupDescriptor{
		raw:         append([]byte(nil), b...),
		has64:       has64,
		number:      number,
		seed:        seed,
		checksummed: checksummed,
	}
	gd.BlockBitmapLo = le32(b, 0x00)
	gd.InodeBitmapLo = le32(b, 0x04)
	gd.InodeTableLo = le32(b, 0x08)
	gd.FreeBlocksCountLo = le16(b, 0x0C)
	gd.FreeInodesCountLo = le16(b, 0x0E)
	gd.UsedDirsCountLo = le16(b, 0x10)
	gd.Flags = le16(b, 0x12)
	gd.ChecksumValue = le16(b, 0x1E)
	if has64 && len(b) >= 0x40 {
		gd.BlockBitmapHi = le32(b, 0x20)
		gd.InodeBitmapHi = le32(b, 0x24)
		gd.InodeTableHi = le32(b, 0x28)
		gd.FreeBlocksCountHi = le16(b, 0x2C)
		gd.FreeInodesCountHi = le16(b, 0x2E)
		gd.UsedDirsCountHi = le16(b, 0x30)
	}
	return gd, nil
}

// InodeTable returns the starting block number of this group's inode table.
func (gd *GroupDescriptor) InodeTable() uint64 {
	return uint64(gd.InodeTableHi)<<32 | uint64(gd.InodeTableLo)
}

// BlockBitmap returns the starting block number of this group's block
// bitmap.
func (gd *GroupDescriptor) BlockBitmap() uint64 {
	return uint64(gd.BlockBitmapHi)<<32 | uint64(gd.BlockBitmapLo)
}

// InodeBitmap returns the starting block number of this group's inode
// bitmap.
func (gd *GroupDescriptor) InodeBitmap() uint64 {
	return uint64(gd.InodeBitmapHi)<<32 | uint64(gd.InodeBitmapLo)
}

// Checksum implements binstruct.Checksum. The chain is seeded by the
// volume seed folded with the group number, then covers the lo-half of the
// descriptor, and (on 64-bit volumes) two zero bytes standing in for the
// checksum field's own slot followed by the hi-half.
func (gd *GroupDescriptor) Checksum() (got, want uint32, ok bool) {
	if !gd.checksummed {
		return 0, 0, false
	}
	var numBuf [4]byte
	numBuf[0] = byte(gd.number)
	numBuf[1] = byte(gd.number >> 8)
	numBuf[2] = byte(gd.number >> 16)
	numBuf[3] = byte(gd.number >> 24)

	crc := crc32c.Update(gd.seed, numBuf[:])
	crc = crc32c.Update(crc, gd.raw[0x00:0x1E])
	if gd.has64 && len(gd.raw) >= 0x40 {
		crc = crc32c.Update(crc, []byte{0x00, 0x00})
		crc = crc32c.Update(crc, gd.raw[0x20:0x40])
	}
	return crc & 0xFFFF, uint32(gd.ChecksumValue), true
}
