package ext4

import "github.com/eeems-org/rm-update-fuse-go/crc32c"

// inodeFlag is one bit of i_flags. Named the way the teacher's own
// inode.go names them.
type inodeFlag uint32

func (f inodeFlag) in(flags uint32) bool { return flags&uint32(f) == uint32(f) }

const (
	inodeFlagUsesExtents   inodeFlag = 0x80000
	inodeFlagExtendedAttrs inodeFlag = 0x200000
	inodeFlagInlineData    inodeFlag = 0x10000000
	inodeFlagEncrypt       inodeFlag = 0x800
	inodeFlagCasefold      inodeFlag = 0x40000000
)

// fileTypeBits is the high nibble-and-a-half of i_mode (S_IFMT), identifying
// the inode's kind independent of permission bits.
type fileTypeBits uint16

const (
	modeFIFO    fileTypeBits = 0x1000
	modeCharDev fileTypeBits = 0x2000
	modeDir     fileTypeBits = 0x4000
	modeBlkDev  fileTypeBits = 0x6000
	modeRegular fileTypeBits = 0x8000
	modeSymlink fileTypeBits = 0xA000
	modeSocket  fileTypeBits = 0xC000
	modeFmtMask fileTypeBits = 0xF000
)

// Inode is a decoded ext4 inode record, including its derived fields
// (64-bit size, extent tree, directory entries, xattrs) resolved lazily by
// the Volume that owns it.
type Inode struct {
	raw         []byte
	number      uint32
	seed        uint32
	hasMetaCsum bool

	Mode        uint16
	UID         uint16
	GID         uint16
	SizeLo      uint32
	SizeHigh    uint32
	Atime       uint32
	Ctime       uint32
	Mtime       uint32
	Dtime       uint32
	LinksCount  uint16
	BlocksLo    uint32
	Flags       uint32
	Generation  uint32
	FileACLLo   uint32
	FileACLHi   uint16
	ExtraISize  uint16
	ChecksumLo  uint16
	ChecksumHi  uint16
	CrTime      uint32 // i_crtime: creation time, only present when s_inode_size > 128
	IBlock      []byte // the 60-byte i_block field: extent header, symlink target, or inline data
}

// inodeSeed derives the per-inode CRC32C seed: CRC32C(generation bytes,
// CRC32C(inode number bytes, volume seed)).
func inodeSeed(volumeSeed, inodeNo, generation uint32) uint32 {
	var buf [4]byte
	putLE32(buf[:], inodeNo)
	crc := crc32c.Update(volumeSeed, buf[:])
	putLE32(buf[:], generation)
	return crc32c.Update(crc, buf[:])
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// parseInode decodes one inode record. b must be exactly inodeSize bytes
// (the volume's s_inode_size), and generation is read before seed
// derivation so the seed can be computed in the same pass.
func parseInode(b []byte, number uint32, volumeSeed uint32, hasMetaCsum bool) (*Inode, error) {
	if len(b) < 128 {
		return nil, ErrBadSuperblock
	}
	ino := &Inode{
		raw:         append([]byte(nil), b...),
		number:      number,
		hasMetaCsum: hasMetaCsum,
	}
	ino.Mode = le16(b, 0x00)
	ino.UID = le16(b, 0x02)
	ino.SizeLo = le32(b, 0x04)
	ino.Atime = le32(b, 0x08)
	ino.Ctime = le32(b, 0x0C)
	ino.Mtime = le32(b, 0x10)
	ino.Dtime = le32(b, 0x14)
	ino.GID = le16(b, 0x18)
	ino.LinksCount = le16(b, 0x1A)
	ino.BlocksLo = le32(b, 0x1C)
	ino.Flags = le32(b, 0x20)
	ino.IBlock = append([]byte(nil), b[0x28:0x64]...)
	ino.Generation = le32(b, 0x64)
	ino.FileACLLo = le32(b, 0x68)
	ino.SizeHigh = le32(b, 0x6C)
	if len(b) > 0x7E {
		ino.FileACLHi = le16(b, 0x76)
		ino.ChecksumLo = le16(b, 0x7C)
	}
	if len(b) > 0x82 {
		ino.ExtraISize = le16(b, 0x80)
		ino.ChecksumHi = le16(b, 0x82)
	}
	if len(b) > 0x90+4 && 128+int(ino.ExtraISize) > 0x90 {
		ino.CrTime = le32(b, 0x90)
	}
	ino.seed = inodeSeed(volumeSeed, number, ino.Generation)
	return ino, nil
}

// Number returns this inode's 1-based inode number, the value the façade
// surfaces as st_ino. Unlike the original implementation, which mistakenly
// assigns st_ino from i_uid, this is always the real inode number.
func (ino *Inode) Number() uint32 {
	return ino.number
}

// Size returns the inode's full 64-bit file size.
func (ino *Inode) Size() uint64 {
	return uint64(ino.SizeHigh)<<32 | uint64(ino.SizeLo)
}

// FileACL returns the block number of this inode's extended attribute
// block, or 0 if it has none.
func (ino *Inode) FileACL() uint64 {
	return uint64(ino.FileACLHi)<<32 | uint64(ino.FileACLLo)
}

// HasCrTime reports whether this inode's extra space reaches far enough to
// carry i_crtime (creation time).
func (ino *Inode) HasCrTime() bool {
	return 128+int(ino.ExtraISize) > 0x90
}

func (ino *Inode) fileType() fileTypeBits {
	return fileTypeBits(ino.Mode) & modeFmtMask
}

func (ino *Inode) IsDir() bool      { return ino.fileType() == modeDir }
func (ino *Inode) IsRegular() bool  { return ino.fileType() == modeRegular }
func (ino *Inode) IsSymlink() bool  { return ino.fileType() == modeSymlink }
func (ino *Inode) IsFifo() bool     { return ino.fileType() == modeFIFO }
func (ino *Inode) IsCharDev() bool  { return ino.fileType() == modeCharDev }
func (ino *Inode) IsBlockDev() bool { return ino.fileType() == modeBlkDev }
func (ino *Inode) IsSocket() bool   { return ino.fileType() == modeSocket }

// UsesExtents reports whether this inode's i_block holds an extent tree
// (the only layout this package supports) rather than classic indirect
// block pointers.
func (ino *Inode) UsesExtents() bool {
	return inodeFlagUsesExtents.in(ino.Flags)
}

// HasInlineData reports whether file data lives directly in i_block rather
// than in extent-addressed blocks. Only meaningful for small regular files
// and is not expected in a reconstructed update payload's ext4 image, but
// is decoded for completeness.
func (ino *Inode) HasInlineData() bool {
	return inodeFlagInlineData.in(ino.Flags)
}

// hasExtendedAttrs reports whether i_flags carries EXT4_INDEX_FL-adjacent
// EXTENTS_FL's sibling, the extended-attributes-present flag.
func (ino *Inode) hasExtendedAttrs() bool {
	return inodeFlagExtendedAttrs.in(ino.Flags)
}

// isEncrypted reports whether this inode carries the ENCRYPT flag
// (0x800). The Python original's Directory.is_encrypted references a
// nonexistent EXT4_FL.ENCRYPTED constant; EXT4_FL only defines ENCRYPT, so
// that is the flag this package checks.
func (ino *Inode) isEncrypted() bool {
	return inodeFlagEncrypt.in(ino.Flags)
}

// isCasefolded reports whether this inode carries the CASEFOLD flag
// (0x40000000), marking a directory whose entries are looked up
// case-insensitively.
func (ino *Inode) isCasefolded() bool {
	return inodeFlagCasefold.in(ino.Flags)
}

// InlineXattrs returns the extended attributes stored in this inode's own
// extra space, if any.
func (ino *Inode) InlineXattrs() []Xattr {
	if !ino.hasExtendedAttrs() || ino.ExtraISize == 0 {
		return nil
	}
	start := 128 + int(ino.ExtraISize)
	if start >= len(ino.raw) {
		return nil
	}
	return parseInlineXattrs(ino.raw[start:])
}

// Checksum implements binstruct.Checksum: the stored checksum halves are
// zeroed before hashing, and the result is masked to 16 bits when this
// inode record has no room for a checksum_hi half (inode_size == 128).
func (ino *Inode) Checksum() (got, want uint32, ok bool) {
	if !ino.hasMetaCsum {
		return 0, 0, false
	}
	buf := append([]byte(nil), ino.raw...)
	hasHi := len(buf) > 0x82 && 128+int(ino.ExtraISize) >= 0x84

	if len(buf) > 0x7E {
		buf[0x7C] = 0
		buf[0x7D] = 0
	}
	if hasHi {
		buf[0x82] = 0
		buf[0x83] = 0
	}

	crc := crc32c.Update(ino.seed, buf)
	want32 := uint32(ino.ChecksumLo)
	if hasHi {
		want32 |= uint32(ino.ChecksumHi) << 16
	} else {
		crc &= 0xFFFF
	}
	return crc, want32, true
}
