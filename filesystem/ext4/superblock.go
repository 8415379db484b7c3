package ext4

import (
	"encoding/binary"

	"github.com/eeems-org/rm-update-fuse-go/crc32c"
	"github.com/google/uuid"
)

const (
	superblockOffset = 0x400
	superblockSize   = 1024
	superblockMagic  = 0xEF53

	// creatorOSLinux is s_creator_os == EXT4_OS_LINUX, the only creator OS
	// under which inode checksums are defined.
	creatorOSLinux = 0
)

// Superblock feature bits this package inspects directly. Only the bits
// that change how the volume is read are named; the rest of the feature
// words are carried through unexamined.
const (
	featureIncompatFiletype  = 0x0002
	featureIncompatExtents   = 0x0040
	featureIncompat64Bit     = 0x0080
	featureIncompatCsumSeed  = 0x2000
	featureRoCompatMetaCsum  = 0x0400
	featureRoCompatGdtCsum   = 0x0010
)

// Superblock is the ext4 superblock, the 1024-byte record at byte offset
// 0x400 describing the volume's geometry and feature set. Field names and
// byte offsets follow ext4's on-disk layout directly (no padding: the
// on-disk struct is packed).
type Superblock struct {
	raw []byte

	InodesCount          uint32
	BlocksCountLo        uint32
	RBlocksCountLo       uint32
	FreeBlocksCountLo    uint32
	FreeInodesCount      uint32
	FirstDataBlock       uint32
	CreatorOS            uint32
	LogBlockSize         uint32
	LogClusterSize       uint32
	BlocksPerGroup       uint32
	ClustersPerGroup     uint32
	InodesPerGroup       uint32
	MagicValue           uint16
	FeatureCompat        uint32
	FeatureIncompat      uint32
	FeatureRoCompat      uint32
	UUID                 uuid.UUID
	VolumeName           string
	FirstIno             uint32
	InodeSize            uint16
	BlockGroupNr         uint16
	DescSize             uint16
	BlocksCountHi        uint32
	RBlocksCountHi       uint32
	FreeBlocksCountHi    uint32
	ChecksumType         uint8
	ChecksumSeed         uint32
	ChecksumValue        uint32
	Flags                uint32
}

// superblockFromBytes decodes a 1024-byte superblock record. b must be
// exactly the bytes at volume offset 0x400.
func superblockFromBytes(b []byte) (*Superblock, error) {
	if len(b) < superblockSize {
		return nil, ErrBadSuperblock
	}
	sb := &Superblock{raw: append([]byte(nil), b[:superblockSize]...)}

	sb.InodesCount = le32(b, 0x00)
	sb.BlocksCountLo = le32(b, 0x04)
	sb.RBlocksCountLo = le32(b, 0x08)
	sb.FreeBlocksCountLo = le32(b, 0x0C)
	sb.FreeInodesCount = le32(b, 0x10)
	sb.FirstDataBlock = le32(b, 0x14)
	sb.CreatorOS = le32(b, 0x48)
	sb.LogBlockSize = le32(b, 0x18)
	sb.LogClusterSize = le32(b, 0x1C)
	sb.BlocksPerGroup = le32(b, 0x20)
	sb.ClustersPerGroup = le32(b, 0x24)
	sb.InodesPerGroup = le32(b, 0x28)
	sb.MagicValue = le16(b, 0x38)
	sb.FeatureCompat = le32(b, 0x5C)
	sb.FeatureIncompat = le32(b, 0x60)
	sb.FeatureRoCompat = le32(b, 0x64)
	id, err := uuid.FromBytes(b[0x68:0x78])
	if err == nil {
		sb.UUID = id
	}
	sb.VolumeName = cstring(b[0x78:0x88])
	sb.FirstIno = le32(b, 0x54)
	sb.InodeSize = le16(b, 0x58)
	sb.BlockGroupNr = le16(b, 0x5A)
	sb.DescSize = le16(b, 0xFE)
	sb.BlocksCountHi = le32(b, 0x14C)
	sb.RBlocksCountHi = le32(b, 0x150)
	sb.FreeBlocksCountHi = le32(b, 0x154)
	sb.ChecksumType = b[0x171]
	sb.ChecksumSeed = le32(b, 0x2E8)
	sb.ChecksumValue = le32(b, 0x3FC)
	sb.Flags = le32(b, 0x160)

	if sb.InodeSize == 0 {
		sb.InodeSize = 128
	}
	if sb.DescSize == 0 {
		sb.DescSize = 32
	}
	return sb, nil
}

// Magic implements binstruct.Magic.
func (sb *Superblock) Magic() (got, want uint32, ok bool) {
	return uint32(sb.MagicValue), superblockMagic, true
}

// Has64Bit reports whether block/inode/group descriptor fields carry a high
// half (the 64BIT incompat feature).
func (sb *Superblock) Has64Bit() bool {
	return sb.FeatureIncompat&featureIncompat64Bit != 0
}

// HasMetadataChecksums reports whether metadata (superblock, group
// descriptors, inodes, extent tails, directory tails) carry CRC32C
// checksums.
func (sb *Superblock) HasMetadataChecksums() bool {
	return sb.FeatureRoCompat&featureRoCompatMetaCsum != 0
}

// HasGroupChecksums reports whether group descriptors carry a checksum,
// either via GDT_CSUM or the broader METADATA_CSUM feature.
func (sb *Superblock) HasGroupChecksums() bool {
	return sb.FeatureRoCompat&(featureRoCompatGdtCsum|featureRoCompatMetaCsum) != 0
}

// HasInodeChecksums reports whether inode records carry a checksum: the
// METADATA_CSUM feature is set AND the volume was created under Linux
// (s_creator_os == EXT4_OS_LINUX), the only creator for which the kernel
// defines the inode checksum layout.
func (sb *Superblock) HasInodeChecksums() bool {
	return sb.HasMetadataChecksums() && sb.CreatorOS == creatorOSLinux
}

// HasFiletype reports whether directory entries carry a file-type byte
// (DirectoryEntry2 layout) rather than the legacy DirectoryEntry layout.
func (sb *Superblock) HasFiletype() bool {
	return sb.FeatureIncompat&featureIncompatFiletype != 0
}

// HasExtents reports whether inodes address their data via extent trees
// rather than classic indirect blocks. This package only supports extents.
func (sb *Superblock) HasExtents() bool {
	return sb.FeatureIncompat&featureIncompatExtents != 0
}

// BlockSize returns the volume's block size in bytes: 2^(10+s_log_block_size).
func (sb *Superblock) BlockSize() uint32 {
	return 1024 << sb.LogBlockSize
}

// BlocksCount returns the total block count, combining the stored lo/hi
// halves rather than deriving it from the group descriptor table.
func (sb *Superblock) BlocksCount() uint64 {
	return uint64(sb.BlocksCountHi)<<32 | uint64(sb.BlocksCountLo)
}

// FreeBlocksCount returns the number of free blocks, combining the stored
// lo/hi halves.
func (sb *Superblock) FreeBlocksCount() uint64 {
	return uint64(sb.FreeBlocksCountHi)<<32 | uint64(sb.FreeBlocksCountLo)
}

// ReservedBlocksCount returns the number of blocks reserved for the
// superuser, combining the stored lo/hi halves.
func (sb *Superblock) ReservedBlocksCount() uint64 {
	return uint64(sb.RBlocksCountHi)<<32 | uint64(sb.RBlocksCountLo)
}

// GroupCount returns the number of block groups, derived from inode count
// (matches volume.py's group count derivation via inodes_count /
// inodes_per_group, used instead of blocks_count / blocks_per_group since
// both must agree and the inode-based form is what the original computes).
func (sb *Superblock) GroupCount() uint32 {
	if sb.InodesPerGroup == 0 {
		return 0
	}
	n := sb.InodesCount / sb.InodesPerGroup
	if sb.InodesCount%sb.InodesPerGroup != 0 {
		n++
	}
	return n
}

// Seed returns the CRC32C seed used for every metadata checksum on this
// volume: the stored checksum seed if the CSUM_SEED feature is set,
// otherwise CRC32C(UUID bytes).
func (sb *Superblock) Seed() uint32 {
	if sb.FeatureIncompat&featureIncompatCsumSeed != 0 {
		return sb.ChecksumSeed
	}
	return crc32c.Checksum(sb.UUID[:])
}

// Checksum implements binstruct.Checksum. Returns ok=false when metadata
// checksums are not enabled for this volume.
func (sb *Superblock) Checksum() (got, want uint32, ok bool) {
	if !sb.HasMetadataChecksums() {
		return 0, 0, false
	}
	return crc32c.Checksum(sb.raw[:0x3FC]), sb.ChecksumValue, true
}

func le16(b []byte, off int) uint16 { return binary.LittleEndian.Uint16(b[off : off+2]) }
func le32(b []byte, off int) uint32 { return binary.LittleEndian.Uint32(b[off : off+4]) }
func le64(b []byte, off int) uint64 { return binary.LittleEndian.Uint64(b[off : off+8]) }

// cstring trims a fixed-width NUL-padded byte field to its string content.
func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
