package ext4

// DXHash identifies the hash function an HTree-indexed directory's internal
// nodes were built with (s_def_hash_version / dx_root_info.hash_version).
// Named values only; this package never builds or walks a hash tree - see
// linearOnly below.
type DXHash uint8

const (
	DXHashLegacy          DXHash = 0
	DXHashHalfMD4         DXHash = 1
	DXHashTea             DXHash = 2
	DXHashLegacyUnsigned  DXHash = 3
	DXHashHalfMD4Unsigned DXHash = 4
	DXHashTeaUnsigned     DXHash = 5
	DXHashSiphash         DXHash = 6
)

// linearOnly reports whether this package resolves directory lookups by
// linear scan regardless of whether the volume's directories carry an
// HTree index (the INDEX_FL inode flag and DX root block). It always
// returns true: parseDirBlock and ReadDir walk every data block in order,
// the same as a non-indexed directory, rather than hashing the target name
// and descending the index. A reconstructed update payload's directories
// are small enough that this costs nothing in practice, and the lookup
// result is identical either way - only the number of blocks touched
// differs.
func linearOnly() bool {
	return true
}
