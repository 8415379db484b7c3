package ext4

import "errors"

// Sentinel errors surfaced by this package. fs/errno.go maps a subset of
// these to syscall.Errno values at the FUSE boundary.
var (
	ErrNotFound           = errors.New("ext4: no such file or directory")
	ErrNotDirectory       = errors.New("ext4: not a directory")
	ErrIsDirectory        = errors.New("ext4: is a directory")
	ErrNotSymlink         = errors.New("ext4: not a symbolic link")
	ErrBadSuperblock      = errors.New("ext4: invalid superblock")
	ErrUnsupportedFeature = errors.New("ext4: unsupported required feature")
	ErrCorruptDirectory   = errors.New("ext4: corrupt directory entry")
	ErrCorruptExtentTree  = errors.New("ext4: corrupt extent tree")
	ErrCorruptXattr       = errors.New("ext4: corrupt extended attribute")
	ErrSymlinkLoop        = errors.New("ext4: too many levels of symbolic links")
	ErrUnsupportedInode   = errors.New("ext4: unsupported inode type")
)
