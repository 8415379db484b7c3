package fs

import (
	"errors"
	"syscall"

	"github.com/eeems-org/rm-update-fuse-go/filesystem/ext4"
	"github.com/eeems-org/rm-update-fuse-go/payload"
)

// ErrAccessDenied is returned by Open for anything but a read-only request,
// and when the target is a directory.
var ErrAccessDenied = errors.New("fs: access denied")

// ErrNoXattr is returned by Getxattr when the named attribute is not set.
var ErrNoXattr = errors.New("fs: no such attribute")

// Errno maps a façade-surfaced error to the syscall.Errno a FUSE host
// returns to the kernel, per spec.md §7's POSIX table. Errors this table
// does not recognize map to syscall.EIO, matching "Host-surface errors
// map to POSIX errno" falling back to an I/O error for anything
// unanticipated rather than panicking the mount.
func Errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ext4.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, ext4.ErrNotDirectory):
		return syscall.ENOTDIR
	case errors.Is(err, ext4.ErrIsDirectory):
		return syscall.EISDIR
	case errors.Is(err, ext4.ErrNotSymlink):
		return syscall.EINVAL
	case errors.Is(err, ErrAccessDenied):
		return syscall.EACCES
	case errors.Is(err, ErrNoXattr):
		return syscall.ENODATA
	case errors.Is(err, ext4.ErrSymlinkLoop):
		return syscall.ELOOP
	case errors.Is(err, payload.ErrShortRead), errors.Is(err, payload.ErrOutOfRange):
		return syscall.EIO
	case errors.Is(err, ext4.ErrCorruptDirectory),
		errors.Is(err, ext4.ErrCorruptExtentTree),
		errors.Is(err, ext4.ErrCorruptXattr),
		errors.Is(err, ext4.ErrBadSuperblock):
		return syscall.EIO
	default:
		return syscall.EIO
	}
}
