// Package fs adapts a read-only ext4.Volume into the host filesystem
// surface spec.md §6 describes: stat, readdir, open/read, readlink,
// getxattr/listxattr, statfs. It is a thin façade - every actual decode lives
// in ext4 - whose job is translating between inode-shaped results and the
// POSIX-shaped ones a FUSE binding expects.
package fs

import (
	"io"
	"os"
	"time"

	"github.com/eeems-org/rm-update-fuse-go/filesystem/ext4"
	times "gopkg.in/djherbis/times.v1"
)

// Filesystem serves read-only POSIX operations against a single mounted
// ext4.Volume.
type Filesystem struct {
	vol *ext4.Volume
}

// New wraps vol as a Filesystem.
func New(vol *ext4.Volume) *Filesystem {
	return &Filesystem{vol: vol}
}

// Attr is the subset of struct stat this façade fills in. Fields the
// underlying image cannot populate meaningfully (st_dev, st_rdev, st_blksize)
// are left to the FUSE binding's own defaults.
type Attr struct {
	Ino       uint64
	Mode      os.FileMode
	Nlink     uint32
	UID       uint32
	GID       uint32
	Size      uint64
	Blocks    uint64
	Atime     time.Time
	Mtime     time.Time
	Ctime     time.Time
	Crtime    time.Time
	HasCrtime bool
}

// modeBits maps an ext4 file-type predicate set to the os.FileMode bits a
// Go caller expects, independent of the raw on-disk S_IFMT nibble.
func modeBits(ino *ext4.Inode) os.FileMode {
	perm := os.FileMode(ino.Mode & 0777)
	switch {
	case ino.IsDir():
		return os.ModeDir | perm
	case ino.IsSymlink():
		return os.ModeSymlink | perm
	case ino.IsCharDev():
		return os.ModeCharDevice | os.ModeDevice | perm
	case ino.IsBlockDev():
		return os.ModeDevice | perm
	case ino.IsFifo():
		return os.ModeNamedPipe | perm
	case ino.IsSocket():
		return os.ModeSocket | perm
	default:
		return perm
	}
}

// attrFromInode builds an Attr from a decoded inode. Unlike the original
// FUSE binding, which sets st_ino from the inode's i_uid field by mistake,
// Ino is always the inode's real number.
func attrFromInode(ino *ext4.Inode) Attr {
	a := Attr{
		Ino:    uint64(ino.Number()),
		Mode:   modeBits(ino),
		Nlink:  uint32(ino.LinksCount),
		UID:    uint32(ino.UID),
		GID:    uint32(ino.GID),
		Size:   ino.Size(),
		Blocks: uint64(ino.BlocksLo),
		Atime:  time.Unix(int64(ino.Atime), 0),
		Mtime:  time.Unix(int64(ino.Mtime), 0),
		Ctime:  time.Unix(int64(ino.Ctime), 0),
	}
	if ino.HasCrTime() {
		a.Crtime = time.Unix(int64(ino.CrTime), 0)
		a.HasCrtime = true
	}
	return a
}

// Timespec wraps an Attr to satisfy gopkg.in/djherbis/times.v1's Timespec
// interface, the same vocabulary the rest of the ecosystem uses for
// cross-platform file-time reporting.
type Timespec struct{ a Attr }

var _ times.Timespec = Timespec{}

func (t Timespec) ModTime() time.Time     { return t.a.Mtime }
func (t Timespec) AccessTime() time.Time  { return t.a.Atime }
func (t Timespec) ChangeTime() time.Time  { return t.a.Ctime }
func (t Timespec) HasChangeTime() bool    { return true }
func (t Timespec) BirthTime() time.Time   { return t.a.Crtime }
func (t Timespec) HasBirthTime() bool     { return t.a.HasCrtime }

// Times returns the POSIX timestamps for a path in the times.v1 vocabulary.
func (f *Filesystem) Times(p string) (times.Timespec, error) {
	a, err := f.Stat(p)
	if err != nil {
		return nil, err
	}
	return Timespec{a}, nil
}

// Stat resolves p and returns its attributes.
func (f *Filesystem) Stat(p string) (Attr, error) {
	ino, err := f.vol.Lookup(p)
	if err != nil {
		return Attr{}, err
	}
	return attrFromInode(ino), nil
}

// Dirent is one entry returned by Readdir.
type Dirent struct {
	Name string
	Ino  uint64
	Type os.FileMode
}

// Readdir resolves p as a directory and lists its live entries, dropping the
// "." and ".." pseudo-entries the way a host filesystem's readdir(3) does
// not need them re-synthesized by the caller.
func (f *Filesystem) Readdir(p string) ([]Dirent, error) {
	ino, err := f.vol.Lookup(p)
	if err != nil {
		return nil, err
	}
	entries, err := f.vol.ReadDir(ino)
	if err != nil {
		return nil, err
	}
	out := make([]Dirent, 0, len(entries))
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		out = append(out, Dirent{Name: e.Name, Ino: uint64(e.Inode), Type: direntMode(e.FileType)})
	}
	return out, nil
}

func direntMode(ft ext4.FileType) os.FileMode {
	switch ft {
	case ext4.FTDir:
		return os.ModeDir
	case ext4.FTSymlink:
		return os.ModeSymlink
	case ext4.FTCharDev:
		return os.ModeCharDevice | os.ModeDevice
	case ext4.FTBlockDev:
		return os.ModeDevice
	case ext4.FTFifo:
		return os.ModeNamedPipe
	case ext4.FTSocket:
		return os.ModeSocket
	default:
		return 0
	}
}

// Open resolves p and returns a read handle onto its data. flags follows
// os.O_* semantics; anything beyond a plain read-only open is rejected,
// matching the read-only mount this façade serves (the original FUSE
// binding rejects every flag combination but O_RDONLY for the same reason).
func (f *Filesystem) Open(p string, flags int) (*ext4.File, error) {
	if flags&(os.O_WRONLY|os.O_RDWR|os.O_APPEND|os.O_CREATE|os.O_TRUNC) != 0 {
		return nil, ErrAccessDenied
	}
	ino, err := f.vol.Lookup(p)
	if err != nil {
		return nil, err
	}
	if ino.IsDir() {
		return nil, ErrAccessDenied
	}
	return f.vol.OpenFile(ino)
}

// ReadAt reads file data directly, without requiring a caller to keep an
// *ext4.File handle across calls (the FUSE binding reopens per-request the
// way the original fuse.py's read() does).
func (f *Filesystem) ReadAt(p string, b []byte, off int64) (int, error) {
	file, err := f.Open(p, os.O_RDONLY)
	if err != nil {
		return 0, err
	}
	n, err := file.ReadAt(b, off)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

// Readlink resolves p and returns its symbolic link target. Unlike the
// original implementation, which returns the input path itself when called
// on a non-symlink, this returns ext4.ErrNotSymlink so the caller can
// distinguish "not a link" from "link points here".
func (f *Filesystem) Readlink(p string) (string, error) {
	ino, err := f.vol.Lookup(p)
	if err != nil {
		return "", err
	}
	if !ino.IsSymlink() {
		return "", ext4.ErrNotSymlink
	}
	return f.vol.ReadLink(ino)
}

// Getxattr resolves p and returns the value of one extended attribute. It
// returns ErrNoXattr (which Errno maps to syscall.ENODATA) if name is not
// set.
func (f *Filesystem) Getxattr(p, name string) ([]byte, error) {
	ino, err := f.vol.Lookup(p)
	if err != nil {
		return nil, err
	}
	xattrs, err := f.vol.Xattrs(ino)
	if err != nil {
		return nil, err
	}
	for _, x := range xattrs {
		if x.Name == name {
			return x.Value, nil
		}
	}
	return nil, ErrNoXattr
}

// Listxattr resolves p and returns the names of all of its extended
// attributes.
func (f *Filesystem) Listxattr(p string) ([]string, error) {
	ino, err := f.vol.Lookup(p)
	if err != nil {
		return nil, err
	}
	xattrs, err := f.vol.Xattrs(ino)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(xattrs))
	for i, x := range xattrs {
		names[i] = x.Name
	}
	return names, nil
}

// Statvfs holds the filesystem-wide statistics Statfs reports, mapped from
// the volume's superblock the way the original statfs() method does
// field-for-field.
type Statvfs struct {
	Bsize   uint32
	Frsize  uint32
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint32
	Ffree   uint32
	Favail  uint32
	Flag    uint32
	Namemax uint32
}

// Statfs reports whole-volume statistics.
func (f *Filesystem) Statfs() Statvfs {
	sb := f.vol.Superblock()
	free := sb.FreeBlocksCount()
	reserved := sb.ReservedBlocksCount()
	avail := free
	if reserved < free {
		avail = free - reserved
	} else {
		avail = 0
	}
	return Statvfs{
		Bsize:   sb.BlockSize(),
		Frsize:  sb.BlockSize(),
		Blocks:  sb.BlocksCount(),
		Bfree:   free,
		Bavail:  avail,
		Files:   sb.InodesCount,
		Ffree:   sb.FreeInodesCount,
		Favail:  sb.FreeInodesCount,
		Flag:    sb.Flags,
		Namemax: 255,
	}
}

