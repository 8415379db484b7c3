// Package ext4 reads a single ext4 volume's metadata and file data from any
// random-access byte source - normally a payload.Reconstructor standing in
// for the partition image - without ever requiring the volume's bytes to
// exist contiguously on disk.
package ext4

import (
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/eeems-org/rm-update-fuse-go/binstruct"
	"github.com/eeems-org/rm-update-fuse-go/cacheutil"
	"github.com/sirupsen/logrus"
)

const (
	rootInodeNumber  uint32 = 2
	defaultCacheSize        = 32
	maxSymlinkDepth         = 40
)

// RandomReader is the byte source a Volume reads through: normally a
// *payload.Reconstructor, but any io.ReaderAt works, which keeps this
// package testable without a real CrAU payload.
type RandomReader interface {
	ReadAt(p []byte, off int64) (int, error)
}

// Options configures how strictly a Volume enforces on-disk invariants.
type Options struct {
	// IgnoreChecksums disables treating a metadata checksum mismatch as a
	// fatal error; mismatches are still reported to Logger as warnings.
	IgnoreChecksums bool
	// InodeCacheSize bounds the inode-by-number LRU. Zero uses the default
	// of 32, mirroring the original's @lru_cache(maxsize=32).
	InodeCacheSize int
	// PathCacheSize bounds the resolved-path-by-string LRU. Zero uses the
	// default of 32. A negative value disables path caching entirely.
	PathCacheSize int
	Logger        *logrus.Logger
	// IOLock is the process-wide I/O lock shared with the
	// payload.Reconstructor backing r and with any cacheutil.Expirer
	// sweeping its blob cache, so that a Volume read never interleaves
	// with a background eviction's file-position-dependent I/O. Nil
	// creates a private lock (fine for a Volume with no shared
	// Reconstructor/Expirer, e.g. in tests).
	IOLock *sync.Mutex
}

// Volume is a mounted read view of one ext4 filesystem: its superblock,
// group descriptor table, and the inode/path caches used to serve repeated
// lookups cheaply.
type Volume struct {
	r      RandomReader
	sb     *Superblock
	groups []*GroupDescriptor

	inodeCache *cacheutil.LRU
	pathCache  *cacheutil.LRU
	opts       Options
	log        *logrus.Logger
	ioLock     *sync.Mutex
}

// Open reads the superblock and group descriptor table from r and returns
// a ready-to-use Volume.
func Open(r RandomReader, opts Options) (*Volume, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	ioLock := opts.IOLock
	if ioLock == nil {
		ioLock = &sync.Mutex{}
	}

	sbBuf := make([]byte, superblockSize)
	ioLock.Lock()
	_, err := r.ReadAt(sbBuf, superblockOffset)
	ioLock.Unlock()
	if err != nil {
		return nil, fmt.Errorf("ext4: read superblock: %w", err)
	}
	sb, err := superblockFromBytes(sbBuf)
	if err != nil {
		return nil, err
	}
	if err := binstruct.Verify(sb, opts.IgnoreChecksums); err != nil {
		return nil, err
	}
	if err := binstruct.Validate(sb, opts.IgnoreChecksums); err != nil {
		opts.Logger.WithError(err).Warn("ext4: superblock checksum mismatch")
		if !opts.IgnoreChecksums {
			return nil, err
		}
	}
	if !sb.HasExtents() {
		return nil, fmt.Errorf("%w: volume does not use extent trees", ErrUnsupportedFeature)
	}

	blockSize := sb.BlockSize()
	gdtBlock := uint64(sb.FirstDataBlock) + 1
	groupCount := int(sb.GroupCount())
	descSize := int(sb.DescSize)
	if !sb.Has64Bit() {
		descSize = 32
	}

	gdtBuf := make([]byte, groupCount*descSize)
	ioLock.Lock()
	_, err = r.ReadAt(gdtBuf, int64(gdtBlock)*int64(blockSize))
	ioLock.Unlock()
	if err != nil {
		return nil, fmt.Errorf("ext4: read group descriptor table: %w", err)
	}
	groups, err := groupDescriptorsFromBytes(gdtBuf, groupCount, descSize, sb.Has64Bit(), sb.HasGroupChecksums(), sb.Seed())
	if err != nil {
		return nil, err
	}
	for _, gd := range groups {
		if err := binstruct.Validate(gd, opts.IgnoreChecksums); err != nil {
			opts.Logger.WithError(err).Warnf("ext4: group descriptor %d checksum mismatch", gd.number)
			if !opts.IgnoreChecksums {
				return nil, err
			}
		}
	}

	inodeCacheSize := opts.InodeCacheSize
	if inodeCacheSize == 0 {
		inodeCacheSize = defaultCacheSize
	}
	pathCacheSize := opts.PathCacheSize
	if pathCacheSize == 0 {
		pathCacheSize = defaultCacheSize
	}

	v := &Volume{
		r:          r,
		sb:         sb,
		groups:     groups,
		inodeCache: cacheutil.NewLRU(inodeCacheSize),
		opts:       opts,
		log:        opts.Logger,
		ioLock:     ioLock,
	}
	if pathCacheSize > 0 {
		v.pathCache = cacheutil.NewLRU(pathCacheSize)
	}
	return v, nil
}

// Superblock returns the volume's decoded superblock.
func (v *Volume) Superblock() *Superblock { return v.sb }

// BlockSize implements blockSource.
func (v *Volume) BlockSize() uint32 { return v.sb.BlockSize() }

// ReadBlock implements blockSource: it returns the raw bytes of one
// physical block. Acquires the volume's shared I/O lock for the duration of
// the underlying read, so this never interleaves with a background
// cacheutil.Expirer sweep touching the same payload file.
func (v *Volume) ReadBlock(block uint64) ([]byte, error) {
	buf := make([]byte, v.sb.BlockSize())
	v.ioLock.Lock()
	_, err := v.r.ReadAt(buf, int64(block)*int64(v.sb.BlockSize()))
	v.ioLock.Unlock()
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// InodeByNumber returns the decoded inode with the given 1-based inode
// number, from cache if present.
func (v *Volume) InodeByNumber(number uint32) (*Inode, error) {
	value, err := v.inodeCache.Get(number, func() (interface{}, error) {
		return v.readInode(number)
	})
	if err != nil {
		return nil, err
	}
	return value.(*Inode), nil
}

func (v *Volume) readInode(number uint32) (*Inode, error) {
	if number == 0 || v.sb.InodesPerGroup == 0 {
		return nil, ErrNotFound
	}
	group := (number - 1) / v.sb.InodesPerGroup
	index := (number - 1) % v.sb.InodesPerGroup
	if int(group) >= len(v.groups) {
		return nil, ErrNotFound
	}
	gd := v.groups[group]

	inodeSize := int64(v.sb.InodeSize)
	offset := int64(gd.InodeTable())*int64(v.sb.BlockSize()) + int64(index)*inodeSize
	buf := make([]byte, inodeSize)
	v.ioLock.Lock()
	_, err := v.r.ReadAt(buf, offset)
	v.ioLock.Unlock()
	if err != nil {
		return nil, fmt.Errorf("ext4: read inode %d: %w", number, err)
	}
	ino, err := parseInode(buf, number, v.sb.Seed(), v.sb.HasInodeChecksums())
	if err != nil {
		return nil, err
	}
	if err := binstruct.Validate(ino, v.opts.IgnoreChecksums); err != nil {
		v.log.WithError(err).Warnf("ext4: inode %d checksum mismatch", number)
		if !v.opts.IgnoreChecksums {
			return nil, err
		}
	}
	return ino, nil
}

// extentTreeFor builds the flattened extent tree addressing inode's data,
// verifying each non-root node's ExtentTail against the inode's checksum
// seed when the volume has metadata checksums enabled.
func (v *Volume) extentTreeFor(inode *Inode) (*ExtentTree, error) {
	return buildExtentTree(inode.IBlock, v.sb.BlockSize(), v.ReadBlock, inode.seed, v.sb.HasMetadataChecksums(), v.opts.IgnoreChecksums, v.log)
}

// OpenFile returns a read handle onto a regular file's data.
func (v *Volume) OpenFile(inode *Inode) (*File, error) {
	if !inode.IsRegular() {
		return nil, ErrIsDirectory
	}
	tree, err := v.extentTreeFor(inode)
	if err != nil {
		return nil, err
	}
	return newFile(inode, tree, v), nil
}

// ReadDir returns the live directory entries of a directory inode, in
// on-disk order. A malformed entry ends the scan of the block it sits in
// (without erroring), keeping everything already parsed; the directory's
// later blocks are still parsed.
func (v *Volume) ReadDir(inode *Inode) ([]DirEntry, error) {
	if !inode.IsDir() {
		return nil, ErrNotDirectory
	}
	tree, err := v.extentTreeFor(inode)
	if err != nil {
		return nil, err
	}

	hasHash := inode.isCasefolded() && inode.isEncrypted()
	var entries []DirEntry
	size := int64(inode.Size())
	blockSize := int64(v.sb.BlockSize())
	for _, leaf := range tree.Leaves {
		for i := uint16(0); i < leaf.Len; i++ {
			logicalOff := int64(leaf.Block+uint32(i)) * blockSize
			if logicalOff >= size {
				continue
			}
			var block []byte
			if leaf.Uninitialized {
				block = make([]byte, blockSize)
			} else {
				block, err = v.ReadBlock(leaf.Start + uint64(i))
				if err != nil {
					return entries, err
				}
			}
			entries = append(entries, parseDirBlock(block, v.sb.HasFiletype(), hasHash)...)
		}
	}

	if !v.sb.HasFiletype() {
		entries = v.resolveFiletypes(entries)
	}
	return entries, nil
}

// resolveFiletypes fills in FTUnknown entries (volumes without a stored
// file-type byte, or entries predating it) by peeking the referenced
// inode's mode, matching directory.py's opendir()'s _get_file_type
// fallback.
func (v *Volume) resolveFiletypes(entries []DirEntry) []DirEntry {
	for i, e := range entries {
		if e.FileType != FTUnknown {
			continue
		}
		child, err := v.InodeByNumber(e.Inode)
		if err != nil {
			continue
		}
		entries[i].FileType = modeToFileType(child)
	}
	return entries
}

func modeToFileType(ino *Inode) FileType {
	switch {
	case ino.IsRegular():
		return FTRegular
	case ino.IsDir():
		return FTDir
	case ino.IsSymlink():
		return FTSymlink
	case ino.IsCharDev():
		return FTCharDev
	case ino.IsBlockDev():
		return FTBlockDev
	case ino.IsFifo():
		return FTFifo
	case ino.IsSocket():
		return FTSocket
	default:
		return FTUnknown
	}
}

// ReadLink returns a symbolic link's target. Short targets (under 60 bytes)
// are stored directly in the inode's i_block field (a "fast" symlink);
// longer ones are stored as ordinary extent-addressed file data.
func (v *Volume) ReadLink(inode *Inode) (string, error) {
	if !inode.IsSymlink() {
		return "", ErrNotSymlink
	}
	size := inode.Size()
	if size == 0 {
		return "", nil
	}
	if size < 60 && !inode.UsesExtents() {
		return string(inode.IBlock[:size]), nil
	}
	f, err := func() (*File, error) {
		tree, err := v.extentTreeFor(inode)
		if err != nil {
			return nil, err
		}
		return newFile(inode, tree, v), nil
	}()
	if err != nil {
		return "", err
	}
	buf := make([]byte, size)
	total := 0
	for total < len(buf) {
		n, err := f.ReadAt(buf[total:], int64(total))
		total += n
		if err != nil {
			break
		}
	}
	return string(buf[:total]), nil
}

// Xattrs returns the full set of extended attributes on inode, combining
// those stored inline (in its extra inode space) with those stored in a
// dedicated xattr block (inode.i_file_acl), if any.
func (v *Volume) Xattrs(inode *Inode) ([]Xattr, error) {
	out := append([]Xattr(nil), inode.InlineXattrs()...)

	if acl := inode.FileACL(); acl != 0 {
		block, err := v.ReadBlock(acl)
		if err != nil {
			return out, fmt.Errorf("ext4: read xattr block: %w", err)
		}
		hdr := parseXattrBlockHeader(block, v.sb.Seed())
		if err := binstruct.Verify(hdr, v.opts.IgnoreChecksums); err != nil {
			return out, err
		}
		out = append(out, parseBlockXattrs(block)...)
	}

	for i, x := range out {
		if x.ValueInode == 0 {
			continue
		}
		valIno, err := v.InodeByNumber(x.ValueInode)
		if err != nil {
			continue
		}
		tree, err := v.extentTreeFor(valIno)
		if err != nil {
			continue
		}
		f := newFile(valIno, tree, v)
		buf := make([]byte, valIno.Size())
		n, _ := f.ReadAt(buf, 0)
		out[i].Value = buf[:n]
	}
	return out, nil
}

// Lookup resolves a slash-separated absolute path to its inode, following
// symbolic links: an absolute target resolves from the volume root, a
// relative one resolves from the symlink's own containing directory. This
// standardizes the original implementation's ambiguous
// `while isinstance(inode, SymbolicLink)` loop, which never distinguished
// the two cases.
func (v *Volume) Lookup(p string) (*Inode, error) {
	clean := path.Clean("/" + p)
	if v.pathCache == nil {
		return v.resolve(clean, 0)
	}
	value, err := v.pathCache.Get(clean, func() (interface{}, error) {
		return v.resolve(clean, 0)
	})
	if err != nil {
		return nil, err
	}
	return value.(*Inode), nil
}

func (v *Volume) resolve(clean string, depth int) (*Inode, error) {
	if depth > maxSymlinkDepth {
		return nil, ErrSymlinkLoop
	}
	cur, err := v.InodeByNumber(rootInodeNumber)
	if err != nil {
		return nil, err
	}
	if clean == "/" {
		return cur, nil
	}

	dir := "/"
	comps := strings.Split(strings.Trim(clean, "/"), "/")
	for _, name := range comps {
		if !cur.IsDir() {
			return nil, ErrNotDirectory
		}
		entries, err := v.ReadDir(cur)
		if err != nil {
			return nil, err
		}
		var childNum uint32
		found := false
		for _, e := range entries {
			if e.Name == name {
				childNum, found = e.Inode, true
				break
			}
		}
		if !found {
			return nil, ErrNotFound
		}
		child, err := v.InodeByNumber(childNum)
		if err != nil {
			return nil, err
		}
		if child.IsSymlink() {
			target, err := v.ReadLink(child)
			if err != nil {
				return nil, err
			}
			var targetPath string
			if strings.HasPrefix(target, "/") {
				targetPath = target
			} else {
				targetPath = path.Join(dir, target)
			}
			child, err = v.resolve(path.Clean(targetPath), depth+1)
			if err != nil {
				return nil, err
			}
		}
		cur = child
		dir = path.Join(dir, name)
	}
	return cur, nil
}
