// Command rmupdatefuse mounts the ext4 partition reconstructed from a CrAU
// update payload as a read-only FUSE filesystem, without ever writing the
// reconstructed partition to disk.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/eeems-org/rm-update-fuse-go/cacheutil"
	rmfs "github.com/eeems-org/rm-update-fuse-go/fs"

	"github.com/eeems-org/rm-update-fuse-go/filesystem/ext4"
	"github.com/eeems-org/rm-update-fuse-go/payload"
)

const defaultPubkeyPath = "/usr/share/update_engine/update-payload-key.pub.pem"

func main() {
	var (
		cacheSize        = flag.Int64("cache-size", 64<<20, "blob cache size in bytes")
		cacheTTL         = flag.Duration("cache-ttl", 5*time.Minute, "blob cache entry lifetime")
		disablePathCache = flag.Bool("disable-path-cache", false, "disable the resolved-path LRU")
		cacheDebug       = flag.Bool("cache-debug", false, "enable debug-level logging and go-fuse request tracing (cache hits/misses are not logged)")
		foreground       = flag.Bool("f", false, "run in the foreground instead of daemonizing")
		mountOpts        = flag.String("o", "", "comma-separated FUSE mount options")
		pubkeyPath       = flag.String("pubkey", defaultPubkeyPath, "path, inside the mounted image, of the public key to verify the payload's signature against")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <payload.bin> <mountpoint>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(2)
	}
	payloadPath, mountPoint := flag.Arg(0), flag.Arg(1)

	log := logrus.New()
	if *cacheDebug {
		log.SetLevel(logrus.DebugLevel)
	}

	if err := run(runConfig{
		payloadPath:      payloadPath,
		mountPoint:       mountPoint,
		cacheSize:        *cacheSize,
		cacheTTL:         *cacheTTL,
		disablePathCache: *disablePathCache,
		foreground:       *foreground,
		mountOpts:        *mountOpts,
		pubkeyPath:       *pubkeyPath,
		log:              log,
	}); err != nil {
		log.Fatal(err)
	}
}

type runConfig struct {
	payloadPath      string
	mountPoint       string
	cacheSize        int64
	cacheTTL         time.Duration
	disablePathCache bool
	foreground       bool
	mountOpts        string
	pubkeyPath       string
	log              *logrus.Logger
}

func run(cfg runConfig) error {
	f, err := os.Open(cfg.payloadPath)
	if err != nil {
		return fmt.Errorf("open payload: %w", err)
	}
	defer f.Close()

	// ioLock is the process-wide I/O lock shared by the payload reader, the
	// ext4 volume reading through it, and the background cache expirer, so
	// none of their file-position-dependent reads ever interleave.
	ioLock := &sync.Mutex{}
	blobCache := cacheutil.NewBlobCache(cfg.cacheSize, cfg.cacheTTL)

	recon, err := payload.Open(f, ioLock, blobCache)
	if err != nil {
		return fmt.Errorf("open payload: %w", err)
	}

	pathCacheSize := 32
	if cfg.disablePathCache {
		pathCacheSize = -1
	}
	vol, err := ext4.Open(recon, ext4.Options{
		Logger:        cfg.log,
		PathCacheSize: pathCacheSize,
		IOLock:        ioLock,
	})
	if err != nil {
		return fmt.Errorf("open ext4 volume: %w", err)
	}

	facade := rmfs.New(vol)

	if key, err := readThroughFacade(facade, cfg.pubkeyPath); err != nil {
		cfg.log.WithError(err).Warnf("could not read signing key at %s inside the image; skipping signature verification", cfg.pubkeyPath)
	} else if err := recon.Verify(key); err != nil {
		cfg.log.WithError(err).Warn("payload signature verification failed; mounting anyway")
	} else {
		cfg.log.Info("payload signature verified")
	}

	expirer := cacheutil.NewExpirer(blobCache, cfg.cacheTTL, ioLock)
	expirer.Start()
	defer expirer.Stop()

	root := &node{fs: facade, path: "/"}
	opts := &gofuse.Options{}
	opts.Debug = cfg.cacheDebugEnabled()
	for _, o := range strings.Split(cfg.mountOpts, ",") {
		if o == "" {
			continue
		}
		opts.MountOptions.Options = append(opts.MountOptions.Options, o)
	}
	opts.MountOptions.Name = "rmupdatefuse"
	opts.MountOptions.FsName = cfg.payloadPath

	server, err := gofuse.Mount(cfg.mountPoint, root, opts)
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}
	if cfg.foreground {
		server.Wait()
	} else {
		go server.Wait()
	}
	return nil
}

// cacheDebugEnabled reports whether the logger was configured for debug
// output, used to decide whether go-fuse itself should log each request.
func (cfg runConfig) cacheDebugEnabled() bool {
	return cfg.log.GetLevel() == logrus.DebugLevel
}

// readThroughFacade reads the full content of p as seen through the mounted
// filesystem itself, the same self-referential trick the original binding
// uses: the update image carries its own verification key.
func readThroughFacade(f *rmfs.Filesystem, p string) ([]byte, error) {
	a, err := f.Stat(p)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, a.Size)
	total := 0
	for total < len(buf) {
		n, err := f.ReadAt(p, buf[total:], int64(total))
		total += n
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
	}
	return buf[:total], nil
}

// node is one FUSE inode, identified by its full path in the mounted image
// rather than by a raw ext4 inode number; ext4.Volume.Lookup already does
// its own path-to-inode resolution and caching, so the node tree just needs
// to remember where it is.
type node struct {
	gofuse.Inode
	fs   *rmfs.Filesystem
	path string
}

var (
	_ gofuse.NodeGetattrer  = (*node)(nil)
	_ gofuse.NodeLookuper   = (*node)(nil)
	_ gofuse.NodeReaddirer  = (*node)(nil)
	_ gofuse.NodeOpener     = (*node)(nil)
	_ gofuse.NodeReader     = (*node)(nil)
	_ gofuse.NodeReadlinker = (*node)(nil)
	_ gofuse.NodeGetxattrer = (*node)(nil)
	_ gofuse.NodeListxattrer = (*node)(nil)
	_ gofuse.NodeStatfser   = (*node)(nil)
)

func childPath(parent, name string) string {
	return path.Join(parent, name)
}

func fillAttr(out *fuse.Attr, a rmfs.Attr) {
	out.Ino = a.Ino
	out.Size = a.Size
	out.Blocks = a.Blocks
	out.Atime = uint64(a.Atime.Unix())
	out.Mtime = uint64(a.Mtime.Unix())
	out.Ctime = uint64(a.Ctime.Unix())
	out.Nlink = a.Nlink
	out.Owner = fuse.Owner{Uid: a.UID, Gid: a.GID}
	out.Mode = rawMode(a.Mode)
}

// rawMode translates the os.FileMode-shaped bits attrFromInode produces back
// into the raw S_IFMT type nibble the kernel expects, the way the original
// statfs/getattr glue maps ext4's own i_mode bits straight through.
func rawMode(m os.FileMode) uint32 {
	perm := uint32(m.Perm())
	switch {
	case m&os.ModeDir != 0:
		return unix.S_IFDIR | perm
	case m&os.ModeSymlink != 0:
		return unix.S_IFLNK | perm
	case m&os.ModeCharDevice != 0:
		return unix.S_IFCHR | perm
	case m&os.ModeDevice != 0:
		return unix.S_IFBLK | perm
	case m&os.ModeNamedPipe != 0:
		return unix.S_IFIFO | perm
	case m&os.ModeSocket != 0:
		return unix.S_IFSOCK | perm
	default:
		return unix.S_IFREG | perm
	}
}

func stableAttr(a rmfs.Attr) gofuse.StableAttr {
	var mode uint32
	switch {
	case a.Mode&os.ModeDir != 0:
		mode = unix.S_IFDIR
	case a.Mode&os.ModeSymlink != 0:
		mode = unix.S_IFLNK
	default:
		mode = unix.S_IFREG
	}
	return gofuse.StableAttr{Mode: mode, Ino: a.Ino}
}

func (n *node) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	a, err := n.fs.Stat(n.path)
	if err != nil {
		return rmfs.Errno(err)
	}
	fillAttr(&out.Attr, a)
	return 0
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	cp := childPath(n.path, name)
	a, err := n.fs.Stat(cp)
	if err != nil {
		return nil, rmfs.Errno(err)
	}
	fillAttr(&out.Attr, a)
	child := &node{fs: n.fs, path: cp}
	return n.NewInode(ctx, child, stableAttr(a)), 0
}

type dirStream struct {
	entries []rmfs.Dirent
	i       int
}

func (d *dirStream) HasNext() bool { return d.i < len(d.entries) }
func (d *dirStream) Next() (fuse.DirEntry, syscall.Errno) {
	e := d.entries[d.i]
	d.i++
	return fuse.DirEntry{Name: e.Name, Ino: e.Ino, Mode: rawMode(e.Type)}, 0
}
func (d *dirStream) Close() {}

func (n *node) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	entries, err := n.fs.Readdir(n.path)
	if err != nil {
		return nil, rmfs.Errno(err)
	}
	return &dirStream{entries: entries}, 0
}

func (n *node) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if _, err := n.fs.Open(n.path, int(flags)); err != nil {
		return nil, 0, rmfs.Errno(err)
	}
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

func (n *node) Read(ctx context.Context, f gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	nRead, err := n.fs.ReadAt(n.path, dest, off)
	if err != nil {
		return nil, rmfs.Errno(err)
	}
	return fuse.ReadResultData(dest[:nRead]), 0
}

func (n *node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.fs.Readlink(n.path)
	if err != nil {
		return nil, rmfs.Errno(err)
	}
	return []byte(target), 0
}

func (n *node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	val, err := n.fs.Getxattr(n.path, attr)
	if err != nil {
		return 0, rmfs.Errno(err)
	}
	if len(dest) < len(val) {
		return uint32(len(val)), syscall.ERANGE
	}
	return uint32(copy(dest, val)), 0
}

func (n *node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	names, err := n.fs.Listxattr(n.path)
	if err != nil {
		return 0, rmfs.Errno(err)
	}
	var joined strings.Builder
	for _, name := range names {
		joined.WriteString(name)
		joined.WriteByte(0)
	}
	b := []byte(joined.String())
	if len(dest) < len(b) {
		return uint32(len(b)), syscall.ERANGE
	}
	return uint32(copy(dest, b)), 0
}

func (n *node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	sv := n.fs.Statfs()
	out.Blocks = sv.Blocks
	out.Bfree = sv.Bfree
	out.Bavail = sv.Bavail
	out.Files = uint64(sv.Files)
	out.Ffree = uint64(sv.Ffree)
	out.Bsize = sv.Bsize
	out.Frsize = sv.Frsize
	out.NameLen = sv.Namemax
	return 0
}
