package ext4

import (
	"io"
	"testing"
)

type memReader []byte

func (m memReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off) > len(m) {
		return 0, io.EOF
	}
	n := copy(p, m[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func putExtentLeaf(dst []byte, entries uint16, block uint32, length uint16, start uint64) {
	copy(dst, buildExtentHeader(entries, 4, 0))
	copy(dst[extentHeaderLen:], buildLeafExtent(block, length, start))
}

// buildTestImage assembles a minimal single-group ext4 image: root dir
// (inode 2) containing a regular file "hello.txt" (inode 12) and a fast
// symlink "link" -> "hello.txt" (inode 13).
func buildTestImage(t *testing.T) memReader {
	t.Helper()
	const (
		blockSize  = 1024
		inodeSize  = 128
		numInodes  = 16
		numBlocks  = 8
		rootBlock  = 5
		fileBlock  = 6
		fileInode  = 12
		linkInode  = 13
		fileData   = "hello file"
	)

	img := make([]byte, numBlocks*blockSize)

	sb := make([]byte, superblockSize)
	putLE32(sb[0x00:], numInodes)
	putLE32(sb[0x14:], 1) // first_data_block (blockSize==1024)
	putLE32(sb[0x18:], 0) // log_block_size -> 1024
	putLE32(sb[0x28:], numInodes)
	sb[0x38], sb[0x39] = byte(superblockMagic), byte(superblockMagic>>8)
	putLE32(sb[0x60:], featureIncompatExtents|featureIncompatFiletype)
	sb[0x58], sb[0x59] = inodeSize, 0
	copy(img[superblockOffset:], sb)

	gd := make([]byte, 32)
	putLE32(gd[0x08:], 3) // inode table starts at block 3
	copy(img[2*blockSize:], gd)

	writeInode := func(number uint32, mode uint16, size uint32, iblock []byte, links uint16) {
		off := 3*blockSize + int(number-1)*inodeSize
		b := img[off : off+inodeSize]
		b[0x00], b[0x01] = byte(mode), byte(mode>>8)
		putLE32(b[0x04:], size)
		b[0x1A], b[0x1B] = byte(links), byte(links>>8)
		copy(b[0x28:0x64], iblock)
	}

	rootIBlock := make([]byte, 36)
	putExtentLeaf(rootIBlock, 1, 0, 1, rootBlock)
	writeInode(rootInodeNumber, uint16(modeDir)|0755, blockSize, rootIBlock, 2)

	fileIBlock := make([]byte, 36)
	putExtentLeaf(fileIBlock, 1, 0, 1, fileBlock)
	writeInode(fileInode, uint16(modeRegular)|0644, uint32(len(fileData)), fileIBlock, 1)

	linkTarget := "hello.txt"
	linkIBlock := make([]byte, 36)
	copy(linkIBlock, linkTarget)
	writeInode(linkInode, uint16(modeSymlink)|0777, uint32(len(linkTarget)), linkIBlock, 1)

	dirData := make([]byte, blockSize)
	writeDirEntry2At(dirData, 0, rootInodeNumber, 12, ".", FTDir)
	writeDirEntry2At(dirData, 12, rootInodeNumber, 12, "..", FTDir)
	writeDirEntry2At(dirData, 24, fileInode, 20, "hello.txt", FTRegular)
	writeDirEntry2At(dirData, 44, linkInode, uint16(blockSize-44), "link", FTSymlink)
	copy(img[rootBlock*blockSize:], dirData)

	copy(img[fileBlock*blockSize:], fileData)

	return memReader(img)
}

func TestVolumeOpenAndLookup(t *testing.T) {
	img := buildTestImage(t)
	v, err := Open(img, Options{})
	if err != nil {
		t.Fatal(err)
	}

	root, err := v.InodeByNumber(rootInodeNumber)
	if err != nil {
		t.Fatal(err)
	}
	if !root.IsDir() {
		t.Fatal("expected root inode to be a directory")
	}

	entries, err := v.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name] = true
	}
	for _, want := range []string{".", "..", "hello.txt", "link"} {
		if !names[want] {
			t.Fatalf("missing directory entry %q among %+v", want, entries)
		}
	}

	fileInode, err := v.Lookup("/hello.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !fileInode.IsRegular() {
		t.Fatal("expected /hello.txt to be a regular file")
	}
	f, err := v.OpenFile(fileInode)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, fileInode.Size())
	if _, err := f.ReadAt(buf, 0); err != nil && err != io.EOF {
		t.Fatal(err)
	}
	if string(buf) != "hello file" {
		t.Fatalf("unexpected file content: %q", buf)
	}

	viaLink, err := v.Lookup("/link")
	if err != nil {
		t.Fatal(err)
	}
	if viaLink.Size() != fileInode.Size() {
		t.Fatal("expected symlink to resolve to the same target inode")
	}
}

func TestVolumeReadLinkFastSymlink(t *testing.T) {
	img := buildTestImage(t)
	v, err := Open(img, Options{})
	if err != nil {
		t.Fatal(err)
	}
	root, _ := v.InodeByNumber(rootInodeNumber)
	entries, _ := v.ReadDir(root)
	var linkNum uint32
	for _, e := range entries {
		if e.Name == "link" {
			linkNum = e.Inode
		}
	}
	linkInode, err := v.InodeByNumber(linkNum)
	if err != nil {
		t.Fatal(err)
	}
	target, err := v.ReadLink(linkInode)
	if err != nil {
		t.Fatal(err)
	}
	if target != "hello.txt" {
		t.Fatalf("ReadLink() = %q, want hello.txt", target)
	}
}

func TestVolumeLookupMissingPath(t *testing.T) {
	img := buildTestImage(t)
	v, err := Open(img, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Lookup("/does-not-exist"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
