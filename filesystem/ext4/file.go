package ext4

import (
	"fmt"
	"io"
)

// blockSource is the Volume capability File needs: resolving one physical
// block's bytes and knowing the volume's block size.
type blockSource interface {
	ReadBlock(block uint64) ([]byte, error)
	BlockSize() uint32
}

// File is a read-only handle onto a regular file's data, addressed through
// its inode's extent tree. Reads that fall in a hole (no covering extent)
// or an uninitialized extent read back as zero, matching ext4 semantics
// for sparse/preallocated regions.
type File struct {
	inode  *Inode
	tree   *ExtentTree
	volume blockSource
	offset int64
}

// newFile builds a File over inode's data, addressed via tree.
func newFile(inode *Inode, tree *ExtentTree, volume blockSource) *File {
	return &File{inode: inode, tree: tree, volume: volume}
}

// Read reads up to len(b) bytes starting at the file's current offset.
func (f *File) Read(b []byte) (int, error) {
	n, err := f.ReadAt(b, f.offset)
	f.offset += int64(n)
	return n, err
}

// ReadAt implements io.ReaderAt over the file's logical byte range,
// independent of the current Seek position. It returns io.EOF only when
// fewer than len(b) bytes remain.
func (f *File) ReadAt(b []byte, off int64) (int, error) {
	size := int64(f.inode.Size())
	if off >= size {
		return 0, io.EOF
	}
	want := len(b)
	if off+int64(len(b)) > size {
		b = b[:size-off]
	}

	blockSize := int64(f.volume.BlockSize())
	total := 0
	for total < len(b) {
		cur := off + int64(total)
		logicalBlock := uint32(cur / blockSize)
		inBlock := cur % blockSize

		physical, uninit, ok := f.tree.blockAt(logicalBlock)
		n := int(min64(int64(len(b)-total), blockSize-inBlock))

		switch {
		case !ok || uninit:
			for i := 0; i < n; i++ {
				b[total+i] = 0
			}
		default:
			data, err := f.volume.ReadBlock(physical)
			if err != nil {
				return total, fmt.Errorf("ext4: read block %d: %w", physical, err)
			}
			copy(b[total:total+n], data[inBlock:])
		}
		total += n
	}

	var err error
	if total < want {
		err = io.EOF
	}
	return total, err
}

// Seek repositions the file's read cursor.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	var newOffset int64
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekEnd:
		newOffset = int64(f.inode.Size()) + offset
	case io.SeekCurrent:
		newOffset = f.offset + offset
	default:
		return f.offset, fmt.Errorf("ext4: invalid whence %d", whence)
	}
	if newOffset < 0 {
		return f.offset, fmt.Errorf("ext4: cannot seek to negative offset %d", newOffset)
	}
	f.offset = newOffset
	return f.offset, nil
}

// Close releases the file handle. File holds no OS resources of its own;
// this exists to satisfy the usual io.Closer-shaped file API.
func (f *File) Close() error {
	return nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
