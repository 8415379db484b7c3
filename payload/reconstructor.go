// Package payload reconstructs the destination ext4 partition encoded in a
// CrAU update payload without ever materializing it on disk: it parses the
// payload header and manifest, then serves random-access reads by decoding
// only the blobs a given byte range actually touches.
package payload

import (
	"bytes"
	"compress/bzip2"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/eeems-org/rm-update-fuse-go/backend"
	"github.com/eeems-org/rm-update-fuse-go/cacheutil"
)

const (
	headerMagic      = "CrAU"
	headerVersion    = 1
	headerFixedLen   = int64(len(headerMagic)) + 8 + 8 // magic + version + manifest_len
	// BlockSize is the fixed destination block unit CrAU operations address
	// extents in. It is not configurable: it comes from the payload format,
	// not the reconstructed ext4 volume's own block size.
	BlockSize = 4096
)

// extentRange is one destination byte range backed by an install operation,
// used to route a read to the operation that can produce it.
type extentRange struct {
	start int64 // inclusive destination byte offset
	end   int64 // exclusive destination byte offset
	op    *InstallOperation
}

// Reconstructor is a read-only, random-access view of the ext4 partition
// described by a CrAU payload's manifest. It never writes the reconstructed
// partition to disk; each read decodes only the operation blobs it needs and
// caches the result.
type Reconstructor struct {
	src        backend.File
	ioMu       *sync.Mutex
	manifest   *Manifest
	bodyOffset int64
	size       int64
	extents    []extentRange
	cache      *cacheutil.BlobCache

	mu     sync.Mutex // protects cursor
	cursor int64
}

// Open parses the CrAU header and manifest from src and builds a
// Reconstructor. ioMu is a process-wide lock shared with any other consumer
// of src (e.g. a concurrent cache-eviction sweep); callers that only ever
// use a single Reconstructor from one goroutine may pass a private,
// unshared *sync.Mutex.
func Open(src backend.File, ioMu *sync.Mutex, cache *cacheutil.BlobCache) (*Reconstructor, error) {
	header := make([]byte, headerFixedLen)
	if _, err := src.ReadAt(header, 0); err != nil {
		return nil, fmt.Errorf("payload: read header: %w", err)
	}
	if string(header[0:4]) != headerMagic {
		return nil, ErrBadMagic
	}
	version := binary.BigEndian.Uint64(header[4:12])
	if version != headerVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	manifestLen := binary.BigEndian.Uint64(header[12:20])

	manifestBytes := make([]byte, manifestLen)
	if _, err := src.ReadAt(manifestBytes, headerFixedLen); err != nil {
		return nil, fmt.Errorf("payload: read manifest: %w", err)
	}
	manifest, err := DecodeManifest(manifestBytes)
	if err != nil {
		return nil, err
	}

	r := &Reconstructor{
		src:        src,
		ioMu:       ioMu,
		manifest:   manifest,
		bodyOffset: headerFixedLen + int64(manifestLen),
		cache:      cache,
	}
	if err := r.buildExtents(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reconstructor) buildExtents() error {
	for i := range r.manifest.InstallOperations {
		op := &r.manifest.InstallOperations[i]
		switch op.Type {
		case OpReplace, OpReplaceBZ:
		default:
			return fmt.Errorf("%w: type %d", ErrUnsupportedOp, op.Type)
		}
		ext, ok := op.DstExtent()
		if !ok {
			return ErrNoExtent
		}
		start := int64(ext.StartBlock) * BlockSize
		end := start + int64(ext.NumBlocks)*BlockSize
		r.extents = append(r.extents, extentRange{start: start, end: end, op: op})
		if end > r.size {
			r.size = end
		}
	}
	sort.Slice(r.extents, func(i, j int) bool { return r.extents[i].start < r.extents[j].start })
	return nil
}

// Size returns the total size in bytes of the reconstructed destination
// partition, derived from the manifest's highest destination extent.
func (r *Reconstructor) Size() int64 { return r.size }

// Manifest returns the parsed payload manifest.
func (r *Reconstructor) Manifest() *Manifest { return r.manifest }

// Seek repositions the stream cursor, following io.Seeker semantics.
func (r *Reconstructor) Seek(offset int64, whence int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.cursor + offset
	case io.SeekEnd:
		abs = r.size + offset
	default:
		return 0, fmt.Errorf("payload: invalid whence %d", whence)
	}
	if abs < 0 || abs > r.size {
		return 0, ErrOutOfRange
	}
	r.cursor = abs
	return abs, nil
}

// Tell returns the current stream cursor position.
func (r *Reconstructor) Tell() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

// Read reads exactly len(p) bytes starting at the current cursor and
// advances it, returning ErrShortRead if fewer bytes were available -
// mirroring the original block reader's bounded-read contract. Pass a nil
// slice length of 0 to no-op.
func (r *Reconstructor) Read(p []byte) (int, error) {
	r.mu.Lock()
	cursor := r.cursor
	r.mu.Unlock()

	n, err := r.ReadAt(p, cursor)
	r.mu.Lock()
	r.cursor = cursor + int64(n)
	r.mu.Unlock()
	if err != nil && err != io.EOF {
		return n, err
	}
	if n < len(p) {
		return n, ErrShortRead
	}
	return n, nil
}

// Peek reads n bytes at the current cursor without advancing it.
func (r *Reconstructor) Peek(n int) ([]byte, error) {
	cursor := r.Tell()
	buf := make([]byte, n)
	got, err := r.ReadAt(buf, cursor)
	if err != nil && err != io.EOF {
		return nil, err
	}
	if got < n {
		return buf[:got], ErrShortRead
	}
	return buf, nil
}

// ReadAt implements io.ReaderAt: it fills p with the reconstructed
// destination bytes starting at off, materializing every operation blob the
// range touches. Bytes in [off, off+len(p)) not covered by any install
// operation are treated as a sparse hole and read back as zero, matching an
// ext4 image's unallocated regions.
func (r *Reconstructor) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > r.size {
		return 0, ErrOutOfRange
	}
	total := 0
	for total < len(p) {
		cur := off + int64(total)
		if cur >= r.size {
			break
		}
		ext, idx := r.extentAt(cur)
		remaining := len(p) - total
		if ext == nil {
			holeEnd := r.size
			if idx < len(r.extents) {
				holeEnd = r.extents[idx].start
			}
			n := int(min64(int64(remaining), holeEnd-cur))
			for i := 0; i < n; i++ {
				p[total+i] = 0
			}
			total += n
			continue
		}

		blob, err := r.blobFor(ext)
		if err != nil {
			return total, err
		}
		localOff := cur - ext.start
		n := copy(p[total:], blob[localOff:])
		total += n
	}
	if total < len(p) {
		return total, io.EOF
	}
	return total, nil
}

// extentAt returns the extentRange covering byte offset off, or nil and the
// insertion index of the next extent if off falls in an unmapped hole.
func (r *Reconstructor) extentAt(off int64) (*extentRange, int) {
	i := sort.Search(len(r.extents), func(i int) bool { return r.extents[i].end > off })
	if i < len(r.extents) && r.extents[i].start <= off {
		return &r.extents[i], i
	}
	return nil, i
}

func (r *Reconstructor) blobFor(ext *extentRange) ([]byte, error) {
	return r.cache.Get(ext.start, func() ([]byte, error) {
		return r.decodeOperation(ext.op)
	})
}

// decodeOperation reads and decompresses the blob for op, verifying its
// SHA-256 hash against the manifest before returning it.
func (r *Reconstructor) decodeOperation(op *InstallOperation) ([]byte, error) {
	raw := make([]byte, op.DataLength)

	r.ioMu.Lock()
	_, err := r.src.ReadAt(raw, r.bodyOffset+int64(op.DataOffset))
	r.ioMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("payload: read operation blob: %w", err)
	}

	sum := sha256.Sum256(raw)
	if len(op.DataSHA256) > 0 && !bytes.Equal(sum[:], op.DataSHA256) {
		return nil, ErrBlobHashMismatch
	}

	ext, _ := op.DstExtent()
	want := int64(ext.NumBlocks) * BlockSize

	var data []byte
	switch op.Type {
	case OpReplace:
		data = raw
		if int64(len(data)) != want {
			return nil, ErrBlobLengthMismatch
		}
	case OpReplaceBZ:
		decoded, err := io.ReadAll(bzip2.NewReader(bytes.NewReader(raw)))
		if err != nil {
			return nil, fmt.Errorf("payload: bzip2 decode: %w", err)
		}
		// A decoded REPLACE_BZ blob only needs to cover the destination
		// extent, not fill it exactly: the rest of a zero-filled buffer
		// already reads back as zero.
		if int64(len(decoded)) > want {
			return nil, ErrBlobLengthMismatch
		}
		if int64(len(decoded)) < want {
			padded := make([]byte, want)
			copy(padded, decoded)
			decoded = padded
		}
		data = decoded
	default:
		return nil, fmt.Errorf("%w: type %d", ErrUnsupportedOp, op.Type)
	}

	return data, nil
}

// Verify checks the payload's Signatures blob against pubKeyPEM, an RSA
// public key in PEM format. It is advisory: a non-nil error should be
// logged as a warning, not treated as fatal, matching the original
// implementation's best-effort signature check.
func (r *Reconstructor) Verify(pubKeyPEM []byte) error {
	if r.manifest.SignaturesSize == 0 {
		return fmt.Errorf("%w: payload carries no signature", ErrSignatureVerification)
	}

	block, _ := pem.Decode(pubKeyPEM)
	if block == nil {
		return fmt.Errorf("%w: invalid PEM public key", ErrSignatureVerification)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		pub, err = x509.ParsePKCS1PublicKey(block.Bytes)
	}
	if err != nil {
		return fmt.Errorf("%w: parse public key: %v", ErrSignatureVerification, err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: not an RSA public key", ErrSignatureVerification)
	}

	sigOff := r.bodyOffset + int64(r.manifest.SignaturesOffset)
	sigBuf := make([]byte, r.manifest.SignaturesSize)
	r.ioMu.Lock()
	_, err = r.src.ReadAt(sigBuf, sigOff)
	r.ioMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: read signatures blob: %v", ErrSignatureVerification, err)
	}
	sigs, err := DecodeSignatures(sigBuf)
	if err != nil {
		return fmt.Errorf("%w: decode signatures blob: %v", ErrSignatureVerification, err)
	}
	if len(sigs) == 0 {
		return fmt.Errorf("%w: signatures blob is empty", ErrSignatureVerification)
	}

	hash := sha256.New()
	r.ioMu.Lock()
	_, err = io.Copy(hash, io.NewSectionReader(r.src, 0, sigOff))
	r.ioMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: hash signed range: %v", ErrSignatureVerification, err)
	}
	digest := hash.Sum(nil)

	for _, sig := range sigs {
		if rsa.VerifyPKCS1v15(rsaPub, crypto.SHA256, digest, sig.Data) == nil {
			return nil
		}
	}
	return ErrSignatureVerification
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
