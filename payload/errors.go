package payload

import "errors"

// Sentinel errors surfaced by this package. fs/errno.go maps a subset of
// these to syscall.Errno values at the FUSE boundary.
var (
	// ErrBadMagic is returned when a payload does not start with "CrAU".
	ErrBadMagic = errors.New("payload: bad magic")
	// ErrUnsupportedVersion is returned for any header version other than 1.
	ErrUnsupportedVersion = errors.New("payload: unsupported version")
	// ErrBadManifest is returned when the manifest protobuf cannot be
	// decoded.
	ErrBadManifest = errors.New("payload: malformed manifest")
	// ErrUnsupportedOp is returned for an install operation type other than
	// REPLACE/REPLACE_BZ.
	ErrUnsupportedOp = errors.New("payload: unsupported install operation")
	// ErrBlobHashMismatch is returned when a decoded blob's SHA-256 does not
	// match data_sha256_hash.
	ErrBlobHashMismatch = errors.New("payload: blob hash mismatch")
	// ErrNoExtent is returned for an install operation with no destination
	// extent.
	ErrNoExtent = errors.New("payload: operation has no destination extent")
	// ErrOutOfRange is returned when a read or seek falls outside the
	// reconstructed partition's bounds.
	ErrOutOfRange = errors.New("payload: offset out of range")
	// ErrBlobLengthMismatch is returned when a REPLACE blob's length differs
	// from its destination extent's byte length, or a decoded REPLACE_BZ
	// blob is longer than it (a shorter one is zero-padded).
	ErrBlobLengthMismatch = errors.New("payload: blob length does not match destination extent")
	// ErrShortRead is returned by Read when fewer bytes were available than
	// explicitly requested, mirroring block.py's BlockIO.read() EIO
	// behavior for a bounded read past end of stream.
	ErrShortRead = errors.New("payload: short read")
	// ErrSignatureVerification is returned by Verify when no signature in
	// the Signatures blob validates against the supplied public key. It is
	// non-fatal: callers log it as a warning and continue mounting.
	ErrSignatureVerification = errors.New("payload: signature verification failed")
)
