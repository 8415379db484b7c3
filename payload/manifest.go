package payload

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// InstallOperationType enumerates the update_engine InstallOperation.Type
// values this engine understands. Only REPLACE and REPLACE_BZ are
// materializable per spec; every other wire value (MOVE, BSDIFF,
// SOURCE_COPY, SOURCE_BSDIFF, ZERO, DISCARD, REPLACE_XZ, PUFFDIFF,
// BROTLI_BSDIFF) is an explicit Non-goal and surfaces as ErrUnsupportedOp.
type InstallOperationType uint64

const (
	OpReplace   InstallOperationType = 0
	OpReplaceBZ InstallOperationType = 1
)

// Extent is a destination block range: num_blocks blocks of BlockSize bytes
// starting at block StartBlock.
type Extent struct {
	StartBlock uint64
	NumBlocks  uint64
}

// InstallOperation is one entry of the manifest's install operation list:
// a blob of DataLength raw bytes at DataOffset (relative to the payload
// body), verified against DataSHA256, written into the first destination
// extent.
type InstallOperation struct {
	Type       InstallOperationType
	DataOffset uint64
	DataLength uint64
	DataSHA256 []byte
	DstExtents []Extent
}

// DstExtent returns the single destination extent this engine consumes
// (index 0), per spec.md §3: "only index 0 consumed".
func (op InstallOperation) DstExtent() (Extent, bool) {
	if len(op.DstExtents) == 0 {
		return Extent{}, false
	}
	return op.DstExtents[0], true
}

// Manifest is the structural subset of update_engine's DeltaArchiveManifest
// this engine reads: the install operation list plus the signatures blob
// location. Additional manifest fields (block_size, partitions, minor
// version, ...) are treated as pass-through and ignored, per spec.md §6.
type Manifest struct {
	InstallOperations []InstallOperation
	SignaturesOffset  uint64
	SignaturesSize    uint64
}

// Well-known field numbers from update_engine's update_metadata.proto. The
// schema compiler is out of scope (spec.md §1), so these are decoded by
// hand with protowire rather than generated message bindings.
const (
	manifestFieldInstallOperations = 1
	manifestFieldSignaturesOffset  = 4
	manifestFieldSignaturesSize    = 5

	installOpFieldType       = 1
	installOpFieldDataOffset = 2
	installOpFieldDataLength = 3
	installOpFieldDstExtents = 6
	installOpFieldDataSHA256 = 8

	extentFieldStartBlock = 1
	extentFieldNumBlocks  = 2

	signaturesFieldSignatures = 1
	signatureFieldVersion     = 1
	signatureFieldData        = 2
)

// DecodeManifest parses a serialized DeltaArchiveManifest, reading only the
// fields this engine needs.
func DecodeManifest(b []byte) (*Manifest, error) {
	m := &Manifest{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: manifest tag: %v", ErrBadManifest, protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case manifestFieldInstallOperations:
			data, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: install_operations: %v", ErrBadManifest, protowire.ParseError(n))
			}
			op, err := decodeInstallOperation(data)
			if err != nil {
				return nil, err
			}
			m.InstallOperations = append(m.InstallOperations, op)
			b = b[n:]
		case manifestFieldSignaturesOffset:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: signatures_offset: %v", ErrBadManifest, protowire.ParseError(n))
			}
			m.SignaturesOffset = v
			b = b[n:]
		case manifestFieldSignaturesSize:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: signatures_size: %v", ErrBadManifest, protowire.ParseError(n))
			}
			m.SignaturesSize = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: skip field %d: %v", ErrBadManifest, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return m, nil
}

func decodeInstallOperation(b []byte) (InstallOperation, error) {
	var op InstallOperation
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return op, fmt.Errorf("%w: install_operation tag: %v", ErrBadManifest, protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case installOpFieldType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return op, fmt.Errorf("%w: operation type: %v", ErrBadManifest, protowire.ParseError(n))
			}
			op.Type = InstallOperationType(v)
			b = b[n:]
		case installOpFieldDataOffset:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return op, fmt.Errorf("%w: data_offset: %v", ErrBadManifest, protowire.ParseError(n))
			}
			op.DataOffset = v
			b = b[n:]
		case installOpFieldDataLength:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return op, fmt.Errorf("%w: data_length: %v", ErrBadManifest, protowire.ParseError(n))
			}
			op.DataLength = v
			b = b[n:]
		case installOpFieldDstExtents:
			data, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return op, fmt.Errorf("%w: dst_extents: %v", ErrBadManifest, protowire.ParseError(n))
			}
			ext, err := decodeExtent(data)
			if err != nil {
				return op, err
			}
			op.DstExtents = append(op.DstExtents, ext)
			b = b[n:]
		case installOpFieldDataSHA256:
			data, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return op, fmt.Errorf("%w: data_sha256_hash: %v", ErrBadManifest, protowire.ParseError(n))
			}
			op.DataSHA256 = append([]byte(nil), data...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return op, fmt.Errorf("%w: skip operation field %d: %v", ErrBadManifest, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return op, nil
}

func decodeExtent(b []byte) (Extent, error) {
	var e Extent
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, fmt.Errorf("%w: extent tag: %v", ErrBadManifest, protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case extentFieldStartBlock:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, fmt.Errorf("%w: start_block: %v", ErrBadManifest, protowire.ParseError(n))
			}
			e.StartBlock = v
			b = b[n:]
		case extentFieldNumBlocks:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, fmt.Errorf("%w: num_blocks: %v", ErrBadManifest, protowire.ParseError(n))
			}
			e.NumBlocks = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return e, fmt.Errorf("%w: skip extent field %d: %v", ErrBadManifest, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return e, nil
}

// Signature is one entry of the Signatures message's repeated field.
type Signature struct {
	Version uint32
	Data    []byte
}

// DecodeSignatures parses a serialized Signatures message.
func DecodeSignatures(b []byte) ([]Signature, error) {
	var sigs []Signature
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: signatures tag: %v", ErrBadManifest, protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case signaturesFieldSignatures:
			data, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: signature entry: %v", ErrBadManifest, protowire.ParseError(n))
			}
			sig, err := decodeSignature(data)
			if err != nil {
				return nil, err
			}
			sigs = append(sigs, sig)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: skip signatures field %d: %v", ErrBadManifest, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return sigs, nil
}

func decodeSignature(b []byte) (Signature, error) {
	var s Signature
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return s, fmt.Errorf("%w: signature tag: %v", ErrBadManifest, protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case signatureFieldVersion:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return s, fmt.Errorf("%w: signature version: %v", ErrBadManifest, protowire.ParseError(n))
			}
			s.Version = uint32(v)
			b = b[n:]
		case signatureFieldData:
			data, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return s, fmt.Errorf("%w: signature data: %v", ErrBadManifest, protowire.ParseError(n))
			}
			s.Data = append([]byte(nil), data...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return s, fmt.Errorf("%w: skip signature field %d: %v", ErrBadManifest, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return s, nil
}
