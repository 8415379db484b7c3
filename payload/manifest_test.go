package payload

import (
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func appendExtent(b []byte, fieldNum protowire.Number, startBlock, numBlocks uint64) []byte {
	var ext []byte
	ext = protowire.AppendTag(ext, extentFieldStartBlock, protowire.VarintType)
	ext = protowire.AppendVarint(ext, startBlock)
	ext = protowire.AppendTag(ext, extentFieldNumBlocks, protowire.VarintType)
	ext = protowire.AppendVarint(ext, numBlocks)

	b = protowire.AppendTag(b, fieldNum, protowire.BytesType)
	b = protowire.AppendBytes(b, ext)
	return b
}

func buildInstallOperation(opType InstallOperationType, dataOffset, dataLength uint64, hash []byte, startBlock, numBlocks uint64) []byte {
	var op []byte
	op = protowire.AppendTag(op, installOpFieldType, protowire.VarintType)
	op = protowire.AppendVarint(op, uint64(opType))
	op = protowire.AppendTag(op, installOpFieldDataOffset, protowire.VarintType)
	op = protowire.AppendVarint(op, dataOffset)
	op = protowire.AppendTag(op, installOpFieldDataLength, protowire.VarintType)
	op = protowire.AppendVarint(op, dataLength)
	op = appendExtent(op, installOpFieldDstExtents, startBlock, numBlocks)
	op = protowire.AppendTag(op, installOpFieldDataSHA256, protowire.BytesType)
	op = protowire.AppendBytes(op, hash)
	return op
}

func TestDecodeManifestSingleOperation(t *testing.T) {
	op := buildInstallOperation(OpReplace, 0, 4096, make([]byte, 32), 0, 1)

	var m []byte
	m = protowire.AppendTag(m, manifestFieldInstallOperations, protowire.BytesType)
	m = protowire.AppendBytes(m, op)
	m = protowire.AppendTag(m, manifestFieldSignaturesOffset, protowire.VarintType)
	m = protowire.AppendVarint(m, 4096)
	m = protowire.AppendTag(m, manifestFieldSignaturesSize, protowire.VarintType)
	m = protowire.AppendVarint(m, 256)

	got, err := DecodeManifest(m)
	if err != nil {
		t.Fatal(err)
	}
	if got.SignaturesOffset != 4096 || got.SignaturesSize != 256 {
		t.Fatalf("unexpected signatures location: %+v", got)
	}
	if len(got.InstallOperations) != 1 {
		t.Fatalf("expected 1 operation, got %d", len(got.InstallOperations))
	}
	gotOp := got.InstallOperations[0]
	if gotOp.Type != OpReplace || gotOp.DataLength != 4096 {
		t.Fatalf("unexpected operation: %+v", gotOp)
	}
	ext, ok := gotOp.DstExtent()
	if !ok || ext.StartBlock != 0 || ext.NumBlocks != 1 {
		t.Fatalf("unexpected dst extent: %+v", ext)
	}
}

func TestDecodeManifestUnknownFieldSkipped(t *testing.T) {
	var m []byte
	m = protowire.AppendTag(m, 99, protowire.VarintType)
	m = protowire.AppendVarint(m, 12345)
	m = protowire.AppendTag(m, manifestFieldSignaturesOffset, protowire.VarintType)
	m = protowire.AppendVarint(m, 10)

	got, err := DecodeManifest(m)
	if err != nil {
		t.Fatal(err)
	}
	if got.SignaturesOffset != 10 {
		t.Fatalf("expected field after unknown one to decode, got %+v", got)
	}
}

func TestDecodeManifestTruncatedIsError(t *testing.T) {
	var m []byte
	m = protowire.AppendTag(m, manifestFieldInstallOperations, protowire.BytesType)
	m = append(m, 0xFF) // invalid length-delimited length prefix

	if _, err := DecodeManifest(m); err == nil {
		t.Fatal("expected error decoding truncated manifest")
	}
}

func TestDecodeSignatures(t *testing.T) {
	var sig []byte
	sig = protowire.AppendTag(sig, signatureFieldVersion, protowire.VarintType)
	sig = protowire.AppendVarint(sig, 1)
	sig = protowire.AppendTag(sig, signatureFieldData, protowire.BytesType)
	sig = protowire.AppendBytes(sig, []byte("fake-signature"))

	var sigs []byte
	sigs = protowire.AppendTag(sigs, signaturesFieldSignatures, protowire.BytesType)
	sigs = protowire.AppendBytes(sigs, sig)

	got, err := DecodeSignatures(sigs)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Version != 1 || string(got[0].Data) != "fake-signature" {
		t.Fatalf("unexpected signatures: %+v", got)
	}
}
