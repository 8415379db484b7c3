// Package crc32c computes the Castagnoli variant of CRC-32 used throughout
// ext4 metadata checksums (superblock, group descriptors, inodes, extent
// tails, directory tails, extended attribute headers).
package crc32c

import "hash/crc32"

var table = crc32.MakeTable(crc32.Castagnoli)

// Update folds data into a running CRC32C value, seeded by crc. A fresh
// checksum starts from crc=0; chained checksums (e.g. inode seed derivation)
// pass the previous result back in as crc.
//
// ext4's on-disk checksums use the kernel crc32c(seed, data) convention:
// no final XOR-out. Go's hash/crc32.Update complements the seed on entry
// and the result on exit; this function computes ^crc32.Update(^crc, ...)
// to undo that inversion so the result matches what the kernel (and the
// Python crcmod.mkCrcFun with its default xorOut=0) produces.
func Update(crc uint32, data []byte) uint32 {
	return ^crc32.Update(^crc, table, data)
}

// Checksum computes the CRC32C of data with no seed.
func Checksum(data []byte) uint32 {
	return Update(0, data)
}
