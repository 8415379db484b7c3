package ext4

import "github.com/eeems-org/rm-update-fuse-go/crc32c"

const (
	xattrIBodyMagic  = 0xEA020000
	xattrBlockMagic  = 0xEA020000
	xattrEntryHdrLen = 16
)

// NameIndices is the extended-attribute name-index prefix table: index 0 is
// the empty prefix (the name is stored in full), indices 1-7 are the
// well-known namespace shorthands ext4 strips from the on-disk name to save
// space.
var NameIndices = []string{
	"",
	"user.",
	"system.posix_acl_access",
	"system.posix_acl_default",
	"trusted.",
	"security.",
	"system.",
	"system.richacl",
}

// Xattr is one decoded extended attribute: a full name (namespace prefix
// expanded) and its value, which may live inline in this region or, for
// large values, in a dedicated value inode.
type Xattr struct {
	Name       string
	Value      []byte
	ValueInode uint32 // non-zero if Value must be read from this inode instead
}

// parseXattrEntries walks a packed run of extended attribute entries
// starting at header+headerLen (already 4-byte aligned by the caller),
// reading variable-sized values from valueBase (the start of the value
// area, relative to which e_value_offs is measured). Iteration stops at
// the first all-zero entry header, matching xattr.py's terminator check.
func parseXattrEntries(region []byte, entriesOff, valueBase int) []Xattr {
	var out []Xattr
	off := entriesOff
	for off+xattrEntryHdrLen <= len(region) {
		nameLen := int(region[off+0x00])
		nameIndex := int(region[off+0x01])
		valueOffs := int(le16(region, off+0x02))
		valueInum := le32(region, off+0x04)
		valueSize := le32(region, off+0x08)

		if nameLen == 0 && nameIndex == 0 && valueOffs == 0 && valueInum == 0 {
			break
		}
		if off+xattrEntryHdrLen+nameLen > len(region) {
			break
		}
		name := string(region[off+xattrEntryHdrLen : off+xattrEntryHdrLen+nameLen])
		prefix := ""
		if nameIndex >= 0 && nameIndex < len(NameIndices) {
			prefix = NameIndices[nameIndex]
		}

		x := Xattr{Name: prefix + name}
		if valueInum != 0 {
			x.ValueInode = valueInum
		} else {
			start := valueBase + valueOffs
			end := start + int(valueSize)
			if start >= 0 && end <= len(region) && end >= start {
				x.Value = append([]byte(nil), region[start:end]...)
			}
		}
		out = append(out, x)

		step := xattrEntryHdrLen + nameLen
		step = (step + 3) &^ 3 // round up to a multiple of 4
		off += step
	}
	return out
}

// parseInlineXattrs decodes the extended attributes stored in an inode's
// extra space (after i_extra_isize), if any. A bad magic is treated as "no
// inline xattrs" rather than an error, matching inode.py's xattrs property
// swallowing the ibody header mismatch.
func parseInlineXattrs(region []byte) []Xattr {
	if len(region) < 4 {
		return nil
	}
	magic := le32(region, 0)
	if magic != xattrIBodyMagic {
		return nil
	}
	headerLen := 4
	entriesOff := (headerLen + 3) &^ 3
	return parseXattrEntries(region, entriesOff, 0)
}

// xattrBlockHeader is the 32-byte header prefixing an xattr block region
// (inode.i_file_acl block).
type xattrBlockHeader struct {
	raw      []byte
	seed     uint32
	checksum uint32
	magic    uint32
}

func parseXattrBlockHeader(b []byte, seed uint32) *xattrBlockHeader {
	return &xattrBlockHeader{
		raw:      append([]byte(nil), b[:32]...),
		seed:     seed,
		checksum: le32(b, 0x1C),
		magic:    le32(b, 0x00),
	}
}

// Magic implements binstruct.Magic.
func (h *xattrBlockHeader) Magic() (got, want uint32, ok bool) {
	return h.magic, xattrBlockMagic, true
}

// Checksum implements binstruct.Checksum. The chain covers everything
// before h_checksum, a zeroed stand-in for h_checksum's own four bytes,
// then everything from h_checksum's end through h_reserved's end (there is
// nothing after h_reserved in the 32-byte header, so this is simply bytes
// [0x00:0x1C) then zero(4) in this layout).
func (h *xattrBlockHeader) Checksum() (got, want uint32, ok bool) {
	crc := crc32c.Update(h.seed, h.raw[0x00:0x1C])
	crc = crc32c.Update(crc, []byte{0, 0, 0, 0})
	return crc, h.checksum, true
}

// parseBlockXattrs decodes the extended attributes in a dedicated xattr
// block (the block addressed by inode.i_file_acl). Entries begin right
// after the 32-byte block header.
func parseBlockXattrs(b []byte) []Xattr {
	if len(b) < 32 {
		return nil
	}
	return parseXattrEntries(b, 32, 0)
}
