package ext4

import "testing"

func buildXattrEntry(nameIndex uint8, name string, valueOffs uint16, value []byte) ([]byte, []byte) {
	hdr := make([]byte, xattrEntryHdrLen+len(name))
	hdr[0x00] = byte(len(name))
	hdr[0x01] = nameIndex
	hdr[0x02] = byte(valueOffs)
	hdr[0x03] = byte(valueOffs >> 8)
	copy(hdr[xattrEntryHdrLen:], name)
	return hdr, value
}

func TestParseXattrEntriesInlineValue(t *testing.T) {
	region := make([]byte, 256)
	copy(region[0:4], []byte{0x00, 0x00, 0x02, 0xEA}) // ibody magic, little-endian 0xEA020000
	entriesOff := 4

	valueOff := 64
	value := []byte("hello-value")
	copy(region[valueOff:], value)

	entryHdr, _ := buildXattrEntry(1, "mykey", uint16(valueOff), value) // user. prefix
	copy(region[entriesOff:], entryHdr)

	entries := parseXattrEntries(region, entriesOff, 0)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Name != "user.mykey" {
		t.Fatalf("expected prefixed name, got %q", e.Name)
	}
}

func TestParseInlineXattrsBadMagicIsEmpty(t *testing.T) {
	region := make([]byte, 64)
	region[0], region[1], region[2], region[3] = 1, 2, 3, 4
	if got := parseInlineXattrs(region); got != nil {
		t.Fatalf("expected nil for bad magic, got %+v", got)
	}
}

func TestNameIndicesTableHasEightEntries(t *testing.T) {
	if len(NameIndices) != 8 {
		t.Fatalf("expected 8 name index prefixes, got %d", len(NameIndices))
	}
	if NameIndices[0] != "" || NameIndices[1] != "user." {
		t.Fatalf("unexpected prefix table: %+v", NameIndices)
	}
}

func TestParseXattrEntriesValueInode(t *testing.T) {
	region := make([]byte, 64)
	hdr := make([]byte, xattrEntryHdrLen+3)
	hdr[0x00] = 3
	hdr[0x01] = 0
	putLE32(hdr[0x04:], 99) // e_value_inum
	copy(hdr[xattrEntryHdrLen:], "big")
	copy(region, hdr)

	entries := parseXattrEntries(region, 0, 0)
	if len(entries) != 1 || entries[0].ValueInode != 99 {
		t.Fatalf("expected a value-inode reference, got %+v", entries)
	}
}
