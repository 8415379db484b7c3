package ext4

import "testing"

func appendU16(b []byte, v uint16) []byte { return append(b, byte(v), byte(v>>8)) }
func appendU32(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func buildExtentHeader(entries, max, depth uint16) []byte {
	var b []byte
	b = appendU16(b, extentHeaderMagic)
	b = appendU16(b, entries)
	b = appendU16(b, max)
	b = appendU16(b, depth)
	b = appendU32(b, 0) // generation
	return b
}

func buildLeafExtent(block uint32, length uint16, start uint64) []byte {
	var b []byte
	b = appendU32(b, block)
	b = appendU16(b, length)
	b = appendU16(b, uint16(start>>32))
	b = appendU32(b, uint32(start))
	return b
}

func buildExtentIndex(block uint32, leaf uint64) []byte {
	var b []byte
	b = appendU32(b, block)
	b = appendU32(b, uint32(leaf))
	b = appendU16(b, uint16(leaf>>32))
	b = appendU16(b, 0)
	return b
}

func TestBuildExtentTreeLeaf(t *testing.T) {
	root := buildExtentHeader(2, 4, 0)
	root = append(root, buildLeafExtent(0, 10, 100)...)
	root = append(root, buildLeafExtent(10, 5, 200)...)
	root = append(root, make([]byte, 60-len(root))...)

	tree, err := buildExtentTree(root, 4096, nil, 0, false, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(tree.Leaves) != 2 {
		t.Fatalf("expected 2 leaves, got %d", len(tree.Leaves))
	}
	phys, uninit, ok := tree.blockAt(12)
	if !ok || uninit || phys != 202 {
		t.Fatalf("blockAt(12) = %d, %v, %v", phys, uninit, ok)
	}
	if _, _, ok := tree.blockAt(20); ok {
		t.Fatal("expected a hole past the mapped range")
	}
}

func TestBuildExtentTreeUninitialized(t *testing.T) {
	root := buildExtentHeader(1, 4, 0)
	root = append(root, buildLeafExtent(0, uninitThreshold+5, 50)...)
	root = append(root, make([]byte, 60-len(root))...)

	tree, err := buildExtentTree(root, 4096, nil, 0, false, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	phys, uninit, ok := tree.blockAt(3)
	if !ok || !uninit || phys != 53 {
		t.Fatalf("blockAt(3) = %d, %v, %v", phys, uninit, ok)
	}
}

func TestBuildExtentTreeInternalNode(t *testing.T) {
	root := buildExtentHeader(1, 4, 1)
	root = append(root, buildExtentIndex(0, 500)...)
	root = append(root, make([]byte, 60-len(root))...)

	child := buildExtentHeader(1, 4, 0)
	child = append(child, buildLeafExtent(0, 8, 9000)...)
	child = append(child, make([]byte, 4096-len(child))...)

	readBlock := func(block uint64) ([]byte, error) {
		if block != 500 {
			t.Fatalf("unexpected child block request %d", block)
		}
		return child, nil
	}

	tree, err := buildExtentTree(root, 4096, readBlock, 0, false, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	phys, uninit, ok := tree.blockAt(2)
	if !ok || uninit || phys != 9002 {
		t.Fatalf("blockAt(2) = %d, %v, %v", phys, uninit, ok)
	}
}

func TestBuildExtentTreeRejectsBadMagic(t *testing.T) {
	bad := make([]byte, 60)
	if _, err := buildExtentTree(bad, 4096, nil, 0, false, true, nil); err != ErrCorruptExtentTree {
		t.Fatalf("expected ErrCorruptExtentTree, got %v", err)
	}
}

func TestBuildExtentTreeVerifiesChildTail(t *testing.T) {
	const seed = 0xABCD1234

	root := buildExtentHeader(1, 4, 1)
	root = append(root, buildExtentIndex(0, 500)...)
	root = append(root, make([]byte, 60-len(root))...)

	child := buildExtentHeader(1, 4, 0)
	child = append(child, buildLeafExtent(0, 8, 9000)...)
	child = append(child, make([]byte, 4096-extentTailLen-len(child))...)
	putLE32Tail := func(b []byte, v uint32) {
		b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	}
	tail := make([]byte, extentTailLen)
	putLE32Tail(tail, extentTailChecksum(child, seed))
	child = append(child, tail...)

	readBlock := func(block uint64) ([]byte, error) { return child, nil }

	if _, err := buildExtentTree(root, 4096, readBlock, seed, true, false, nil); err != nil {
		t.Fatalf("valid tail rejected: %v", err)
	}

	child[len(child)-1] ^= 0xFF
	if _, err := buildExtentTree(root, 4096, readBlock, seed, true, false, nil); err != ErrCorruptExtentTree {
		t.Fatalf("expected ErrCorruptExtentTree for a corrupted tail, got %v", err)
	}
}
