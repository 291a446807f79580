package rpt

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/Numstore/numstore-sub001/internal/pager"
)

func openTestPager(t *testing.T, pageSize int) *pager.Pager {
	t.Helper()
	dir := t.TempDir()
	p, err := pager.OpenPager(pager.PagerConfig{
		DBPath:   filepath.Join(dir, "test.db"),
		WALPath:  filepath.Join(dir, "test.wal"),
		PageSize: pageSize,
	})
	if err != nil {
		t.Fatalf("open pager: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

// u32sToBytes packs a []uint32 the way the scenarios in spec.md §8.2 insert
// i32 elements: little-endian, elemSize 4.
func u32sToBytes(vals []uint32) []byte {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	return buf
}

func bytesToU32s(buf []byte) []uint32 {
	out := make([]uint32, len(buf)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return out
}

func seqU32(n int) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = uint32(i)
	}
	return out
}

// TestTailInsertReadBack is scenario S1: insert [0..99] at offset 0 of an
// empty array, read the whole thing back, expect the same sequence.
func TestTailInsertReadBack(t *testing.T) {
	p := openTestPager(t, 4096)
	tree := New(p)
	txid, _ := p.BeginTx()

	root, lsn, err := tree.NewEmpty(txid, 0)
	if err != nil {
		t.Fatalf("new empty: %v", err)
	}

	data := u32sToBytes(seqU32(100))
	root, lsn, err = tree.Insert(txid, lsn, root, 0, data)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	size, err := tree.Size(root)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 400 {
		t.Fatalf("size = %d, want 400", size)
	}

	dst := make([]byte, 400)
	n, err := tree.Read(root, 0, dst)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != 400 {
		t.Fatalf("read %d bytes, want 400", n)
	}
	got := bytesToU32s(dst)
	for i, v := range got {
		if v != uint32(i) {
			t.Fatalf("element %d = %d, want %d", i, v, i)
		}
	}
	_ = lsn
}

// TestInteriorInsert is scenario S2: after S1, splice five elements in
// between index 4 and 5 and confirm the full read reflects the shift.
func TestInteriorInsert(t *testing.T) {
	p := openTestPager(t, 4096)
	tree := New(p)
	txid, _ := p.BeginTx()

	root, lsn, err := tree.NewEmpty(txid, 0)
	if err != nil {
		t.Fatalf("new empty: %v", err)
	}
	root, lsn, err = tree.Insert(txid, lsn, root, 0, u32sToBytes(seqU32(100)))
	if err != nil {
		t.Fatalf("insert seq: %v", err)
	}

	interior := []uint32{1000, 1001, 1002, 1003, 1004}
	root, lsn, err = tree.Insert(txid, lsn, root, 20, u32sToBytes(interior))
	if err != nil {
		t.Fatalf("interior insert: %v", err)
	}

	size, err := tree.Size(root)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 420 {
		t.Fatalf("size = %d, want 420", size)
	}

	dst := make([]byte, size)
	if _, err := tree.Read(root, 0, dst); err != nil {
		t.Fatalf("read: %v", err)
	}
	got := bytesToU32s(dst)

	want := make([]uint32, 0, 105)
	want = append(want, 0, 1, 2, 3, 4)
	want = append(want, interior...)
	for i := uint32(5); i < 100; i++ {
		want = append(want, i)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d elements, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("element %d = %d, want %d", i, got[i], want[i])
		}
	}
}

// TestStridedRead is scenario S3: on the S1 array, read (start=10, step=3,
// nelems=20) and expect [10,13,...,67].
func TestStridedRead(t *testing.T) {
	p := openTestPager(t, 4096)
	tree := New(p)
	txid, _ := p.BeginTx()

	root, lsn, err := tree.NewEmpty(txid, 0)
	if err != nil {
		t.Fatalf("new empty: %v", err)
	}
	root, lsn, err = tree.Insert(txid, lsn, root, 0, u32sToBytes(seqU32(100)))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	_ = lsn

	const elemSize = 4
	start, stop := int64(10), int64(10+3*20)
	stride := Stride{Start: &start, Stop: &stop, Step: 3}
	res, err := ResolveUserStride(stride, 100)
	if err != nil {
		t.Fatalf("resolve stride: %v", err)
	}
	if res.Count != 20 {
		t.Fatalf("resolved count = %d, want 20", res.Count)
	}

	dst := make([]byte, elemSize)
	var got []uint32
	for k := int64(0); k < res.Count; k++ {
		ei := res.First + k*res.Step
		if _, err := tree.Read(root, ei*elemSize, dst); err != nil {
			t.Fatalf("strided read at k=%d: %v", k, err)
		}
		got = append(got, binary.LittleEndian.Uint32(dst))
	}

	want := make([]uint32, 20)
	for i := range want {
		want[i] = uint32(10 + i*3)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d values, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("value %d = %d, want %d", i, got[i], want[i])
		}
	}
}

// TestOverflowInducesSplit is scenario S4: with element size 1 and a
// 4096-byte page size, inserting 8192 bytes at offset 0 must split the root
// into an internal node with at least two leaf children.
func TestOverflowInducesSplit(t *testing.T) {
	p := openTestPager(t, 4096)
	tree := New(p)
	txid, _ := p.BeginTx()

	root, lsn, err := tree.NewEmpty(txid, 0)
	if err != nil {
		t.Fatalf("new empty: %v", err)
	}

	payload := bytes.Repeat([]byte{0xAB}, 8192)
	root, lsn, err = tree.Insert(txid, lsn, root, 0, payload)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	_ = lsn

	size, err := tree.Size(root)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 8192 {
		t.Fatalf("size = %d, want 8192", size)
	}

	h, err := p.GetShared(root)
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	kind := PageKind(h.Bytes())
	if kind != pager.PageTypeRPTInternal {
		h.Release()
		t.Fatalf("root kind = %v, want internal (split did not occur)", kind)
	}
	entries := WrapInternal(h.Bytes()).Entries()
	h.Release()
	if len(entries) < 2 {
		t.Fatalf("root has %d children, want >= 2", len(entries))
	}

	dst := make([]byte, size)
	if _, err := tree.Read(root, 0, dst); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.Equal(dst, payload) {
		t.Fatal("read-back bytes do not match inserted payload")
	}
}

// TestRemoveShiftsTail inserts a run, removes a middle slice, and checks
// the remaining bytes shifted left with no gap — the mirror of S2.
func TestRemoveShiftsTail(t *testing.T) {
	p := openTestPager(t, 4096)
	tree := New(p)
	txid, _ := p.BeginTx()

	root, lsn, err := tree.NewEmpty(txid, 0)
	if err != nil {
		t.Fatalf("new empty: %v", err)
	}
	root, lsn, err = tree.Insert(txid, lsn, root, 0, u32sToBytes(seqU32(100)))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Remove the 5 elements starting at byte offset 20 (elements 5..9).
	root, lsn, err = tree.Remove(txid, lsn, root, 20, 20)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	_ = lsn

	size, err := tree.Size(root)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 380 {
		t.Fatalf("size = %d, want 380", size)
	}

	dst := make([]byte, size)
	if _, err := tree.Read(root, 0, dst); err != nil {
		t.Fatalf("read: %v", err)
	}
	got := bytesToU32s(dst)
	want := make([]uint32, 0, 95)
	want = append(want, 0, 1, 2, 3, 4)
	for i := uint32(10); i < 100; i++ {
		want = append(want, i)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d elements, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("element %d = %d, want %d", i, got[i], want[i])
		}
	}
}

// TestReadEqualsGroundTruth drives a sequence of inserts, writes, and
// removes against both the RPT and a flat in-memory byte slice, asserting
// byte-for-byte agreement after every step (spec.md §8.1 invariant 3).
func TestReadEqualsGroundTruth(t *testing.T) {
	p := openTestPager(t, 4096)
	tree := New(p)
	txid, _ := p.BeginTx()

	root, lsn, err := tree.NewEmpty(txid, 0)
	if err != nil {
		t.Fatalf("new empty: %v", err)
	}

	var ref []byte
	checkEqual := func(step string) {
		t.Helper()
		size, err := tree.Size(root)
		if err != nil {
			t.Fatalf("%s: size: %v", step, err)
		}
		if size != int64(len(ref)) {
			t.Fatalf("%s: size = %d, want %d", step, size, len(ref))
		}
		dst := make([]byte, size)
		if size > 0 {
			if _, err := tree.Read(root, 0, dst); err != nil {
				t.Fatalf("%s: read: %v", step, err)
			}
		}
		if !bytes.Equal(dst, ref) {
			t.Fatalf("%s: mismatch\n got=%v\nwant=%v", step, dst, ref)
		}
	}

	insertAt := func(offset int64, data []byte) {
		root, lsn, err = tree.Insert(txid, lsn, root, offset, data)
		if err != nil {
			t.Fatalf("insert at %d: %v", offset, err)
		}
		tail := append([]byte(nil), ref[offset:]...)
		ref = append(append(ref[:offset:offset], data...), tail...)
	}

	insertAt(0, bytes.Repeat([]byte{1}, 3000))
	checkEqual("after first insert")

	insertAt(1500, bytes.Repeat([]byte{2}, 5000))
	checkEqual("after interior insert")

	insertAt(int64(len(ref)), bytes.Repeat([]byte{3}, 2000))
	checkEqual("after tail append")

	// Overwrite a range in place with Write.
	chunk := bytes.Repeat([]byte{9}, 10)
	start := int64(100)
	lsn2, err := tree.Write(txid, lsn, root, start, chunk)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	lsn = lsn2
	copy(ref[start:start+int64(len(chunk))], chunk)
	checkEqual("after write")

	// Remove a middle range.
	root, lsn, err = tree.Remove(txid, lsn, root, 2000, 4000)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	ref = append(ref[:2000:2000], ref[6000:]...)
	checkEqual("after remove")
}
