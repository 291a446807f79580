package numstore

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/Numstore/numstore-sub001/internal/rpt"
)

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	st, err := Open(filepath.Join(dir, "test.db"), filepath.Join(dir, "test.wal"), Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return st
}

func u32sBytes(vals []uint32) []byte {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	return buf
}

// TestOpenBeginInsertCommitRead exercises the full public API surface
// (spec.md §4.9) end to end: open, begin, allocate an array, insert,
// commit, and read the committed data back on a new transaction.
func TestOpenBeginInsertCommitRead(t *testing.T) {
	dir := t.TempDir()
	st := openTestStore(t, dir)
	defer st.Close()

	tx, err := st.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	arr, err := tx.NewArray()
	if err != nil {
		t.Fatalf("new array: %v", err)
	}
	vals := make([]uint32, 100)
	for i := range vals {
		vals[i] = uint32(i)
	}
	if err := tx.Insert(arr, u32sBytes(vals), 0, 4, 100); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	size, err := arr.Size()
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 400 {
		t.Fatalf("size = %d, want 400", size)
	}

	dst := make([]byte, 400)
	start := int64(0)
	n, err := arr.Read(dst, 4, rpt.Stride{Start: &start, Step: 1})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != 400 {
		t.Fatalf("read %d bytes, want 400", n)
	}
	for i := 0; i < 100; i++ {
		got := binary.LittleEndian.Uint32(dst[i*4:])
		if got != uint32(i) {
			t.Fatalf("element %d = %d, want %d", i, got, i)
		}
	}
}

// TestRollbackDiscardsChanges is the single-transaction half of scenario
// S5: a transaction that inserts data into an existing, empty array and
// then rolls back must leave the array empty.
func TestRollbackDiscardsChanges(t *testing.T) {
	dir := t.TempDir()
	st := openTestStore(t, dir)
	defer st.Close()

	setup, err := st.Begin()
	if err != nil {
		t.Fatalf("begin setup: %v", err)
	}
	arr, err := setup.NewArray()
	if err != nil {
		t.Fatalf("new array: %v", err)
	}
	if err := setup.Commit(); err != nil {
		t.Fatalf("commit setup: %v", err)
	}

	tx, err := st.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.Insert(arr, bytes.Repeat([]byte{1}, 1024), 0, 1, 1024); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	size, err := arr.Size()
	if err != nil {
		t.Fatalf("size after rollback: %v", err)
	}
	if size != 0 {
		t.Fatalf("size after rollback = %d, want 0", size)
	}
}

// TestSavepointRollbackTo begins a transaction, inserts, takes a
// savepoint, inserts more, rolls back to the savepoint, and expects only
// the first insert's effect to remain while the transaction stays open
// (spec.md §4.8.5).
func TestSavepointRollbackTo(t *testing.T) {
	dir := t.TempDir()
	st := openTestStore(t, dir)
	defer st.Close()

	tx, err := st.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	arr, err := tx.NewArray()
	if err != nil {
		t.Fatalf("new array: %v", err)
	}
	if err := tx.Insert(arr, bytes.Repeat([]byte{1}, 100), 0, 1, 100); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	sp, err := tx.Savepoint()
	if err != nil {
		t.Fatalf("savepoint: %v", err)
	}
	if err := tx.Insert(arr, bytes.Repeat([]byte{2}, 50), 100, 1, 50); err != nil {
		t.Fatalf("second insert: %v", err)
	}

	// tx still holds X on the array, so its size is read through the tree
	// directly rather than through Array.Size's separate Shared lock.
	size, err := rpt.New(st.pager).Size(arr.Root())
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 150 {
		t.Fatalf("size before rollback-to = %d, want 150", size)
	}

	if err := tx.RollbackTo(sp); err != nil {
		t.Fatalf("rollback to savepoint: %v", err)
	}
	size, err = rpt.New(st.pager).Size(arr.Root())
	if err != nil {
		t.Fatalf("size after rollback-to: %v", err)
	}
	if size != 100 {
		t.Fatalf("size after rollback-to savepoint = %d, want 100", size)
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

// TestCommitSurvivesReopen is scenario S6: commit, then reopen the store
// without an intervening graceful shutdown, and expect the committed data
// still there byte-for-byte.
func TestCommitSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	walPath := filepath.Join(dir, "test.wal")

	st, err := Open(dbPath, walPath, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	tx, err := st.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	arr, err := tx.NewArray()
	if err != nil {
		t.Fatalf("new array: %v", err)
	}
	payload := bytes.Repeat([]byte{0x42}, 4096)
	if err := tx.Insert(arr, payload, 0, 1, len(payload)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	root := arr.Root()

	// Simulate a crash: skip Close (no final checkpoint/flush), reopen
	// against the same files and let ARIES recovery run.
	st2, err := Open(dbPath, walPath, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()

	arr2 := &Array{store: st2, root: root}
	size, err := arr2.Size()
	if err != nil {
		t.Fatalf("size after reopen: %v", err)
	}
	if size != int64(len(payload)) {
		t.Fatalf("size after reopen = %d, want %d", size, len(payload))
	}
	dst := make([]byte, size)
	if _, err := arr2.Read(dst, 1, rpt.Stride{Step: 1}); err != nil {
		t.Fatalf("read after reopen: %v", err)
	}
	if !bytes.Equal(dst, payload) {
		t.Fatal("read-back bytes after reopen do not match committed payload")
	}
}
