package pager

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestPageHeader_MarshalRoundTrip(t *testing.T) {
	h := PageHeader{
		Type:         PageTypeDataList,
		Flags:        0x42,
		ID:           PageID(99),
		LSN:          LSN(12345),
		CRC:          0xDEADBEEF,
		FreeListNext: PageID(7),
	}
	buf := make([]byte, PageHeaderSize)
	MarshalHeader(&h, buf)
	h2 := UnmarshalHeader(buf)
	if h2.Type != h.Type || h2.Flags != h.Flags || h2.ID != h.ID || h2.LSN != h.LSN ||
		h2.CRC != h.CRC || h2.FreeListNext != h.FreeListNext {
		t.Fatalf("header roundtrip mismatch: %+v vs %+v", h, h2)
	}
}

func TestCRC_DetectsCorruption(t *testing.T) {
	buf := NewPage(DefaultPageSize, PageTypeDataList, 1)
	SetPageCRC(buf)
	if err := VerifyPageCRC(buf); err != nil {
		t.Fatalf("valid CRC failed: %v", err)
	}
	buf[100] ^= 0xFF
	if err := VerifyPageCRC(buf); err == nil {
		t.Fatal("expected CRC error after corruption")
	}
}

func TestSuperblock_MarshalRoundTrip(t *testing.T) {
	sb := NewSuperblock(DefaultPageSize)
	sb.FirstTombstone = PageID(3)
	sb.MasterLSN = LSN(555)
	sb.NextTxID = TxID(42)
	sb.NextPageID = PageID(17)

	buf := MarshalSuperblock(sb, DefaultPageSize)
	got, err := UnmarshalSuperblock(buf)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if *got != *sb {
		t.Fatalf("superblock roundtrip mismatch: %+v vs %+v", got, sb)
	}
}

func TestSuperblock_RejectsBadMagic(t *testing.T) {
	sb := NewSuperblock(DefaultPageSize)
	buf := MarshalSuperblock(sb, DefaultPageSize)
	copy(buf[sbMagicOff:sbMagicOff+8], "GARBAGE!")
	SetPageCRC(buf)
	if _, err := UnmarshalSuperblock(buf); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestFreeList_AllocFreeRoundTrip(t *testing.T) {
	fm := NewFreeManager()
	for i := PageID(1); i <= 5; i++ {
		fm.Free(i)
	}
	if fm.Count() != 5 {
		t.Fatalf("count = %d, want 5", fm.Count())
	}
	seen := map[PageID]bool{}
	for i := 0; i < 5; i++ {
		pid := fm.Alloc()
		if pid == InvalidPageID {
			t.Fatal("unexpected empty free list")
		}
		seen[pid] = true
	}
	if len(seen) != 5 {
		t.Fatalf("got %d distinct pages, want 5", len(seen))
	}
	if fm.Alloc() != InvalidPageID {
		t.Fatal("expected empty free manager")
	}
}

func TestFreeList_FlushAndLoad(t *testing.T) {
	fm := NewFreeManager()
	for i := PageID(10); i < 10+PageID(3*FreeListCapacity(DefaultPageSize)); i++ {
		fm.Free(i)
	}
	nextID := PageID(1000)
	pages := map[PageID][]byte{}
	head, flushed := fm.FlushToDisk(DefaultPageSize, func() (PageID, []byte) {
		id := nextID
		nextID++
		return id, make([]byte, DefaultPageSize)
	})
	for _, buf := range flushed {
		h := UnmarshalHeader(buf)
		pages[h.ID] = buf
	}

	fm2 := NewFreeManager()
	if err := fm2.LoadFromDisk(head, func(pid PageID) ([]byte, error) {
		buf, ok := pages[pid]
		if !ok {
			t.Fatalf("missing flushed page %d", pid)
		}
		return buf, nil
	}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if fm2.Count() != fm.Count() {
		t.Fatalf("reloaded free count = %d, want %d", fm2.Count(), fm.Count())
	}
}

func TestDPT_AddKeepsEarliestLSN(t *testing.T) {
	d := NewDirtyPageTable()
	d.Add(1, 100)
	d.Add(1, 50) // a later caller must not move rec_lsn past the first writer's
	snap := d.Snapshot()
	if snap[1] != 100 {
		t.Fatalf("rec_lsn = %d, want 100 (first writer wins)", snap[1])
	}
}

func TestDPT_MinRecLSN(t *testing.T) {
	d := NewDirtyPageTable()
	d.Add(1, 300)
	d.Add(2, 100)
	d.Add(3, 200)
	if got := d.MinRecLSN(); got != 100 {
		t.Fatalf("MinRecLSN = %d, want 100", got)
	}
}

func TestDPT_SerializeDeserialize(t *testing.T) {
	d := NewDirtyPageTable()
	d.Add(1, 10)
	d.Add(2, 20)
	buf := SerializeDPT(d.Snapshot())
	got, _ := DeserializeDPT(buf)
	if len(got) != 2 || got[1] != 10 || got[2] != 20 {
		t.Fatalf("deserialize mismatch: %+v", got)
	}
}

func TestWAL_AppendAndReadBack(t *testing.T) {
	dir := t.TempDir()
	walPath := filepath.Join(dir, "test.wal")
	wf, err := OpenWALFile(walPath, DefaultPageSize)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	before := []byte("before")
	after := []byte("after!")
	lsn1, err := wf.AppendRecord(&WALRecord{Type: WALRecordBegin, TxID: 1})
	if err != nil {
		t.Fatalf("append begin: %v", err)
	}
	lsn2, err := wf.AppendRecord(&WALRecord{
		Type: WALRecordUpdate, TxID: 1, PrevLSN: lsn1, PageID: 5,
		Offset: 10, BeforeImage: before, AfterImage: after,
	})
	if err != nil {
		t.Fatalf("append update: %v", err)
	}
	if err := wf.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := wf.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	records, err := ReadAllRecords(walPath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].Type != WALRecordBegin || records[0].LSN != lsn1 {
		t.Fatalf("record 0 mismatch: %+v", records[0])
	}
	if records[1].Type != WALRecordUpdate || records[1].LSN != lsn2 || records[1].PageID != 5 {
		t.Fatalf("record 1 mismatch: %+v", records[1])
	}
	if !bytes.Equal(records[1].BeforeImage, before) || !bytes.Equal(records[1].AfterImage, after) {
		t.Fatalf("before/after image mismatch: %+v", records[1])
	}
}

func TestWAL_DropsCorruptTailRecord(t *testing.T) {
	dir := t.TempDir()
	walPath := filepath.Join(dir, "test.wal")
	wf, err := OpenWALFile(walPath, DefaultPageSize)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := wf.AppendRecord(&WALRecord{Type: WALRecordUpdate, TxID: 1, PageID: 1, AfterImage: []byte("x")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	wf.Close()

	raw, err := os.ReadFile(walPath)
	if err != nil {
		t.Fatal(err)
	}
	raw[WALFileHdrSize+10] ^= 0xFF
	if err := os.WriteFile(walPath, raw, 0644); err != nil {
		t.Fatal(err)
	}

	// A corrupted record is silently dropped by ReadAllRecords (crash
	// truncation never leaves a half-written record durable), so this
	// should come back with zero records rather than an error.
	records, err := ReadAllRecords(walPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected corrupted record to be dropped, got %d", len(records))
	}
}

func openTestPager(t *testing.T) *Pager {
	t.Helper()
	dir := t.TempDir()
	p, err := OpenPager(PagerConfig{
		DBPath:  filepath.Join(dir, "test.db"),
		WALPath: filepath.Join(dir, "test.wal"),
	})
	if err != nil {
		t.Fatalf("open pager: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPager_AllocWriteReadBack(t *testing.T) {
	p := openTestPager(t)

	pid, _, h0, err := p.AllocPage()
	if err != nil {
		t.Fatalf("alloc page: %v", err)
	}
	h0.Release()
	txID, err := p.BeginTx()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	payload := []byte("hello, numstore")
	lsn, err := p.WritePage(txID, 0, pid, PageHeaderSize, payload)
	if err != nil {
		t.Fatalf("write page: %v", err)
	}
	if lsn == 0 {
		t.Fatal("expected nonzero LSN")
	}
	if err := p.CommitTx(txID, lsn); err != nil {
		t.Fatalf("commit: %v", err)
	}

	h2, err := p.GetShared(pid)
	if err != nil {
		t.Fatalf("get shared: %v", err)
	}
	defer h2.Release()
	got := h2.Bytes()[PageHeaderSize : PageHeaderSize+len(payload)]
	if !bytes.Equal(got, payload) {
		t.Fatalf("readback mismatch: got %q, want %q", got, payload)
	}
}

func TestPager_CheckpointClearsDPT(t *testing.T) {
	p := openTestPager(t)
	pid, _, h0, err := p.AllocPage()
	if err != nil {
		t.Fatalf("alloc page: %v", err)
	}
	h0.Release()
	txID, _ := p.BeginTx()
	lsn, err := p.WritePage(txID, 0, pid, PageHeaderSize, []byte("data"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := p.CommitTx(txID, lsn); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := p.Checkpoint(nil); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if p.dpt.MinRecLSN() != 0 {
		t.Fatal("expected DPT cleared after checkpoint flush")
	}
}

func TestPager_RecoverReplaysCommittedWrite(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "crash.db")
	walPath := filepath.Join(dir, "crash.wal")

	p, err := OpenPager(PagerConfig{DBPath: dbPath, WALPath: walPath})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	pid, _, h0, err := p.AllocPage()
	if err != nil {
		t.Fatalf("alloc page: %v", err)
	}
	h0.Release()
	txID, _ := p.BeginTx()
	payload := []byte("durable-bytes")
	lsn, err := p.WritePage(txID, 0, pid, PageHeaderSize, payload)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := p.CommitTx(txID, lsn); err != nil {
		t.Fatalf("commit: %v", err)
	}
	// Simulate a crash: close the WAL and DB file handles directly,
	// bypassing Pager.Close (which would checkpoint and truncate the WAL).
	if err := p.wal.f.Close(); err != nil {
		t.Fatal(err)
	}
	if err := p.file.Close(); err != nil {
		t.Fatal(err)
	}

	p2, err := OpenPager(PagerConfig{DBPath: dbPath, WALPath: walPath})
	if err != nil {
		t.Fatalf("reopen (with recovery): %v", err)
	}
	defer p2.Close()

	h, err := p2.GetShared(pid)
	if err != nil {
		t.Fatalf("get shared after recovery: %v", err)
	}
	defer h.Release()
	got := h.Bytes()[PageHeaderSize : PageHeaderSize+len(payload)]
	if !bytes.Equal(got, payload) {
		t.Fatalf("recovered bytes = %q, want %q", got, payload)
	}
}

func TestPager_RecoverUndoesUncommittedWrite(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "loser.db")
	walPath := filepath.Join(dir, "loser.wal")

	p, err := OpenPager(PagerConfig{DBPath: dbPath, WALPath: walPath})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	pid, _, h0, err := p.AllocPage()
	if err != nil {
		t.Fatalf("alloc page: %v", err)
	}
	h0.Release()

	txID, _ := p.BeginTx()
	if _, err := p.WritePage(txID, 0, pid, PageHeaderSize, []byte("never-committed")); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Crash without COMMIT or END: txID is a loser and must be undone.
	if err := p.wal.f.Close(); err != nil {
		t.Fatal(err)
	}
	if err := p.file.Close(); err != nil {
		t.Fatal(err)
	}

	p2, err := OpenPager(PagerConfig{DBPath: dbPath, WALPath: walPath})
	if err != nil {
		t.Fatalf("reopen (with recovery): %v", err)
	}
	defer p2.Close()

	h, err := p2.GetShared(pid)
	if err != nil {
		t.Fatalf("get shared after recovery: %v", err)
	}
	defer h.Release()
	got := h.Bytes()[PageHeaderSize : PageHeaderSize+len("never-committed")]
	if bytes.Equal(got, []byte("never-committed")) {
		t.Fatal("uncommitted write should have been undone by recovery")
	}
}
