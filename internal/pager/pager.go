package pager

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
)

// ───────────────────────────────────────────────────────────────────────────
// Buffer Pool / Pager
// ───────────────────────────────────────────────────────────────────────────
//
// The Pager is the central I/O layer. It manages the database file, the
// WAL, the buffer pool (a clock-algorithm page cache), the free-list, the
// Dirty Page Table, and the superblock. All page reads and writes go
// through the Pager so that CRC validation and WAL-before-data ordering
// happen automatically. Callers obtain a page through GetShared or
// GetExclusive depending on whether they intend to read or mutate it;
// GetExclusive requires the caller to already hold the matching X lock
// from the lock table — the pager does not acquire locks itself.

// PageFrame is an in-memory cached page.
type PageFrame struct {
	id        PageID
	buf       []byte
	dirty     bool
	access    bool // clock "referenced" bit
	exclusive bool // currently checked out for writing
	lsn       LSN  // page_lsn of last modification
	pinned    int  // pin count (>0 = cannot evict)
}

// BufferPoolConfig configures the page buffer pool.
type BufferPoolConfig struct {
	MaxPages int // maximum number of cached pages (default 1024)
}

// PageBufferPool is a clock-algorithm page cache with dirty-page tracking.
// Unlike strict LRU, eviction gives every frame a second chance: a frame is
// only evicted once its access bit has been cleared on a previous sweep.
type PageBufferPool struct {
	mu       sync.Mutex
	maxPages int
	pages    map[PageID]*PageFrame
	ring     []PageID // insertion-order ring scanned by the clock hand
	hand     int
	flush    func(f *PageFrame) error // write back a dirty frame before eviction
}

func newPageBufferPool(maxPages int) *PageBufferPool {
	if maxPages <= 0 {
		maxPages = 1024
	}
	return &PageBufferPool{
		maxPages: maxPages,
		pages:    make(map[PageID]*PageFrame, maxPages),
	}
}

func (bp *PageBufferPool) get(id PageID) (*PageFrame, bool) {
	f, ok := bp.pages[id]
	if ok {
		f.access = true
	}
	return f, ok
}

// put inserts f into the pool, evicting resident frames under the clock
// algorithm until there is room. An error here means a dirty victim could
// not be written back (see evictOne) — f is still not inserted, and the
// caller must fail the operation rather than silently proceed as if it had
// cached successfully.
func (bp *PageBufferPool) put(f *PageFrame) error {
	if _, exists := bp.pages[f.id]; exists {
		f.access = true
		return nil
	}
	for len(bp.pages) >= bp.maxPages {
		evicted, err := bp.evictOne()
		if err != nil {
			return err
		}
		if !evicted {
			break // every resident page is pinned — grow past capacity
		}
	}
	bp.pages[f.id] = f
	bp.ring = append(bp.ring, f.id)
	return nil
}

func (bp *PageBufferPool) remove(id PageID) {
	if _, ok := bp.pages[id]; !ok {
		return
	}
	delete(bp.pages, id)
}

// evictOne runs one clock sweep: a page with its access bit set is given a
// second chance (bit cleared, hand advances); the first unpinned page found
// with its access bit already clear is evicted. Before a dirty victim is
// dropped, its page_lsn is force-WALed and its bytes are written through to
// the database file (spec.md §4.2's "before evicting a dirty frame, ensure
// its page_lsn has been force_wal-ed; then write the page via the file
// pool and clear DIRTY") — a failure here aborts the sweep instead of
// losing the page silently.
func (bp *PageBufferPool) evictOne() (bool, error) {
	n := len(bp.ring)
	if n == 0 {
		return false, nil
	}
	for i := 0; i < 2*n; i++ {
		pid := bp.ring[bp.hand]
		f, ok := bp.pages[pid]
		bp.hand = (bp.hand + 1) % n
		if !ok {
			continue // already evicted, stale ring slot
		}
		if f.pinned > 0 {
			continue
		}
		if f.access {
			f.access = false
			continue
		}
		if f.dirty && bp.flush != nil {
			if err := bp.flush(f); err != nil {
				return false, fmt.Errorf("evict page %d: %w", pid, err)
			}
		}
		delete(bp.pages, pid)
		return true, nil
	}
	return false, nil
}

// dirtyPages returns all dirty page frames.
func (bp *PageBufferPool) dirtyPages() []*PageFrame {
	var out []*PageFrame
	for _, f := range bp.pages {
		if f.dirty {
			out = append(out, f)
		}
	}
	return out
}

// ───────────────────────────────────────────────────────────────────────────
// Pager
// ───────────────────────────────────────────────────────────────────────────

// PagerConfig configures a Pager.
type PagerConfig struct {
	DBPath        string
	WALPath       string
	PageSize      int
	MaxCachePages int // buffer pool capacity (0 = default 1024)
}

// Pager manages page-level I/O, WAL, buffer pool, free-list, and DPT.
type Pager struct {
	mu       sync.RWMutex
	file     *os.File
	wal      *WALFile
	pool     *PageBufferPool
	sb       *Superblock
	freeMgr  *FreeManager
	dpt      *DirtyPageTable
	pageSize int
	path     string
	walPath  string
	closed   bool
}

// Handle is a checked-out page reference returned by GetShared/GetExclusive.
// Release must be called exactly once to unpin the page.
type Handle struct {
	p    *Pager
	id   PageID
	buf  []byte
	excl bool
}

// Bytes returns the page's buffer. Callers holding a shared Handle must not
// mutate it; use Pager.WritePage for mutations instead.
func (h *Handle) Bytes() []byte { return h.buf }

// PageID returns the handle's page.
func (h *Handle) PageID() PageID { return h.id }

// Release unpins the page, allowing it to be evicted again.
func (h *Handle) Release() {
	h.p.pool.mu.Lock()
	defer h.p.pool.mu.Unlock()
	if f, ok := h.p.pool.get(h.id); ok {
		if f.pinned > 0 {
			f.pinned--
		}
		if h.excl {
			f.exclusive = false
		}
	}
}

// OpenPager opens or creates a page-based database.
func OpenPager(cfg PagerConfig) (*Pager, error) {
	ps := cfg.PageSize
	if ps == 0 {
		ps = DefaultPageSize
	}
	if ps < MinPageSize || ps > MaxPageSize || ps&(ps-1) != 0 {
		return nil, fmt.Errorf("invalid page size %d", ps)
	}

	isNew := false
	if _, err := os.Stat(cfg.DBPath); os.IsNotExist(err) {
		isNew = true
	}

	f, err := os.OpenFile(cfg.DBPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open db file: %w", err)
	}

	p := &Pager{
		file:     f,
		pageSize: ps,
		path:     cfg.DBPath,
		walPath:  cfg.WALPath,
		pool:     newPageBufferPool(cfg.MaxCachePages),
		freeMgr:  NewFreeManager(),
		dpt:      NewDirtyPageTable(),
	}
	p.pool.flush = p.flushDirtyFrame

	if isNew {
		sb := NewSuperblock(uint32(ps))
		buf := MarshalSuperblock(sb, ps)
		if _, err := f.WriteAt(buf, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("write header page: %w", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, err
		}
		p.sb = sb
	} else {
		sb, err := p.readSuperblock()
		if err != nil {
			f.Close()
			return nil, err
		}
		p.sb = sb
		p.pageSize = int(sb.PageSize) // honour on-disk page size

		if sb.FirstTombstone != InvalidPageID {
			if err := p.freeMgr.LoadFromDisk(sb.FirstTombstone, p.readPageRaw); err != nil {
				f.Close()
				return nil, fmt.Errorf("load freelist: %w", err)
			}
		}
	}

	walPath := cfg.WALPath
	if walPath == "" {
		walPath = cfg.DBPath + ".wal"
	}
	p.walPath = walPath
	wf, err := OpenWALFile(walPath, p.pageSize)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open WAL file: %w", err)
	}
	p.wal = wf

	if !isNew {
		if err := p.Recover(); err != nil {
			wf.Close()
			f.Close()
			return nil, fmt.Errorf("ARIES recovery: %w", err)
		}
	}

	return p, nil
}

func (p *Pager) readSuperblock() (*Superblock, error) {
	buf := make([]byte, p.pageSize)
	if _, err := p.file.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("read header page: %w", err)
	}
	return UnmarshalSuperblock(buf)
}

// readPageRaw reads a page directly from the database file (no cache).
func (p *Pager) readPageRaw(id PageID) ([]byte, error) {
	buf := make([]byte, p.pageSize)
	off := int64(id) * int64(p.pageSize)
	if _, err := p.file.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("read page %d: %w", id, err)
	}
	if err := VerifyPageCRC(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// writePageRaw writes a page directly to the database file (no cache).
func (p *Pager) writePageRaw(id PageID, buf []byte) error {
	SetPageCRC(buf)
	off := int64(id) * int64(p.pageSize)
	if _, err := p.file.WriteAt(buf, off); err != nil {
		return fmt.Errorf("write page %d: %w", id, err)
	}
	return nil
}

// flushDirtyFrame forces the WAL durable up to the frame's page_lsn and
// writes the frame's bytes through to the database file, satisfying the
// WAL-before-data rule (spec.md §4.2) for a page the clock sweep is about
// to drop. Called with bp.mu already held by evictOne; it only touches the
// WAL's own lock and the raw file, never the pool, so it cannot deadlock
// against its caller.
func (p *Pager) flushDirtyFrame(f *PageFrame) error {
	if err := p.wal.Sync(); err != nil {
		return fmt.Errorf("force WAL for page %d: %w", f.id, err)
	}
	buf := make([]byte, len(f.buf))
	copy(buf, f.buf)
	if err := p.writePageRaw(f.id, buf); err != nil {
		return err
	}
	f.dirty = false
	p.dpt.Clear(f.id)
	return nil
}

// ── Public page I/O ───────────────────────────────────────────────────────

func (p *Pager) fetch(id PageID) (*PageFrame, error) {
	p.pool.mu.Lock()
	if f, ok := p.pool.get(id); ok {
		f.pinned++
		p.pool.mu.Unlock()
		return f, nil
	}
	p.pool.mu.Unlock()

	buf, err := p.readPageRaw(id)
	if err != nil {
		return nil, err
	}
	f := &PageFrame{id: id, buf: buf, pinned: 1, access: true}
	p.pool.mu.Lock()
	err = p.pool.put(f)
	p.pool.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("fetch page %d: %w", id, err)
	}
	return f, nil
}

// GetShared returns a pinned, read-only Handle for a page.
func (p *Pager) GetShared(id PageID) (*Handle, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	f, err := p.fetch(id)
	if err != nil {
		return nil, err
	}
	return &Handle{p: p, id: id, buf: f.buf}, nil
}

// GetExclusive returns a pinned, writable Handle for a page. The caller
// must already hold the corresponding X lock from the lock table; the
// pager only tracks the exclusive-pin bit for diagnostics and assumes the
// caller has serialized writers.
func (p *Pager) GetExclusive(txID TxID, id PageID) (*Handle, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	f, err := p.fetch(id)
	if err != nil {
		return nil, err
	}
	f.exclusive = true
	return &Handle{p: p, id: id, buf: f.buf, excl: true}, nil
}

// WritePage applies after[:] to buf[offset:offset+len(after)] on page id,
// writing an UPDATE record to the WAL before mutating the cached frame
// (WAL-before-data). prevLSN chains this record to the transaction's last
// WAL record. Returns the assigned LSN.
func (p *Pager) WritePage(txID TxID, prevLSN LSN, id PageID, offset int, after []byte) (LSN, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pool.mu.Lock()
	f, ok := p.pool.get(id)
	if !ok {
		buf, err := p.readPageRaw(id)
		if err != nil {
			p.pool.mu.Unlock()
			return 0, err
		}
		f = &PageFrame{id: id, buf: buf, access: true}
		if err := p.pool.put(f); err != nil {
			p.pool.mu.Unlock()
			return 0, fmt.Errorf("write page %d: %w", id, err)
		}
	}
	before := make([]byte, len(after))
	copy(before, f.buf[offset:offset+len(after)])
	p.pool.mu.Unlock()

	rec := &WALRecord{
		Type:        WALRecordUpdate,
		PrevLSN:     prevLSN,
		TxID:        txID,
		PageID:      id,
		Offset:      uint32(offset),
		BeforeImage: before,
		AfterImage:  append([]byte{}, after...),
	}
	lsn, err := p.wal.AppendRecord(rec)
	if err != nil {
		return 0, fmt.Errorf("WAL update page %d: %w", id, err)
	}

	p.pool.mu.Lock()
	copy(f.buf[offset:offset+len(after)], after)
	binary.LittleEndian.PutUint64(f.buf[8:16], uint64(lsn)) // page_lsn in common header
	f.lsn = lsn
	f.dirty = true
	p.pool.mu.Unlock()

	p.dpt.Add(id, lsn)
	return lsn, nil
}

// ApplyCLR re-applies a compensation record during undo: it writes the
// CLR to the WAL (so undo itself is crash-safe) and restores the given
// bytes without computing a before-image (the before-image of a CLR is
// meaningless — CLRs are never themselves undone).
func (p *Pager) ApplyCLR(txID TxID, id PageID, offset int, restore []byte, undoneLSN, undoNextLSN LSN) (LSN, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec := &WALRecord{
		Type:        WALRecordCLR,
		TxID:        txID,
		PageID:      id,
		Offset:      uint32(offset),
		AfterImage:  append([]byte{}, restore...),
		UndoNextLSN: undoNextLSN,
	}
	lsn, err := p.wal.AppendRecord(rec)
	if err != nil {
		return 0, fmt.Errorf("WAL CLR page %d: %w", id, err)
	}

	p.pool.mu.Lock()
	f, ok := p.pool.get(id)
	if !ok {
		buf, err := p.readPageRaw(id)
		if err != nil {
			p.pool.mu.Unlock()
			return 0, err
		}
		f = &PageFrame{id: id, buf: buf, access: true}
		if err := p.pool.put(f); err != nil {
			p.pool.mu.Unlock()
			return 0, fmt.Errorf("apply CLR page %d: %w", id, err)
		}
	}
	copy(f.buf[offset:offset+len(restore)], restore)
	binary.LittleEndian.PutUint64(f.buf[8:16], uint64(lsn))
	f.lsn = lsn
	f.dirty = true
	p.pool.mu.Unlock()

	p.dpt.Add(id, lsn)
	return lsn, nil
}

// ── Transaction management ────────────────────────────────────────────────

// BeginTx allocates a new TxID and writes a BEGIN record to the WAL.
func (p *Pager) BeginTx() (TxID, error) {
	p.mu.Lock()
	txID := p.sb.NextTxID
	p.sb.NextTxID++
	p.mu.Unlock()

	rec := &WALRecord{Type: WALRecordBegin, TxID: txID}
	if _, err := p.wal.AppendRecord(rec); err != nil {
		return 0, err
	}
	return txID, nil
}

// CommitTx writes COMMIT then END records and fsyncs the WAL before
// returning, satisfying the durability half of the commit protocol.
func (p *Pager) CommitTx(txID TxID, lastLSN LSN) error {
	rec := &WALRecord{Type: WALRecordCommit, TxID: txID, PrevLSN: lastLSN}
	commitLSN, err := p.wal.AppendRecord(rec)
	if err != nil {
		return err
	}
	if err := p.wal.Sync(); err != nil {
		return err
	}
	end := &WALRecord{Type: WALRecordEnd, TxID: txID, PrevLSN: commitLSN}
	_, err = p.wal.AppendRecord(end)
	return err
}

// AbortTx writes an ABORT record; the caller is responsible for driving
// undo (internal/pager's undo pass, or numstore.Txn.Rollback) before
// writing END.
func (p *Pager) AbortTx(txID TxID, lastLSN LSN) (LSN, error) {
	rec := &WALRecord{Type: WALRecordAbort, TxID: txID, PrevLSN: lastLSN}
	return p.wal.AppendRecord(rec)
}

// EndTx writes the final END record once undo (if any) has completed.
func (p *Pager) EndTx(txID TxID, lastLSN LSN) error {
	rec := &WALRecord{Type: WALRecordEnd, TxID: txID, PrevLSN: lastLSN}
	_, err := p.wal.AppendRecord(rec)
	return err
}

// ── Page allocation ───────────────────────────────────────────────────────

// AllocPage allocates a new page (from the free-list or by extending the
// file) and returns its page ID, a zeroed scratch buffer the caller is free
// to mutate while building the page's initial contents, and a pinned
// *Handle the caller must Release once its initial WritePage call has gone
// through — exactly like a Handle from GetExclusive, so an allocation-heavy
// workload doesn't leave every page it ever allocated pinned forever and
// defeat the buffer pool's eviction bound. The scratch buffer is
// deliberately NOT the frame's own backing array: the frame starts out
// zeroed and stays that way until the caller hands the finished contents to
// WritePage, so WritePage's before-image capture sees the page's true prior
// state (all zero) rather than whatever the caller had already written into
// it — the same WAL-before-data discipline every other mutation goes
// through, just for a page that didn't exist a moment ago.
func (p *Pager) AllocPage() (PageID, []byte, *Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pid := p.freeMgr.Alloc()
	if pid == InvalidPageID {
		pid = p.sb.NextPageID
		p.sb.NextPageID++
		p.sb.PageCount++
	}
	buf := make([]byte, p.pageSize)
	f := &PageFrame{id: pid, buf: buf, pinned: 1, exclusive: true, access: true}
	p.pool.mu.Lock()
	err := p.pool.put(f)
	p.pool.mu.Unlock()
	if err != nil {
		return 0, nil, nil, fmt.Errorf("alloc page %d: %w", pid, err)
	}
	scratch := make([]byte, p.pageSize)
	return pid, scratch, &Handle{p: p, id: pid, buf: f.buf, excl: true}, nil
}

// FreePage marks a page as free for reuse.
func (p *Pager) FreePage(pid PageID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freeMgr.Free(pid)
	p.pool.mu.Lock()
	p.pool.remove(pid)
	p.pool.mu.Unlock()
	p.dpt.Clear(pid)
}

// freeOldFreeListChain walks the old free-list chain and adds those pages
// to the FreeManager so they can be reused. Must be called with p.mu held.
func (p *Pager) freeOldFreeListChain(head PageID) {
	pid := head
	for pid != InvalidPageID {
		buf, err := p.readPageRaw(pid)
		if err != nil {
			break
		}
		fl := WrapFreeListPage(buf)
		next := fl.NextFreeList()
		p.freeMgr.Free(pid)
		pid = next
	}
}

// ── Checkpoint ────────────────────────────────────────────────────────────

// CheckpointSnapshot is the payload of a fuzzy CHECKPOINT record: the DPT
// as it stood at the instant the record was appended, plus the set of
// transactions the caller reports as still active (the TT snapshot lives
// in internal/txntable and is serialized by the caller into TTPayload).
type CheckpointSnapshot struct {
	DPT      map[PageID]LSN
	TTPayload []byte
}

// Checkpoint performs a fuzzy checkpoint: it snapshots the DPT, appends a
// CHECKPOINT record (never blocking on in-flight writers), forces the WAL,
// then opportunistically flushes whatever is dirty and advances the
// superblock's MasterLSN and free-list. ttPayload is an opaque blob handed
// in by the caller (internal/txntable's serialized active-transaction set).
func (p *Pager) Checkpoint(ttPayload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	dptSnapshot := p.dpt.Snapshot()
	payload := append(SerializeDPT(dptSnapshot), ttPayload...)
	rec := &WALRecord{Type: WALRecordCheckpoint, Payload: payload}
	lsn, err := p.wal.AppendRecord(rec)
	if err != nil {
		return err
	}
	if err := p.wal.Sync(); err != nil {
		return err
	}

	p.pool.mu.Lock()
	dirty := p.pool.dirtyPages()
	for _, f := range dirty {
		SetPageCRC(f.buf)
		if err := p.writePageRaw(f.id, f.buf); err != nil {
			p.pool.mu.Unlock()
			return fmt.Errorf("checkpoint flush page %d: %w", f.id, err)
		}
		f.dirty = false
		p.dpt.Clear(f.id)
	}
	p.pool.mu.Unlock()

	oldFLHead := p.sb.FirstTombstone
	if oldFLHead != InvalidPageID {
		p.freeOldFreeListChain(oldFLHead)
	}

	flHead, flPages := p.freeMgr.FlushToDisk(p.pageSize, func() (PageID, []byte) {
		pid := p.sb.NextPageID
		p.sb.NextPageID++
		p.sb.PageCount++
		return pid, make([]byte, p.pageSize)
	})
	for _, fb := range flPages {
		pid := PageID(binary.LittleEndian.Uint32(fb[4:8]))
		if err := p.writePageRaw(pid, fb); err != nil {
			return fmt.Errorf("checkpoint freelist page: %w", err)
		}
	}

	p.sb.FirstTombstone = flHead
	p.sb.MasterLSN = lsn
	sbBuf := MarshalSuperblock(p.sb, p.pageSize)
	if err := p.writePageRaw(0, sbBuf); err != nil {
		return fmt.Errorf("checkpoint header page: %w", err)
	}

	if err := p.file.Sync(); err != nil {
		return err
	}

	return p.wal.Truncate()
}

// ── Superblock access ─────────────────────────────────────────────────────

// Superblock returns a copy of the current superblock.
func (p *Pager) Superblock() Superblock {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return *p.sb
}

// UpdateSuperblock updates the in-memory superblock fields. It does NOT
// write to disk. Use Checkpoint for that.
func (p *Pager) UpdateSuperblock(fn func(sb *Superblock)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p.sb)
}

// PageSize returns the configured page size.
func (p *Pager) PageSize() int { return p.pageSize }

// DPT exposes the dirty page table, primarily for the recovery passes.
func (p *Pager) DPT() *DirtyPageTable { return p.dpt }

// WAL exposes the underlying WAL file, primarily for the recovery passes.
func (p *Pager) WAL() *WALFile { return p.wal }

// ── Close ─────────────────────────────────────────────────────────────────

// Close performs a final checkpoint and closes all files.
func (p *Pager) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if err := p.Checkpoint(nil); err != nil {
		_ = p.wal.Close()
		_ = p.file.Close()
		return err
	}
	if err := p.wal.Close(); err != nil {
		_ = p.file.Close()
		return err
	}
	return p.file.Close()
}

// Path returns the database file path.
func (p *Pager) Path() string { return p.path }

// WALPath returns the WAL file path.
func (p *Pager) WALPath() string { return p.walPath }
