package pager

import "fmt"

// ───────────────────────────────────────────────────────────────────────────
// Crash Recovery — ARIES entry point
// ───────────────────────────────────────────────────────────────────────────
//
// Recover runs the three classical ARIES passes (analysis, redo, undo) over
// the WAL, in that order, against the superblock read at Open time. It is
// only invoked by OpenPager when the database file already existed — a
// freshly created file has no history to replay.

// Recover drives analysis, redo, and undo to bring the database file back
// to the state it was in at the last commit before a crash (spec.md §4.8).
func (p *Pager) Recover() error {
	records, err := ReadAllRecords(p.walPath)
	if err != nil {
		return fmt.Errorf("recover: read WAL: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	st, err := analyze(records, p.sb)
	if err != nil {
		return fmt.Errorf("recover: analysis: %w", err)
	}

	if err := p.redo(st); err != nil {
		return fmt.Errorf("recover: redo: %w", err)
	}

	if err := p.undo(st); err != nil {
		return fmt.Errorf("recover: undo: %w", err)
	}

	var maxLSN LSN
	var maxTxID TxID
	var maxPage PageID
	for _, r := range st.records {
		if r.LSN > maxLSN {
			maxLSN = r.LSN
		}
		if r.TxID > maxTxID {
			maxTxID = r.TxID
		}
		if (r.Type == WALRecordUpdate || r.Type == WALRecordCLR) && r.PageID > maxPage {
			maxPage = r.PageID
		}
	}
	if maxTxID+1 > p.sb.NextTxID {
		p.sb.NextTxID = maxTxID + 1
	}
	// The WAL may reference pages allocated after the last durable
	// superblock write; NextPageID must clear every page the log touched
	// or a post-recovery AllocPage could hand out an ID already in use.
	if maxPage+1 > p.sb.NextPageID {
		p.sb.NextPageID = maxPage + 1
		p.sb.PageCount = uint64(p.sb.NextPageID)
	}
	p.wal.SetNextLSN(maxLSN + 1)
	p.dpt = NewDirtyPageTable()

	// Undo's CLRs land in cached frames; write them through before the WAL
	// that describes them is truncated below.
	p.pool.mu.Lock()
	for _, f := range p.pool.dirtyPages() {
		if err := p.writePageRaw(f.id, f.buf); err != nil {
			p.pool.mu.Unlock()
			return fmt.Errorf("recover: flush page %d: %w", f.id, err)
		}
		f.dirty = false
	}
	p.pool.mu.Unlock()

	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("recover: sync db file: %w", err)
	}

	sbBuf := MarshalSuperblock(p.sb, p.pageSize)
	if err := p.writePageRaw(0, sbBuf); err != nil {
		return fmt.Errorf("recover: write superblock: %w", err)
	}
	if err := p.file.Sync(); err != nil {
		return err
	}

	return p.wal.Truncate()
}
