package pager

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// ───────────────────────────────────────────────────────────────────────────
// ARIES recovery — Redo pass
// ───────────────────────────────────────────────────────────────────────────
//
// Redo repeats history: every UPDATE and CLR record from redo_start_lsn
// onward is reapplied regardless of whether its transaction eventually
// committed — undo is what removes losers' effects afterward. A record is
// skipped when its page is absent from the analysis DPT or its LSN is
// below that page's rec_lsn (the page was already on disk as of that
// record), and when the page's on-disk page_lsn is already at or past the
// record's LSN, which makes redo idempotent across repeated crashes during
// recovery itself.
//
// Records are grouped by page and each page's chain is replayed by its own
// goroutine — updates to different pages commute, so this fans out safely
// while preserving per-page order.
func (p *Pager) redo(st *recoveryState) error {
	dpt := st.dpt.Snapshot()
	byPage := make(map[PageID][]*WALRecord)
	for _, r := range st.records {
		if r.LSN < st.redoStart {
			continue
		}
		if r.Type != WALRecordUpdate && r.Type != WALRecordCLR {
			continue
		}
		if recLSN, ok := dpt[r.PageID]; !ok || r.LSN < recLSN {
			continue
		}
		byPage[r.PageID] = append(byPage[r.PageID], r)
	}

	var g errgroup.Group
	for pid, chain := range byPage {
		pid, chain := pid, chain
		g.Go(func() error {
			return p.redoPageChain(pid, chain)
		})
	}
	return g.Wait()
}

func (p *Pager) redoPageChain(pid PageID, chain []*WALRecord) error {
	buf, err := p.readPageRawOrZero(pid)
	if err != nil {
		return fmt.Errorf("redo read page %d: %w", pid, err)
	}

	for _, r := range chain {
		pageLSN := LSN(binary.LittleEndian.Uint64(buf[8:16]))
		if pageLSN >= r.LSN {
			continue // already reflected on disk — skip for idempotence
		}
		img := r.AfterImage
		off := int(r.Offset)
		if off+len(img) > len(buf) {
			return fmt.Errorf("redo page %d: record LSN %d out of bounds", pid, r.LSN)
		}
		copy(buf[off:off+len(img)], img)
		binary.LittleEndian.PutUint64(buf[8:16], uint64(r.LSN))
	}

	return p.writePageRaw(pid, buf)
}

// readPageRawOrZero reads a page, or returns a freshly zeroed buffer if the
// page has never been written (it was allocated and logged but the file
// was never extended before the crash).
func (p *Pager) readPageRawOrZero(id PageID) ([]byte, error) {
	buf, err := p.readPageRaw(id)
	if err == nil {
		return buf, nil
	}
	fresh := make([]byte, p.pageSize)
	return fresh, nil
}
