package pager

import "container/heap"

// ───────────────────────────────────────────────────────────────────────────
// ARIES recovery — Undo pass
// ───────────────────────────────────────────────────────────────────────────
//
// Undo walks every loser transaction's log chain backward from its last
// LSN, writing a CLR for each UPDATE it reverses so the rollback itself
// survives a second crash. CLRs are never undone; instead their
// UndoNextLSN field tells undo where to jump next, skipping the range
// they already compensated for. All losers are processed together off one
// max-LSN heap so the pass always undoes the most recent operation across
// the whole log first — the classic ARIES loop.

type undoItem struct {
	lsn  LSN
	txid TxID
}

type undoHeap []undoItem

func (h undoHeap) Len() int            { return len(h) }
func (h undoHeap) Less(i, j int) bool  { return h[i].lsn > h[j].lsn } // max-heap
func (h undoHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *undoHeap) Push(x interface{}) { *h = append(*h, x.(undoItem)) }
func (h *undoHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// undo rolls back every loser transaction found by analysis: transactions
// that saw no END record, whether still RUNNING or already ABORTed.
func (p *Pager) undo(st *recoveryState) error {
	h := &undoHeap{}
	heap.Init(h)
	for txid, tx := range st.tt {
		heap.Push(h, undoItem{lsn: tx.lastLSN, txid: txid})
	}

	for h.Len() > 0 {
		it := heap.Pop(h).(undoItem)
		rec, ok := st.byLSN[it.lsn]
		if !ok {
			continue
		}

		switch rec.Type {
		case WALRecordUpdate:
			lsn, err := p.ApplyCLR(rec.TxID, rec.PageID, int(rec.Offset), rec.BeforeImage, rec.LSN, rec.PrevLSN)
			if err != nil {
				return err
			}
			_ = lsn
			if rec.PrevLSN != 0 {
				heap.Push(h, undoItem{lsn: rec.PrevLSN, txid: rec.TxID})
			} else {
				if err := p.EndTx(rec.TxID, lsn); err != nil {
					return err
				}
			}
		case WALRecordCLR:
			// Already-compensating record encountered while walking a
			// chain manually (rollback-to-savepoint); jump past it.
			if rec.UndoNextLSN != 0 {
				heap.Push(h, undoItem{lsn: rec.UndoNextLSN, txid: rec.TxID})
			}
		case WALRecordBegin:
			if err := p.EndTx(rec.TxID, rec.LSN); err != nil {
				return err
			}
		case WALRecordAbort, WALRecordCommit:
			if rec.PrevLSN != 0 {
				heap.Push(h, undoItem{lsn: rec.PrevLSN, txid: rec.TxID})
			}
		}
	}
	return nil
}

// UndoToSavepoint rolls back txID's own chain from fromLSN down to (but not
// including) toLSN, writing CLRs as it goes. Used by Txn.RollbackTo — the
// same per-record logic as crash undo, scoped to a single transaction and
// a single in-memory byLSN index built from the transaction's live chain.
func (p *Pager) UndoToSavepoint(txID TxID, byLSN map[LSN]*WALRecord, fromLSN, toLSN LSN) (LSN, error) {
	cur := fromLSN
	last := fromLSN
	for cur != 0 && cur > toLSN {
		rec, ok := byLSN[cur]
		if !ok {
			break
		}
		switch rec.Type {
		case WALRecordUpdate:
			next := rec.PrevLSN
			if next < toLSN {
				next = toLSN
			}
			lsn, err := p.ApplyCLR(txID, rec.PageID, int(rec.Offset), rec.BeforeImage, rec.LSN, next)
			if err != nil {
				return 0, err
			}
			last = lsn
			cur = rec.PrevLSN
		case WALRecordCLR:
			cur = rec.UndoNextLSN
		default:
			cur = rec.PrevLSN
		}
	}
	return last, nil
}
