package pager

// ───────────────────────────────────────────────────────────────────────────
// ARIES recovery — Analysis pass
// ───────────────────────────────────────────────────────────────────────────
//
// Analysis rebuilds, from the log alone, the state the Dirty Page Table and
// Transaction Table were in at the moment of the crash: which pages were
// dirty and since which LSN, and which transactions were still open (never
// reached an END record). It seeds the DPT from the last CHECKPOINT
// record's snapshot, then scans every record after it.

// recoveryTxStatus is the transient, recovery-local view of a transaction.
// It exists only for the duration of one Recover() call; a fresh
// internal/txntable.Table is what the running engine uses afterward.
type recoveryTxStatus struct {
	lastLSN LSN
	aborted bool // saw an ABORT record with no matching END
}

// recoveryState accumulates everything the three ARIES passes share.
type recoveryState struct {
	records     []*WALRecord   // every record in the WAL, forward order
	byLSN       map[LSN]*WALRecord
	dpt         *DirtyPageTable
	tt          map[TxID]*recoveryTxStatus
	redoStart   LSN
}

// analyze performs the Analysis pass over recs (the full forward scan of
// the WAL), seeding dpt from the checkpoint record found at sb.MasterLSN
// if one exists.
func analyze(recs []*WALRecord, sb *Superblock) (*recoveryState, error) {
	st := &recoveryState{
		records: recs,
		byLSN:   make(map[LSN]*WALRecord, len(recs)),
		dpt:     NewDirtyPageTable(),
		tt:      make(map[TxID]*recoveryTxStatus),
	}
	for _, r := range recs {
		st.byLSN[r.LSN] = r
	}

	startIdx := 0
	if sb.MasterLSN != 0 {
		if ckpt, ok := st.byLSN[sb.MasterLSN]; ok && ckpt.Type == WALRecordCheckpoint {
			snapshot, _ := DeserializeDPT(ckpt.Payload)
			st.dpt.MergeInto(snapshot)
		}
		for i, r := range recs {
			if r.LSN == sb.MasterLSN {
				startIdx = i
				break
			}
		}
	}

	for _, r := range recs[startIdx:] {
		switch r.Type {
		case WALRecordBegin:
			st.tt[r.TxID] = &recoveryTxStatus{lastLSN: r.LSN}
		case WALRecordUpdate, WALRecordCLR:
			if tx, ok := st.tt[r.TxID]; ok {
				tx.lastLSN = r.LSN
			} else {
				st.tt[r.TxID] = &recoveryTxStatus{lastLSN: r.LSN}
			}
			st.dpt.Add(r.PageID, r.LSN)
		case WALRecordAbort:
			if tx, ok := st.tt[r.TxID]; ok {
				tx.lastLSN = r.LSN
				tx.aborted = true
			} else {
				st.tt[r.TxID] = &recoveryTxStatus{lastLSN: r.LSN, aborted: true}
			}
		case WALRecordCommit:
			if tx, ok := st.tt[r.TxID]; ok {
				tx.lastLSN = r.LSN
			}
		case WALRecordEnd:
			delete(st.tt, r.TxID)
		case WALRecordCheckpoint:
			// Already folded into the seed above when it's the master
			// checkpoint; later checkpoints (shouldn't normally occur
			// after the master one in a single log) are no-ops here.
		}
	}

	st.redoStart = st.dpt.MinRecLSN()
	if st.redoStart == 0 && len(recs) > 0 {
		st.redoStart = recs[startIdx].LSN
	}
	return st, nil
}
