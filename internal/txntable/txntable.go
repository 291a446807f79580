// Package txntable implements the in-memory Transaction Table (TT) of
// spec.md §3.5/§4.6: the registry of active transactions, their most
// recent LSN, the undo-resume point used by ARIES undo, and the set of
// locks each transaction currently holds. It mirrors the lifecycle shape
// of the teacher's Pager.BeginTx/CommitTx/AbortTx (pager.go) one layer up,
// the way kyosu-1-minidb/internal/txn.Manager wraps its WAL writer with a
// map of live *Transaction values guarded by one mutex.
package txntable

import (
	"fmt"
	"sync"

	"github.com/Numstore/numstore-sub001/internal/locktable"
	"github.com/Numstore/numstore-sub001/internal/pager"
)

// State is a transaction's lifecycle state (spec.md §3.5).
type State uint8

const (
	Running State = iota
	CandidateForUndo
	Committed
	Done
)

func (s State) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case CandidateForUndo:
		return "CANDIDATE_FOR_UNDO"
	case Committed:
		return "COMMITTED"
	case Done:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Entry is one transaction's live state in the table.
type Entry struct {
	TxID        pager.TxID
	State       State
	LastLSN     pager.LSN
	UndoNextLSN pager.LSN
	HeldLocks   []locktable.Resource
}

// IsLoser reports whether the transaction must be rolled back by ARIES
// undo: it never reached a COMMIT record (spec.md §3.5, §4.8.4).
func (e *Entry) IsLoser() bool {
	return e.State == Running || e.State == CandidateForUndo
}

// Table is the Transaction Table: txid -> Entry.
type Table struct {
	mu      sync.Mutex
	entries map[pager.TxID]*Entry
}

// New creates an empty Transaction Table.
func New() *Table {
	return &Table{entries: make(map[pager.TxID]*Entry)}
}

// Begin registers a freshly begun transaction with beginLSN as its initial
// LastLSN (numstore.Store.Begin passes 0; it does not track the BEGIN
// record's LSN).
func (t *Table) Begin(txid pager.TxID, beginLSN pager.LSN) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := &Entry{TxID: txid, State: Running, LastLSN: beginLSN}
	t.entries[txid] = e
	return e
}

// Get returns the entry for txid, or nil if unknown.
func (t *Table) Get(txid pager.TxID) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[txid]
}

// SetLastLSN records the LSN of the most recent WAL record txid produced —
// called after every WritePage/ApplyCLR (spec.md §4.2 step 6).
func (t *Table) SetLastLSN(txid pager.TxID, lsn pager.LSN) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[txid]; ok {
		e.LastLSN = lsn
	}
}

// AddHeldLock appends res to txid's held-lock list (spec.md §3.6: the
// transaction exclusively owns this list). No-op if already present.
func (t *Table) AddHeldLock(txid pager.TxID, res locktable.Resource) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[txid]
	if !ok {
		return
	}
	for _, r := range e.HeldLocks {
		if r == res {
			return
		}
	}
	e.HeldLocks = append(e.HeldLocks, res)
}

// MarkCommitted transitions txid to COMMITTED — called once the COMMIT
// record is durable.
func (t *Table) MarkCommitted(txid pager.TxID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[txid]
	if !ok {
		return fmt.Errorf("txntable: unknown txid %d", txid)
	}
	e.State = Committed
	return nil
}

// MarkCandidateForUndo transitions txid to CANDIDATE_FOR_UNDO — spec.md
// §7's "WAL append failure... marked CANDIDATE_FOR_UNDO; subsequent
// operations in it fail fast."
func (t *Table) MarkCandidateForUndo(txid pager.TxID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[txid]; ok && e.State == Running {
		e.State = CandidateForUndo
	}
}

// Remove drops txid from the table — called once its END record is
// written, completing the lifecycle (spec.md §3.5).
func (t *Table) Remove(txid pager.TxID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, txid)
}

// HeldLocks returns a copy of txid's held-lock list, for ReleaseAll.
func (t *Table) HeldLocks(txid pager.TxID) []locktable.Resource {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[txid]
	if !ok {
		return nil
	}
	out := make([]locktable.Resource, len(e.HeldLocks))
	copy(out, e.HeldLocks)
	return out
}

// Losers returns every transaction that never committed — the set ARIES
// undo must roll back (spec.md §4.8.4). Used on a live table only when the
// caller wants to force-abort stragglers; crash-time loser discovery goes
// through the pager's own recovery-local scan, not this table.
func (t *Table) Losers() []*Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Entry
	for _, e := range t.entries {
		if e.IsLoser() {
			out = append(out, e)
		}
	}
	return out
}

// Active returns every entry currently in the table, for checkpoint
// snapshotting (spec.md §4.8.1) and diagnostics.
func (t *Table) Active() []*Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}

// Snapshot serializes the active transaction set for embedding in a
// CHECKPOINT record's TT payload (spec.md §4.8.1): a count followed by
// (txid uint64, state uint8, last_lsn uint64, undo_next_lsn uint64) tuples.
func (t *Table) Snapshot() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	buf := make([]byte, 0, 4+25*len(t.entries))
	buf = appendUint32(buf, uint32(len(t.entries)))
	for _, e := range t.entries {
		buf = appendUint64(buf, uint64(e.TxID))
		buf = append(buf, byte(e.State))
		buf = appendUint64(buf, uint64(e.LastLSN))
		buf = appendUint64(buf, uint64(e.UndoNextLSN))
	}
	return buf
}

// RestoreSnapshot decodes a TT snapshot produced by Snapshot. Recovery does
// not call it: the pager's analysis pass reads only the DPT part of a
// CHECKPOINT record and rebuilds its transaction set from the records it
// scans. Entries decoded here have an empty held-lock list.
func RestoreSnapshot(buf []byte) map[pager.TxID]*Entry {
	out := make(map[pager.TxID]*Entry)
	if len(buf) < 4 {
		return out
	}
	count := readUint32(buf[0:4])
	off := 4
	for i := uint32(0); i < count; i++ {
		if off+25 > len(buf) {
			break
		}
		txid := pager.TxID(readUint64(buf[off:]))
		state := State(buf[off+8])
		lastLSN := pager.LSN(readUint64(buf[off+9:]))
		undoNext := pager.LSN(readUint64(buf[off+17:]))
		out[txid] = &Entry{TxID: txid, State: state, LastLSN: lastLSN, UndoNextLSN: undoNext}
		off += 25
	}
	return out
}

func appendUint32(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendUint64(buf []byte, v uint64) []byte {
	for i := 0; i < 8; i++ {
		buf = append(buf, byte(v>>(8*i)))
	}
	return buf
}

func readUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func readUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
