package numstore

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/Numstore/numstore-sub001/internal/locktable"
	"github.com/Numstore/numstore-sub001/internal/pager"
	"github.com/Numstore/numstore-sub001/internal/rpt"
)

// Txn is one transaction: a TxID, the LSN of its most recent WAL record,
// and the savepoint tokens it has handed out. Every mutator in this
// package takes an explicit *Txn. Array.Size and Array.Read run outside
// any Txn: each call holds a Shared lock under a fresh read-only TxID
// (Array.withShared) and writes no WAL records.
type Txn struct {
	store      *Store
	id         pager.TxID
	lastLSN    pager.LSN
	savepoints map[string]pager.LSN
	done       bool
}

func (tx *Txn) checkLive(op string) error {
	if tx.done {
		return newErr(InvalidArgument, op, fmt.Errorf("transaction %d already committed or rolled back", tx.id))
	}
	return nil
}

// acquire locks res at mode on tx's behalf, tracking it in the
// transaction table's held-lock list so ReleaseAll can drop it at
// commit/abort (spec.md §3.6, §4.4).
func (tx *Txn) acquire(res locktable.Resource, mode locktable.Mode) error {
	if held, ok := tx.store.locks.HeldMode(res, tx.id); ok && (held == mode || held == locktable.Exclusive) {
		return nil
	}
	if err := tx.store.locks.Lock(context.Background(), res, mode, tx.id); err != nil {
		if errors.Is(err, locktable.ErrDeadlock) {
			return newErr(Deadlock, "lock", err)
		}
		return newErr(IO, "lock", err)
	}
	tx.store.txns.AddHeldLock(tx.id, res)
	return nil
}

func (tx *Txn) releaseAll() {
	held := tx.store.txns.HeldLocks(tx.id)
	tx.store.locks.ReleaseAll(tx.id, held)
	tx.store.txns.Remove(tx.id)
	tx.done = true
}

// Commit durably writes the COMMIT/END records (spec.md §5: "a
// transaction's COMMIT record must be durable before commit() returns")
// and releases every lock the transaction holds.
func (tx *Txn) Commit() error {
	if err := tx.checkLive("Commit"); err != nil {
		return err
	}
	if err := tx.store.pager.CommitTx(tx.id, tx.lastLSN); err != nil {
		return newErr(IO, "Commit", err)
	}
	if err := tx.store.txns.MarkCommitted(tx.id); err != nil {
		return newErr(FailedInvariant, "Commit", err)
	}
	tx.releaseAll()
	return nil
}

// Rollback undoes every change the transaction made, writing a CLR for
// each UPDATE it reverses (spec.md §4.8.4, scoped to one transaction by
// UndoToSavepoint with a zero floor), then releases its locks.
func (tx *Txn) Rollback() error {
	if err := tx.checkLive("Rollback"); err != nil {
		return err
	}
	abortLSN, err := tx.store.pager.AbortTx(tx.id, tx.lastLSN)
	if err != nil {
		return newErr(IO, "Rollback", err)
	}
	byLSN, err := tx.store.loadTxChain()
	if err != nil {
		return newErr(IO, "Rollback", err)
	}
	finalLSN, err := tx.store.pager.UndoToSavepoint(tx.id, byLSN, abortLSN, 0)
	if err != nil {
		return newErr(IO, "Rollback", err)
	}
	if err := tx.store.pager.EndTx(tx.id, finalLSN); err != nil {
		return newErr(IO, "Rollback", err)
	}
	tx.releaseAll()
	return nil
}

// Savepoint captures the transaction's current LSN and returns an opaque
// token RollbackTo can later resolve back to it (spec.md §4.8.5), keeping
// the undo machinery's raw LSNs out of the public API per the Ambient
// Stack's ID convention.
func (tx *Txn) Savepoint() (uuid.UUID, error) {
	if err := tx.checkLive("Savepoint"); err != nil {
		return uuid.UUID{}, err
	}
	id := uuid.New()
	tx.savepoints[id.String()] = tx.lastLSN
	return id, nil
}

// RollbackTo undoes every change made since the given savepoint, leaving
// the transaction open to continue (spec.md §4.8.5).
func (tx *Txn) RollbackTo(token uuid.UUID) error {
	if err := tx.checkLive("RollbackTo"); err != nil {
		return err
	}
	target, ok := tx.savepoints[token.String()]
	if !ok {
		return newErr(NotFound, "RollbackTo", fmt.Errorf("unknown savepoint %s", token))
	}
	byLSN, err := tx.store.loadTxChain()
	if err != nil {
		return newErr(IO, "RollbackTo", err)
	}
	newLSN, err := tx.store.pager.UndoToSavepoint(tx.id, byLSN, tx.lastLSN, target)
	if err != nil {
		return newErr(IO, "RollbackTo", err)
	}
	tx.lastLSN = newLSN
	tx.store.txns.SetLastLSN(tx.id, newLSN)
	return nil
}

// NewArray allocates a fresh, empty array and returns a handle to it
// (spec.md §4.9's new() edge). The array's root page is exclusively
// locked for the remainder of the transaction.
func (tx *Txn) NewArray() (*Array, error) {
	if err := tx.checkLive("NewArray"); err != nil {
		return nil, err
	}
	root, lsn, err := rpt.New(tx.store.pager).NewEmpty(tx.id, tx.lastLSN)
	if err != nil {
		return nil, newErr(IO, "NewArray", err)
	}
	tx.lastLSN = lsn
	tx.store.txns.SetLastLSN(tx.id, lsn)
	if err := tx.acquire(locktable.RPTreeResource(root), locktable.Exclusive); err != nil {
		return nil, err
	}
	return &Array{store: tx.store, root: root}, nil
}

// DeleteArray frees every page belonging to the array rooted at root
// (spec.md §4.9's delete() edge).
func (tx *Txn) DeleteArray(root pager.PageID) error {
	if err := tx.checkLive("DeleteArray"); err != nil {
		return err
	}
	if err := tx.acquire(locktable.RPTreeResource(root), locktable.Exclusive); err != nil {
		return err
	}
	lsn, err := rpt.New(tx.store.pager).DeleteTree(tx.id, tx.lastLSN, root)
	if err != nil {
		return newErr(IO, "DeleteArray", err)
	}
	tx.lastLSN = lsn
	tx.store.txns.SetLastLSN(tx.id, lsn)
	return nil
}

// Insert splices nelem*elemSize bytes of src into a at byte position
// offset, shifting trailing bytes right (spec.md §4.7.5). a.root is
// updated in place if the insert grows the tree's height.
func (tx *Txn) Insert(a *Array, src []byte, offset int64, elemSize, nelem int) error {
	if err := tx.checkLive("Insert"); err != nil {
		return err
	}
	if elemSize <= 0 || nelem < 0 {
		return newErr(InvalidArgument, "Insert", fmt.Errorf("elemSize must be positive and nelem non-negative"))
	}
	want := elemSize * nelem
	if len(src) != want {
		return newErr(InvalidArgument, "Insert", fmt.Errorf("src has %d bytes, want %d (elemSize*nelem)", len(src), want))
	}
	if err := tx.acquire(locktable.RPTreeResource(a.root), locktable.Exclusive); err != nil {
		return err
	}
	newRoot, lsn, err := rpt.New(tx.store.pager).Insert(tx.id, tx.lastLSN, a.root, offset, src)
	if err != nil {
		return newErr(IO, "Insert", err)
	}
	tx.lastLSN = lsn
	tx.store.txns.SetLastLSN(tx.id, lsn)
	a.root = newRoot
	return nil
}

// Write overwrites the elements selected by stride with elemSize-sized
// chunks of src, each chunk its own WAL record (spec.md §4.7.4).
func (tx *Txn) Write(a *Array, src []byte, elemSize int, stride rpt.Stride) error {
	if err := tx.checkLive("Write"); err != nil {
		return err
	}
	if elemSize <= 0 {
		return newErr(InvalidArgument, "Write", fmt.Errorf("elemSize must be positive"))
	}
	if err := tx.acquire(locktable.RPTreeResource(a.root), locktable.Exclusive); err != nil {
		return err
	}
	tree := rpt.New(tx.store.pager)
	size, err := tree.Size(a.root)
	if err != nil {
		return newErr(IO, "Write", err)
	}
	length := size / int64(elemSize)
	res, err := rpt.ResolveUserStride(stride, length)
	if err != nil {
		return newErr(InvalidArgument, "Write", err)
	}
	want := res.Count * int64(elemSize)
	if int64(len(src)) < want {
		return newErr(InvalidArgument, "Write", fmt.Errorf("src has %d bytes, need %d for %d elements", len(src), want, res.Count))
	}
	for k := int64(0); k < res.Count; k++ {
		ei := res.First + k*res.Step
		off := ei * int64(elemSize)
		chunk := src[k*int64(elemSize) : (k+1)*int64(elemSize)]
		lsn, err := tree.Write(tx.id, tx.lastLSN, a.root, off, chunk)
		if err != nil {
			return newErr(IO, "Write", err)
		}
		tx.lastLSN = lsn
		tx.store.txns.SetLastLSN(tx.id, lsn)
	}
	return nil
}

// removeTarget is one element slated for removal: its position in
// stride-iteration order (so a caller-supplied dst receives bytes in the
// order the stride names them) and its absolute byte offset at the time
// the stride was resolved.
type removeTarget struct {
	k   int64
	off int64
}

// Remove deletes the elements selected by stride, optionally copying each
// removed element into dst first (spec.md §4.7.6). Targets are resolved
// against the array's size once, then removed from the highest offset
// down to the lowest: removing a range only shifts bytes after it, so
// processing in descending-offset order means every not-yet-removed
// target's offset is still valid when its turn comes, with no
// recomputation needed between removals.
func (tx *Txn) Remove(a *Array, dst []byte, elemSize int, stride rpt.Stride) error {
	if err := tx.checkLive("Remove"); err != nil {
		return err
	}
	if elemSize <= 0 {
		return newErr(InvalidArgument, "Remove", fmt.Errorf("elemSize must be positive"))
	}
	if err := tx.acquire(locktable.RPTreeResource(a.root), locktable.Exclusive); err != nil {
		return err
	}
	tree := rpt.New(tx.store.pager)
	size, err := tree.Size(a.root)
	if err != nil {
		return newErr(IO, "Remove", err)
	}
	length := size / int64(elemSize)
	res, err := rpt.ResolveUserStride(stride, length)
	if err != nil {
		return newErr(InvalidArgument, "Remove", err)
	}

	var targets []removeTarget
	for k := int64(0); k < res.Count; k++ {
		ei := res.First + k*res.Step
		off := ei * int64(elemSize)
		if off < 0 || off+int64(elemSize) > size {
			break // spec.md §4.7.3: out of range ends the operation early
		}
		targets = append(targets, removeTarget{k: k, off: off})
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].off > targets[j].off })

	for _, t := range targets {
		if dst != nil {
			end := (t.k + 1) * int64(elemSize)
			if end <= int64(len(dst)) {
				if _, err := tree.Read(a.root, t.off, dst[t.k*int64(elemSize):end]); err != nil {
					return newErr(IO, "Remove", err)
				}
			}
		}
		newRoot, lsn, err := tree.Remove(tx.id, tx.lastLSN, a.root, t.off, int64(elemSize))
		if err != nil {
			return newErr(IO, "Remove", err)
		}
		tx.lastLSN = lsn
		tx.store.txns.SetLastLSN(tx.id, lsn)
		a.root = newRoot
	}
	return nil
}
