package numstore

import (
	"context"
	"fmt"

	"github.com/Numstore/numstore-sub001/internal/locktable"
	"github.com/Numstore/numstore-sub001/internal/pager"
	"github.com/Numstore/numstore-sub001/internal/rpt"
)

// Array is a handle to one RPT root, the unit spec.md §4.9's per-array
// operations address. Unlike Txn, Array carries no transaction state of its
// own: Size and Read each briefly acquire a Shared lock on the array's
// resource and release it before returning — the read-only half of
// spec.md §4.9 ("reads acquire only S locks and may see any committed
// data"), with mutation left entirely to Txn's Insert/Write/Remove.
type Array struct {
	store *Store
	root  pager.PageID
}

// Root returns the array's RPT root page number — the identifier the
// out-of-scope variable-namespace layer (spec.md §1) would persist
// against a name.
func (a *Array) Root() pager.PageID { return a.root }

// withShared runs fn while holding a Shared lock on the array's RPT
// resource, acquired under a dedicated read-only TxID that never touches
// the transaction table or the WAL: a pure read makes no log records, so
// there is nothing for the transaction table to track and nothing for
// recovery to redo or undo on its behalf.
func (a *Array) withShared(op string, fn func() error) error {
	res := locktable.RPTreeResource(a.root)
	txid := a.store.nextReadTxID()
	if err := a.store.locks.Lock(context.Background(), res, locktable.Shared, txid); err != nil {
		if err == locktable.ErrDeadlock {
			return newErr(Deadlock, op, err)
		}
		return newErr(IO, op, err)
	}
	defer a.store.locks.ReleaseAll(txid, []locktable.Resource{res})
	return fn()
}

// Size returns the array's current length in bytes (spec.md §4.9's size()
// edge, spec.md §8.1 invariant 4).
func (a *Array) Size() (int64, error) {
	var n int64
	err := a.withShared("Size", func() error {
		var err error
		n, err = rpt.New(a.store.pager).Size(a.root)
		if err != nil {
			return newErr(IO, "Size", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Read copies the elements selected by stride into dst, elemSize bytes
// per element, and returns the number of bytes actually copied — fewer
// than the stride's nominal count if the selection runs past the array's
// current end (spec.md §4.7.3).
func (a *Array) Read(dst []byte, elemSize int, stride rpt.Stride) (int64, error) {
	if elemSize <= 0 {
		return 0, newErr(InvalidArgument, "Read", fmt.Errorf("elemSize must be positive"))
	}
	var total int64
	err := a.withShared("Read", func() error {
		tree := rpt.New(a.store.pager)
		size, err := tree.Size(a.root)
		if err != nil {
			return newErr(IO, "Read", err)
		}
		length := size / int64(elemSize)
		res, err := rpt.ResolveUserStride(stride, length)
		if err != nil {
			return newErr(InvalidArgument, "Read", err)
		}
		for k := int64(0); k < res.Count; k++ {
			ei := res.First + k*res.Step
			off := ei * int64(elemSize)
			if off < 0 || off+int64(elemSize) > size {
				break // spec.md §4.7.3: stride ran past the end, stop early
			}
			start := k * int64(elemSize)
			end := start + int64(elemSize)
			if end > int64(len(dst)) {
				break // caller's dst is shorter than the stride's nominal count
			}
			n, err := tree.Read(a.root, off, dst[start:end])
			if err != nil {
				return newErr(IO, "Read", err)
			}
			total += int64(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}
