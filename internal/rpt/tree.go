package rpt

import (
	"fmt"

	"github.com/Numstore/numstore-sub001/internal/pager"
)

// Tree is a handle to one range-partitioned tree living inside a Pager.
// Tree itself acquires no locks: spec.md §4.4 places the RPT at one level
// of the lock hierarchy under two-phase locking, which means a lock must
// be held from first touch until the owning transaction commits or rolls
// back, not just for the duration of one call. internal/numstore's Txn
// acquires the locktable.RPTreeResource(root) lock before calling into a
// Tree and releases it (with everything else the transaction holds) at
// end-of-transaction, exactly as it does for pager page handles.
type Tree struct {
	pager *pager.Pager
}

// New returns a Tree operating over the given pager.
func New(p *pager.Pager) *Tree {
	return &Tree{pager: p}
}

// loadKind fetches a page and reports whether it is a leaf or internal node.
func (t *Tree) loadKind(id pager.PageID) (*pager.Handle, pager.PageType, error) {
	h, err := t.pager.GetShared(id)
	if err != nil {
		return nil, 0, fmt.Errorf("rpt: load page %d: %w", id, err)
	}
	return h, PageKind(h.Bytes()), nil
}

// NewEmpty allocates a fresh, empty leaf page and returns its page ID as
// the root of a brand-new array.
func (t *Tree) NewEmpty(txid pager.TxID, lastLSN pager.LSN) (pager.PageID, pager.LSN, error) {
	pid, buf, h, err := t.pager.AllocPage()
	if err != nil {
		return 0, 0, fmt.Errorf("rpt: alloc new leaf: %w", err)
	}
	defer h.Release()
	InitLeaf(buf, pid)
	full := append([]byte(nil), buf...)
	lsn, err := t.pager.WritePage(txid, lastLSN, pid, 0, full)
	if err != nil {
		return 0, 0, fmt.Errorf("rpt: init new leaf: %w", err)
	}
	return pid, lsn, nil
}

// Size returns the total byte length of the array rooted at root.
func (t *Tree) Size(root pager.PageID) (int64, error) {
	h, kind, err := t.loadKind(root)
	if err != nil {
		return 0, err
	}
	defer h.Release()
	switch kind {
	case pager.PageTypeDataList:
		return int64(WrapLeaf(h.Bytes()).UsedBytes()), nil
	case pager.PageTypeRPTInternal:
		return WrapInternal(h.Bytes()).TotalBytes(), nil
	default:
		return 0, fmt.Errorf("rpt: page %d is not a tree root (type %s)", root, kind)
	}
}

// DeleteTree frees every page reachable from root (spec.md §4.7's "array
// deletion frees every data-list and internal page it owns, adding them to
// the pager's free-list for reuse"). The caller must hold an exclusive
// lock on root for the duration of the call.
func (t *Tree) DeleteTree(txid pager.TxID, lastLSN pager.LSN, root pager.PageID) (pager.LSN, error) {
	if err := t.freeSubtree(root); err != nil {
		return 0, err
	}
	return lastLSN, nil
}

func (t *Tree) freeSubtree(id pager.PageID) error {
	h, kind, err := t.loadKind(id)
	if err != nil {
		return err
	}
	if kind == pager.PageTypeRPTInternal {
		children := WrapInternal(h.Bytes()).Entries()
		h.Release()
		for _, c := range children {
			if err := t.freeSubtree(c.Child); err != nil {
				return err
			}
		}
	} else {
		h.Release()
	}
	t.pager.FreePage(id)
	return nil
}
