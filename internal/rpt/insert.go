package rpt

import (
	"fmt"

	"github.com/Numstore/numstore-sub001/internal/pager"
)

// Insert grows the array rooted at root by splicing data in at absolute
// byte offset (0 <= offset <= current size; offset == size appends). It
// returns the array's root page ID, which changes if the insert grew the
// tree's height. The caller must hold an exclusive lock on root (the old
// root, before a possible height increase — internal/numstore stores the
// returned root in its Array handle while still holding that lock).
func (t *Tree) Insert(txid pager.TxID, lastLSN pager.LSN, root pager.PageID, offset int64, data []byte) (pager.PageID, pager.LSN, error) {
	if len(data) == 0 {
		return root, lastLSN, nil
	}
	if offset < 0 {
		return 0, 0, fmt.Errorf("rpt: negative insert offset %d", offset)
	}
	size, err := t.Size(root)
	if err != nil {
		return 0, 0, err
	}
	if offset > size {
		return 0, 0, fmt.Errorf("rpt: insert offset %d beyond array size %d", offset, size)
	}

	res, err := t.seek(root, offset)
	if err != nil {
		return 0, 0, err
	}

	newChildren, err := t.insertIntoLeaf(txid, &lastLSN, res.leaf, res.leafOffset, data)
	if err != nil {
		return 0, 0, err
	}

	if len(newChildren) == 1 {
		// No split: the leaf absorbed the insert in place, and every
		// ancestor's cumulative byte count along the path simply grows by
		// len(data) — no entry list restructuring needed.
		if err := t.bumpAncestorCumulatives(txid, &lastLSN, res.path, int64(len(data))); err != nil {
			return 0, 0, err
		}
		return root, lastLSN, nil
	}

	// The leaf split. If there is no parent (the whole array was one
	// leaf), the new root is a fresh internal page listing every leaf.
	if len(res.path) == 0 {
		newRoot, err := t.writeNewInternalPage(txid, &lastLSN, toEntries(newChildren))
		if err != nil {
			return 0, 0, err
		}
		return newRoot, lastLSN, nil
	}

	newRoot, changed, err := t.propagateSplice(txid, &lastLSN, res.path, newChildren)
	if err != nil {
		return 0, 0, err
	}
	if changed {
		return newRoot, lastLSN, nil
	}
	return root, lastLSN, nil
}

// insertIntoLeaf splices insertBytes into leaf at intra-leaf offset
// intraOffset, splitting the leaf across as many new sibling leaves as
// necessary when the result overflows one page. It returns the ordered
// list of (child, own-size) pairs that must replace the single original
// leaf entry in the parent: just the original leaf if no split occurred,
// or the original leaf followed by every newly allocated sibling.
func (t *Tree) insertIntoLeaf(txid pager.TxID, lastLSN *pager.LSN, leafID pager.PageID, intraOffset int, insertBytes []byte) ([]childOwn, error) {
	h, err := t.pager.GetShared(leafID)
	if err != nil {
		return nil, err
	}
	lp := WrapLeaf(h.Bytes())
	capacity := lp.Capacity()
	oldData := lp.Data()
	oldNext := lp.NextLeaf()
	if intraOffset < 0 || intraOffset > len(oldData) {
		h.Release()
		return nil, fmt.Errorf("rpt: intra-leaf offset %d out of range [0,%d]", intraOffset, len(oldData))
	}
	newData := make([]byte, 0, len(oldData)+len(insertBytes))
	newData = append(newData, oldData[:intraOffset]...)
	newData = append(newData, insertBytes...)
	newData = append(newData, oldData[intraOffset:]...)
	h.Release()

	if len(newData) <= capacity {
		if err := t.writeLeafFull(txid, lastLSN, leafID, newData); err != nil {
			return nil, err
		}
		return []childOwn{{Child: leafID, Own: int64(len(newData))}}, nil
	}

	var chunks [][]byte
	for off := 0; off < len(newData); off += capacity {
		end := off + capacity
		if end > len(newData) {
			end = len(newData)
		}
		chunks = append(chunks, newData[off:end])
	}

	ids := make([]pager.PageID, len(chunks))
	bufs := make([][]byte, len(chunks))
	handles := make([]*pager.Handle, len(chunks))
	ids[0] = leafID
	for i := 1; i < len(chunks); i++ {
		pid, buf, h, err := t.pager.AllocPage()
		if err != nil {
			for j := 1; j < i; j++ {
				handles[j].Release()
			}
			return nil, fmt.Errorf("rpt: alloc sibling leaf: %w", err)
		}
		ids[i] = pid
		bufs[i] = buf
		handles[i] = h
	}
	defer func() {
		for i := 1; i < len(handles); i++ {
			if handles[i] != nil {
				handles[i].Release()
			}
		}
	}()

	for i := len(chunks) - 1; i >= 1; i-- {
		next := oldNext
		if i+1 < len(ids) {
			next = ids[i+1]
		}
		lp := InitLeaf(bufs[i], ids[i])
		lp.SetPrevLeaf(ids[i-1])
		lp.SetNextLeaf(next)
		copy(bufs[i][leafDataOff:], chunks[i])
		lp.setUsedBytesRaw(len(chunks[i]))
		full := append([]byte(nil), bufs[i]...)
		lsn, err := t.pager.WritePage(txid, *lastLSN, ids[i], 0, full)
		if err != nil {
			return nil, err
		}
		*lastLSN = lsn
	}
	if err := t.writeLeafFull(txid, lastLSN, leafID, chunks[0]); err != nil {
		return nil, err
	}
	if err := t.writeLeafLinkNextOnly(txid, lastLSN, leafID, ids[1]); err != nil {
		return nil, err
	}
	if oldNext != pager.InvalidPageID {
		if err := t.writeLeafLinkPrevOnly(txid, lastLSN, oldNext, ids[len(ids)-1]); err != nil {
			return nil, err
		}
	}

	out := make([]childOwn, len(ids))
	for i, id := range ids {
		out[i] = childOwn{Child: id, Own: int64(len(chunks[i]))}
	}
	return out, nil
}

func (t *Tree) writeLeafLinkNextOnly(txid pager.TxID, lastLSN *pager.LSN, id, next pager.PageID) error {
	buf := make([]byte, 4)
	putPageID(buf, next)
	lsn, err := t.pager.WritePage(txid, *lastLSN, id, leafNextOff, buf)
	if err != nil {
		return err
	}
	*lastLSN = lsn
	return nil
}

func (t *Tree) writeLeafLinkPrevOnly(txid pager.TxID, lastLSN *pager.LSN, id, prev pager.PageID) error {
	buf := make([]byte, 4)
	putPageID(buf, prev)
	lsn, err := t.pager.WritePage(txid, *lastLSN, id, leafPrevOff, buf)
	if err != nil {
		return err
	}
	*lastLSN = lsn
	return nil
}

// bumpAncestorCumulatives adds delta to every entry at-and-after the
// descended child index, at every level of path — the adjustment needed
// when a leaf absorbed an insert without splitting.
func (t *Tree) bumpAncestorCumulatives(txid pager.TxID, lastLSN *pager.LSN, path []pathFrame, delta int64) error {
	for i := len(path) - 1; i >= 0; i-- {
		pf := path[i]
		h, err := t.pager.GetShared(pf.Pgno)
		if err != nil {
			return err
		}
		ip := WrapInternal(h.Bytes())
		entries := ip.Entries()
		h.Release()
		for j := pf.ChildIndex; j < len(entries); j++ {
			entries[j].Cumulative += delta
		}
		if err := t.writeInternalFull(txid, lastLSN, pf.Pgno, entries); err != nil {
			return err
		}
	}
	return nil
}

// propagateSplice replaces the child at path[len(path)-1].ChildIndex with
// replacement (2+ entries after a split), walking upward and splitting
// ancestors as needed, growing the tree's height if even the root
// overflows. It returns the new root page ID and whether the root changed.
func (t *Tree) propagateSplice(txid pager.TxID, lastLSN *pager.LSN, path []pathFrame, replacement []childOwn) (pager.PageID, bool, error) {
	maxFanout := InternalCapacity(t.pager.PageSize())
	cur := replacement

	for level := len(path) - 1; level >= 0; level-- {
		pf := path[level]
		h, err := t.pager.GetShared(pf.Pgno)
		if err != nil {
			return 0, false, err
		}
		ip := WrapInternal(h.Bytes())
		owns := ownSizes(ip)
		h.Release()

		newOwns := splice(owns, pf.ChildIndex, cur)

		if len(newOwns) <= maxFanout {
			if err := t.writeInternalFull(txid, lastLSN, pf.Pgno, toEntries(newOwns)); err != nil {
				return 0, false, err
			}
			// Every ancestor above this level keeps the same child count;
			// only their cumulative totals for this subtree must grow.
			if level > 0 {
				if err := t.bumpAncestorCumulatives(txid, lastLSN, path[:level], sumOwn(cur)-sumOwn([]childOwn{{Own: owns[pf.ChildIndex].Own}})); err != nil {
					return 0, false, err
				}
			}
			return 0, false, nil
		}

		mid := len(newOwns) / 2
		leftOwns, rightOwns := newOwns[:mid], newOwns[mid:]
		if err := t.writeInternalFull(txid, lastLSN, pf.Pgno, toEntries(leftOwns)); err != nil {
			return 0, false, err
		}
		rightID, err := t.writeNewInternalPage(txid, lastLSN, toEntries(rightOwns))
		if err != nil {
			return 0, false, err
		}
		cur = []childOwn{
			{Child: pf.Pgno, Own: sumOwn(leftOwns)},
			{Child: rightID, Own: sumOwn(rightOwns)},
		}

		if level == 0 {
			newRoot, err := t.writeNewInternalPage(txid, lastLSN, toEntries(cur))
			if err != nil {
				return 0, false, err
			}
			return newRoot, true, nil
		}
	}
	return 0, false, nil
}
