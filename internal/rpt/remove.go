package rpt

import (
	"fmt"

	"github.com/Numstore/numstore-sub001/internal/pager"
)

// Remove deletes the byte range [offset, offset+length) from the array
// rooted at root, rebalancing (spec.md §4.7: "borrow from the right
// sibling first; failing that, merge with the left sibling, else the
// right") every underfull leaf and internal page along the way. It
// returns the array's (possibly shrunk-in-height) root page ID. The
// caller must hold an exclusive lock on root.
func (t *Tree) Remove(txid pager.TxID, lastLSN pager.LSN, root pager.PageID, offset, length int64) (pager.PageID, pager.LSN, error) {
	if length == 0 {
		return root, lastLSN, nil
	}
	if offset < 0 || length < 0 {
		return 0, 0, fmt.Errorf("rpt: negative offset/length in remove")
	}
	size, err := t.Size(root)
	if err != nil {
		return 0, 0, err
	}
	if offset+length > size {
		return 0, 0, fmt.Errorf("rpt: remove range [%d,%d) exceeds array size %d", offset, offset+length, size)
	}

	curRoot := root
	remaining := length
	for remaining > 0 {
		res, err := t.seek(curRoot, offset)
		if err != nil {
			return 0, 0, err
		}
		h, err := t.pager.GetShared(res.leaf)
		if err != nil {
			return 0, 0, err
		}
		lp := WrapLeaf(h.Bytes())
		used := lp.UsedBytes()
		data := append([]byte(nil), lp.Data()...)
		h.Release()

		intra := res.leafOffset
		n := remaining
		if int64(used-intra) < n {
			n = int64(used - intra)
		}
		if n <= 0 {
			return 0, 0, fmt.Errorf("rpt: remove could not make progress at offset %d", offset)
		}
		newData := append(append([]byte(nil), data[:intra]...), data[intra+int(n):]...)
		if err := t.writeLeafFull(txid, &lastLSN, res.leaf, newData); err != nil {
			return 0, 0, err
		}
		if err := t.bumpAncestorCumulatives(txid, &lastLSN, res.path, -n); err != nil {
			return 0, 0, err
		}
		remaining -= n

		newRoot, err := t.rebalanceAfterLeafShrink(txid, &lastLSN, curRoot, res.path, res.leaf)
		if err != nil {
			return 0, 0, err
		}
		curRoot = newRoot
	}
	return curRoot, lastLSN, nil
}

// rebalanceAfterLeafShrink checks whether leafID fell below half-full
// after a removal and, if so, borrows from its right sibling or merges
// with a neighbor, cascading the resulting child-count change up through
// ancestor internal pages (and shrinking the tree's height if the root
// itself ends up with a single child). It returns the tree's current root
// (unchanged unless a root collapse occurred).
func (t *Tree) rebalanceAfterLeafShrink(txid pager.TxID, lastLSN *pager.LSN, root pager.PageID, path []pathFrame, leafID pager.PageID) (pager.PageID, error) {
	if len(path) == 0 {
		return root, nil // leaf IS the root: no min-fill constraint
	}

	h, err := t.pager.GetShared(leafID)
	if err != nil {
		return root, err
	}
	lp := WrapLeaf(h.Bytes())
	used := lp.UsedBytes()
	capacity := lp.Capacity()
	h.Release()
	if used >= capacity/2 {
		return root, nil // not underfull
	}

	parentFrame := path[len(path)-1]
	hp, err := t.pager.GetShared(parentFrame.Pgno)
	if err != nil {
		return root, err
	}
	owns := ownSizes(WrapInternal(hp.Bytes()))
	hp.Release()
	ci := parentFrame.ChildIndex

	// Borrow from the right sibling if it has bytes to spare.
	if ci+1 < len(owns) {
		rightID := owns[ci+1].Child
		hr, err := t.pager.GetShared(rightID)
		if err != nil {
			return root, err
		}
		rlp := WrapLeaf(hr.Bytes())
		rightData := append([]byte(nil), rlp.Data()...)
		hr.Release()

		if len(rightData) > capacity/2 {
			borrow := len(rightData) - capacity/2
			if borrow > capacity-used {
				borrow = capacity - used
			}
			if borrow > len(rightData) {
				borrow = len(rightData)
			}
			if borrow > 0 {
				if err := t.writeLeafFull(txid, lastLSN, leafID, append(append([]byte(nil), lp.Data()...), rightData[:borrow]...)); err != nil {
					return root, err
				}
				if err := t.writeLeafFull(txid, lastLSN, rightID, rightData[borrow:]); err != nil {
					return root, err
				}
				owns[ci].Own += int64(borrow)
				owns[ci+1].Own -= int64(borrow)
				if err := t.writeInternalFull(txid, lastLSN, parentFrame.Pgno, toEntries(owns)); err != nil {
					return root, err
				}
				return root, nil
			}
		}
	}

	// Merge with a neighbor: prefer merging this leaf into its left
	// sibling, otherwise absorb the right sibling into this leaf.
	var mergedOwns []childOwn
	if ci > 0 {
		leftID := owns[ci-1].Child
		hl, err := t.pager.GetShared(leftID)
		if err != nil {
			return root, err
		}
		llp := WrapLeaf(hl.Bytes())
		leftData := append([]byte(nil), llp.Data()...)
		rightLink := lp.NextLeaf()
		hl.Release()

		combined := append(leftData, lp.Data()...)
		if err := t.writeLeafFull(txid, lastLSN, leftID, combined); err != nil {
			return root, err
		}
		if err := t.writeLeafLinkNextOnly(txid, lastLSN, leftID, rightLink); err != nil {
			return root, err
		}
		if rightLink != pager.InvalidPageID {
			if err := t.writeLeafLinkPrevOnly(txid, lastLSN, rightLink, leftID); err != nil {
				return root, err
			}
		}
		t.pager.FreePage(leafID)
		mergedOwns = append(append([]childOwn{}, owns[:ci-1]...), childOwn{Child: leftID, Own: int64(len(combined))})
		mergedOwns = append(mergedOwns, owns[ci+1:]...)
	} else if ci+1 < len(owns) {
		rightID := owns[ci+1].Child
		hr, err := t.pager.GetShared(rightID)
		if err != nil {
			return root, err
		}
		rlp := WrapLeaf(hr.Bytes())
		rightData := append([]byte(nil), rlp.Data()...)
		rightNext := rlp.NextLeaf()
		hr.Release()

		combined := append(append([]byte(nil), lp.Data()...), rightData...)
		if err := t.writeLeafFull(txid, lastLSN, leafID, combined); err != nil {
			return root, err
		}
		if err := t.writeLeafLinkNextOnly(txid, lastLSN, leafID, rightNext); err != nil {
			return root, err
		}
		if rightNext != pager.InvalidPageID {
			if err := t.writeLeafLinkPrevOnly(txid, lastLSN, rightNext, leafID); err != nil {
				return root, err
			}
		}
		t.pager.FreePage(rightID)
		mergedOwns = append(append([]childOwn{}, owns[:ci]...), childOwn{Child: leafID, Own: int64(len(combined))})
		mergedOwns = append(mergedOwns, owns[ci+2:]...)
	} else {
		// Sole child of its parent: nothing to borrow or merge with.
		return root, nil
	}

	if err := t.writeInternalFull(txid, lastLSN, parentFrame.Pgno, toEntries(mergedOwns)); err != nil {
		return root, err
	}
	return t.cascadeInternalUnderflow(txid, lastLSN, root, path[:len(path)-1], parentFrame.Pgno, len(mergedOwns))
}

// cascadeInternalUnderflow handles a parent internal page whose child
// count just shrank by one (due to a leaf or internal-page merge one
// level down): if the new count is still at or above half the maximum
// fan-out, nothing more to do. Otherwise it borrows an entry from a
// sibling internal page or merges with one, recursing up pathAbove. If
// the recursion reaches the root and the root itself is left with a
// single child, the tree's height shrinks and that child becomes the new
// root.
func (t *Tree) cascadeInternalUnderflow(txid pager.TxID, lastLSN *pager.LSN, root pager.PageID, pathAbove []pathFrame, nodePgno pager.PageID, nodeCount int) (pager.PageID, error) {
	maxFanout := InternalCapacity(t.pager.PageSize())
	minFanout := maxFanout / 2
	if minFanout < 1 {
		minFanout = 1
	}

	if len(pathAbove) == 0 {
		if nodeCount == 1 {
			h, err := t.pager.GetShared(nodePgno)
			if err != nil {
				return root, err
			}
			sole := WrapInternal(h.Bytes()).Child(0)
			h.Release()
			t.pager.FreePage(nodePgno)
			return sole, nil
		}
		return root, nil // root has no minimum fan-out requirement
	}

	if nodeCount >= minFanout {
		return root, nil
	}

	pf := pathAbove[len(pathAbove)-1]
	hp, err := t.pager.GetShared(pf.Pgno)
	if err != nil {
		return root, err
	}
	parentOwns := ownSizes(WrapInternal(hp.Bytes()))
	hp.Release()
	ci := pf.ChildIndex

	loadOwns := func(pgno pager.PageID) ([]childOwn, error) {
		h, err := t.pager.GetShared(pgno)
		if err != nil {
			return nil, err
		}
		defer h.Release()
		return ownSizes(WrapInternal(h.Bytes())), nil
	}

	nodeOwns, err := loadOwns(nodePgno)
	if err != nil {
		return root, err
	}

	// Borrow the first entry of the right sibling.
	if ci+1 < len(parentOwns) {
		rightOwns, err := loadOwns(parentOwns[ci+1].Child)
		if err != nil {
			return root, err
		}
		if len(rightOwns) > minFanout {
			moved := rightOwns[0]
			newNodeOwns := append(append([]childOwn{}, nodeOwns...), moved)
			newRightOwns := rightOwns[1:]
			if err := t.writeInternalFull(txid, lastLSN, nodePgno, toEntries(newNodeOwns)); err != nil {
				return root, err
			}
			if err := t.writeInternalFull(txid, lastLSN, parentOwns[ci+1].Child, toEntries(newRightOwns)); err != nil {
				return root, err
			}
			parentOwns[ci].Own += moved.Own
			parentOwns[ci+1].Own -= moved.Own
			if err := t.writeInternalFull(txid, lastLSN, pf.Pgno, toEntries(parentOwns)); err != nil {
				return root, err
			}
			return root, nil
		}
	}

	// Merge with a neighbor internal page.
	var mergedParentOwns []childOwn
	if ci > 0 {
		leftOwns, err := loadOwns(parentOwns[ci-1].Child)
		if err != nil {
			return root, err
		}
		combined := append(append([]childOwn{}, leftOwns...), nodeOwns...)
		if err := t.writeInternalFull(txid, lastLSN, parentOwns[ci-1].Child, toEntries(combined)); err != nil {
			return root, err
		}
		t.pager.FreePage(nodePgno)
		mergedParentOwns = append(append([]childOwn{}, parentOwns[:ci-1]...), childOwn{Child: parentOwns[ci-1].Child, Own: sumOwn(combined)})
		mergedParentOwns = append(mergedParentOwns, parentOwns[ci+1:]...)
	} else if ci+1 < len(parentOwns) {
		rightOwns, err := loadOwns(parentOwns[ci+1].Child)
		if err != nil {
			return root, err
		}
		combined := append(append([]childOwn{}, nodeOwns...), rightOwns...)
		if err := t.writeInternalFull(txid, lastLSN, nodePgno, toEntries(combined)); err != nil {
			return root, err
		}
		t.pager.FreePage(parentOwns[ci+1].Child)
		mergedParentOwns = append(append([]childOwn{}, parentOwns[:ci]...), childOwn{Child: nodePgno, Own: sumOwn(combined)})
		mergedParentOwns = append(mergedParentOwns, parentOwns[ci+2:]...)
	} else {
		return root, nil // sole child; nothing to merge with
	}

	if err := t.writeInternalFull(txid, lastLSN, pf.Pgno, toEntries(mergedParentOwns)); err != nil {
		return root, err
	}
	return t.cascadeInternalUnderflow(txid, lastLSN, root, pathAbove[:len(pathAbove)-1], pf.Pgno, len(mergedParentOwns))
}
