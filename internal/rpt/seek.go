package rpt

import (
	"fmt"
	"sort"

	"github.com/Numstore/numstore-sub001/internal/pager"
)

// seekResult is the outcome of descending from a tree root to the leaf
// containing a given absolute byte offset.
type seekResult struct {
	path       []pathFrame
	leaf       pager.PageID
	leafOffset int // offset within the leaf's data
}

// seek descends from root to the leaf containing absolute byte offset,
// recording the path of (internal page, child index) pairs taken. offset
// may equal the tree's total byte size, landing one-past-the-end of the
// last leaf (the append position).
//
// Ties at a child boundary lean right (spec.md §4.7: "when an offset falls
// exactly on a child boundary, descend into the following child") so that
// inserts at a boundary land at the start of the next leaf rather than the
// end of the previous one.
func (t *Tree) seek(root pager.PageID, offset int64) (seekResult, error) {
	cur := root
	local := offset
	var path []pathFrame

	for {
		h, kind, err := t.loadKind(cur)
		if err != nil {
			return seekResult{}, err
		}
		if kind == pager.PageTypeDataList {
			h.Release()
			return seekResult{path: path, leaf: cur, leafOffset: int(local)}, nil
		}
		if kind != pager.PageTypeRPTInternal {
			h.Release()
			return seekResult{}, fmt.Errorf("rpt: unexpected page type %s at pgno %d", kind, cur)
		}

		ip := WrapInternal(h.Bytes())
		n := ip.NChildren()
		if n == 0 {
			h.Release()
			return seekResult{}, fmt.Errorf("rpt: internal page %d has no children", cur)
		}
		i := sort.Search(n, func(i int) bool { return ip.Cumulative(i) > local })
		if i == n {
			i = n - 1
		}
		var prevCum int64
		if i > 0 {
			prevCum = ip.Cumulative(i - 1)
		}
		child := ip.Child(i)
		h.Release()

		path = append(path, pathFrame{Pgno: cur, ChildIndex: i})
		local -= prevCum
		cur = child
	}
}
