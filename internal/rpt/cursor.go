package rpt

import "github.com/Numstore/numstore-sub001/internal/pager"

// State is a cursor's position in the traversal state machine described by
// spec.md §4.7. The states are kept as a named type so the transitions
// stay documented; the Tree operations in this package do not drive a
// Cursor through them. Per the Open Questions resolution in DESIGN.md, a
// single goroutine runs a whole operation start-to-finish over the descent
// path seek returns, instead of yielding a cursor between steps.
type State int

const (
	Unseeked State = iota
	Seeking
	Seeked
	DLReading
	DLWriting
	DLInserting
	DLRemoving
	InRebalancing
	Permissive
)

func (s State) String() string {
	switch s {
	case Unseeked:
		return "Unseeked"
	case Seeking:
		return "Seeking"
	case Seeked:
		return "Seeked"
	case DLReading:
		return "DLReading"
	case DLWriting:
		return "DLWriting"
	case DLInserting:
		return "DLInserting"
	case DLRemoving:
		return "DLRemoving"
	case InRebalancing:
		return "InRebalancing"
	case Permissive:
		return "Permissive"
	default:
		return "Unknown"
	}
}

// pathFrame is one level of the descent from root to leaf: the internal
// page visited and the index of the child that was followed.
type pathFrame struct {
	Pgno       pager.PageID
	ChildIndex int
}

// Cursor tracks one in-progress descent through a range-partitioned tree:
// the path taken from the root, the leaf landed on, and the byte offset
// within that leaf the cursor is positioned at.
type Cursor struct {
	State      State
	Root       pager.PageID
	Path       []pathFrame
	Leaf       pager.PageID
	LeafOffset int // offset within the leaf's data, i.e. intra-leaf byte index
}

// reset returns the cursor to its initial, unseeked state.
func (c *Cursor) reset(root pager.PageID) {
	c.State = Unseeked
	c.Root = root
	c.Path = c.Path[:0]
	c.Leaf = pager.InvalidPageID
	c.LeafOffset = 0
}

// push records one descent step.
func (c *Cursor) push(pgno pager.PageID, childIdx int) {
	c.Path = append(c.Path, pathFrame{Pgno: pgno, ChildIndex: childIdx})
}
