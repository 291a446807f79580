// Package rpt implements the range-partitioned tree (spec.md §3.3, §4.7):
// the workhorse structure behind every NumStore array. Leaves ("data
// lists") hold contiguous raw bytes and form a doubly-linked list in
// position order; internal nodes route by cumulative byte count instead of
// by key. The package borrows every page it touches from
// internal/pager.Pager (spec.md §3.6: "the RPT subsystem does not own
// pages") and never stores anything but pgno-based identity — no in-memory
// pointers cross a page boundary, so frames can be evicted and reloaded
// freely between steps.
package rpt

import (
	"encoding/binary"

	"github.com/Numstore/numstore-sub001/internal/pager"
)

// ───────────────────────────────────────────────────────────────────────────
// Leaf (data-list) page layout
// ───────────────────────────────────────────────────────────────────────────
//
//   [0:32]    common PageHeader (Type = PageTypeDataList)
//   [32:36]   PrevLeaf   pgno, InvalidPageID at the left end of the list
//   [36:40]   NextLeaf   pgno, InvalidPageID at the right end of the list
//   [40:42]   UsedBytes  uint16
//   [42:cap]  raw data

const (
	leafPrevOff      = pager.PageHeaderSize
	leafNextOff      = leafPrevOff + 4
	leafUsedOff      = leafNextOff + 4
	leafDataOff      = leafUsedOff + 2
	leafHeaderTotal  = leafDataOff
)

// LeafCapacity returns the number of data bytes one leaf page can hold.
func LeafCapacity(pageSize int) int {
	return pageSize - leafHeaderTotal
}

// LeafPage is a typed view over a data-list page buffer.
type LeafPage struct {
	buf []byte
}

// WrapLeaf wraps an existing leaf-page buffer.
func WrapLeaf(buf []byte) *LeafPage { return &LeafPage{buf: buf} }

// InitLeaf initializes a fresh, empty leaf page in buf.
func InitLeaf(buf []byte, id pager.PageID) *LeafPage {
	h := &pager.PageHeader{Type: pager.PageTypeDataList, ID: id, FreeListNext: pager.InvalidPageID}
	pager.MarshalHeader(h, buf)
	lp := &LeafPage{buf: buf}
	lp.SetPrevLeaf(pager.InvalidPageID)
	lp.SetNextLeaf(pager.InvalidPageID)
	lp.setUsedBytesRaw(0)
	return lp
}

func (lp *LeafPage) PrevLeaf() pager.PageID {
	return pager.PageID(binary.LittleEndian.Uint32(lp.buf[leafPrevOff:]))
}
func (lp *LeafPage) SetPrevLeaf(pid pager.PageID) {
	binary.LittleEndian.PutUint32(lp.buf[leafPrevOff:], uint32(pid))
}
func (lp *LeafPage) NextLeaf() pager.PageID {
	return pager.PageID(binary.LittleEndian.Uint32(lp.buf[leafNextOff:]))
}
func (lp *LeafPage) SetNextLeaf(pid pager.PageID) {
	binary.LittleEndian.PutUint32(lp.buf[leafNextOff:], uint32(pid))
}
func (lp *LeafPage) UsedBytes() int {
	return int(binary.LittleEndian.Uint16(lp.buf[leafUsedOff:]))
}
func (lp *LeafPage) setUsedBytesRaw(n int) {
	binary.LittleEndian.PutUint16(lp.buf[leafUsedOff:], uint16(n))
}

// Data returns the live data slice [0:UsedBytes()).
func (lp *LeafPage) Data() []byte {
	return lp.buf[leafDataOff : leafDataOff+lp.UsedBytes()]
}

// Capacity returns how many data bytes this leaf's page can hold.
func (lp *LeafPage) Capacity() int {
	return LeafCapacity(len(lp.buf))
}

// DataOffset is the byte offset within the page buffer where leaf data
// begins — callers that mutate bytes in place through the pager's
// WAL-before-data WritePage need the absolute page offset.
func DataOffset() int { return leafDataOff }

// UsedBytesOffset is the byte offset of the UsedBytes field, for callers
// that must WAL-log it alongside a data mutation.
func UsedBytesOffset() int { return leafUsedOff }

// Bytes returns the underlying page buffer.
func (lp *LeafPage) Bytes() []byte { return lp.buf }

// ───────────────────────────────────────────────────────────────────────────
// Internal (RPT) page layout
// ───────────────────────────────────────────────────────────────────────────
//
//   [0:32]              common PageHeader (Type = PageTypeRPTInternal)
//   [32:34]              NChildren  uint16
//   [34:34+12*n]         entries: (ChildPgno uint32, Cumulative uint64)

const (
	intlNChildrenOff = pager.PageHeaderSize
	intlEntriesOff   = intlNChildrenOff + 2
	intlEntrySize    = 12
)

// InternalCapacity returns the maximum fan-out for a given page size.
func InternalCapacity(pageSize int) int {
	return (pageSize - intlEntriesOff) / intlEntrySize
}

// InternalPage is a typed view over an RPT internal-node page buffer.
type InternalPage struct {
	buf []byte
}

// WrapInternal wraps an existing internal-page buffer.
func WrapInternal(buf []byte) *InternalPage { return &InternalPage{buf: buf} }

// InitInternal initializes a fresh, empty internal page in buf.
func InitInternal(buf []byte, id pager.PageID) *InternalPage {
	h := &pager.PageHeader{Type: pager.PageTypeRPTInternal, ID: id, FreeListNext: pager.InvalidPageID}
	pager.MarshalHeader(h, buf)
	ip := &InternalPage{buf: buf}
	ip.setNChildrenRaw(0)
	return ip
}

func (ip *InternalPage) NChildren() int {
	return int(binary.LittleEndian.Uint16(ip.buf[intlNChildrenOff:]))
}
func (ip *InternalPage) setNChildrenRaw(n int) {
	binary.LittleEndian.PutUint16(ip.buf[intlNChildrenOff:], uint16(n))
}

func (ip *InternalPage) entryOff(i int) int {
	return intlEntriesOff + i*intlEntrySize
}

// Child returns the i-th child's page number.
func (ip *InternalPage) Child(i int) pager.PageID {
	off := ip.entryOff(i)
	return pager.PageID(binary.LittleEndian.Uint32(ip.buf[off:]))
}

// Cumulative returns the i-th child's cumulative byte count (the total
// size of the subtree rooted at children 0..=i).
func (ip *InternalPage) Cumulative(i int) int64 {
	off := ip.entryOff(i)
	return int64(binary.LittleEndian.Uint64(ip.buf[off+4:]))
}

// SetEntry overwrites the i-th (child, cumulative) pair.
func (ip *InternalPage) SetEntry(i int, child pager.PageID, cumulative int64) {
	off := ip.entryOff(i)
	binary.LittleEndian.PutUint32(ip.buf[off:], uint32(child))
	binary.LittleEndian.PutUint64(ip.buf[off+4:], uint64(cumulative))
}

// SetNChildren sets the logical child count. Entries beyond it are not
// zeroed when the count shrinks; every reader in this package stops at
// NChildren.
func (ip *InternalPage) SetNChildren(n int) {
	ip.setNChildrenRaw(n)
}

// TotalBytes returns the cumulative byte count of the entire subtree
// (spec.md §3.3: "Total size of an array = cumulative bytes of the last
// child of the root").
func (ip *InternalPage) TotalBytes() int64 {
	n := ip.NChildren()
	if n == 0 {
		return 0
	}
	return ip.Cumulative(n - 1)
}

// Entries returns every (child, cumulative) pair, for splitting/merging.
func (ip *InternalPage) Entries() []Entry {
	n := ip.NChildren()
	out := make([]Entry, n)
	for i := 0; i < n; i++ {
		out[i] = Entry{Child: ip.Child(i), Cumulative: ip.Cumulative(i)}
	}
	return out
}

// SetEntries overwrites the page's entire entry list.
func (ip *InternalPage) SetEntries(entries []Entry) {
	for i, e := range entries {
		ip.SetEntry(i, e.Child, e.Cumulative)
	}
	ip.SetNChildren(len(entries))
}

// Entry is one (child pgno, cumulative byte count) pair.
type Entry struct {
	Child      pager.PageID
	Cumulative int64
}

// Bytes returns the underlying page buffer.
func (ip *InternalPage) Bytes() []byte { return ip.buf }

// EntryOffset returns the absolute page offset of entry i, for WAL logging.
func EntryOffset(i int) int {
	return intlEntriesOff + i*intlEntrySize
}

// NChildrenOffset is the absolute page offset of the NChildren field.
func NChildrenOffset() int { return intlNChildrenOff }

// PageKind reports whether a raw page buffer is a leaf or internal node,
// by reading the common header's Type field.
func PageKind(buf []byte) pager.PageType {
	return pager.UnmarshalHeader(buf).Type
}
