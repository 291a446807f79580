package rpt

import "github.com/Numstore/numstore-sub001/internal/pager"

// childOwn is one child's own subtree size (as opposed to InternalPage's
// stored running cumulative total) — the natural unit to splice entries in
// and out of an internal page during split/merge rebalancing.
type childOwn struct {
	Child pager.PageID
	Own   int64
}

// ownSizes converts an internal page's (child, cumulative) entries into
// their (child, own-size) equivalents.
func ownSizes(ip *InternalPage) []childOwn {
	entries := ip.Entries()
	out := make([]childOwn, len(entries))
	var prev int64
	for i, e := range entries {
		out[i] = childOwn{Child: e.Child, Own: e.Cumulative - prev}
		prev = e.Cumulative
	}
	return out
}

// toEntries converts a (child, own-size) list back into the running
// cumulative form InternalPage stores on disk.
func toEntries(owns []childOwn) []Entry {
	out := make([]Entry, len(owns))
	var sum int64
	for i, o := range owns {
		sum += o.Own
		out[i] = Entry{Child: o.Child, Cumulative: sum}
	}
	return out
}

func sumOwn(owns []childOwn) int64 {
	var sum int64
	for _, o := range owns {
		sum += o.Own
	}
	return sum
}

// splice replaces the single entry at index i with replacement, preserving
// every other entry's relative order. Used by insert, where replacement
// holds the 2+ entries a leaf/internal split produces.
func splice(owns []childOwn, i int, replacement []childOwn) []childOwn {
	out := make([]childOwn, 0, len(owns)-1+len(replacement))
	out = append(out, owns[:i]...)
	out = append(out, replacement...)
	out = append(out, owns[i+1:]...)
	return out
}

// writeLeafFull atomically rewrites a leaf's UsedBytes field and its data
// region in one WAL UPDATE record.
func (t *Tree) writeLeafFull(txid pager.TxID, lastLSN *pager.LSN, id pager.PageID, data []byte) error {
	buf := make([]byte, 2+len(data))
	buf[0] = byte(len(data))
	buf[1] = byte(len(data) >> 8)
	copy(buf[2:], data)
	lsn, err := t.pager.WritePage(txid, *lastLSN, id, UsedBytesOffset(), buf)
	if err != nil {
		return err
	}
	*lastLSN = lsn
	return nil
}

func putPageID(b []byte, pid pager.PageID) {
	b[0] = byte(pid)
	b[1] = byte(pid >> 8)
	b[2] = byte(pid >> 16)
	b[3] = byte(pid >> 24)
}

// writeInternalFull atomically rewrites an internal page's NChildren count
// and its full entry list in one WAL UPDATE record.
func (t *Tree) writeInternalFull(txid pager.TxID, lastLSN *pager.LSN, id pager.PageID, entries []Entry) error {
	buf := make([]byte, 2+len(entries)*intlEntrySize)
	buf[0] = byte(len(entries))
	buf[1] = byte(len(entries) >> 8)
	for i, e := range entries {
		off := 2 + i*intlEntrySize
		putPageID(buf[off:off+4], e.Child)
		putUint64(buf[off+4:off+12], uint64(e.Cumulative))
	}
	lsn, err := t.pager.WritePage(txid, *lastLSN, id, NChildrenOffset(), buf)
	if err != nil {
		return err
	}
	*lastLSN = lsn
	return nil
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}

// writeNewInternalPage allocates and fully initializes a new internal page
// with the given entries, in a single WAL UPDATE record.
func (t *Tree) writeNewInternalPage(txid pager.TxID, lastLSN *pager.LSN, entries []Entry) (pager.PageID, error) {
	pid, buf, h, err := t.pager.AllocPage()
	if err != nil {
		return 0, err
	}
	defer h.Release()
	ip := InitInternal(buf, pid)
	ip.SetEntries(entries)
	full := append([]byte(nil), buf...)
	lsn, err := t.pager.WritePage(txid, *lastLSN, pid, 0, full)
	if err != nil {
		return 0, err
	}
	*lastLSN = lsn
	return pid, nil
}
