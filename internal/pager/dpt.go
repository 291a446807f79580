package pager

import (
	"encoding/binary"
	"sync"
)

// ───────────────────────────────────────────────────────────────────────────
// Dirty Page Table
// ───────────────────────────────────────────────────────────────────────────
//
// The DPT records, for every page currently dirty in the buffer pool, the
// LSN of the WAL record that FIRST dirtied it (rec_lsn). Analysis rebuilds
// the DPT from a checkpoint snapshot plus everything logged since; redo
// starts from the smallest rec_lsn in the table, since no page needs replay
// before the earliest update that could still be missing from disk.

// DirtyPageTable tracks the earliest LSN that dirtied each cached page.
type DirtyPageTable struct {
	mu      sync.Mutex
	recLSN  map[PageID]LSN
}

// NewDirtyPageTable creates an empty DPT.
func NewDirtyPageTable() *DirtyPageTable {
	return &DirtyPageTable{recLSN: make(map[PageID]LSN)}
}

// Add records pid as dirty as of lsn. If pid is already tracked, the
// existing (earlier) rec_lsn is kept — a page's rec_lsn never moves forward
// while it remains dirty.
func (d *DirtyPageTable) Add(pid PageID, lsn LSN) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.recLSN[pid]; !ok {
		d.recLSN[pid] = lsn
	}
}

// Clear removes pid from the table, called once the page is flushed to disk.
func (d *DirtyPageTable) Clear(pid PageID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.recLSN, pid)
}

// MinRecLSN returns the smallest rec_lsn across all tracked pages — the
// point redo must start scanning from. Returns 0 if the table is empty.
func (d *DirtyPageTable) MinRecLSN() LSN {
	d.mu.Lock()
	defer d.mu.Unlock()
	var min LSN
	first := true
	for _, lsn := range d.recLSN {
		if first || lsn < min {
			min = lsn
			first = false
		}
	}
	return min
}

// Snapshot returns a copy of the current (pid -> rec_lsn) mapping, used to
// serialize the DPT into a CHECKPOINT record.
func (d *DirtyPageTable) Snapshot() map[PageID]LSN {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[PageID]LSN, len(d.recLSN))
	for k, v := range d.recLSN {
		out[k] = v
	}
	return out
}

// MergeInto overlays entries from a checkpoint snapshot, keeping the
// earlier rec_lsn on conflict. Used during analysis to seed the DPT before
// scanning forward from the checkpoint record.
func (d *DirtyPageTable) MergeInto(snapshot map[PageID]LSN) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for pid, lsn := range snapshot {
		cur, ok := d.recLSN[pid]
		if !ok || lsn < cur {
			d.recLSN[pid] = lsn
		}
	}
}

// SerializeDPT encodes a DPT snapshot for embedding in a CHECKPOINT record:
// a uint32 count followed by (PageID uint32, LSN uint64) pairs.
func SerializeDPT(snapshot map[PageID]LSN) []byte {
	buf := make([]byte, 4+12*len(snapshot))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(snapshot)))
	off := 4
	for pid, lsn := range snapshot {
		binary.LittleEndian.PutUint32(buf[off:], uint32(pid))
		binary.LittleEndian.PutUint64(buf[off+4:], uint64(lsn))
		off += 12
	}
	return buf
}

// DeserializeDPT decodes a DPT snapshot written by SerializeDPT, returning
// the map and the number of bytes consumed.
func DeserializeDPT(buf []byte) (map[PageID]LSN, int) {
	if len(buf) < 4 {
		return nil, 0
	}
	count := int(binary.LittleEndian.Uint32(buf[0:4]))
	out := make(map[PageID]LSN, count)
	off := 4
	for i := 0; i < count; i++ {
		pid := PageID(binary.LittleEndian.Uint32(buf[off:]))
		lsn := LSN(binary.LittleEndian.Uint64(buf[off+4:]))
		out[pid] = lsn
		off += 12
	}
	return out, off
}
