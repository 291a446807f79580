package rpt

import (
	"fmt"

	"github.com/Numstore/numstore-sub001/internal/pager"
)

// Read copies min(len(dst), size-offset) bytes starting at absolute byte
// offset into dst, walking the leaf-sibling chain as needed, and returns
// the number of bytes copied. The caller must hold at least a shared lock
// on root.
func (t *Tree) Read(root pager.PageID, offset int64, dst []byte) (int, error) {
	if offset < 0 {
		return 0, fmt.Errorf("rpt: negative read offset %d", offset)
	}
	size, err := t.Size(root)
	if err != nil {
		return 0, err
	}
	if offset >= size || len(dst) == 0 {
		return 0, nil
	}
	want := int64(len(dst))
	if offset+want > size {
		want = size - offset
	}

	res, err := t.seek(root, offset)
	if err != nil {
		return 0, err
	}

	copied := int64(0)
	leaf := res.leaf
	intra := res.leafOffset
	for copied < want {
		h, err := t.pager.GetShared(leaf)
		if err != nil {
			return int(copied), err
		}
		lp := WrapLeaf(h.Bytes())
		data := lp.Data()
		n := int64(len(data) - intra)
		if n > want-copied {
			n = want - copied
		}
		if n < 0 {
			n = 0
		}
		copy(dst[copied:copied+n], data[intra:intra+int(n)])
		next := lp.NextLeaf()
		h.Release()
		copied += n
		intra = 0
		if copied < want {
			if next == pager.InvalidPageID {
				break
			}
			leaf = next
		}
	}
	return int(copied), nil
}

// Write overwrites len(src) bytes starting at absolute byte offset without
// changing the array's total size — the caller (internal/numstore) is
// responsible for ensuring offset+len(src) does not exceed the array's
// current size; use Insert to grow an array. The caller must hold an
// exclusive lock on root.
func (t *Tree) Write(txid pager.TxID, lastLSN pager.LSN, root pager.PageID, offset int64, src []byte) (pager.LSN, error) {
	if offset < 0 {
		return 0, fmt.Errorf("rpt: negative write offset %d", offset)
	}
	size, err := t.Size(root)
	if err != nil {
		return 0, err
	}
	if offset+int64(len(src)) > size {
		return 0, fmt.Errorf("rpt: write [%d,%d) exceeds array size %d; use Insert to grow", offset, offset+int64(len(src)), size)
	}
	if len(src) == 0 {
		return lastLSN, nil
	}

	res, err := t.seek(root, offset)
	if err != nil {
		return 0, err
	}

	written := 0
	leaf := res.leaf
	intra := res.leafOffset
	for written < len(src) {
		h, err := t.pager.GetExclusive(txid, leaf)
		if err != nil {
			return lastLSN, err
		}
		lp := WrapLeaf(h.Bytes())
		avail := lp.UsedBytes() - intra
		n := len(src) - written
		if n > avail {
			n = avail
		}
		if n > 0 {
			lsn, err := t.pager.WritePage(txid, lastLSN, leaf, DataOffset()+intra, src[written:written+n])
			if err != nil {
				h.Release()
				return lastLSN, err
			}
			lastLSN = lsn
		}
		next := lp.NextLeaf()
		h.Release()
		written += n
		intra = 0
		if written < len(src) {
			if next == pager.InvalidPageID {
				return lastLSN, fmt.Errorf("rpt: ran out of leaves before writing all bytes")
			}
			leaf = next
		}
	}
	return lastLSN, nil
}
