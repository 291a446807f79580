package pager

import (
	"fmt"
	"os"

	"github.com/Numstore/numstore-sub001/internal/filepool"
)

// ───────────────────────────────────────────────────────────────────────────
// WAL segmenting
// ───────────────────────────────────────────────────────────────────────────
//
// spec.md §4.3 allows WAL bytes to be partitioned across numbered segment
// files (basename.0, basename.1, ...), with "the file pool handles opening
// and closing segments on demand." SegmentStore is that file pool wiring:
// it tracks the list of segment files for a given WAL basename and opens
// them lazily through a bounded internal/filepool.Pool, so a deployment
// with many at-rest (checkpointed-past) segments never holds more than the
// pool's configured number of descriptors open at once. The common
// single-file WAL path (WALFile in wal.go) does not need this — it is for
// deployments that roll WAL segments instead of truncating in place.

// SegmentStore manages a numbered chain of WAL segment files sharing one
// basename, opened on demand through a bounded filepool.Pool.
type SegmentStore struct {
	basename string
	pool     *filepool.Pool
	segments []int // known segment numbers, ascending
}

// OpenSegmentStore discovers existing basename.N segment files on disk
// (there may be zero, for a fresh WAL) and registers them with a filepool
// of the given capacity.
func OpenSegmentStore(basename string, maxOpenFiles int) (*SegmentStore, error) {
	ss := &SegmentStore{basename: basename, pool: filepool.New(maxOpenFiles)}
	for n := 0; ; n++ {
		path := ss.segmentPath(n)
		if _, err := os.Stat(path); err != nil {
			break
		}
		ss.segments = append(ss.segments, n)
		ss.pool.Register(filepool.FileID(n), path, os.O_RDWR)
	}
	return ss, nil
}

func (ss *SegmentStore) segmentPath(n int) string {
	return fmt.Sprintf("%s.%d", ss.basename, n)
}

// CreateSegment creates and registers a new, empty segment file, returning
// its segment number.
func (ss *SegmentStore) CreateSegment() (int, error) {
	n := 0
	if len(ss.segments) > 0 {
		n = ss.segments[len(ss.segments)-1] + 1
	}
	path := ss.segmentPath(n)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return 0, fmt.Errorf("wal segment: create %q: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	ss.segments = append(ss.segments, n)
	ss.pool.Register(filepool.FileID(n), path, os.O_RDWR)
	return n, nil
}

// ReadAt reads exactly len(dst) bytes from segment n at the given offset.
func (ss *SegmentStore) ReadAt(n int, offset int64, dst []byte) error {
	return ss.pool.Pread(filepool.Addr{File: filepool.FileID(n), Offset: offset}, dst)
}

// WriteAt writes exactly len(src) bytes to segment n at the given offset.
func (ss *SegmentStore) WriteAt(n int, offset int64, src []byte) error {
	return ss.pool.Pwrite(filepool.Addr{File: filepool.FileID(n), Offset: offset}, src)
}

// Sync fsyncs segment n.
func (ss *SegmentStore) Sync(n int) error {
	return ss.pool.Sync(filepool.FileID(n))
}

// RetireSegmentsBefore closes and forgets every segment older than n — the
// caller has established (via checkpoint) that those segments are no
// longer needed for recovery. It does not delete the underlying files.
func (ss *SegmentStore) RetireSegmentsBefore(n int) error {
	kept := ss.segments[:0]
	for _, s := range ss.segments {
		if s < n {
			if err := ss.pool.Unregister(filepool.FileID(s)); err != nil {
				return err
			}
			continue
		}
		kept = append(kept, s)
	}
	ss.segments = kept
	return nil
}

// Segments returns the known segment numbers, ascending.
func (ss *SegmentStore) Segments() []int {
	out := make([]int, len(ss.segments))
	copy(out, ss.segments)
	return out
}

// Close closes every open segment descriptor.
func (ss *SegmentStore) Close() error {
	return ss.pool.Close()
}
