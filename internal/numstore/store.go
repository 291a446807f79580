package numstore

import (
	"fmt"
	"sync/atomic"

	"github.com/robfig/cron/v3"

	"github.com/Numstore/numstore-sub001/internal/locktable"
	"github.com/Numstore/numstore-sub001/internal/pager"
	"github.com/Numstore/numstore-sub001/internal/txntable"
)

// Store is an open NumStore database: the pager, lock table, and
// transaction table glued into one handle, the way the teacher's DB
// (internal/storage/db.go) glues its buffer pool, catalog, and WAL into a
// single struct with Open/Close at the top and per-operation dispatch
// below it.
type Store struct {
	pager *pager.Pager
	locks *locktable.Table
	txns  *txntable.Table
	opts  Options

	readTxSeq    atomic.Uint64 // §4.9 read-only lock holders, disjoint from pager.TxID space
	checkpointer *cron.Cron
}

// readTxIDBase is added to every read-only TxID so a pure Array.Read/Size
// lock request never shares a TxID with a real transaction (the pager's
// NextTxID counter starts at 1 and grows slowly). The lock table does not
// compare TxIDs when a wait times out, so the offset gives a reader no
// priority, high or low, in a conflict with a writer.
const readTxIDBase = uint64(1) << 62

// nextReadTxID hands out a fresh TxID for a single Array.Read/Size call's
// Shared-lock acquisition (see Array.withShared).
func (s *Store) nextReadTxID() pager.TxID {
	return pager.TxID(readTxIDBase + s.readTxSeq.Add(1))
}

// Open opens or creates a NumStore database at dbPath with its WAL at
// walPath (defaulting to dbPath+".wal" when empty), applying opts over
// DefaultOptions. ARIES recovery runs automatically when the WAL is
// non-empty, exactly as spec.md §4.9's open() edge describes.
func Open(dbPath, walPath string, opts Options) (*Store, error) {
	opts = opts.withDefaults()
	p, err := pager.OpenPager(pager.PagerConfig{
		DBPath:        dbPath,
		WALPath:       walPath,
		PageSize:      opts.PageSize,
		MaxCachePages: opts.MaxCachePages,
	})
	if err != nil {
		return nil, newErr(IO, "Open", err)
	}
	st := &Store{
		pager: p,
		locks: locktable.New(locktable.Config{WaitTimeout: opts.LockTimeout}),
		txns:  txntable.New(),
		opts:  opts,
	}
	if opts.CheckpointInterval > 0 {
		spec := fmt.Sprintf("@every %s", opts.CheckpointInterval)
		if err := st.StartCheckpointDaemon(spec); err != nil {
			_ = p.Close()
			return nil, newErr(IO, "Open", err)
		}
	}
	return st, nil
}

// Close stops any running checkpoint daemon, forces a final checkpoint,
// flushes dirty pages, and closes the underlying files (spec.md §4.9's
// close() edge).
func (s *Store) Close() error {
	s.StopCheckpointDaemon()
	if err := s.pager.Checkpoint(s.txns.Snapshot()); err != nil {
		return newErr(IO, "Close", err)
	}
	if err := s.pager.Close(); err != nil {
		return newErr(IO, "Close", err)
	}
	return nil
}

// StartCheckpointDaemon registers a background job that calls
// Pager.Checkpoint on the given cron schedule (spec.md §4.8.1's "fuzzy"
// checkpoint, which tolerates running concurrently with active
// transactions), the same parse-schedule/cron.AddFunc/background-goroutine
// shape as the teacher's Scheduler.Start in
// internal/storage/scheduler.go. Calling it again replaces any
// previously-scheduled daemon.
func (s *Store) StartCheckpointDaemon(spec string) error {
	s.StopCheckpointDaemon()
	c := cron.New(cron.WithSeconds())
	_, err := c.AddFunc(spec, func() {
		_ = s.pager.Checkpoint(s.txns.Snapshot())
	})
	if err != nil {
		return newErr(InvalidArgument, "StartCheckpointDaemon", err)
	}
	c.Start()
	s.checkpointer = c
	return nil
}

// StopCheckpointDaemon cancels the background checkpoint job started by
// StartCheckpointDaemon, if any, and blocks until its context is done.
func (s *Store) StopCheckpointDaemon() {
	if s.checkpointer == nil {
		return
	}
	<-s.checkpointer.Stop().Done()
	s.checkpointer = nil
}

// Begin starts a new transaction. The caller must eventually call Commit
// or Rollback on the returned Txn; every lock it acquires is held until
// one of those runs, per spec.md §4.9's strict two-phase locking note.
func (s *Store) Begin() (*Txn, error) {
	txid, err := s.pager.BeginTx()
	if err != nil {
		return nil, newErr(IO, "Begin", err)
	}
	s.txns.Begin(txid, 0)
	return &Txn{
		store:      s,
		id:         txid,
		savepoints: make(map[string]pager.LSN),
	}, nil
}

func indexByLSN(records []*pager.WALRecord) map[pager.LSN]*pager.WALRecord {
	out := make(map[pager.LSN]*pager.WALRecord, len(records))
	for _, r := range records {
		out[r.LSN] = r
	}
	return out
}

// loadTxChain re-reads the WAL from disk and indexes every record by LSN,
// the byLSN map pager.UndoToSavepoint needs to walk a transaction's chain.
// There is no in-memory log of a live transaction's own records anywhere
// above the pager (WritePage returns only the new LSN, not the record it
// wrote), so Rollback and RollbackTo both rebuild this index from the WAL
// file itself — the same full forward scan recovery's analysis pass
// already does on every open, just reused here for one live transaction
// instead of for every loser at once.
func (s *Store) loadTxChain() (map[pager.LSN]*pager.WALRecord, error) {
	records, err := pager.ReadAllRecords(s.pager.WALPath())
	if err != nil {
		return nil, fmt.Errorf("numstore: read WAL for rollback: %w", err)
	}
	return indexByLSN(records), nil
}
