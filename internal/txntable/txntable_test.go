package txntable

import (
	"testing"

	"github.com/Numstore/numstore-sub001/internal/locktable"
	"github.com/Numstore/numstore-sub001/internal/pager"
)

func TestLifecycle_BeginCommitRemove(t *testing.T) {
	tt := New()
	e := tt.Begin(1, 10)
	if e.State != Running {
		t.Fatalf("state = %v, want Running", e.State)
	}
	tt.SetLastLSN(1, 20)
	if tt.Get(1).LastLSN != 20 {
		t.Fatalf("last lsn not updated")
	}
	if err := tt.MarkCommitted(1); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if tt.Get(1).State != Committed {
		t.Fatal("expected Committed")
	}
	tt.Remove(1)
	if tt.Get(1) != nil {
		t.Fatal("expected entry removed")
	}
}

func TestCandidateForUndo_OnlyFromRunning(t *testing.T) {
	tt := New()
	tt.Begin(1, 1)
	tt.MarkCommitted(1)
	tt.MarkCandidateForUndo(1) // must not downgrade a committed txn
	if tt.Get(1).State != Committed {
		t.Fatal("committed txn should not become CandidateForUndo")
	}
}

func TestHeldLocks_DedupedAndCopied(t *testing.T) {
	tt := New()
	tt.Begin(1, 1)
	res := locktable.RPTreeResource(7)
	tt.AddHeldLock(1, res)
	tt.AddHeldLock(1, res)
	locks := tt.HeldLocks(1)
	if len(locks) != 1 {
		t.Fatalf("got %d locks, want 1 (deduped)", len(locks))
	}
	locks[0] = locktable.RPTreeResource(99)
	if tt.HeldLocks(1)[0] != res {
		t.Fatal("HeldLocks should return a defensive copy")
	}
}

func TestLosers_ExcludesCommitted(t *testing.T) {
	tt := New()
	tt.Begin(1, 1)
	tt.Begin(2, 2)
	tt.MarkCommitted(2)
	losers := tt.Losers()
	if len(losers) != 1 || losers[0].TxID != 1 {
		t.Fatalf("losers = %+v, want just txid 1", losers)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	tt := New()
	tt.Begin(1, 10)
	tt.Begin(2, 20)
	tt.SetLastLSN(2, 25)
	buf := tt.Snapshot()

	restored := RestoreSnapshot(buf)
	if len(restored) != 2 {
		t.Fatalf("got %d restored entries, want 2", len(restored))
	}
	if restored[2].LastLSN != pager.LSN(25) {
		t.Fatalf("restored txid 2 last lsn = %d, want 25", restored[2].LastLSN)
	}
}
