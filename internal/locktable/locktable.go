// Package locktable implements the hierarchical shared/exclusive lock
// manager described in spec.md §4.4: one FIFO-fair waiter queue per logical
// resource, condition-variable parking (mirroring the blocking,
// mutex-protected style of the teacher's internal/storage/concurrency.go
// worker pools), and a wait-timeout deadlock policy in place of full
// waits-for-graph detection.
package locktable

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Numstore/numstore-sub001/internal/pager"
)

// ErrDeadlock is returned when a lock acquisition times out — the policy
// spec.md §4.4/§5 calls for in place of waits-for-graph cycle detection.
// It is returned to whichever waiting request's timeout expires; TxIDs are
// not compared, so the transaction that receives it is not necessarily the
// younger one. The caller must abort and may retry.
var ErrDeadlock = errors.New("locktable: deadlock (wait timeout exceeded)")

// Mode is a lock mode: shared or exclusive.
type Mode uint8

const (
	Shared Mode = iota
	Exclusive
)

func (m Mode) String() string {
	if m == Shared {
		return "S"
	}
	return "X"
}

// compatible reports whether a and b may be held concurrently.
func compatible(a, b Mode) bool {
	return a == Shared && b == Shared
}

// ResourceKind identifies the class of resource a lock guards (spec.md §4.4).
type ResourceKind uint8

const (
	KindDB ResourceKind = iota
	KindRoot
	KindVHP // variable hash/directory page — out of scope to populate, kept for completeness
	KindVar
	KindRPTree
	KindTombstone
)

func (k ResourceKind) String() string {
	switch k {
	case KindDB:
		return "DB"
	case KindRoot:
		return "ROOT"
	case KindVHP:
		return "VHP"
	case KindVar:
		return "VAR"
	case KindRPTree:
		return "RPTREE"
	case KindTombstone:
		return "TMBST"
	default:
		return "UNKNOWN"
	}
}

// Resource identifies a lockable entity by (kind, data). Equality and hash
// are structural, so Resource is directly usable as a map key.
type Resource struct {
	Kind ResourceKind
	Data pager.PageID // 0 for KindDB/KindVHP, which have no associated page
}

func (r Resource) String() string {
	if r.Kind == KindDB || r.Kind == KindVHP {
		return r.Kind.String()
	}
	return fmt.Sprintf("%s(%d)", r.Kind, r.Data)
}

// DBResource and VHPResource are the two singleton resources.
var (
	DBResource  = Resource{Kind: KindDB}
	VHPResource = Resource{Kind: KindVHP}
)

// RootResource, VarResource, RPTreeResource, TombstoneResource build the
// per-page resource identities.
func RootResource() Resource                       { return Resource{Kind: KindRoot} }
func VarResource(root pager.PageID) Resource        { return Resource{Kind: KindVar, Data: root} }
func RPTreeResource(root pager.PageID) Resource     { return Resource{Kind: KindRPTree, Data: root} }
func TombstoneResource(pid pager.PageID) Resource   { return Resource{Kind: KindTombstone, Data: pid} }

// holder records one transaction's currently granted mode on a resource.
type holder struct {
	txid pager.TxID
	mode Mode
}

// waiter records a pending lock request.
type waiter struct {
	txid    pager.TxID
	mode    Mode
	granted bool
}

// entry is the per-resource lock state.
type entry struct {
	cond    *sync.Cond
	holders []holder
	waiters []*waiter // FIFO order
}

// Table is the hierarchical lock manager. One Table lives per open Store.
type Table struct {
	mu      sync.Mutex
	entries map[Resource]*entry
	timeout time.Duration // wait-timeout deadlock policy (spec.md §4.4/§5)
}

// Config configures the lock table.
type Config struct {
	// WaitTimeout bounds how long a Lock call blocks before returning
	// ErrDeadlock. Zero selects a 5-second default.
	WaitTimeout time.Duration
}

// New creates an empty lock table.
func New(cfg Config) *Table {
	to := cfg.WaitTimeout
	if to <= 0 {
		to = 5 * time.Second
	}
	return &Table{entries: make(map[Resource]*entry), timeout: to}
}

func (t *Table) entryFor(res Resource) *entry {
	e, ok := t.entries[res]
	if !ok {
		e = &entry{cond: sync.NewCond(&t.mu)}
		t.entries[res] = e
	}
	return e
}

// compatibleWithHolders reports whether mode may be granted to txid given
// the resource's current holders (a transaction already holding the
// resource never conflicts with itself — that case is an upgrade).
func compatibleWithHolders(e *entry, txid pager.TxID, mode Mode) bool {
	for _, h := range e.holders {
		if h.txid == txid {
			continue
		}
		if !compatible(h.mode, mode) {
			return false
		}
	}
	return true
}

// headWaiterBlocks reports whether a request arriving now would have to
// queue behind an earlier, still-unsatisfied request on the same
// resource — this is what gives waiting X requests FIFO priority over a
// later-arriving compatible S request (spec.md §4.4).
func headWaiterBlocks(e *entry) bool {
	for _, w := range e.waiters {
		if !w.granted {
			return true
		}
	}
	return false
}

// Lock acquires res in mode on behalf of txid, blocking until granted,
// until ctx is cancelled, or until the configured wait-timeout elapses (in
// which case ErrDeadlock is returned and the caller must abort txid).
func (t *Table) Lock(ctx context.Context, res Resource, mode Mode, txid pager.TxID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entryFor(res)

	// Already held at this mode or higher by txid: no-op.
	for _, h := range e.holders {
		if h.txid == txid && (h.mode == mode || h.mode == Exclusive) {
			return nil
		}
	}

	w := &waiter{txid: txid, mode: mode}
	if !headWaiterBlocks(e) && compatibleWithHolders(e, txid, mode) {
		w.granted = true
		e.holders = append(e.holders, holder{txid: txid, mode: mode})
		return nil
	}
	e.waiters = append(e.waiters, w)

	deadline := time.Now().Add(t.timeout)
	for !w.granted {
		if time.Now().After(deadline) {
			t.removeWaiterLocked(e, w)
			return ErrDeadlock
		}
		if ctx != nil && ctx.Err() != nil {
			t.removeWaiterLocked(e, w)
			return ctx.Err()
		}
		t.waitWithDeadline(e, deadline)
	}
	return nil
}

// waitWithDeadline blocks on e.cond until woken or the deadline passes,
// re-acquiring t.mu before returning either way (sync.Cond.Wait's
// contract). A background timer goroutine performs the broadcast on
// timeout so every waiter on the resource re-checks its own condition.
func (t *Table) waitWithDeadline(e *entry, deadline time.Time) {
	timer := time.AfterFunc(time.Until(deadline), func() {
		t.mu.Lock()
		e.cond.Broadcast()
		t.mu.Unlock()
	})
	defer timer.Stop()
	e.cond.Wait()
}

func (t *Table) removeWaiterLocked(e *entry, w *waiter) {
	for i, ww := range e.waiters {
		if ww == w {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			break
		}
	}
	t.wakeLocked(e)
}

// wakeLocked grants every prefix of waiters whose request is compatible
// with current holders and with earlier waiters in the same prefix — FIFO
// order is preserved, but independent shared requests at the head can be
// granted together.
func (t *Table) wakeLocked(e *entry) {
	for len(e.waiters) > 0 {
		w := e.waiters[0]
		if !compatibleWithHolders(e, w.txid, w.mode) {
			break
		}
		e.holders = append(e.holders, holder{txid: w.txid, mode: w.mode})
		w.granted = true
		e.waiters = e.waiters[1:]
		if w.mode == Exclusive {
			break // an exclusive grant must not let later waiters jump ahead of it
		}
	}
	e.cond.Broadcast()
}

// Upgrade raises txid's held lock on res to newMode, granting immediately
// if no other holder conflicts and otherwise waiting with the same
// priority-over-fresh-requests policy as a fresh Lock (spec.md §4.4): an
// upgrading holder is spliced to the front of the waiter queue so it is
// never starved by transactions that arrived after it already held a
// shared lock.
func (t *Table) Upgrade(ctx context.Context, res Resource, txid pager.TxID, newMode Mode) error {
	t.mu.Lock()
	e := t.entryFor(res)
	held := false
	for i, h := range e.holders {
		if h.txid == txid {
			held = true
			if h.mode == newMode || h.mode == Exclusive {
				t.mu.Unlock()
				return nil
			}
			// Pull the old grant so compatibility checks below only see
			// other transactions' holds.
			e.holders = append(e.holders[:i], e.holders[i+1:]...)
			break
		}
	}
	if !held {
		t.mu.Unlock()
		return fmt.Errorf("locktable: upgrade of %s by txid %d: lock not held", res, txid)
	}

	w := &waiter{txid: txid, mode: newMode}
	if compatibleWithHolders(e, txid, newMode) {
		w.granted = true
		e.holders = append(e.holders, holder{txid: txid, mode: newMode})
		t.mu.Unlock()
		return nil
	}
	e.waiters = append([]*waiter{w}, e.waiters...) // priority splice, front of queue

	deadline := time.Now().Add(t.timeout)
	for !w.granted {
		if time.Now().After(deadline) {
			t.removeWaiterLocked(e, w)
			t.mu.Unlock()
			return ErrDeadlock
		}
		if ctx != nil && ctx.Err() != nil {
			t.removeWaiterLocked(e, w)
			t.mu.Unlock()
			return ctx.Err()
		}
		t.waitWithDeadline(e, deadline)
	}
	t.mu.Unlock()
	return nil
}

// ReleaseAll drops every lock txid holds (iterating the caller-supplied
// held-lock list, spec.md §3.6: "[the transaction] is the sole entity
// allowed to release those locks") and wakes waiters whose head request is
// now compatible.
func (t *Table) ReleaseAll(txid pager.TxID, held []Resource) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, res := range held {
		e, ok := t.entries[res]
		if !ok {
			continue
		}
		for i, h := range e.holders {
			if h.txid == txid {
				e.holders = append(e.holders[:i], e.holders[i+1:]...)
				break
			}
		}
		t.wakeLocked(e)
	}
}

// HeldMode returns the mode txid currently holds on res, and whether it
// holds any lock at all.
func (t *Table) HeldMode(res Resource, txid pager.TxID) (Mode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[res]
	if !ok {
		return 0, false
	}
	for _, h := range e.holders {
		if h.txid == txid {
			return h.mode, true
		}
	}
	return 0, false
}
