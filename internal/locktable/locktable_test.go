package locktable

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Numstore/numstore-sub001/internal/pager"
)

func TestLock_SharedSharedCompatible(t *testing.T) {
	lt := New(Config{})
	res := RPTreeResource(1)
	if err := lt.Lock(context.Background(), res, Shared, 1); err != nil {
		t.Fatalf("tx1 lock: %v", err)
	}
	if err := lt.Lock(context.Background(), res, Shared, 2); err != nil {
		t.Fatalf("tx2 lock: %v", err)
	}
}

func TestLock_ExclusiveBlocksShared(t *testing.T) {
	lt := New(Config{WaitTimeout: 100 * time.Millisecond})
	res := RPTreeResource(1)
	if err := lt.Lock(context.Background(), res, Exclusive, 1); err != nil {
		t.Fatalf("tx1 X lock: %v", err)
	}
	err := lt.Lock(context.Background(), res, Shared, 2)
	if err != ErrDeadlock {
		t.Fatalf("expected ErrDeadlock on timeout, got %v", err)
	}
}

func TestLock_ReleaseWakesWaiter(t *testing.T) {
	lt := New(Config{WaitTimeout: 2 * time.Second})
	res := RPTreeResource(1)
	if err := lt.Lock(context.Background(), res, Exclusive, 1); err != nil {
		t.Fatalf("tx1 X lock: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- lt.Lock(context.Background(), res, Exclusive, 2)
	}()
	time.Sleep(20 * time.Millisecond) // give the goroutine time to enqueue as a waiter

	lt.ReleaseAll(1, []Resource{res})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("tx2 should have acquired the lock, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("tx2 never woke up after tx1 released")
	}
}

func TestLock_ReentrantSameTxn(t *testing.T) {
	lt := New(Config{})
	res := RPTreeResource(1)
	if err := lt.Lock(context.Background(), res, Exclusive, 1); err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if err := lt.Lock(context.Background(), res, Shared, 1); err != nil {
		t.Fatalf("re-lock at weaker mode by same txn should be a no-op: %v", err)
	}
}

func TestUpgrade_SucceedsWithNoOtherHolders(t *testing.T) {
	lt := New(Config{WaitTimeout: time.Second})
	res := VarResource(7)
	if err := lt.Lock(context.Background(), res, Shared, 1); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := lt.Upgrade(context.Background(), res, 1, Exclusive); err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	mode, ok := lt.HeldMode(res, 1)
	if !ok || mode != Exclusive {
		t.Fatalf("held mode = %v (%v), want Exclusive", mode, ok)
	}
}

func TestReleaseAll_MultipleResources(t *testing.T) {
	lt := New(Config{})
	a := RPTreeResource(1)
	b := RPTreeResource(2)
	lt.Lock(context.Background(), a, Shared, 1)
	lt.Lock(context.Background(), b, Exclusive, 1)
	lt.ReleaseAll(1, []Resource{a, b})
	if _, ok := lt.HeldMode(a, 1); ok {
		t.Fatal("expected a released")
	}
	if _, ok := lt.HeldMode(b, 1); ok {
		t.Fatal("expected b released")
	}
}

// TestDeadlock_CrossWaitAborts mirrors spec.md §8.2 scenario S7: T1 holds X
// on A and wants X on B while T2 holds X on B and wants X on A. Neither
// holder releases its first lock, so the cross-waits can only end by
// timing out; the test checks that at least one of them returns
// ErrDeadlock.
func TestDeadlock_CrossWaitAborts(t *testing.T) {
	lt := New(Config{WaitTimeout: 150 * time.Millisecond})
	a := RPTreeResource(1)
	b := RPTreeResource(2)

	if err := lt.Lock(context.Background(), a, Exclusive, 1); err != nil {
		t.Fatalf("tx1 lock A: %v", err)
	}
	if err := lt.Lock(context.Background(), b, Exclusive, 2); err != nil {
		t.Fatalf("tx2 lock B: %v", err)
	}

	errs := make(chan error, 2)
	go func() { errs <- lt.Lock(context.Background(), b, Exclusive, 1) }()
	go func() { errs <- lt.Lock(context.Background(), a, Exclusive, 2) }()

	first := <-errs
	second := <-errs

	if first != ErrDeadlock && second != ErrDeadlock {
		t.Fatalf("expected at least one ErrDeadlock, got %v and %v", first, second)
	}
}

func TestLock_ConcurrentSharedReaders(t *testing.T) {
	lt := New(Config{WaitTimeout: time.Second})
	res := RPTreeResource(9)
	var wg sync.WaitGroup
	errs := make([]error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = lt.Lock(context.Background(), res, Shared, pager.TxID(i+1))
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("reader %d: %v", i, err)
		}
	}
}
