package lockmgr

import (
	"sync"
	"testing"
	"time"

	"github.com/keelsondb/keelson/internal/pager"
)

func TestAcquire_CompatibleSharedLocks(t *testing.T) {
	m := New(Config{}, nil)
	defer m.Stop()

	if err := m.Acquire(1, pager.PageID(10), Shared, 0); err != nil {
		t.Fatalf("acquire shared for holder 1: %v", err)
	}
	if err := m.Acquire(2, pager.PageID(10), Shared, 0); err != nil {
		t.Fatalf("acquire shared for holder 2: %v", err)
	}
	if got := m.HeldCount(1); got != 1 {
		t.Fatalf("expected holder 1 to hold 1 lock, got %d", got)
	}
}

func TestAcquire_ExclusiveBlocksShared(t *testing.T) {
	m := New(Config{}, nil)
	defer m.Stop()

	if err := m.Acquire(1, pager.PageID(10), Exclusive, 0); err != nil {
		t.Fatalf("acquire exclusive: %v", err)
	}
	err := m.Acquire(2, pager.PageID(10), Shared, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected a second holder's shared acquire to time out behind an exclusive grant")
	}
}

func TestRelease_PromotesQueuedWaiter(t *testing.T) {
	m := New(Config{}, nil)
	defer m.Stop()

	if err := m.Acquire(1, pager.PageID(10), Exclusive, 0); err != nil {
		t.Fatalf("acquire exclusive: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- m.Acquire(2, pager.PageID(10), Exclusive, time.Second)
	}()

	time.Sleep(20 * time.Millisecond) // let holder 2 enqueue
	m.Release(1)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected holder 2 to acquire after release, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("holder 2 was never granted the lock after release")
	}
}

func TestReentrant_SameHolderSameMode(t *testing.T) {
	m := New(Config{}, nil)
	defer m.Stop()

	if err := m.Acquire(1, pager.PageID(10), Shared, 0); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := m.Acquire(1, pager.PageID(10), Shared, 0); err != nil {
		t.Fatalf("re-entrant acquire: %v", err)
	}
	if got := m.HeldCount(1); got != 1 {
		t.Fatalf("expected a re-entrant acquire not to double-count, got %d", got)
	}
}

func TestDetect_BreaksSimpleCycle(t *testing.T) {
	var mu sync.Mutex
	var victims []Holder
	m := New(Config{}, func(h Holder) {
		mu.Lock()
		victims = append(victims, h)
		mu.Unlock()
	})
	defer m.Stop()

	if err := m.Acquire(1, pager.PageID(10), Exclusive, 0); err != nil {
		t.Fatalf("holder 1 acquire page 10: %v", err)
	}
	if err := m.Acquire(2, pager.PageID(20), Exclusive, 0); err != nil {
		t.Fatalf("holder 2 acquire page 20: %v", err)
	}

	go m.Acquire(1, pager.PageID(20), Exclusive, time.Second)
	time.Sleep(20 * time.Millisecond)
	go m.Acquire(2, pager.PageID(10), Exclusive, time.Second)
	time.Sleep(20 * time.Millisecond)

	got := m.Detect()
	if len(got) != 1 {
		t.Fatalf("expected exactly one victim for a 2-cycle, got %d: %v", len(got), got)
	}
	if got[0] != 2 {
		t.Fatalf("expected the higher TxID (2) to be chosen as victim, got %v", got[0])
	}

	mu.Lock()
	defer mu.Unlock()
	if len(victims) != 1 || victims[0] != 2 {
		t.Fatalf("expected abortFunc to be called with victim 2, got %v", victims)
	}
}

func TestDefaultLockConfig_MatchesDefaultConfig(t *testing.T) {
	if DefaultLockConfig() != DefaultConfig() {
		t.Fatal("expected DefaultLockConfig to be an alias of DefaultConfig")
	}
}

func TestCancelWait_RemovesQueuedRequestOnTimeout(t *testing.T) {
	m := New(Config{}, nil)
	defer m.Stop()

	if err := m.Acquire(1, pager.PageID(10), Exclusive, 0); err != nil {
		t.Fatalf("acquire exclusive: %v", err)
	}
	err := m.Acquire(2, pager.PageID(10), Exclusive, 30*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error for a request that can never be granted in time")
	}

	m.Release(1)
	if err := m.Acquire(3, pager.PageID(10), Exclusive, time.Second); err != nil {
		t.Fatalf("expected page to be free for a fresh holder after the timed-out waiter was cancelled: %v", err)
	}
}
