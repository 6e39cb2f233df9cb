package router

import (
	"sync"
	"testing"
)

func TestLockTableReturnsSameMutexPerUser(t *testing.T) {
	t.Parallel()

	table := newLockTable(10)
	if table.Get(1) != table.Get(1) {
		t.Error("expected the same mutex for repeated lookups of one user")
	}
	if table.Get(1) == table.Get(2) {
		t.Error("expected distinct mutexes for distinct users")
	}
}

func TestLockTableEvictsOldestAtCapacity(t *testing.T) {
	t.Parallel()

	table := newLockTable(3)
	first := table.Get(1)
	table.Get(2)
	table.Get(3)

	// Capacity reached: the next new user evicts user 1.
	table.Get(4)

	if got := table.Len(); got != 3 {
		t.Errorf("Len() = %d, want 3", got)
	}
	if table.Get(1) == first {
		t.Error("expected user 1 to have been evicted and re-created")
	}
}

func TestLockTableEvictedMutexStaysUsable(t *testing.T) {
	t.Parallel()

	table := newLockTable(1)
	lock := table.Get(1)
	lock.Lock()

	// Evict user 1 while its mutex is held.
	table.Get(2)

	done := make(chan struct{})
	go func() {
		lock.Lock()
		lock.Unlock()
		close(done)
	}()
	lock.Unlock()
	<-done
}

func TestLockTableConcurrentAccess(t *testing.T) {
	t.Parallel()

	table := newLockTable(100)
	counters := make([]int, 10)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			lock := table.Get(userID)
			lock.Lock()
			counters[userID]++
			lock.Unlock()
		}(int64(i % 10))
	}
	wg.Wait()

	for userID, count := range counters {
		if count != 5 {
			t.Errorf("user %d saw %d increments, want 5", userID, count)
		}
	}

	if got := table.Len(); got != 10 {
		t.Errorf("Len() = %d, want 10", got)
	}
}
