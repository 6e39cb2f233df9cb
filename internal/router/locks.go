package router

import "sync"

// lockTable hands out one mutex per user id so concurrent inbound messages
// for the same user cannot interleave collection-state updates. The table is
// bounded: once capacity is reached the oldest-inserted entries are evicted
// first. An evicted mutex stays valid for whoever already holds it; eviction
// only affects future lookups. Single-process mutual exclusion only.
type lockTable struct {
	mu       sync.Mutex
	capacity int
	order    []int64
	locks    map[int64]*sync.Mutex
}

func newLockTable(capacity int) *lockTable {
	return &lockTable{
		capacity: capacity,
		locks:    make(map[int64]*sync.Mutex, capacity),
	}
}

// Get returns the user's mutex, creating it if needed.
func (t *lockTable) Get(userID int64) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()

	if lock, ok := t.locks[userID]; ok {
		return lock
	}
	for len(t.locks) >= t.capacity && len(t.order) > 0 {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.locks, oldest)
	}
	lock := &sync.Mutex{}
	t.locks[userID] = lock
	t.order = append(t.order, userID)
	return lock
}

// Len reports the number of resident locks.
func (t *lockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
