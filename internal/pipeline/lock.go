package pipeline

import "sync"

// LockManager manages per-repository locks so that at most one
// pipeline attempt runs for a repository at a time.
//
// Two-level locking: the outer mutex protects the map, and each
// repository key owns its own mutex for the actual single-flight
// guarantee. Different repositories deploy concurrently.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLockManager creates a new lock manager.
func NewLockManager() *LockManager {
	return &LockManager{
		locks: make(map[string]*sync.Mutex),
	}
}

// TryLock attempts to acquire the lock for a repository key.
//
// Returns true when the lock was acquired and the attempt may proceed.
// Returns false when an attempt for that key is already in flight.
// Non-blocking either way.
func (lm *LockManager) TryLock(key string) bool {
	lm.mu.Lock()
	lock, exists := lm.locks[key]
	if !exists {
		lock = &sync.Mutex{}
		lm.locks[key] = lock
	}
	lm.mu.Unlock()

	return lock.TryLock()
}

// Unlock releases the lock for a repository key. Safe to call for a
// key that was never locked.
func (lm *LockManager) Unlock(key string) {
	lm.mu.Lock()
	lock := lm.locks[key]
	lm.mu.Unlock()

	if lock != nil {
		lock.Unlock()
	}
}
