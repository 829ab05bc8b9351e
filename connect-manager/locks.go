package main

import "sync"

// connectionLocks provides per-connection mutual exclusion: at most one
// negotiation, signing, or revocation in flight per connection id.
// Operations against different connection ids run in parallel.
type connectionLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newConnectionLocks() *connectionLocks {
	return &connectionLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for a connection id, creating it on first use.
// Lock entries are never removed; the set of connections a user holds is
// small and bounded.
func (cl *connectionLocks) Lock(connectionID string) {
	cl.mu.Lock()
	lock, ok := cl.locks[connectionID]
	if !ok {
		lock = &sync.Mutex{}
		cl.locks[connectionID] = lock
	}
	cl.mu.Unlock()
	lock.Lock()
}

// TryLock attempts to acquire the mutex without blocking. Returns false
// if another operation holds it.
func (cl *connectionLocks) TryLock(connectionID string) bool {
	cl.mu.Lock()
	lock, ok := cl.locks[connectionID]
	if !ok {
		lock = &sync.Mutex{}
		cl.locks[connectionID] = lock
	}
	cl.mu.Unlock()
	return lock.TryLock()
}

// Unlock releases the mutex for a connection id
func (cl *connectionLocks) Unlock(connectionID string) {
	cl.mu.Lock()
	lock := cl.locks[connectionID]
	cl.mu.Unlock()
	if lock != nil {
		lock.Unlock()
	}
}
