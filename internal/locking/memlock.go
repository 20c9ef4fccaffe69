package locking

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// MemLock is a Group backed by in-process locks. It does not coordinate
// between processes; the disk cache directory lock covers that.
type MemLock struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  *semaphore.Weighted
	refs int
}

func NewMemLock() *MemLock {
	return &MemLock{
		locks: make(map[string]*keyLock),
	}
}

func (s *MemLock) DoWithLock(ctx context.Context, key string, fn func() error) error {
	s.mu.Lock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &keyLock{sem: semaphore.NewWeighted(1)}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()
	defer s.release(key, lock)

	if err := lock.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer lock.sem.Release(1)
	return fn()
}

// release drops the entry once nobody holds or waits for it.
func (s *MemLock) release(key string, lock *keyLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(s.locks, key)
	}
}

// Len returns the number of keys currently held or waited on.
func (s *MemLock) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
