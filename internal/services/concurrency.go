package services

import (
	"context"
	"fmt"
	"sync"
)

// StoreLocks hands out one logical lock per store so two syncs of the same
// store never overlap, whatever the worker concurrency.
type StoreLocks struct {
	mu     sync.Mutex
	locks  map[string]chan struct{}
	active map[string]int // holders plus waiters, for cleanup
}

// NewStoreLocks creates an empty lock set
func NewStoreLocks() *StoreLocks {
	return &StoreLocks{
		locks:  make(map[string]chan struct{}),
		active: make(map[string]int),
	}
}

func (l *StoreLocks) ref(storeID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	sem, ok := l.locks[storeID]
	if !ok {
		sem = make(chan struct{}, 1)
		l.locks[storeID] = sem
	}
	l.active[storeID]++
	return sem
}

func (l *StoreLocks) unref(storeID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.active[storeID]--
	if l.active[storeID] <= 0 {
		delete(l.active, storeID)
		delete(l.locks, storeID)
	}
}

// Acquire blocks until the store's lock is free or ctx is done.
// The returned release func must be called exactly once.
func (l *StoreLocks) Acquire(ctx context.Context, storeID string) (func(), error) {
	sem := l.ref(storeID)

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		l.unref(storeID)
		return nil, fmt.Errorf("waiting for store lock %s: %w", storeID, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-sem
			l.unref(storeID)
		})
	}, nil
}

// TryAcquire takes the store's lock without blocking
func (l *StoreLocks) TryAcquire(storeID string) (func(), bool) {
	sem := l.ref(storeID)

	select {
	case sem <- struct{}{}:
	default:
		l.unref(storeID)
		return nil, false
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-sem
			l.unref(storeID)
		})
	}, true
}

// IsLocked reports whether a sync of storeID currently holds the lock
func (l *StoreLocks) IsLocked(storeID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	sem, ok := l.locks[storeID]
	return ok && len(sem) > 0
}
