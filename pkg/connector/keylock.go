// Copyright 2024-2026 Aiku AI

package connector

import (
	"slices"
	"sync"

	"github.com/aiku/telegram-channel-relay/pkg/connector/store"
)

// keyLocker serializes read-modify-write sequences on the correlation map per
// source key. Entries are reference counted and dropped when unused.
type keyLocker struct {
	mu    sync.Mutex
	locks map[store.SourceKey]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocker() *keyLocker {
	return &keyLocker{locks: make(map[store.SourceKey]*keyLock)}
}

// Lock acquires the locks for all given keys and returns a function releasing
// them. Keys are locked in ascending order so that callers locking
// overlapping sets cannot deadlock.
func (kl *keyLocker) Lock(keys ...store.SourceKey) (unlock func()) {
	keys = slices.Clone(keys)
	slices.SortFunc(keys, func(a, b store.SourceKey) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		default:
			return 0
		}
	})
	keys = slices.Compact(keys)

	held := make([]*keyLock, 0, len(keys))
	for _, key := range keys {
		l := kl.acquire(key)
		l.mu.Lock()
		held = append(held, l)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			kl.release(keys[i])
		}
	}
}

func (kl *keyLocker) acquire(key store.SourceKey) *keyLock {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	l, ok := kl.locks[key]
	if !ok {
		l = &keyLock{}
		kl.locks[key] = l
	}
	l.refs++
	return l
}

func (kl *keyLocker) release(key store.SourceKey) {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	l := kl.locks[key]
	l.refs--
	if l.refs == 0 {
		delete(kl.locks, key)
	}
}

func (kl *keyLocker) size() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.locks)
}
