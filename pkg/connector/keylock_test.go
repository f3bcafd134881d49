// Copyright 2024-2026 Aiku AI

package connector

import (
	"sync"
	"testing"
	"time"
)

func TestKeyLockerSerializesSameKey(t *testing.T) {
	t.Parallel()
	kl := newKeyLocker()
	key := MakeSourceKey(1, 1)

	var mu sync.Mutex
	inside := 0
	maxInside := 0
	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			unlock := kl.Lock(key)
			defer unlock()
			mu.Lock()
			inside++
			maxInside = max(maxInside, inside)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
		})
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("max concurrent holders: got %d, want 1", maxInside)
	}
	if kl.size() != 0 {
		t.Errorf("entries leaked: %d", kl.size())
	}
}

func TestKeyLockerIndependentKeys(t *testing.T) {
	t.Parallel()
	kl := newKeyLocker()
	unlockA := kl.Lock(MakeSourceKey(1, 1))
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := kl.Lock(MakeSourceKey(1, 2))
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on an unrelated key blocked")
	}
}

func TestKeyLockerOverlappingSetsDoNotDeadlock(t *testing.T) {
	t.Parallel()
	kl := newKeyLocker()
	a, b := MakeSourceKey(1, 1), MakeSourceKey(1, 2)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Go(func() {
			var unlock func()
			if i%2 == 0 {
				unlock = kl.Lock(a, b)
			} else {
				unlock = kl.Lock(b, a)
			}
			unlock()
		})
	}
	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("overlapping lock sets deadlocked")
	}
}

func TestKeyLockerDuplicateKeys(t *testing.T) {
	t.Parallel()
	kl := newKeyLocker()
	key := MakeSourceKey(3, 3)

	unlock := kl.Lock(key, key)
	if kl.size() != 1 {
		t.Errorf("entries: got %d, want 1", kl.size())
	}
	unlock()
	if kl.size() != 0 {
		t.Errorf("entries after unlock: got %d, want 0", kl.size())
	}
}
