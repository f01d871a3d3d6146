package service

import (
	"sync"
	"testing"

	"github.com/google/uuid"
)

func TestAttemptLocksSerializeReadModifyWrite(t *testing.T) {
	locks := newAttemptLocks()
	id := uuid.New()

	// A deliberately non-atomic counter update. Without mutual exclusion
	// some increments would be lost.
	counter := 0
	var wg sync.WaitGroup
	const n = 200
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock(id)
			defer unlock()
			v := counter
			counter = v + 1
		}()
	}
	wg.Wait()

	if counter != n {
		t.Fatalf("counter = %d, want %d (lost updates under lock)", counter, n)
	}
}

func TestAttemptLocksIndependentPerAttempt(t *testing.T) {
	locks := newAttemptLocks()
	a, b := uuid.New(), uuid.New()

	unlockA := locks.lock(a)
	// Locking a different attempt must not block.
	done := make(chan struct{})
	go func() {
		unlockB := locks.lock(b)
		unlockB()
		close(done)
	}()
	<-done
	unlockA()
}

func TestAttemptLocksCleanUpEntries(t *testing.T) {
	locks := newAttemptLocks()
	id := uuid.New()

	unlock := locks.lock(id)
	unlock()

	locks.mu.Lock()
	defer locks.mu.Unlock()
	if len(locks.locks) != 0 {
		t.Fatalf("lock table holds %d entries after release, want 0", len(locks.locks))
	}
}
