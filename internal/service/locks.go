package service

import (
	"sync"

	"github.com/google/uuid"
)

// attemptLocks serializes per-attempt work within this process: submission
// and the cache mirror's read-modify-write. The database CAS on the terminal
// transition is the real arbiter across processes; this only avoids redundant
// concurrent grading runs and lost cache merges locally.
type attemptLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newAttemptLocks() *attemptLocks {
	return &attemptLocks{locks: make(map[uuid.UUID]*lockEntry)}
}

// lock acquires the per-attempt mutex and returns its release function.
func (l *attemptLocks) lock(id uuid.UUID) func() {
	l.mu.Lock()
	e, ok := l.locks[id]
	if !ok {
		e = &lockEntry{}
		l.locks[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
