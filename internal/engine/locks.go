package engine

import "sync"

// lockTable serializes mutation per entity key (order id or symbol). Callers
// hold at most one entity lock at a time; cross-entity work such as the
// kill-switch acquires locks one symbol after another.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the lock for key, creating it on first use, and returns the
// unlock function.
func (t *lockTable) Lock(key string) func() {
	t.mu.Lock()
	l, ok := t.locks[key]
	if !ok {
		l = &sync.Mutex{}
		t.locks[key] = l
	}
	t.mu.Unlock()

	l.Lock()
	return l.Unlock
}
