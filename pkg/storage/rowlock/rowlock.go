// Package rowlock provides an in-process advisory lock table keyed by row
// ID. It gives the reconcilers skip-locked semantics: a pass claims the
// subset of rows nobody else holds and works on those, instead of blocking
// behind a concurrent pass touching the same rows.
package rowlock

import "sync"

// Table tracks which row IDs are currently held.
type Table struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewTable() *Table {
	return &Table{held: make(map[string]struct{})}
}

// AcquireSkipLocked claims every ID not currently held and returns the
// subset it claimed. IDs already held by another caller are skipped, never
// waited on.
func (t *Table) AcquireSkipLocked(ids []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var acquired []string
	for _, id := range ids {
		if _, taken := t.held[id]; taken {
			continue
		}
		t.held[id] = struct{}{}
		acquired = append(acquired, id)
	}
	return acquired
}

// Release frees the given IDs. Releasing an ID that is not held is a no-op.
func (t *Table) Release(ids []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, id := range ids {
		delete(t.held, id)
	}
}

// Held reports whether the ID is currently claimed.
func (t *Table) Held(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.held[id]
	return ok
}
