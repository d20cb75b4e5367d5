// Package ledger tracks call ids that were already dispatched.
package ledger

import "sync"

// Ledger is a process-lifetime set of dispatched call ids. Ids are never evicted.
type Ledger struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

// New returns an empty Ledger.
func New() *Ledger {
	return &Ledger{ids: make(map[string]struct{})}
}

// Contains reports whether id was marked.
func (l *Ledger) Contains(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.ids[id]
	return ok
}

// Mark records id and reports whether it was newly added.
func (l *Ledger) Mark(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.ids[id]; ok {
		return false
	}
	l.ids[id] = struct{}{}
	return true
}

// Len returns the number of marked ids.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.ids)
}
