// Package memory keeps call outcomes in process memory.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/callrelay/internal/calls"
)

// Journal is a bounded ring of recent outcomes.
type Journal struct {
	mu       sync.RWMutex
	capacity int
	outcomes []calls.Outcome
}

// New returns a Journal that keeps at most capacity outcomes; 0 keeps all.
func New(capacity int) *Journal {
	return &Journal{capacity: capacity}
}

// Record implements calls.Journal.
func (j *Journal) Record(_ context.Context, outcome calls.Outcome) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.outcomes = append(j.outcomes, outcome)
	if j.capacity > 0 && len(j.outcomes) > j.capacity {
		j.outcomes = append([]calls.Outcome(nil), j.outcomes[len(j.outcomes)-j.capacity:]...)
	}
	return nil
}

// Recent returns up to limit outcomes, newest first.
func (j *Journal) Recent(limit int) []calls.Outcome {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if limit <= 0 || limit > len(j.outcomes) {
		limit = len(j.outcomes)
	}
	out := make([]calls.Outcome, 0, limit)
	for i := len(j.outcomes) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, j.outcomes[i])
	}
	return out
}
