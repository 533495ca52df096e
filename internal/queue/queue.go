// Package queue holds the opportunities pushed by tier scanners until the
// decision loop drains them.
package queue

import (
	"sort"
	"sync"

	"risk-gated-trader/internal/domain"
)

// OpportunityQueue is a mutex-guarded collection of pending signals.
// Count is unbounded; staleness is bounded because each tier purges its
// symbols before rescanning.
type OpportunityQueue struct {
	mu    sync.Mutex
	items []domain.Opportunity
}

// New creates an empty queue
func New() *OpportunityQueue {
	return &OpportunityQueue{}
}

// Push appends an opportunity. Never blocks on I/O.
func (q *OpportunityQueue) Push(o domain.Opportunity) {
	q.mu.Lock()
	q.items = append(q.items, o)
	q.mu.Unlock()
}

// DrainSortedByConfidence atomically removes every entry and returns them
// by descending confidence, earliest timestamp first on ties.
func (q *OpportunityQueue) DrainSortedByConfidence() []domain.Opportunity {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Confidence != items[j].Confidence {
			return items[i].Confidence > items[j].Confidence
		}
		return items[i].Timestamp.Before(items[j].Timestamp)
	})
	return items
}

// PurgeSymbols removes all entries for the given symbols and returns how many were dropped
func (q *OpportunityQueue) PurgeSymbols(symbols []string) int {
	if len(symbols) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		set[s] = struct{}{}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0]
	removed := 0
	for _, o := range q.items {
		if _, ok := set[o.Symbol]; ok {
			removed++
			continue
		}
		kept = append(kept, o)
	}
	// clear the tail so dropped entries are not retained by the backing array
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = domain.Opportunity{}
	}
	q.items = kept
	return removed
}

// Len returns the number of pending entries
func (q *OpportunityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns a copy of pending entries without removing them
func (q *OpportunityQueue) Snapshot() []domain.Opportunity {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.Opportunity, len(q.items))
	copy(out, q.items)
	return out
}
