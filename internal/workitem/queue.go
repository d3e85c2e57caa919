package workitem

import (
	"sort"
	"sync"
)

// Selector is a predicate the Routing Engine supplies to claim_next_for: it
// decides whether a pending WorkItem is eligible for the caller's candidate
// session set, without the queue needing to know anything about routing
// policy.
type Selector func(*WorkItem) bool

// Queue is a thread-safe in-memory projection of pending/assigned work,
// mirroring the durable store. It owns ordering (priority DESC, created_at
// ASC, id ASC) and the CAS semantics of claim_next_for; callers are
// responsible for persisting the same transition via the Store.
type Queue struct {
	mu    sync.RWMutex
	items []*WorkItem
	index map[string]*WorkItem
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		items: make([]*WorkItem, 0),
		index: make(map[string]*WorkItem),
	}
}

// Add inserts a WorkItem, maintaining sort order.
func (q *Queue) Add(item *WorkItem) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, item)
	q.index[item.ID] = item
	q.sortLocked()
}

// GetByID returns an item by id, or nil.
func (q *Queue) GetByID(id string) *WorkItem {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.index[id]
}

// GetByStatus returns all items in the given status, in queue order.
func (q *Queue) GetByStatus(status Status) []*WorkItem {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var result []*WorkItem
	for _, it := range q.items {
		if it.Status == status {
			result = append(result, it)
		}
	}
	return result
}

// All returns a defensive copy of every tracked item.
func (q *Queue) All() []*WorkItem {
	q.mu.RLock()
	defer q.mu.RUnlock()

	result := make([]*WorkItem, len(q.items))
	copy(result, q.items)
	return result
}

// Len reports how many items the queue is tracking.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// Update replaces the tracked item sharing an ID with the given pointer and
// re-sorts (the item's priority never changes post-creation, but its
// created_at does not move either; re-sorting is a no-op in the common case
// and cheap insurance against callers mutating fields out of band).
func (q *Queue) Update(item *WorkItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.index[item.ID]; !exists {
		return false
	}
	q.index[item.ID] = item
	for i, it := range q.items {
		if it.ID == item.ID {
			q.items[i] = item
			break
		}
	}
	q.sortLocked()
	return true
}

// Remove drops an item from the in-memory projection (used for cancel on a
// pending item and for archival sweeps).
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.index[id]; !exists {
		return false
	}
	delete(q.index, id)
	for i, it := range q.items {
		if it.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	return true
}

// ClaimNextFor returns the highest-priority, earliest-created pending item
// matching sel, atomically transitioning it to assigned. Returns nil if no
// eligible pending item exists. Safe for concurrent callers: only one caller
// observes a given item's pending->assigned edge because the status check
// and mutation happen while the lock is held.
func (q *Queue) ClaimNextFor(sel Selector) *WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, it := range q.items {
		if it.Status != StatusPending {
			continue
		}
		if !sel(it) {
			continue
		}
		if err := it.TransitionTo(StatusAssigned); err != nil {
			continue
		}
		q.sortLocked()
		return it
	}
	return nil
}

// sortLocked orders items by (priority DESC, created_at ASC, id ASC). Caller
// must hold the lock.
func (q *Queue) sortLocked() {
	sort.Slice(q.items, func(i, j int) bool {
		a, b := q.items[i], q.items[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
