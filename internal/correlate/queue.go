package correlate

import "sync"

// Queue is the pending trigger collection shared by ingestion and
// correlation. Entries are kept in ascending ID order; every access goes
// through mu.
type Queue struct {
	mu      sync.Mutex
	entries []Trigger
}

// NewQueue returns an empty queue with room for capacity entries.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{entries: make([]Trigger, 0, capacity)}
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Snapshot returns a copy of the queued triggers, oldest first.
func (q *Queue) Snapshot() []Trigger {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Trigger, len(q.entries))
	copy(out, q.entries)
	return out
}

// push appends t and, when max > 0 and the queue is over max, drops from the
// head. It returns the dropped triggers. Callers must hold mu.
func (q *Queue) push(t Trigger, max int) []Trigger {
	q.entries = append(q.entries, t)
	if max <= 0 || len(q.entries) <= max {
		return nil
	}
	return q.popFront(len(q.entries) - max)
}

// popFront removes and returns the first n entries. Callers must hold mu.
func (q *Queue) popFront(n int) []Trigger {
	if n <= 0 {
		return nil
	}
	if n > len(q.entries) {
		n = len(q.entries)
	}
	removed := make([]Trigger, n)
	copy(removed, q.entries[:n])
	// shift rather than reslice so the backing array does not grow forever
	remaining := copy(q.entries, q.entries[n:])
	clear(q.entries[remaining:])
	q.entries = q.entries[:remaining]
	return removed
}

// removeAt deletes the entry at index i. Callers must hold mu.
func (q *Queue) removeAt(i int) {
	copy(q.entries[i:], q.entries[i+1:])
	q.entries[len(q.entries)-1] = Trigger{}
	q.entries = q.entries[:len(q.entries)-1]
}
