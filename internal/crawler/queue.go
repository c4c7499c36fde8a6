package crawler

import (
	"sync"

	"github.com/alvmarrod/shelf-weaver/internal/product"
)

// Entry is one page to fetch and extract
type Entry struct {
	URL  string
	Seed string // seed URL the page was reached from
	Page int    // 1 for the seed, incremented along pagination
}

// Queue implements a thread-safe FIFO queue deduplicated by normalized URL.
// It drains naturally once empty with no entry in progress.
type Queue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	items     []Entry
	visited   map[string]bool // normalized URL
	active    int
	discarded int
	stopped   bool
}

// NewQueue creates a new queue
func NewQueue() *Queue {
	q := &Queue{
		items:   make([]Entry, 0),
		visited: make(map[string]bool),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push adds an entry unless its URL was seen before or the queue is stopped.
// Returns true if added.
func (q *Queue) Push(entry Entry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Don't accept new entries if stopped
	if q.stopped {
		return false
	}

	key := product.NormalizeURL(entry.URL)
	if q.visited[key] {
		return false
	}

	q.visited[key] = true
	q.items = append(q.items, entry)

	// Signal waiting workers
	q.cond.Signal()
	return true
}

// Pop removes and returns the first entry, blocking while the queue is empty
// but other entries are still in progress. Returns false once stopped or drained.
// Every successful Pop must be followed by Done.
func (q *Queue) Pop() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.stopped {
			return Entry{}, false
		}

		if len(q.items) > 0 {
			entry := q.items[0]
			q.items = q.items[1:]
			q.active++
			return entry, true
		}

		// Nothing queued and nothing in progress: no more work can appear
		if q.active == 0 {
			q.cond.Broadcast()
			return Entry{}, false
		}

		q.cond.Wait()
	}
}

// Done marks a popped entry as finished
func (q *Queue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.active--
	if q.active == 0 && len(q.items) == 0 {
		q.cond.Broadcast()
	}
}

// Size returns the current number of queued entries
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Active returns the number of entries in progress
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Stop stops the queue and discards pending entries. Entries already popped
// keep running; blocked workers receive false.
func (q *Queue) Stop() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.stopped {
		q.stopped = true
		q.discarded = len(q.items)
		q.items = nil
	}

	// Broadcast to wake all waiting workers
	q.cond.Broadcast()
	return q.discarded
}

// Stopped reports whether Stop was called
func (q *Queue) Stopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopped
}
