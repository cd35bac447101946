package correlation

import (
	"sync"
	"time"
)

// pending is one outstanding request awaiting its response.
type pending struct {
	sendTime   float64 // seconds since epoch, echoed on the wire
	insertedAt time.Time
}

// Table is a bounded per-flow map from sequence number to send timestamp.
// Each flow owns a private Table, so there is no cross-flow lock contention;
// the internal mutex only coordinates the flow's own sender and receiver
// goroutines. Entries that outlive the eviction window are swept out and
// counted as losses instead of leaking.
type Table struct {
	mu      sync.Mutex
	entries map[uint64]pending
	window  time.Duration
}

// Evicted describes one entry removed by a sweep.
type Evicted struct {
	Sequence uint64
	SendTime float64
}

// NewTable creates a table with the given eviction window. Entries older
// than the window at sweep time are treated as lost.
func NewTable(window time.Duration) *Table {
	return &Table{
		entries: make(map[uint64]pending),
		window:  window,
	}
}

// Insert records a pending request. O(1).
func (t *Table) Insert(seq uint64, sendTime float64, now time.Time) {
	t.mu.Lock()
	t.entries[seq] = pending{sendTime: sendTime, insertedAt: now}
	t.mu.Unlock()
}

// Resolve removes and returns the pending entry for seq. The second return
// is false when no live entry exists: already resolved, already evicted, or
// never sent. Each entry resolves at most once.
func (t *Table) Resolve(seq uint64) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[seq]
	if !ok {
		return 0, false
	}
	delete(t.entries, seq)
	return p.sendTime, true
}

// Sweep evicts every entry whose response window has elapsed and returns
// them, oldest first not guaranteed. Evicted entries count as losses.
func (t *Table) Sweep(now time.Time) []Evicted {
	t.mu.Lock()
	defer t.mu.Unlock()

	var evicted []Evicted
	for seq, p := range t.entries {
		if now.Sub(p.insertedAt) >= t.window {
			evicted = append(evicted, Evicted{Sequence: seq, SendTime: p.sendTime})
			delete(t.entries, seq)
		}
	}
	return evicted
}

// Drain discards all remaining entries without counting them as losses.
// Used on cancellation: in-flight requests simply vanish.
func (t *Table) Drain() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.entries)
	t.entries = make(map[uint64]pending)
	return n
}

// Len returns the number of in-flight entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
