package bridge

import (
	"sync"
	"time"
)

// ReplyDestination is where a request's eventual response must be
// delivered: the reply queue and correlation id recorded from the
// inbound delivery.
type ReplyDestination struct {
	ReplyTo       string
	CorrelationID string
}

// CorrelationTable maps in-flight request ids to their reply
// destinations. Each server bridge owns exactly one table; it is never
// shared across connections. A response can only ever be delivered
// once, to the destination recorded at request time, so Pop removes
// the entry.
type CorrelationTable struct {
	mu      sync.Mutex
	entries map[string]tableEntry
}

type tableEntry struct {
	dest       ReplyDestination
	insertedAt time.Time
}

// NewCorrelationTable creates an empty table.
func NewCorrelationTable() *CorrelationTable {
	return &CorrelationTable{entries: make(map[string]tableEntry)}
}

// Insert records the reply destination for a request id. A duplicate
// id overwrites the previous entry: ids are unique only within one
// connection's in-flight set, so a reused id means the earlier request
// is already stale.
func (t *CorrelationTable) Insert(id string, dest ReplyDestination) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = tableEntry{dest: dest, insertedAt: time.Now()}
}

// Pop removes and returns the destination for a request id.
func (t *CorrelationTable) Pop(id string) (ReplyDestination, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return entry.dest, ok
}

// Len returns the number of pending entries.
func (t *CorrelationTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Sweep removes entries older than ttl and returns their ids. Covers
// requests whose handler never produced a response; their clients have
// long since timed out.
func (t *CorrelationTable) Sweep(ttl time.Duration) []string {
	cutoff := time.Now().Add(-ttl)

	t.mu.Lock()
	defer t.mu.Unlock()

	var swept []string
	for id, entry := range t.entries {
		if entry.insertedAt.Before(cutoff) {
			swept = append(swept, id)
			delete(t.entries, id)
		}
	}
	return swept
}

// Clear drops all entries and returns how many were pending. Used at
// teardown: anything still here is a documented leak bounded by the
// connection lifetime.
func (t *CorrelationTable) Clear() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.entries)
	t.entries = make(map[string]tableEntry)
	return n
}
