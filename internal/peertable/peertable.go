// Package peertable implements the peer table: a concurrent short-id ->
// last-known-address map with liveness decay.
package peertable

import (
	"sync"
	"time"
)

// ShortID is the first 8 bytes of a NodeId.
type ShortID [8]byte

// inactiveAfter is how long an entry may go without a refresh before Tick
// marks it inactive.
const inactiveAfter = 300 * time.Second

// Entry is one peer-table row.
type Entry struct {
	Address    string
	ShortID    ShortID
	LastSeen   time.Time
	TrustScore float64
	Active     bool
}

// Table is the mutex-guarded peer table. Iteration under the mutex is the
// only legal form, so List returns a snapshot copy.
type Table struct {
	mu      sync.Mutex
	entries map[ShortID]Entry
	now     func() time.Time
}

// New creates an empty peer table.
func New() *Table {
	return &Table{
		entries: make(map[ShortID]Entry),
		now:     time.Now,
	}
}

// Update inserts or refreshes an entry, stamping LastSeen and marking it active.
func (t *Table) Update(id ShortID, address string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[id]
	e.ShortID = id
	e.Address = address
	e.LastSeen = t.now()
	e.Active = true
	if e.TrustScore == 0 {
		e.TrustScore = 0.5
	}
	t.entries[id] = e
}

// Tick marks as inactive any entry whose LastSeen is older than 300s.
func (t *Table) Tick() {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-inactiveAfter)
	for id, e := range t.entries {
		if e.Active && e.LastSeen.Before(cutoff) {
			e.Active = false
			t.entries[id] = e
		}
	}
}

// Get returns a copy of the entry for id, if present.
func (t *Table) Get(id ShortID) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	return e, ok
}

// List returns a snapshot copy of all entries.
func (t *Table) List() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}

// ActiveWithoutSession returns active entries for which hasSession(id)
// reports false, used by the orchestrator to find peers lacking a
// federation session.
func (t *Table) ActiveWithoutSession(hasSession func(ShortID) bool) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Entry
	for id, e := range t.entries {
		if e.Active && !hasSession(id) {
			out = append(out, e)
		}
	}
	return out
}
