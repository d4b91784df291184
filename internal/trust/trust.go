// Package trust maintains the in-memory trust lattice: vertices, edges, the
// slash log, and the ban set. The lattice is a local view only: it is
// never merged with a peer's view, only periodically snapshotted to
// internal/storage.
package trust

import (
	"sort"
	"sync"
	"time"

	"github.com/hoshizora-labs/capsule/internal/storage"
)

// Vertex mirrors storage.Vertex for the in-memory lattice.
type Vertex struct {
	ID         int64
	DIDText    string
	TrustScore float64
	LastSeen   time.Time
}

// Edge mirrors storage.Edge for the in-memory lattice.
type Edge struct {
	SourceID  int64
	TargetID  int64
	Weight    float64
	Nonce     string
	Level     int
	ExpiresAt time.Time
}

// Lattice is the mutex-guarded in-memory trust graph.
type Lattice struct {
	mu       sync.Mutex
	vertices map[int64]Vertex
	edges    map[[2]int64]Edge
	slashLog []storage.SlashEvent
	banned   map[string]bool
	now      func() time.Time
}

// New creates an empty trust lattice.
func New() *Lattice {
	return &Lattice{
		vertices: make(map[int64]Vertex),
		edges:    make(map[[2]int64]Edge),
		banned:   make(map[string]bool),
		now:      time.Now,
	}
}

// UpsertVertex inserts or updates a trust vertex.
func (l *Lattice) UpsertVertex(v Vertex) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v.LastSeen = l.now()
	l.vertices[v.ID] = v
}

// UpsertEdge inserts or updates a trust edge.
func (l *Lattice) UpsertEdge(e Edge) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.edges[[2]int64{e.SourceID, e.TargetID}] = e
}

// RecordSlash appends a slash event to the in-memory log and returns it. The
// log holds every event recorded since the last PendingSlashEvents call,
// which drains it; Lattice does not persist events itself (the persistent
// copy is written through internal/storage by the caller).
func (l *Lattice) RecordSlash(targetDID, reason string, severity int, evidenceHash string) storage.SlashEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	ev := storage.SlashEvent{
		Timestamp:    l.now(),
		TargetDID:    targetDID,
		Reason:       reason,
		Severity:     severity,
		EvidenceHash: evidenceHash,
	}
	l.slashLog = append(l.slashLog, ev)
	return ev
}

// Ban marks a DID as banned in the in-memory view.
func (l *Lattice) Ban(did string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.banned[did] = true
}

// Unban clears a DID's banned state.
func (l *Lattice) Unban(did string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.banned, did)
}

// IsBanned reports the in-memory banned state for did.
func (l *Lattice) IsBanned(did string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.banned[did]
}

// Snapshot returns the full current vertex and edge sets, for periodic
// persistence via storage.TrustStore.SyncLattice.
func (l *Lattice) Snapshot() ([]storage.Vertex, []storage.Edge) {
	l.mu.Lock()
	defer l.mu.Unlock()

	vertices := make([]storage.Vertex, 0, len(l.vertices))
	for _, v := range l.vertices {
		vertices = append(vertices, storage.Vertex{
			ID: v.ID, DIDText: v.DIDText, TrustScore: v.TrustScore, LastSeen: v.LastSeen,
		})
	}
	edges := make([]storage.Edge, 0, len(l.edges))
	for _, e := range l.edges {
		edges = append(edges, storage.Edge{
			SourceID: e.SourceID, TargetID: e.TargetID, Weight: e.Weight,
			Nonce: e.Nonce, Level: e.Level, ExpiresAt: e.ExpiresAt,
		})
	}
	return vertices, edges
}

// TrustedRelays satisfies circuit.RelaySource directly against the
// in-memory lattice: DIDs scoring at least minScore, highest first,
// truncated to limit.
func (l *Lattice) TrustedRelays(minScore float64, limit int) ([]string, error) {
	l.mu.Lock()
	candidates := make([]Vertex, 0, len(l.vertices))
	for _, v := range l.vertices {
		if v.DIDText != "" && v.TrustScore >= minScore {
			candidates = append(candidates, v)
		}
	}
	l.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].TrustScore > candidates[j].TrustScore
	})
	if limit < len(candidates) {
		candidates = candidates[:limit]
	}
	out := make([]string, len(candidates))
	for i, v := range candidates {
		out[i] = v.DIDText
	}
	return out, nil
}

// PendingSlashEvents drains and returns the slash events recorded since the
// last drain.
func (l *Lattice) PendingSlashEvents() []storage.SlashEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.slashLog
	l.slashLog = nil
	return out
}
