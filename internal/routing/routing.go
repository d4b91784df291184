// Package routing implements the Kademlia-style routing table: 256 k-buckets
// keyed by common-prefix length between the local node id and a candidate,
// ordered by XOR distance.
package routing

import (
	"bytes"
	"sync"
)

// IDSize is the width of a NodeId in bytes (256 bits).
const IDSize = 32

// K is the maximum number of entries held in a single k-bucket.
const K = 20

// NumBuckets is the number of k-buckets, one per possible common-prefix length.
const NumBuckets = IDSize * 8

// NodeID is a 256-bit node identifier.
type NodeID [IDSize]byte

// RemoteNode is a single routing-table row.
type RemoteNode struct {
	ID        NodeID
	Address   string // host:port
	LastSeen  int64  // monotonic seconds
	StaticKey [32]byte
}

// XORDistance returns a XOR b as a 32-byte value, compared lexicographically
// as a big-endian integer so distances form a total order.
func XORDistance(a, b NodeID) [IDSize]byte {
	var out [IDSize]byte
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// Less reports whether distance d1 is strictly less than d2 under
// lexicographic (big-endian integer) comparison.
func Less(d1, d2 [IDSize]byte) bool {
	return bytes.Compare(d1[:], d2[:]) < 0
}

// commonPrefixLen returns the number of leading bits a and b share.
func commonPrefixLen(a, b NodeID) int {
	for i := 0; i < IDSize; i++ {
		x := a[i] ^ b[i]
		if x == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if x&(0x80>>uint(bit)) != 0 {
				return i*8 + bit
			}
		}
	}
	return NumBuckets // identical ids
}

type bucket struct {
	nodes []RemoteNode // front = least-recently-seen, back = most-recently-seen
}

func (b *bucket) indexOf(id NodeID) int {
	for i, n := range b.nodes {
		if n.ID == id {
			return i
		}
	}
	return -1
}

// upsert applies the k-bucket insertion policy: move-to-back if present,
// append if under capacity, else drop (retain the front/oldest entry).
func (b *bucket) upsert(n RemoteNode) {
	if i := b.indexOf(n.ID); i >= 0 {
		b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
		b.nodes = append(b.nodes, n)
		return
	}
	if len(b.nodes) < K {
		b.nodes = append(b.nodes, n)
		return
	}
	// bucket full: ping-and-replace is future work, so the new node is dropped.
}

// Table is the fixed array of 256 k-buckets for a single local node.
type Table struct {
	self NodeID

	mu      sync.RWMutex
	buckets [NumBuckets]bucket
}

// New creates a routing table for the given local node id.
func New(self NodeID) *Table {
	return &Table{self: self}
}

func (t *Table) bucketIndex(id NodeID) int {
	idx := commonPrefixLen(t.self, id)
	if idx >= NumBuckets {
		idx = NumBuckets - 1
	}
	return idx
}

// Update inserts or refreshes a candidate node.
func (t *Table) Update(n RemoteNode) {
	if n.ID == t.self {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buckets[t.bucketIndex(n.ID)].upsert(n)
}

// Find returns the row matching id exactly, if present.
func (t *Table) Find(id NodeID) (RemoteNode, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b := &t.buckets[t.bucketIndex(id)]
	if i := b.indexOf(id); i >= 0 {
		return b.nodes[i], true
	}
	return RemoteNode{}, false
}

// FindClosest collects every row across every bucket and returns the count
// closest to target by XOR distance, ascending.
func (t *Table) FindClosest(target NodeID, count int) []RemoteNode {
	t.mu.RLock()
	all := make([]RemoteNode, 0)
	for i := range t.buckets {
		all = append(all, t.buckets[i].nodes...)
	}
	t.mu.RUnlock()

	dist := make(map[NodeID][IDSize]byte, len(all))
	for _, n := range all {
		dist[n.ID] = XORDistance(n.ID, target)
	}
	sortByDistance(all, dist)

	if count > len(all) {
		count = len(all)
	}
	return all[:count]
}

func sortByDistance(nodes []RemoteNode, dist map[NodeID][IDSize]byte) {
	// insertion sort: k-bucket tables are small (≤ K*NumBuckets), no need
	// for sort.Slice's comparator overhead at this scale.
	for i := 1; i < len(nodes); i++ {
		cur := nodes[i]
		curDist := dist[cur.ID]
		j := i - 1
		for j >= 0 && Less(curDist, dist[nodes[j].ID]) {
			nodes[j+1] = nodes[j]
			j--
		}
		nodes[j+1] = cur
	}
}

// BucketSize returns the current occupancy of the bucket holding id's
// would-be position, primarily for tests.
func (t *Table) BucketSize(id NodeID) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.buckets[t.bucketIndex(id)].nodes)
}

// List returns every row in the table, in no particular order. Used by the
// control protocol's dht/topology views, which surface the whole table
// rather than a target-relative slice.
func (t *Table) List() []RemoteNode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	all := make([]RemoteNode, 0)
	for i := range t.buckets {
		all = append(all, t.buckets[i].nodes...)
	}
	return all
}
