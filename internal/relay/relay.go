// Package relay implements the per-hop relay decision: unwrap one onion
// layer, and either deliver locally or forward to the next hop, tracking
// per-flow sticky sessions in a bounded LRU.
package relay

import (
	"container/list"
	"sync"

	"github.com/hoshizora-labs/capsule/internal/onion"
)

// Decision is the outcome of processing one relay packet.
type Decision int

const (
	DecisionForward Decision = iota
	DecisionDeliverLocal
	DecisionDrop
)

// Outcome carries the unwrapped layer plus the routing decision.
type Outcome struct {
	Decision  Decision
	NextHop   [32]byte
	Payload   []byte
	SessionID [onion.SessionIDLen]byte
}

// Counters tracks forward/drop totals for the control protocol's
// relay_stats command.
type Counters struct {
	mu               sync.Mutex
	PacketsForwarded uint64
	PacketsDropped   uint64
}

func (c *Counters) recordForward() {
	c.mu.Lock()
	c.PacketsForwarded++
	c.mu.Unlock()
}

func (c *Counters) recordDrop() {
	c.mu.Lock()
	c.PacketsDropped++
	c.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (c *Counters) Snapshot() (forwarded, dropped uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.PacketsForwarded, c.PacketsDropped
}

// Service processes inbound relay packets for one hop's static keypair,
// with a bounded sticky-session cache evicted LRU.
type Service struct {
	staticPriv [32]byte

	mu       sync.Mutex
	sessions map[[onion.SessionIDLen]byte]*list.Element
	order    *list.List // front = most-recently-used
	capacity int

	Counters Counters
}

type sessionRecord struct {
	sessionID [onion.SessionIDLen]byte
	address   string
}

// NewService creates a relay service bound to staticPriv, caching up to
// capacity sticky sessions.
func NewService(staticPriv [32]byte, capacity int) *Service {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Service{
		staticPriv: staticPriv,
		sessions:   make(map[[onion.SessionIDLen]byte]*list.Element),
		order:      list.New(),
		capacity:   capacity,
	}
}

// touchSession records that sessionID's traffic last arrived from
// fromAddress, evicting the least-recently-used entry if at capacity.
func (s *Service) touchSession(sessionID [onion.SessionIDLen]byte, fromAddress string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.sessions[sessionID]; ok {
		el.Value.(*sessionRecord).address = fromAddress
		s.order.MoveToFront(el)
		return
	}
	if s.order.Len() >= s.capacity {
		back := s.order.Back()
		if back != nil {
			s.order.Remove(back)
			delete(s.sessions, back.Value.(*sessionRecord).sessionID)
		}
	}
	rec := &sessionRecord{sessionID: sessionID, address: fromAddress}
	s.sessions[sessionID] = s.order.PushFront(rec)
}

// StickyAddress returns the address last associated with sessionID, if any.
func (s *Service) StickyAddress(sessionID [onion.SessionIDLen]byte) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.sessions[sessionID]
	if !ok {
		return "", false
	}
	return el.Value.(*sessionRecord).address, true
}

// Process unwraps one onion layer. On a decryption failure it increments
// the drop counter and returns DecisionDrop. On local delivery (next_hop
// all zeros) it also counts as a drop (not forwarded, delivered locally)
// and returns without touching the sticky-session table. Only the forward
// path upserts the session binding and increments the forward counter.
func (s *Service) Process(pkt *onion.Packet, fromAddress string) Outcome {
	nextHop, payload, sessionID, err := onion.UnwrapLayer(pkt, s.staticPriv)
	if err != nil {
		s.Counters.recordDrop()
		return Outcome{Decision: DecisionDrop}
	}

	if onion.IsLocalDelivery(nextHop) {
		s.Counters.recordDrop()
		return Outcome{Decision: DecisionDeliverLocal, Payload: payload, SessionID: sessionID}
	}

	s.touchSession(sessionID, fromAddress)
	s.Counters.recordForward()
	return Outcome{Decision: DecisionForward, NextHop: nextHop, Payload: payload, SessionID: sessionID}
}
