// Package circuit builds multi-hop onion circuits: relay selection driven by
// a trust-graph query, followed by iterative onion wrapping from the inside
// out.
package circuit

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"math/big"

	"github.com/google/uuid"

	"github.com/hoshizora-labs/capsule/internal/onion"
	"github.com/hoshizora-labs/capsule/internal/routing"
)

var (
	ErrRelayNotFound     = errors.New("circuit: relay not found in routing table")
	ErrNoRelaysAvailable = errors.New("circuit: no trusted relays available")
)

// Hop is one link in an active circuit. EphemeralKeypair is held only by
// the initiator and is never serialized onto the wire or returned from any
// circuit accessor.
type Hop struct {
	RelayID           routing.NodeID
	RelayStaticPublic [32]byte
	RelayAddress      string
	SessionID         [onion.SessionIDLen]byte
	EphemeralKeypair  *onion.Ephemeral
}

// Active is an ordered, immutable-after-build circuit.
type Active struct {
	Hops     []Hop
	TargetID *routing.NodeID
}

// RoutingLookup is the subset of routing.Table that circuit building needs.
type RoutingLookup interface {
	Find(id routing.NodeID) (routing.RemoteNode, bool)
}

// RelaySource is the subset of the trust store consumed for relay selection.
type RelaySource interface {
	TrustedRelays(minScore float64, limit int) ([]string, error)
}

// BuildCircuit resolves each hop id against the routing table and assembles
// an Active circuit with fresh per-hop ephemeral keys and session ids.
func BuildCircuit(lookup RoutingLookup, hopIDs []routing.NodeID) (*Active, error) {
	hops := make([]Hop, 0, len(hopIDs))
	for _, id := range hopIDs {
		rn, ok := lookup.Find(id)
		if !ok {
			return nil, ErrRelayNotFound
		}
		eph, err := onion.NewEphemeral()
		if err != nil {
			return nil, err
		}
		// Session identifiers are freshly random per flow; uuid.New's v4
		// randomness is a 16-byte fit for onion.SessionIDLen.
		sessionID := [onion.SessionIDLen]byte(uuid.New())
		hops = append(hops, Hop{
			RelayID:           id,
			RelayStaticPublic: rn.StaticKey,
			RelayAddress:      rn.Address,
			SessionID:         sessionID,
			EphemeralKeypair:  eph,
		})
	}
	return &Active{Hops: hops}, nil
}

// SelectOneHop implements the one-hop relay-selection path: query the trust
// store for relays above minScore, then pick uniformly at random. Selection
// is unweighted; the score threshold already gates membership in the
// candidate set.
func SelectOneHop(lookup RoutingLookup, relays RelaySource, minScore float64, limit int) (routing.NodeID, error) {
	dids, err := relays.TrustedRelays(minScore, limit)
	if err != nil {
		return routing.NodeID{}, err
	}
	if len(dids) == 0 {
		return routing.NodeID{}, ErrNoRelaysAvailable
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(dids))))
	if err != nil {
		return routing.NodeID{}, err
	}
	return parseNodeID(dids[n.Int64()])
}

func parseNodeID(didHex string) (routing.NodeID, error) {
	var id routing.NodeID
	b, err := hex.DecodeString(didHex)
	if err != nil || len(b) != routing.IDSize {
		return id, errors.New("circuit: malformed relay identifier")
	}
	copy(id[:], b)
	return id, nil
}

// SendOnCircuit wraps payload for the last hop first (inner next-hop =
// targetID), then iteratively wraps outward. Intermediate allocations for
// each layer's encoded bytes are dropped before the outer wrap, bounding
// peak memory by the largest single layer rather than the sum of all
// layers.
func SendOnCircuit(c *Active, targetID routing.NodeID, payload []byte) (*onion.Packet, error) {
	if len(c.Hops) == 0 {
		return nil, errors.New("circuit: empty circuit")
	}

	last := c.Hops[len(c.Hops)-1]
	pkt, err := onion.WrapLayer(payload, targetID, last.RelayStaticPublic, last.SessionID, last.EphemeralKeypair)
	if err != nil {
		return nil, err
	}

	for i := len(c.Hops) - 2; i >= 0; i-- {
		inner := pkt.Encode()
		hop := c.Hops[i]
		nextHopID := c.Hops[i+1].RelayID
		pkt, err = onion.WrapLayer(inner, nextHopID, hop.RelayStaticPublic, hop.SessionID, hop.EphemeralKeypair)
		if err != nil {
			return nil, err
		}
	}
	return pkt, nil
}

// FirstHopAddress returns the UDP endpoint the caller should send the
// returned packet to.
func (c *Active) FirstHopAddress() string {
	if len(c.Hops) == 0 {
		return ""
	}
	return c.Hops[0].RelayAddress
}
