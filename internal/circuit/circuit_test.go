package circuit

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/hoshizora-labs/capsule/internal/onion"
	"github.com/hoshizora-labs/capsule/internal/routing"
)

type fakeLookup map[routing.NodeID]routing.RemoteNode

func (f fakeLookup) Find(id routing.NodeID) (routing.RemoteNode, bool) {
	rn, ok := f[id]
	return rn, ok
}

type fakeRelaySource struct {
	dids []string
	err  error
}

func (f fakeRelaySource) TrustedRelays(minScore float64, limit int) ([]string, error) {
	return f.dids, f.err
}

func hopID(b byte) routing.NodeID {
	var id routing.NodeID
	id[31] = b
	return id
}

func keypair(t *testing.T) *onion.Ephemeral {
	t.Helper()
	e, err := onion.NewEphemeral()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	return e
}

func TestBuildAndSendThreeHopCircuit(t *testing.T) {
	ids := []routing.NodeID{hopID(1), hopID(2), hopID(3)}
	lookup := fakeLookup{}
	staticKeys := make([]*onion.Ephemeral, 3)
	for i, id := range ids {
		staticKeys[i] = keypair(t)
		lookup[id] = routing.RemoteNode{
			ID:        id,
			Address:   "10.0.0.1:9000",
			StaticKey: staticKeys[i].Pub,
		}
	}

	c, err := BuildCircuit(lookup, ids)
	if err != nil {
		t.Fatalf("BuildCircuit: %v", err)
	}
	if len(c.Hops) != 3 {
		t.Fatalf("expected 3 hops, got %d", len(c.Hops))
	}
	if c.FirstHopAddress() != "10.0.0.1:9000" {
		t.Fatalf("unexpected first hop address: %q", c.FirstHopAddress())
	}

	target := hopID(0xAA)
	payload := []byte("hello circuit")
	pkt, err := SendOnCircuit(c, target, payload)
	if err != nil {
		t.Fatalf("SendOnCircuit: %v", err)
	}

	// Peel the onion using each hop's static private key, in hop order.
	cur := pkt
	for i, hop := range c.Hops {
		next, body, sid, err := onion.UnwrapLayer(cur, staticKeys[i].Priv)
		if err != nil {
			t.Fatalf("unwrap hop %d: %v", i, err)
		}
		if sid != hop.SessionID {
			t.Fatalf("hop %d session id mismatch", i)
		}
		if i < len(c.Hops)-1 {
			if next != c.Hops[i+1].RelayID {
				t.Fatalf("hop %d next-hop mismatch: %x vs %x", i, next, c.Hops[i+1].RelayID)
			}
			cur, err = onion.Decode(body)
			if err != nil {
				t.Fatalf("decode at hop %d: %v", i, err)
			}
		} else {
			if next != target {
				t.Fatalf("final next-hop mismatch: %x vs %x", next, target)
			}
			if !bytes.Equal(body, payload) {
				t.Fatalf("final payload mismatch: %q vs %q", body, payload)
			}
		}
	}
}

func TestBuildCircuitUnknownRelay(t *testing.T) {
	lookup := fakeLookup{}
	_, err := BuildCircuit(lookup, []routing.NodeID{hopID(9)})
	if err != ErrRelayNotFound {
		t.Fatalf("expected ErrRelayNotFound, got %v", err)
	}
}

func TestSelectOneHopUniformAndEmpty(t *testing.T) {
	id := hopID(5)
	src := fakeRelaySource{dids: []string{hex.EncodeToString(id[:])}}
	got, err := SelectOneHop(nil, src, 0.5, 10)
	if err != nil {
		t.Fatalf("SelectOneHop: %v", err)
	}
	if got != id {
		t.Fatalf("expected %x, got %x", id, got)
	}

	empty := fakeRelaySource{}
	if _, err := SelectOneHop(nil, empty, 0.5, 10); err != ErrNoRelaysAvailable {
		t.Fatalf("expected ErrNoRelaysAvailable, got %v", err)
	}
}

func TestSendOnCircuitRejectsEmptyCircuit(t *testing.T) {
	c := &Active{}
	if _, err := SendOnCircuit(c, hopID(1), []byte("x")); err == nil {
		t.Fatal("expected error for empty circuit")
	}
}
