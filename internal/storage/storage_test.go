package storage

import (
	"testing"
	"time"

	"github.com/hoshizora-labs/capsule/internal/routing"
)

func nodeID(b byte) routing.NodeID {
	var id routing.NodeID
	id[31] = b
	return id
}

func TestPeerStoreSaveAndLoad(t *testing.T) {
	s, err := OpenPeerStore(":memory:")
	if err != nil {
		t.Fatalf("OpenPeerStore: %v", err)
	}
	defer s.Close()

	rn := routing.RemoteNode{ID: nodeID(1), Address: "10.0.0.1:9000", LastSeen: 1234, StaticKey: [32]byte{9, 9, 9}}
	if err := s.SavePeer(rn); err != nil {
		t.Fatalf("SavePeer: %v", err)
	}
	// Upsert: re-saving with a new address should replace, not duplicate.
	rn.Address = "10.0.0.2:9000"
	if err := s.SavePeer(rn); err != nil {
		t.Fatalf("SavePeer (update): %v", err)
	}

	peers, err := s.LoadPeers()
	if err != nil {
		t.Fatalf("LoadPeers: %v", err)
	}
	if len(peers) != 1 {
		t.Fatalf("expected 1 peer after upsert, got %d", len(peers))
	}
	if peers[0].Address != "10.0.0.2:9000" {
		t.Fatalf("expected updated address, got %q", peers[0].Address)
	}
	if peers[0].ID != rn.ID || peers[0].StaticKey != rn.StaticKey {
		t.Fatalf("round trip mismatch: %+v vs %+v", peers[0], rn)
	}
}

func TestPeerStoreBanLifecycle(t *testing.T) {
	s, err := OpenPeerStore(":memory:")
	if err != nil {
		t.Fatalf("OpenPeerStore: %v", err)
	}
	defer s.Close()

	did := "did:capsule:abc123"
	if banned, _ := s.IsBanned(did); banned {
		t.Fatal("expected not banned initially")
	}
	if err := s.BanPeer(did, "spam", time.Now()); err != nil {
		t.Fatalf("BanPeer: %v", err)
	}
	if banned, _ := s.IsBanned(did); !banned {
		t.Fatal("expected banned after BanPeer")
	}
	if err := s.UnbanPeer(did); err != nil {
		t.Fatalf("UnbanPeer: %v", err)
	}
	if banned, _ := s.IsBanned(did); banned {
		t.Fatal("expected not banned after UnbanPeer")
	}
}

func TestTrustStoreSyncLatticeReplacesSnapshot(t *testing.T) {
	s, err := OpenTrustStore(":memory:")
	if err != nil {
		t.Fatalf("OpenTrustStore: %v", err)
	}
	defer s.Close()

	first := []Vertex{{ID: 1, DIDText: "did:a", TrustScore: 0.9, LastSeen: time.Now()}}
	if err := s.SyncLattice(first, nil); err != nil {
		t.Fatalf("SyncLattice: %v", err)
	}
	relays, err := s.TrustedRelays(0.5, 10)
	if err != nil {
		t.Fatalf("TrustedRelays: %v", err)
	}
	if len(relays) != 1 || relays[0] != "did:a" {
		t.Fatalf("unexpected relays after first sync: %v", relays)
	}

	second := []Vertex{{ID: 1, DIDText: "did:b", TrustScore: 0.95, LastSeen: time.Now()}}
	if err := s.SyncLattice(second, nil); err != nil {
		t.Fatalf("SyncLattice (replace): %v", err)
	}
	relays, err = s.TrustedRelays(0.5, 10)
	if err != nil {
		t.Fatalf("TrustedRelays: %v", err)
	}
	if len(relays) != 1 || relays[0] != "did:b" {
		t.Fatalf("expected snapshot to be fully replaced, got %v", relays)
	}
}

func TestTrustStoreSlashLogMostRecentFirst(t *testing.T) {
	s, err := OpenTrustStore(":memory:")
	if err != nil {
		t.Fatalf("OpenTrustStore: %v", err)
	}
	defer s.Close()

	base := time.Now()
	if err := s.LogSlash(base, "did:a", "replay", 1, "hash1"); err != nil {
		t.Fatalf("LogSlash: %v", err)
	}
	if err := s.LogSlash(base.Add(time.Minute), "did:a", "flood", 2, "hash2"); err != nil {
		t.Fatalf("LogSlash: %v", err)
	}

	events, err := s.GetSlashEvents(10)
	if err != nil {
		t.Fatalf("GetSlashEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Reason != "flood" {
		t.Fatalf("expected most-recent-first ordering, got %q first", events[0].Reason)
	}
}

func TestTrustedRelaysFiltersByMinScore(t *testing.T) {
	s, err := OpenTrustStore(":memory:")
	if err != nil {
		t.Fatalf("OpenTrustStore: %v", err)
	}
	defer s.Close()

	vertices := []Vertex{
		{ID: 1, DIDText: "did:high", TrustScore: 0.9, LastSeen: time.Now()},
		{ID: 2, DIDText: "did:low", TrustScore: 0.1, LastSeen: time.Now()},
	}
	if err := s.SyncLattice(vertices, nil); err != nil {
		t.Fatalf("SyncLattice: %v", err)
	}

	relays, err := s.TrustedRelays(0.5, 10)
	if err != nil {
		t.Fatalf("TrustedRelays: %v", err)
	}
	if len(relays) != 1 || relays[0] != "did:high" {
		t.Fatalf("expected only did:high above threshold, got %v", relays)
	}
}
