package relay

import (
	"bytes"
	"testing"

	"github.com/hoshizora-labs/capsule/internal/onion"
)

func mustKeypair(t *testing.T) *onion.Ephemeral {
	t.Helper()
	e, err := onion.NewEphemeral()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	return e
}

func TestProcessForwardsToNextHop(t *testing.T) {
	hop := mustKeypair(t)
	svc := NewService(hop.Priv, 8)

	var next [32]byte
	next[5] = 0x11
	var sessionID [onion.SessionIDLen]byte
	copy(sessionID[:], []byte("relaysessionid!!"))

	pkt, err := onion.WrapLayer([]byte("forward-me"), next, hop.Pub, sessionID, nil)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}

	out := svc.Process(pkt, "203.0.113.1:9000")
	if out.Decision != DecisionForward {
		t.Fatalf("expected DecisionForward, got %v", out.Decision)
	}
	if out.NextHop != next {
		t.Fatalf("next hop mismatch: %x vs %x", out.NextHop, next)
	}
	if !bytes.Equal(out.Payload, []byte("forward-me")) {
		t.Fatalf("payload mismatch: %q", out.Payload)
	}

	addr, ok := svc.StickyAddress(sessionID)
	if !ok || addr != "203.0.113.1:9000" {
		t.Fatalf("expected sticky binding to be recorded, got %q, %v", addr, ok)
	}

	forwarded, dropped := svc.Counters.Snapshot()
	if forwarded != 1 || dropped != 0 {
		t.Fatalf("expected 1 forwarded / 0 dropped, got %d/%d", forwarded, dropped)
	}
}

func TestProcessDeliversLocalOnZeroNextHop(t *testing.T) {
	hop := mustKeypair(t)
	svc := NewService(hop.Priv, 8)

	var next [32]byte // all-zero: local delivery
	var sessionID [onion.SessionIDLen]byte
	copy(sessionID[:], []byte("localsessionid!!"))

	pkt, err := onion.WrapLayer([]byte("for-me"), next, hop.Pub, sessionID, nil)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	out := svc.Process(pkt, "203.0.113.2:9000")
	if out.Decision != DecisionDeliverLocal {
		t.Fatalf("expected DecisionDeliverLocal, got %v", out.Decision)
	}
	if !bytes.Equal(out.Payload, []byte("for-me")) {
		t.Fatalf("payload mismatch: %q", out.Payload)
	}

	forwarded, dropped := svc.Counters.Snapshot()
	if forwarded != 0 || dropped != 1 {
		t.Fatalf("expected 0 forwarded / 1 dropped, got %d/%d", forwarded, dropped)
	}
	if _, ok := svc.StickyAddress(sessionID); ok {
		t.Fatal("expected no sticky-session entry for a locally delivered packet")
	}
}

func TestProcessDropsOnDecryptionFailure(t *testing.T) {
	hop := mustKeypair(t)
	wrongHop := mustKeypair(t)
	svc := NewService(wrongHop.Priv, 8) // bound to the wrong key

	var next [32]byte
	var sessionID [onion.SessionIDLen]byte
	pkt, err := onion.WrapLayer([]byte("x"), next, hop.Pub, sessionID, nil)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}

	out := svc.Process(pkt, "203.0.113.3:9000")
	if out.Decision != DecisionDrop {
		t.Fatalf("expected DecisionDrop, got %v", out.Decision)
	}
	_, dropped := svc.Counters.Snapshot()
	if dropped != 1 {
		t.Fatalf("expected 1 dropped, got %d", dropped)
	}
}

func TestStickySessionLRUEviction(t *testing.T) {
	hop := mustKeypair(t)
	svc := NewService(hop.Priv, 2)

	mk := func(b byte) [onion.SessionIDLen]byte {
		var id [onion.SessionIDLen]byte
		id[0] = b
		return id
	}

	svc.touchSession(mk(1), "a")
	svc.touchSession(mk(2), "b")
	svc.touchSession(mk(3), "c") // evicts session 1 (least recently used)

	if _, ok := svc.StickyAddress(mk(1)); ok {
		t.Fatal("expected session 1 to have been evicted")
	}
	if _, ok := svc.StickyAddress(mk(2)); !ok {
		t.Fatal("expected session 2 to remain cached")
	}
	if _, ok := svc.StickyAddress(mk(3)); !ok {
		t.Fatal("expected session 3 to remain cached")
	}
}
