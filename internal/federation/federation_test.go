package federation

import (
	"bytes"
	"reflect"
	"testing"
	"time"

	"github.com/hoshizora-labs/capsule/internal/routing"
)

func nodeID(b byte) routing.NodeID {
	var id routing.NodeID
	id[31] = b
	return id
}

func TestMessageRoundTrip(t *testing.T) {
	cases := []any{
		Hello{NodeID: nodeID(1), StaticPublic: [32]byte{1, 2, 3}},
		Welcome{NodeID: nodeID(2), StaticPublic: [32]byte{4, 5, 6}},
		Auth{Signature: [64]byte{9}},
		DHTPing{NodeID: nodeID(3)},
		DHTPong{NodeID: nodeID(4)},
		DHTFindNode{Target: nodeID(5)},
		DHTNodes{Nodes: []NodeAddr{{ID: nodeID(6), IP: [4]byte{127, 0, 0, 1}, Port: 9000}}},
		HolePunchRequest{Target: nodeID(7)},
		HolePunchNotify{RequesterIP: [4]byte{10, 0, 0, 5}, RequesterPort: 1234},
	}
	for _, c := range cases {
		raw, err := Encode(c)
		if err != nil {
			t.Fatalf("encode %T: %v", c, err)
		}
		_, decoded, err := Decode(raw)
		if err != nil {
			t.Fatalf("decode %T: %v", c, err)
		}
		if !reflect.DeepEqual(decoded, c) {
			t.Fatalf("round trip mismatch for %T: %+v vs %+v", c, decoded, c)
		}
	}
}

func TestDecodeRejectsShortMessages(t *testing.T) {
	if _, _, err := Decode([]byte{byte(TypeHello)}); err != ErrShortMessage {
		t.Fatalf("expected ErrShortMessage, got %v", err)
	}
	if _, _, err := Decode(nil); err != ErrShortMessage {
		t.Fatalf("expected ErrShortMessage for empty input, got %v", err)
	}
}

func TestIPv4EndpointRoundTrip(t *testing.T) {
	ip, port, err := IPv4Endpoint("203.0.113.7:9090")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !bytes.Equal(ip[:], []byte{203, 0, 113, 7}) || port != 9090 {
		t.Fatalf("unexpected parse result: %v %d", ip, port)
	}
}

// TestSessionPromotion: starting from an empty routing table, a synthetic
// welcome from a peer followed by its dht_pong reply promotes the session
// and populates the routing table.
func TestSessionPromotion(t *testing.T) {
	self := nodeID(0xFF)
	rt := routing.New(self)
	d := NewDispatcher(self, [32]byte{0xEE}, rt)

	peerAddr := "198.51.100.5:8710"
	peerID := nodeID(0x10)

	welcomeMsg, _ := Encode(Welcome{NodeID: peerID, StaticPublic: [32]byte{1}})
	outbound, err := d.HandleMessage(peerAddr, welcomeMsg)
	if err != nil {
		t.Fatalf("HandleMessage(welcome): %v", err)
	}
	sess, ok := d.Session(peerAddr)
	if !ok || sess.State != Federated {
		t.Fatalf("expected session Federated after welcome, got %+v ok=%v", sess, ok)
	}
	if len(outbound) != 1 {
		t.Fatalf("expected one outbound dht_ping, got %d", len(outbound))
	}
	typ, msg, err := Decode(outbound[0].Data)
	if err != nil || typ != TypeDHTPing {
		t.Fatalf("expected dht_ping outbound, got type=%v err=%v", typ, err)
	}
	if msg.(DHTPing).NodeID != self {
		t.Fatal("dht_ping should carry our own node id")
	}

	pongMsg, _ := Encode(DHTPong{NodeID: peerID})
	if _, err := d.HandleMessage(peerAddr, pongMsg); err != nil {
		t.Fatalf("HandleMessage(dht_pong): %v", err)
	}
	rn, ok := rt.Find(peerID)
	if !ok {
		t.Fatal("expected peer to appear in routing table after dht_pong")
	}
	if rn.Address != peerAddr {
		t.Fatalf("unexpected routing table address: %q", rn.Address)
	}
}

func TestHelloCreatesAuthenticatingSessionAndRepliesWelcome(t *testing.T) {
	self := nodeID(0x01)
	d := NewDispatcher(self, [32]byte{0x02}, routing.New(self))

	peerAddr := "198.51.100.9:8710"
	hello, _ := Encode(Hello{NodeID: nodeID(0x20), StaticPublic: [32]byte{3}})
	out, err := d.HandleMessage(peerAddr, hello)
	if err != nil {
		t.Fatalf("HandleMessage(hello): %v", err)
	}
	sess, ok := d.Session(peerAddr)
	if !ok || sess.State != Authenticating {
		t.Fatalf("expected Authenticating session, got %+v ok=%v", sess, ok)
	}
	if len(out) != 1 {
		t.Fatalf("expected one welcome reply, got %d", len(out))
	}
	typ, _, err := Decode(out[0].Data)
	if err != nil || typ != TypeWelcome {
		t.Fatalf("expected welcome reply, got type=%v err=%v", typ, err)
	}
}

func TestExpireMarksIdleSessionsDisconnectedThenDrops(t *testing.T) {
	self := nodeID(0x01)
	d := NewDispatcher(self, [32]byte{0x02}, routing.New(self))
	fake := time.Now()
	d.now = func() time.Time { return fake }

	addr := "198.51.100.4:8710"
	d.ConnectToPeer(addr)

	fake = fake.Add(301 * time.Second)
	if dropped := d.Expire(300 * time.Second); dropped != 0 {
		t.Fatalf("first pass should only mark, not drop; dropped %d", dropped)
	}
	sess, ok := d.Session(addr)
	if !ok || sess.State != Disconnected {
		t.Fatalf("expected Disconnected after idle timeout, got %+v ok=%v", sess, ok)
	}

	if dropped := d.Expire(300 * time.Second); dropped != 1 {
		t.Fatalf("second pass should drop the disconnected session, dropped %d", dropped)
	}
	if _, ok := d.Session(addr); ok {
		t.Fatal("expected session to be gone after drop")
	}
}

func TestHolePunchRequiresGateway(t *testing.T) {
	self := nodeID(0x01)
	d := NewDispatcher(self, [32]byte{0x02}, routing.New(self))
	req, _ := Encode(HolePunchRequest{Target: nodeID(0x99)})

	out, err := d.HandleMessage("198.51.100.1:9000", req)
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if out != nil {
		t.Fatalf("expected no notify without gateway mode, got %v", out)
	}

	d.GatewayEnabled = true
	welcome, _ := Encode(Welcome{NodeID: nodeID(0x99), StaticPublic: [32]byte{1}})
	if _, err := d.HandleMessage("198.51.100.2:8710", welcome); err != nil {
		t.Fatalf("HandleMessage(welcome): %v", err)
	}

	out, err = d.HandleMessage("198.51.100.1:9000", req)
	if err != nil {
		t.Fatalf("HandleMessage(request): %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected one notify once gateway enabled and target known, got %d", len(out))
	}
	typ, msg, err := Decode(out[0].Data)
	if err != nil || typ != TypeHolePunchNotify {
		t.Fatalf("expected hole_punch_notify, got type=%v err=%v", typ, err)
	}
	notify := msg.(HolePunchNotify)
	if notify.RequesterPort != 9000 {
		t.Fatalf("unexpected requester port: %d", notify.RequesterPort)
	}
}
