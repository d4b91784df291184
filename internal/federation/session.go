package federation

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hoshizora-labs/capsule/internal/peertable"
	"github.com/hoshizora-labs/capsule/internal/routing"
)

// State is a federation session's lifecycle stage.
type State int

const (
	Connecting State = iota
	Authenticating
	Federated
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Federated:
		return "federated"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Session is per-peer federation state held by the orchestrator.
type Session struct {
	PeerAddress  string
	State        State
	ShortID      peertable.ShortID
	NodeID       routing.NodeID
	StaticPublic [32]byte
	LastActivity time.Time
}

// Outbound is a wire message this dispatcher wants sent to Addr.
type Outbound struct {
	Addr string
	Data []byte
}

// Dispatcher owns the federation session table and the routing table it
// feeds. It holds no socket of its own; HandleMessage and ConnectToPeer return the
// Outbound messages the caller (the orchestrator) is responsible for
// sending on the shared transport socket.
type Dispatcher struct {
	SelfID         routing.NodeID
	StaticPublic   [32]byte
	GatewayEnabled bool

	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time

	Routing *routing.Table
}

// NewDispatcher creates a federation dispatcher for the local identity.
func NewDispatcher(selfID routing.NodeID, staticPublic [32]byte, rt *routing.Table) *Dispatcher {
	return &Dispatcher{
		SelfID:       selfID,
		StaticPublic: staticPublic,
		sessions:     make(map[string]*Session),
		now:          time.Now,
		Routing:      rt,
	}
}

// Session returns a copy of the session for addr, if one exists.
func (d *Dispatcher) Session(addr string) (Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[addr]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Sessions returns a snapshot of all known sessions.
func (d *Dispatcher) Sessions() []Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, *s)
	}
	return out
}

// ConnectToPeer begins an outbound handshake: a new session is created in
// Connecting state and a hello is returned for the caller to send.
func (d *Dispatcher) ConnectToPeer(addr string) Outbound {
	d.mu.Lock()
	d.sessions[addr] = &Session{PeerAddress: addr, State: Connecting, LastActivity: d.now()}
	d.mu.Unlock()

	msg, _ := Encode(Hello{NodeID: d.SelfID, StaticPublic: d.StaticPublic})
	return Outbound{Addr: addr, Data: msg}
}

// HandleMessage processes one inbound federation datagram from fromAddr,
// returning any replies the caller should send.
func (d *Dispatcher) HandleMessage(fromAddr string, raw []byte) ([]Outbound, error) {
	_, msg, err := Decode(raw)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	if s, ok := d.sessions[fromAddr]; ok {
		s.LastActivity = d.now()
	}
	d.mu.Unlock()

	switch m := msg.(type) {
	case Hello:
		return d.handleHello(fromAddr, m), nil
	case Welcome:
		return d.handleWelcome(fromAddr, m), nil
	case DHTPing:
		return d.handleDHTPing(fromAddr, m), nil
	case DHTPong:
		d.handleDHTPong(fromAddr, m)
		return nil, nil
	case DHTFindNode:
		return d.handleDHTFindNode(fromAddr, m), nil
	case DHTNodes:
		d.handleDHTNodes(m)
		return nil, nil
	case HolePunchRequest:
		return d.handleHolePunchRequest(fromAddr, m), nil
	case HolePunchNotify:
		// Delivered to the caller as an event; the dispatcher itself has no
		// further routing-table side effect for it. What a notified node
		// does with the requester's address is connection policy, not
		// dispatch.
		return nil, nil
	default:
		return nil, ErrUnknownType
	}
}

// handleHello: on a first inbound hello from an unknown source, a session
// is created directly in Authenticating, and a welcome is sent back to
// complete the exchange from this side.
func (d *Dispatcher) handleHello(fromAddr string, m Hello) []Outbound {
	d.mu.Lock()
	s, ok := d.sessions[fromAddr]
	if !ok {
		s = &Session{PeerAddress: fromAddr}
		d.sessions[fromAddr] = s
	}
	s.State = Authenticating
	s.NodeID = m.NodeID
	s.StaticPublic = m.StaticPublic
	s.LastActivity = d.now()
	copy(s.ShortID[:], m.NodeID[:8])
	d.mu.Unlock()

	welcome, _ := Encode(Welcome{NodeID: d.SelfID, StaticPublic: d.StaticPublic})
	return []Outbound{{Addr: fromAddr, Data: welcome}}
}

// handleWelcome promotes the session to Federated and immediately emits a
// dht_ping to seed the routing table.
func (d *Dispatcher) handleWelcome(fromAddr string, m Welcome) []Outbound {
	d.mu.Lock()
	s, ok := d.sessions[fromAddr]
	if !ok {
		s = &Session{PeerAddress: fromAddr}
		d.sessions[fromAddr] = s
	}
	s.State = Federated
	s.NodeID = m.NodeID
	s.StaticPublic = m.StaticPublic
	s.LastActivity = d.now()
	copy(s.ShortID[:], m.NodeID[:8])
	d.mu.Unlock()

	if d.Routing != nil {
		d.Routing.Update(routing.RemoteNode{ID: m.NodeID, Address: fromAddr, StaticKey: m.StaticPublic})
	}

	ping, _ := Encode(DHTPing{NodeID: d.SelfID})
	return []Outbound{{Addr: fromAddr, Data: ping}}
}

func (d *Dispatcher) handleDHTPing(fromAddr string, m DHTPing) []Outbound {
	if d.Routing != nil {
		d.Routing.Update(routing.RemoteNode{ID: m.NodeID, Address: fromAddr})
	}
	pong, _ := Encode(DHTPong{NodeID: d.SelfID})
	return []Outbound{{Addr: fromAddr, Data: pong}}
}

func (d *Dispatcher) handleDHTPong(fromAddr string, m DHTPong) {
	if d.Routing != nil {
		d.Routing.Update(routing.RemoteNode{ID: m.NodeID, Address: fromAddr})
	}
}

func (d *Dispatcher) handleDHTFindNode(fromAddr string, m DHTFindNode) []Outbound {
	if d.Routing == nil {
		reply, _ := Encode(DHTNodes{})
		return []Outbound{{Addr: fromAddr, Data: reply}}
	}
	closest := d.Routing.FindClosest(m.Target, routing.K)
	nodes := make([]NodeAddr, 0, len(closest))
	for _, rn := range closest {
		ip, port, err := IPv4Endpoint(rn.Address)
		if err != nil {
			continue
		}
		nodes = append(nodes, NodeAddr{ID: rn.ID, IP: ip, Port: port})
	}
	reply, _ := Encode(DHTNodes{Nodes: nodes})
	return []Outbound{{Addr: fromAddr, Data: reply}}
}

func (d *Dispatcher) handleDHTNodes(m DHTNodes) {
	if d.Routing == nil {
		return
	}
	for _, n := range m.Nodes {
		addr := formatIPv4Endpoint(n.IP, n.Port)
		d.Routing.Update(routing.RemoteNode{ID: n.ID, Address: addr})
	}
}

// handleHolePunchRequest forwards a hole_punch_notify to Target containing
// the requester's address, but only when this node is configured as a
// gateway.
func (d *Dispatcher) handleHolePunchRequest(fromAddr string, m HolePunchRequest) []Outbound {
	if !d.GatewayEnabled {
		return nil
	}
	d.mu.Lock()
	var target *Session
	for _, s := range d.sessions {
		if s.NodeID == m.Target {
			target = s
			break
		}
	}
	d.mu.Unlock()
	if target == nil {
		return nil
	}

	ip, port, err := IPv4Endpoint(fromAddr)
	if err != nil {
		return nil
	}
	notify, _ := Encode(HolePunchNotify{RequesterIP: ip, RequesterPort: port})
	return []Outbound{{Addr: target.PeerAddress, Data: notify}}
}

// Expire walks the session table: sessions idle longer than maxIdle move to
// Disconnected, and sessions already Disconnected are dropped. Returns how
// many were dropped.
func (d *Dispatcher) Expire(maxIdle time.Duration) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	dropped := 0
	for addr, s := range d.sessions {
		if s.State == Disconnected {
			delete(d.sessions, addr)
			dropped++
			continue
		}
		if now.Sub(s.LastActivity) > maxIdle {
			s.State = Disconnected
		}
	}
	return dropped
}

func formatIPv4Endpoint(ip [ipSize]byte, port uint16) string {
	return net.IP(ip[:]).String() + ":" + strconv.Itoa(int(port))
}
