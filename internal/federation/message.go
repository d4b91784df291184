// Package federation implements the session handshake and DHT RPC exchange
// that promotes a discovered address into an authenticated, routing-table
// member session. Wire messages are a discriminant-first tagged union over
// fixed-size binary fields: 32-byte identifiers, 64-byte signatures, and
// 4-byte IPv4 + 2-byte big-endian port addresses.
package federation

import (
	"encoding/binary"
	"errors"
	"net"

	"github.com/hoshizora-labs/capsule/internal/routing"
)

// Type is the one-byte message discriminant.
type Type byte

const (
	TypeHello Type = iota
	TypeWelcome
	TypeAuth
	TypeDHTPing
	TypeDHTPong
	TypeDHTFindNode
	TypeDHTNodes
	TypeHolePunchRequest
	TypeHolePunchNotify
)

var (
	ErrShortMessage     = errors.New("federation: message shorter than its fixed fields")
	ErrUnknownType      = errors.New("federation: unknown message discriminant")
	ErrMalformedAddress = errors.New("federation: address is not a routable IPv4 endpoint")
)

const (
	idSize  = routing.IDSize // 32
	sigSize = 64
	ipSize  = 4
	portSz  = 2
	// addrSize is the fixed width of an embedded IPv4 endpoint.
	addrSize = ipSize + portSz
)

// NodeAddr is one entry in a dht_nodes reply: identifier plus routable
// IPv4 endpoint, no static key (DHT RPCs alone never carry handshake key
// material; the static public key is learned only via hello/welcome).
type NodeAddr struct {
	ID   routing.NodeID
	IP   [ipSize]byte
	Port uint16
}

func encodeAddr(out []byte, ip [ipSize]byte, port uint16) []byte {
	out = append(out, ip[:]...)
	var p [portSz]byte
	binary.BigEndian.PutUint16(p[:], port)
	return append(out, p[:]...)
}

func decodeAddr(b []byte) (ip [ipSize]byte, port uint16) {
	copy(ip[:], b[:ipSize])
	port = binary.BigEndian.Uint16(b[ipSize:addrSize])
	return
}

// IPv4Endpoint parses a "host:port" string into the fixed wire encoding.
func IPv4Endpoint(hostport string) (ip [ipSize]byte, port uint16, err error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return ip, 0, ErrMalformedAddress
	}
	parsed := net.ParseIP(host)
	v4 := parsed.To4()
	if v4 == nil {
		return ip, 0, ErrMalformedAddress
	}
	copy(ip[:], v4)
	var p uint64
	for _, c := range portStr {
		if c < '0' || c > '9' {
			return ip, 0, ErrMalformedAddress
		}
		p = p*10 + uint64(c-'0')
	}
	return ip, uint16(p), nil
}

// Hello announces a node's identity and static handshake key.
type Hello struct {
	NodeID       routing.NodeID
	StaticPublic [32]byte
}

// Welcome is the reply to Hello, carrying the replier's own identity.
type Welcome struct {
	NodeID       routing.NodeID
	StaticPublic [32]byte
}

// Auth is reserved for the future mutual-auth step of the handshake; the
// signature field is carried so the wire format need not change when that
// step is implemented.
type Auth struct {
	Signature [sigSize]byte
}

// DHTPing is a liveness probe that seeds the responder's routing table.
type DHTPing struct {
	NodeID routing.NodeID
}

// DHTPong answers DHTPing.
type DHTPong struct {
	NodeID routing.NodeID
}

// DHTFindNode requests the closest known nodes to Target.
type DHTFindNode struct {
	Target routing.NodeID
}

// DHTNodes answers DHTFindNode with up to routing.K entries.
type DHTNodes struct {
	Nodes []NodeAddr
}

// HolePunchRequest asks a gateway node to notify Target of the requester.
type HolePunchRequest struct {
	Target routing.NodeID
}

// HolePunchNotify tells Target that the requester at RequesterIP:RequesterPort
// wants to connect.
type HolePunchNotify struct {
	RequesterIP   [ipSize]byte
	RequesterPort uint16
}

// Encode serializes any of the message types above into its
// discriminant-prefixed wire form.
func Encode(msg any) ([]byte, error) {
	switch m := msg.(type) {
	case Hello:
		b := make([]byte, 0, 1+idSize+32)
		b = append(b, byte(TypeHello))
		b = append(b, m.NodeID[:]...)
		b = append(b, m.StaticPublic[:]...)
		return b, nil
	case Welcome:
		b := make([]byte, 0, 1+idSize+32)
		b = append(b, byte(TypeWelcome))
		b = append(b, m.NodeID[:]...)
		b = append(b, m.StaticPublic[:]...)
		return b, nil
	case Auth:
		b := make([]byte, 0, 1+sigSize)
		b = append(b, byte(TypeAuth))
		b = append(b, m.Signature[:]...)
		return b, nil
	case DHTPing:
		b := make([]byte, 0, 1+idSize)
		b = append(b, byte(TypeDHTPing))
		return append(b, m.NodeID[:]...), nil
	case DHTPong:
		b := make([]byte, 0, 1+idSize)
		b = append(b, byte(TypeDHTPong))
		return append(b, m.NodeID[:]...), nil
	case DHTFindNode:
		b := make([]byte, 0, 1+idSize)
		b = append(b, byte(TypeDHTFindNode))
		return append(b, m.Target[:]...), nil
	case DHTNodes:
		b := make([]byte, 0, 1+1+len(m.Nodes)*(idSize+addrSize))
		b = append(b, byte(TypeDHTNodes))
		b = append(b, byte(len(m.Nodes)))
		for _, n := range m.Nodes {
			b = append(b, n.ID[:]...)
			b = encodeAddr(b, n.IP, n.Port)
		}
		return b, nil
	case HolePunchRequest:
		b := make([]byte, 0, 1+idSize)
		b = append(b, byte(TypeHolePunchRequest))
		return append(b, m.Target[:]...), nil
	case HolePunchNotify:
		b := make([]byte, 0, 1+addrSize)
		b = append(b, byte(TypeHolePunchNotify))
		return encodeAddr(b, m.RequesterIP, m.RequesterPort), nil
	default:
		return nil, ErrUnknownType
	}
}

// Decode parses a wire message, returning the discriminant-specific value
// (one of the message structs above) as any.
func Decode(raw []byte) (Type, any, error) {
	if len(raw) < 1 {
		return 0, nil, ErrShortMessage
	}
	t := Type(raw[0])
	body := raw[1:]

	switch t {
	case TypeHello, TypeWelcome:
		if len(body) < idSize+32 {
			return t, nil, ErrShortMessage
		}
		var id routing.NodeID
		var pub [32]byte
		copy(id[:], body[:idSize])
		copy(pub[:], body[idSize:idSize+32])
		if t == TypeHello {
			return t, Hello{NodeID: id, StaticPublic: pub}, nil
		}
		return t, Welcome{NodeID: id, StaticPublic: pub}, nil
	case TypeAuth:
		if len(body) < sigSize {
			return t, nil, ErrShortMessage
		}
		var sig [sigSize]byte
		copy(sig[:], body[:sigSize])
		return t, Auth{Signature: sig}, nil
	case TypeDHTPing, TypeDHTPong:
		if len(body) < idSize {
			return t, nil, ErrShortMessage
		}
		var id routing.NodeID
		copy(id[:], body[:idSize])
		if t == TypeDHTPing {
			return t, DHTPing{NodeID: id}, nil
		}
		return t, DHTPong{NodeID: id}, nil
	case TypeDHTFindNode:
		if len(body) < idSize {
			return t, nil, ErrShortMessage
		}
		var id routing.NodeID
		copy(id[:], body[:idSize])
		return t, DHTFindNode{Target: id}, nil
	case TypeDHTNodes:
		if len(body) < 1 {
			return t, nil, ErrShortMessage
		}
		count := int(body[0])
		rest := body[1:]
		if len(rest) < count*(idSize+addrSize) {
			return t, nil, ErrShortMessage
		}
		nodes := make([]NodeAddr, 0, count)
		for i := 0; i < count; i++ {
			off := i * (idSize + addrSize)
			var n NodeAddr
			copy(n.ID[:], rest[off:off+idSize])
			n.IP, n.Port = decodeAddr(rest[off+idSize : off+idSize+addrSize])
			nodes = append(nodes, n)
		}
		return t, DHTNodes{Nodes: nodes}, nil
	case TypeHolePunchRequest:
		if len(body) < idSize {
			return t, nil, ErrShortMessage
		}
		var id routing.NodeID
		copy(id[:], body[:idSize])
		return t, HolePunchRequest{Target: id}, nil
	case TypeHolePunchNotify:
		if len(body) < addrSize {
			return t, nil, ErrShortMessage
		}
		ip, port := decodeAddr(body[:addrSize])
		return t, HolePunchNotify{RequesterIP: ip, RequesterPort: port}, nil
	default:
		return t, nil, ErrUnknownType
	}
}
