// Package discovery implements local-network peer discovery: a multicast
// announce/query exchange using DNS-wire packets (a minimal response-shaped
// message carrying a single service-name PTR answer plus an SRV record for
// the announcing port), feeding discovered short-ids into
// internal/peertable.
package discovery

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/hoshizora-labs/capsule/internal/peertable"
)

// ErrNoIface is returned by PickInterface when no interface carries a
// usable IPv4 address.
var ErrNoIface = errors.New("discovery: no suitable IPv4 interface found")

// PickInterface chooses the multicast-capable interface Join should bind
// to: the first up, non-loopback interface carrying an IPv4 address.
func PickInterface() (*net.Interface, net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, nil, err
	}
	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		if ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		addrs, _ := ifi.Addrs()
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ip := ipn.IP.To4(); ip != nil {
				return ifi, ip, nil
			}
		}
	}
	return nil, nil, ErrNoIface
}

// ServiceName is the well-known service label queried and announced.
const ServiceName = "_capsule._udp.local."

// The well-known mDNS group and port.
const (
	groupAddress = "224.0.0.251"
	groupPort    = 5353
	ptrTTL       = 120
)

// BuildQuery constructs a minimal DNS query for ServiceName's PTR records.
func BuildQuery() ([]byte, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(ServiceName, dns.TypePTR)
	msg.RecursionDesired = false
	return msg.Pack()
}

// BuildAnnounce constructs a response-shaped DNS message carrying a single
// PTR answer of the form "<hex short-id>._capsule._udp.local." plus an SRV
// record for the announcing port.
func BuildAnnounce(shortID peertable.ShortID, port uint16) ([]byte, error) {
	msg := new(dns.Msg)
	msg.Response = true
	msg.Authoritative = true
	instance := fmt.Sprintf("%s.%s", hex.EncodeToString(shortID[:]), ServiceName)
	msg.Answer = []dns.RR{
		&dns.PTR{
			Hdr: dns.RR_Header{Name: ServiceName, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: ptrTTL},
			Ptr: instance,
		},
		&dns.SRV{
			Hdr:      dns.RR_Header{Name: instance, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: ptrTTL},
			Priority: 0,
			Weight:   0,
			Port:     port,
			Target:   instance,
		},
	}
	return msg.Pack()
}

// ParseMessage unpacks a raw DNS-wire datagram.
func ParseMessage(raw []byte) (*dns.Msg, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(raw); err != nil {
		return nil, err
	}
	return msg, nil
}

// IsQuery reports whether msg is a PTR query for ServiceName.
func IsQuery(msg *dns.Msg) bool {
	if msg.Response || len(msg.Question) == 0 {
		return false
	}
	q := msg.Question[0]
	return q.Qtype == dns.TypePTR && q.Name == ServiceName
}

// AnnouncedShortID extracts the short-id and port from a response message's
// PTR/SRV answers, if present.
func AnnouncedShortID(msg *dns.Msg) (peertable.ShortID, uint16, bool) {
	var id peertable.ShortID
	if !msg.Response {
		return id, 0, false
	}
	var instance string
	for _, rr := range msg.Answer {
		if ptr, ok := rr.(*dns.PTR); ok && ptr.Hdr.Name == ServiceName {
			instance = ptr.Ptr
			break
		}
	}
	if instance == "" {
		return id, 0, false
	}
	hexPart, _, found := strings.Cut(instance, ".")
	if !found {
		return id, 0, false
	}
	raw, err := hex.DecodeString(hexPart)
	if err != nil || len(raw) != len(id) {
		return id, 0, false
	}
	copy(id[:], raw)

	var port uint16
	for _, rr := range msg.Answer {
		if srv, ok := rr.(*dns.SRV); ok && srv.Hdr.Name == instance {
			port = srv.Port
			break
		}
	}
	return id, port, true
}

// Socket is a joined multicast endpoint plus a dial-out sender: the
// listener receives group traffic, the sender sources announce/query
// packets from the chosen interface's unicast address.
type Socket struct {
	listener *net.UDPConn
	sender   *net.UDPConn
}

// Join binds a multicast listener on iface and opens a unicast-sourced
// sender socket for announce/query traffic.
func Join(iface *net.Interface, localIP net.IP) (*Socket, error) {
	groupIP := net.ParseIP(groupAddress)
	listenAddr := &net.UDPAddr{IP: groupIP, Port: groupPort}
	listener, err := net.ListenMulticastUDP("udp", iface, listenAddr)
	if err != nil {
		return nil, err
	}
	if err := listener.SetReadBuffer(1 << 20); err != nil {
		listener.Close()
		return nil, err
	}

	remote := &net.UDPAddr{IP: groupIP, Port: groupPort}
	local := &net.UDPAddr{IP: localIP, Port: 0}
	sender, err := net.DialUDP("udp", local, remote)
	if err != nil {
		listener.Close()
		return nil, err
	}

	return &Socket{listener: listener, sender: sender}, nil
}

// Close releases both sockets.
func (s *Socket) Close() error {
	s.sender.Close()
	return s.listener.Close()
}

// Announce sends an announce packet for shortID/port.
func (s *Socket) Announce(shortID peertable.ShortID, port uint16) error {
	pkt, err := BuildAnnounce(shortID, port)
	if err != nil {
		return err
	}
	_, err = s.sender.Write(pkt)
	return err
}

// Query sends a PTR query for ServiceName.
func (s *Socket) Query() error {
	pkt, err := BuildQuery()
	if err != nil {
		return err
	}
	_, err = s.sender.Write(pkt)
	return err
}

// SetReadDeadline lets the orchestrator poll this socket non-blockingly.
func (s *Socket) SetReadDeadline(t time.Time) error { return s.listener.SetReadDeadline(t) }

// ReadFrom reads one inbound discovery datagram.
func (s *Socket) ReadFrom(buf []byte) (int, *net.UDPAddr, error) {
	return s.listener.ReadFromUDP(buf)
}
