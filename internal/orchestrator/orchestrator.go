// Package orchestrator wires every subsystem into a single-threaded event
// loop: one goroutine, one ticker, three poll points per iteration
// (transport socket, discovery socket, control socket), with the routing
// table, session map, sticky-session map, and admission state touched from
// nowhere else.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/hoshizora-labs/capsule/internal/admission"
	"github.com/hoshizora-labs/capsule/internal/circuit"
	"github.com/hoshizora-labs/capsule/internal/config"
	"github.com/hoshizora-labs/capsule/internal/control"
	"github.com/hoshizora-labs/capsule/internal/discovery"
	"github.com/hoshizora-labs/capsule/internal/federation"
	"github.com/hoshizora-labs/capsule/internal/frame"
	"github.com/hoshizora-labs/capsule/internal/identity"
	"github.com/hoshizora-labs/capsule/internal/onion"
	"github.com/hoshizora-labs/capsule/internal/peertable"
	"github.com/hoshizora-labs/capsule/internal/relay"
	"github.com/hoshizora-labs/capsule/internal/routing"
	"github.com/hoshizora-labs/capsule/internal/stamp"
	"github.com/hoshizora-labs/capsule/internal/storage"
	"github.com/hoshizora-labs/capsule/internal/transport"
	"github.com/hoshizora-labs/capsule/internal/trust"
)

// Service-type tags distinguishing the two traffic classes multiplexed on
// one UDP socket.
const (
	ServiceTypeFederation uint16 = 1
	ServiceTypeRelay      uint16 = 2
)

const (
	maxDatagramSize = 9000

	// MinIngressDifficulty is the entropy-stamp floor this node enforces on
	// inbound traffic.
	MinIngressDifficulty byte = 4
	maxStampAge                = time.Hour
	mineMaxIterations          = 1 << 20

	perSocketPollWindow = 30 * time.Millisecond

	// sessionIdleTimeout mirrors the peer table's decay horizon: a session
	// with no inbound traffic for this long transitions to Disconnected.
	sessionIdleTimeout = 300 * time.Second

	lengthPrefixSize = 2
)

var (
	errContentTooLarge = errors.New("orchestrator: content too large for any frame class")
	errShortPayload    = errors.New("orchestrator: payload shorter than its own length prefix")
	errBanned          = errors.New("orchestrator: peer is banned")
)

// Orchestrator owns every live subsystem and drives them from Run's single
// goroutine.
type Orchestrator struct {
	cfg config.Config
	id  *identity.Identity

	socket transportSocket
	mcast  *discovery.Socket // nil if no usable multicast interface was found

	control *control.Listener

	routingTable *routing.Table
	peerTable    *peertable.Table
	lattice      *trust.Lattice
	admission    *admission.State
	relaySvc     *relay.Service
	fedDispatch  *federation.Dispatcher

	peerStore  *storage.PeerStore
	trustStore *storage.TrustStore

	logTransport *log.Logger
	logFed       *log.Logger
	logRelay     *log.Logger
	logDiscovery *log.Logger
	logControl   *log.Logger
	logMain      *log.Logger

	tick    uint64
	seq     atomic.Uint32
	running atomic.Bool
	cancel  context.CancelFunc

	// debug gates the one-line-per-dropped-datagram logs.
	debug bool
}

// transportSocket is the minimal surface Orchestrator needs from
// internal/transport, narrowed for substitution in tests.
type transportSocket interface {
	SetReadDeadline(t time.Time) error
	ReadFrom(buf []byte) (int, *net.UDPAddr, error)
	SendTo(addr *net.UDPAddr, raw []byte) error
	Close() error
}

// New constructs an Orchestrator and every subsystem it owns. A failure to
// bind the transport or control socket is fatal at startup; the store-open
// failures here are treated the same way since none of the stores has a
// degraded mode.
func New(cfg config.Config, id *identity.Identity, socket transportSocket) (*Orchestrator, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("orchestrator: create data dir: %w", err)
	}

	peerStore, err := storage.OpenPeerStore(filepath.Join(cfg.DataDir, "capsule.db"))
	if err != nil {
		return nil, err
	}
	trustStore, err := storage.OpenTrustStore(filepath.Join(cfg.DataDir, "qvl.db"))
	if err != nil {
		peerStore.Close()
		return nil, err
	}

	ctl, err := control.Listen(cfg.ControlSocketPath)
	if err != nil {
		peerStore.Close()
		trustStore.Close()
		return nil, err
	}

	rt := routing.New(id.NodeID)
	fed := federation.NewDispatcher(id.NodeID, id.StaticPub, rt)
	fed.GatewayEnabled = cfg.GatewayEnabled

	o := &Orchestrator{
		cfg:          cfg,
		id:           id,
		socket:       socket,
		control:      ctl,
		routingTable: rt,
		peerTable:    peertable.New(),
		lattice:      trust.New(),
		admission:    admission.New(),
		relaySvc:     relay.NewService(id.StaticPriv, 4096),
		fedDispatch:  fed,
		peerStore:    peerStore,
		trustStore:   trustStore,
		logTransport: log.New(os.Stderr, "[transport] ", log.LstdFlags),
		logFed:       log.New(os.Stderr, "[federation] ", log.LstdFlags),
		logRelay:     log.New(os.Stderr, "[relay] ", log.LstdFlags),
		logDiscovery: log.New(os.Stderr, "[discovery] ", log.LstdFlags),
		logControl:   log.New(os.Stderr, "[control] ", log.LstdFlags),
		logMain:      log.New(os.Stderr, "[orchestrator] ", log.LstdFlags),
		debug:        cfg.LogLevel == "debug",
	}

	if ifi, ip, err := discovery.PickInterface(); err == nil {
		mcast, err := discovery.Join(ifi, ip)
		if err != nil {
			o.logDiscovery.Printf("multicast join failed on %s: %v (discovery disabled)", ifi.Name, err)
		} else {
			o.mcast = mcast
		}
	} else {
		o.logDiscovery.Printf("no usable interface for multicast discovery: %v (discovery disabled)", err)
	}

	return o, nil
}

// Close releases every owned resource of an Orchestrator that New returned.
// When New fails it closes whatever it had already opened itself and
// returns no Orchestrator, so there is nothing to Close.
func (o *Orchestrator) Close() error {
	if o.mcast != nil {
		o.mcast.Close()
	}
	o.control.Close()
	o.socket.Close()
	o.trustStore.Close()
	return o.peerStore.Close()
}

// LoadPeers pre-populates the routing table from the persisted peer store.
func (o *Orchestrator) LoadPeers() error {
	peers, err := o.peerStore.LoadPeers()
	if err != nil {
		return err
	}
	for _, p := range peers {
		o.routingTable.Update(p)
	}
	o.logMain.Printf("loaded %d persisted peers", len(peers))
	return nil
}

// Bootstrap attempts to federate with every address in cfg.BootstrapPeers.
func (o *Orchestrator) Bootstrap() {
	for _, addr := range o.cfg.BootstrapPeers {
		out := o.fedDispatch.ConnectToPeer(addr)
		if err := o.sendRaw(out.Addr, ServiceTypeFederation, out.Data); err != nil {
			o.logFed.Printf("bootstrap to %s failed: %v", addr, err)
		}
	}
}

func (o *Orchestrator) nextSequence() uint32 {
	return o.seq.Add(1)
}

// selectClass picks the smallest frame class whose payload capacity fits n
// bytes.
func selectClass(n int) (frame.Class, error) {
	classes := []frame.Class{frame.ClassTiny, frame.ClassSmall, frame.ClassStandard, frame.ClassLarge, frame.ClassJumbo}
	for _, c := range classes {
		capBytes, _ := c.PayloadLen()
		if n <= capBytes {
			return c, nil
		}
	}
	return 0, errContentTooLarge
}

// packPayload lays a frame payload out as stampBytes (the entropy stamp,
// read directly by transport.Admit at a fixed offset right after the
// header) followed by a 2-byte big-endian length prefix and content,
// zero-padded to class's fixed payload capacity. The frame codec accepts
// only the five fixed payload sizes (no slack field of its own), so this
// is the layer responsible for padding; unpackPayload strips it back off
// before content reaches federation.Decode or onion.Decode, the latter of
// which treats trailing bytes as ciphertext and cannot tolerate padding
// itself.
func packPayload(class frame.Class, stampBytes, content []byte) ([]byte, error) {
	capBytes, ok := class.PayloadLen()
	if !ok {
		return nil, errors.New("orchestrator: unknown frame class")
	}
	need := len(stampBytes) + lengthPrefixSize + len(content)
	if need > capBytes {
		return nil, errContentTooLarge
	}
	out := make([]byte, capBytes)
	copy(out, stampBytes)
	binary.BigEndian.PutUint16(out[len(stampBytes):len(stampBytes)+lengthPrefixSize], uint16(len(content)))
	copy(out[len(stampBytes)+lengthPrefixSize:], content)
	return out, nil
}

// unpackPayload recovers the application content from a frame payload that
// was built by packPayload: the leading frame.StampPayloadLen bytes are the
// entropy stamp (already verified by transport.Admit against the raw
// datagram, not re-read here), and the rest is the length-prefixed content.
func unpackPayload(payload []byte) ([]byte, error) {
	if len(payload) < frame.StampPayloadLen+lengthPrefixSize {
		return nil, errShortPayload
	}
	rest := payload[frame.StampPayloadLen:]
	n := int(binary.BigEndian.Uint16(rest[:lengthPrefixSize]))
	if lengthPrefixSize+n > len(rest) {
		return nil, errShortPayload
	}
	return rest[lengthPrefixSize : lengthPrefixSize+n], nil
}

// sendRaw mines an entropy stamp for content, packs it into the smallest
// fitting frame class, and writes it to addrStr over the transport socket.
func (o *Orchestrator) sendRaw(addrStr string, serviceType uint16, content []byte) error {
	s, err := stamp.Mine(zeroPayloadHash[:], MinIngressDifficulty, serviceType, mineMaxIterations)
	if err != nil {
		return fmt.Errorf("orchestrator: mine stamp: %w", err)
	}
	stampBytes := s.Encode()

	class, err := selectClass(len(stampBytes) + lengthPrefixSize + len(content))
	if err != nil {
		return err
	}
	payload, err := packPayload(class, stampBytes, content)
	if err != nil {
		return err
	}

	f := &frame.Frame{
		Flags:          frame.FlagHasEntropyStamp,
		ServiceType:    serviceType,
		Sequence:       o.nextSequence(),
		TimestampMilli: uint64(time.Now().UnixMilli()),
		Difficulty:     MinIngressDifficulty,
		FrameClass:     class,
		Payload:        payload,
	}
	// The source routing hint is the truncated sender identifier; NodeID is
	// already a hash of the signing key, so the first 20 bytes serve as-is.
	copy(f.SrcHint[:], o.id.NodeID[:len(f.SrcHint)])
	raw, err := frame.Encode(f)
	if err != nil {
		return err
	}

	addr, err := net.ResolveUDPAddr("udp", addrStr)
	if err != nil {
		return err
	}
	return o.socket.SendTo(addr, raw)
}

var zeroPayloadHash [32]byte

// Run drives the event loop until ctx is cancelled or a shutdown control
// command is received. Every tick performs, in order: a short-deadline
// poll of the transport socket, the discovery socket, and the control
// socket, then (on their respective tick multiples) discovery
// announce/query, a DHT refresh, and a trust-lattice snapshot, and finally
// the per-tick peer-table decay and new-peer federation sweep.
func (o *Orchestrator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	defer cancel()

	o.running.Store(true)
	defer o.running.Store(false)

	ticker := time.NewTicker(config.TickInterval)
	defer ticker.Stop()

	transportBuf := make([]byte, maxDatagramSize)
	discoveryBuf := make([]byte, 2048)

	for {
		select {
		case <-runCtx.Done():
			return nil
		case <-ticker.C:
		}

		o.pollTransport(transportBuf)
		o.pollDiscovery(discoveryBuf)
		o.pollControl()

		o.tick++
		if o.tick%config.DiscoveryInterval == 0 {
			o.announceAndQuery()
		}
		if o.tick%config.DHTRefreshInterval == 0 {
			o.refreshDHT()
		}
		if o.tick%config.TrustSnapshotInterval == 0 {
			o.snapshotTrust()
		}

		o.peerTable.Tick()
		o.fedDispatch.Expire(sessionIdleTimeout)
		o.initiateFederationForNewPeers()
	}
}

func (o *Orchestrator) pollTransport(buf []byte) {
	if err := o.socket.SetReadDeadline(time.Now().Add(perSocketPollWindow)); err != nil {
		o.logTransport.Printf("set read deadline: %v", err)
		return
	}
	n, from, err := o.socket.ReadFrom(buf)
	if err != nil {
		if !isTimeout(err) {
			o.logTransport.Printf("read: %v", err)
		}
		return
	}
	raw := append([]byte(nil), buf[:n]...)
	o.handleTransportDatagram(from, raw)
}

func (o *Orchestrator) handleTransportDatagram(from *net.UDPAddr, raw []byte) {
	hdr, err := frame.PeekHeader(raw)
	if err != nil {
		o.logDrop(from, err)
		return
	}

	f, err := transport.Admit(raw, MinIngressDifficulty, hdr.ServiceType, maxStampAge)
	if err != nil {
		o.logDrop(from, err)
		return
	}

	content, err := unpackPayload(f.Payload)
	if err != nil {
		o.logDrop(from, err)
		return
	}

	switch f.ServiceType {
	case ServiceTypeFederation:
		o.handleFederationDatagram(from, content)
	case ServiceTypeRelay:
		if o.cfg.RelayEnabled && o.admission.AllowsRelayForwarding() {
			o.handleRelayDatagram(from, content)
		}
	default:
		if o.debug {
			o.logTransport.Printf("drop from %s: unknown service type %d", from, f.ServiceType)
		}
	}
}

func (o *Orchestrator) logDrop(from *net.UDPAddr, err error) {
	if o.debug {
		o.logTransport.Printf("drop from %s: %v", from, err)
	}
}

// federationSenderDID extracts the hex-encoded DID a Hello or Welcome
// message claims as its sender identity (the two message types that create
// or promote a session) so handleFederationDatagram can consult the ban
// list before admitting either.
func federationSenderDID(content []byte) (string, bool) {
	t, msg, err := federation.Decode(content)
	if err != nil {
		return "", false
	}
	switch t {
	case federation.TypeHello:
		hello := msg.(federation.Hello)
		return hex.EncodeToString(hello.NodeID[:]), true
	case federation.TypeWelcome:
		welcome := msg.(federation.Welcome)
		return hex.EncodeToString(welcome.NodeID[:]), true
	default:
		return "", false
	}
}

func (o *Orchestrator) handleFederationDatagram(from *net.UDPAddr, content []byte) {
	addr := from.String()

	if did, ok := federationSenderDID(content); ok && o.lattice.IsBanned(did) {
		o.logFed.Printf("drop from %s: %v", addr, errBanned)
		return
	}

	if _, known := o.fedDispatch.Session(addr); !known && !o.admission.AllowsNewSessions() {
		return
	}

	outs, err := o.fedDispatch.HandleMessage(addr, content)
	if err != nil {
		o.logFed.Printf("from %s: %v", addr, err)
		return
	}
	for _, out := range outs {
		if err := o.sendRaw(out.Addr, ServiceTypeFederation, out.Data); err != nil {
			o.logFed.Printf("send to %s: %v", out.Addr, err)
		}
	}

	if s, ok := o.fedDispatch.Session(addr); ok && s.State == federation.Federated {
		var shortID peertable.ShortID
		copy(shortID[:], s.NodeID[:8])
		o.peerTable.Update(shortID, addr)

		rn := routing.RemoteNode{ID: s.NodeID, Address: addr, LastSeen: time.Now().Unix(), StaticKey: s.StaticPublic}
		if err := o.peerStore.SavePeer(rn); err != nil {
			o.logFed.Printf("persist peer %s: %v (swallowed)", addr, err)
		}
	}
}

func (o *Orchestrator) handleRelayDatagram(from *net.UDPAddr, content []byte) {
	pkt, err := onion.Decode(content)
	if err != nil {
		o.logRelay.Printf("decode from %s: %v", from, err)
		return
	}
	outcome := o.relaySvc.Process(pkt, from.String())
	switch outcome.Decision {
	case relay.DecisionForward:
		nextID := routing.NodeID(outcome.NextHop)
		rn, ok := o.routingTable.Find(nextID)
		if !ok {
			o.logRelay.Printf("forward target %s not in routing table", hex.EncodeToString(nextID[:]))
			return
		}
		if err := o.sendRaw(rn.Address, ServiceTypeRelay, outcome.Payload); err != nil {
			o.logRelay.Printf("forward to %s: %v", rn.Address, err)
		}
	case relay.DecisionDeliverLocal:
		o.logRelay.Printf("delivered %d bytes locally from session %x", len(outcome.Payload), outcome.SessionID)
	case relay.DecisionDrop:
		// already counted by relay.Service.Counters
	}
}

func (o *Orchestrator) pollDiscovery(buf []byte) {
	if o.mcast == nil {
		return
	}
	if err := o.mcast.SetReadDeadline(time.Now().Add(perSocketPollWindow)); err != nil {
		o.logDiscovery.Printf("set read deadline: %v", err)
		return
	}
	n, from, err := o.mcast.ReadFrom(buf)
	if err != nil {
		if !isTimeout(err) {
			o.logDiscovery.Printf("read: %v", err)
		}
		return
	}

	msg, err := discovery.ParseMessage(buf[:n])
	if err != nil {
		o.logDiscovery.Printf("parse from %s: %v", from, err)
		return
	}
	if discovery.IsQuery(msg) {
		var shortID peertable.ShortID
		copy(shortID[:], o.id.NodeID[:8])
		if err := o.mcast.Announce(shortID, uint16(o.cfg.Port)); err != nil {
			o.logDiscovery.Printf("announce: %v", err)
		}
		return
	}
	if shortID, port, ok := discovery.AnnouncedShortID(msg); ok {
		addr := net.JoinHostPort(from.IP.String(), fmt.Sprintf("%d", port))
		o.peerTable.Update(shortID, addr)
	}
}

func (o *Orchestrator) pollControl() {
	if err := o.control.Poll(time.Now().Add(perSocketPollWindow), o); err != nil {
		o.logControl.Printf("poll: %v", err)
	}
}

func (o *Orchestrator) announceAndQuery() {
	if o.mcast == nil {
		return
	}
	var shortID peertable.ShortID
	copy(shortID[:], o.id.NodeID[:8])
	if err := o.mcast.Announce(shortID, uint16(o.cfg.Port)); err != nil {
		o.logDiscovery.Printf("announce: %v", err)
	}
	if err := o.mcast.Query(); err != nil {
		o.logDiscovery.Printf("query: %v", err)
	}
}

func (o *Orchestrator) refreshDHT() {
	msg, err := federation.Encode(federation.DHTFindNode{Target: o.id.NodeID})
	if err != nil {
		o.logFed.Printf("encode dht_find_node: %v", err)
		return
	}
	for _, s := range o.fedDispatch.Sessions() {
		if s.State != federation.Federated {
			continue
		}
		if err := o.sendRaw(s.PeerAddress, ServiceTypeFederation, msg); err != nil {
			o.logFed.Printf("dht refresh to %s: %v", s.PeerAddress, err)
		}
	}
}

func (o *Orchestrator) snapshotTrust() {
	vertices, edges := o.lattice.Snapshot()
	if err := o.trustStore.SyncLattice(vertices, edges); err != nil {
		o.logMain.Printf("trust snapshot: %v", err)
	}

	for _, ev := range o.lattice.PendingSlashEvents() {
		if err := o.trustStore.LogSlash(ev.Timestamp, ev.TargetDID, ev.Reason, ev.Severity, ev.EvidenceHash); err != nil {
			o.logMain.Printf("log slash event: %v (swallowed)", err)
		}
	}
}

// initiateFederationForNewPeers opens federation handshakes with any
// active peer-table entry that has no corresponding session yet. Matching
// relies on a session's short id being the first 8 bytes of its node id.
func (o *Orchestrator) initiateFederationForNewPeers() {
	hasSession := func(id peertable.ShortID) bool {
		for _, s := range o.fedDispatch.Sessions() {
			var sid peertable.ShortID
			copy(sid[:], s.NodeID[:8])
			if sid == id {
				return true
			}
		}
		return false
	}

	for _, e := range o.peerTable.ActiveWithoutSession(hasSession) {
		// A session keyed by this address may already be mid-handshake
		// (Connecting/Authenticating, NodeID still unknown); re-connecting
		// every tick would flood the peer with hellos.
		if _, pending := o.fedDispatch.Session(e.Address); pending {
			continue
		}
		out := o.fedDispatch.ConnectToPeer(e.Address)
		if err := o.sendRaw(out.Addr, ServiceTypeFederation, out.Data); err != nil {
			o.logFed.Printf("connect to %s: %v", e.Address, err)
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func vertexIDForDID(did string) int64 {
	h := sha256.Sum256([]byte(did))
	return int64(binary.BigEndian.Uint64(h[:8]))
}

// SelectRelayAndSend builds a one-hop circuit to a trusted relay and sends
// message to target through it, used by the relay_send control command.
func (o *Orchestrator) SelectRelayAndSend(targetHex, message string) error {
	var targetID routing.NodeID
	raw, err := hex.DecodeString(targetHex)
	if err != nil || len(raw) != routing.IDSize {
		return errors.New("orchestrator: malformed target id")
	}
	copy(targetID[:], raw)

	hopID, err := circuit.SelectOneHop(o.routingTable, o.lattice, o.cfg.RelayTrustThreshold, 16)
	if err != nil {
		return err
	}
	c, err := circuit.BuildCircuit(o.routingTable, []routing.NodeID{hopID})
	if err != nil {
		return err
	}
	pkt, err := circuit.SendOnCircuit(c, targetID, []byte(message))
	if err != nil {
		return err
	}
	return o.sendRaw(c.FirstHopAddress(), ServiceTypeRelay, pkt.Encode())
}
