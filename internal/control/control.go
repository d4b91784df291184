// Package control implements the administrative Unix-domain socket
// protocol: a single-shot, length-bounded JSON request/response exchange
// per connection, with one tagged request object dispatched per named
// command.
package control

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"time"
)

// maxRequestBytes bounds a single control request read.
const maxRequestBytes = 1 << 16

// Request is the tagged union of every supported control command. Only the
// fields relevant to Command are populated by the client; the rest are
// left at their zero value.
type Request struct {
	Command string `json:"command"`

	DID       string  `json:"did,omitempty"`
	Reason    string  `json:"reason,omitempty"`
	Severity  int     `json:"severity,omitempty"`
	Limit     int     `json:"limit,omitempty"`
	Score     float64 `json:"score,omitempty"`
	Airlock   string  `json:"airlock,omitempty"`
	Enable    bool    `json:"enable,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Target    string  `json:"target,omitempty"`
	Message   string  `json:"message,omitempty"`
	Query     string  `json:"query,omitempty"`
}

// PeerInfo is a routing/peer-table row as surfaced to a control client.
type PeerInfo struct {
	DID        string  `json:"did"`
	Address    string  `json:"address"`
	TrustScore float64 `json:"trust_score,omitempty"`
	Active     bool    `json:"active,omitempty"`
}

// SessionInfo is a federation session row as surfaced to a control client.
type SessionInfo struct {
	PeerAddress string `json:"peer_address"`
	State       string `json:"state"`
	DID         string `json:"did"`
}

// StatusInfo answers the "status" command.
type StatusInfo struct {
	NodeID        string `json:"node_id"`
	Port          int    `json:"port"`
	Running       bool   `json:"running"`
	LockedDown    bool   `json:"locked_down"`
	LockdownSince string `json:"lockdown_since,omitempty"`
	Airlock       string `json:"airlock"`
	PeerCount     int    `json:"peer_count"`
	SessionCount  int    `json:"session_count"`
}

// IdentityInfo answers the "identity" command.
type IdentityInfo struct {
	NodeID       string `json:"node_id"`
	StaticPublic string `json:"static_public"`
}

// RelayStatsInfo answers the "relay_stats" command.
type RelayStatsInfo struct {
	PacketsForwarded uint64 `json:"packets_forwarded"`
	PacketsDropped   uint64 `json:"packets_dropped"`
}

// TopologyInfo answers the "topology" command: the node's current view of
// its own neighborhood.
type TopologyInfo struct {
	SelfID   string        `json:"self_id"`
	Peers    []PeerInfo    `json:"peers"`
	Sessions []SessionInfo `json:"sessions"`
}

// SlashEventInfo is one row of the slash log as surfaced to a control
// client.
type SlashEventInfo struct {
	Timestamp time.Time `json:"timestamp"`
	TargetDID string    `json:"target_did"`
	Reason    string    `json:"reason"`
	Severity  int       `json:"severity"`
}

// Response is the tagged union returned for every request. OK is false and
// Error is populated when the command failed or was unrecognized.
type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`

	Status      *StatusInfo      `json:"status,omitempty"`
	Peers       []PeerInfo       `json:"peers,omitempty"`
	Sessions    []SessionInfo    `json:"sessions,omitempty"`
	DHT         []PeerInfo       `json:"dht,omitempty"`
	Identity    *IdentityInfo    `json:"identity,omitempty"`
	SlashEvents []SlashEventInfo `json:"slash_events,omitempty"`
	RelayStats  *RelayStatsInfo  `json:"relay_stats,omitempty"`
	Topology    *TopologyInfo    `json:"topology,omitempty"`
}

// Handler executes one control request against live node state. It is
// implemented by internal/orchestrator; this package has no reference back
// to it, avoiding an import cycle.
type Handler interface {
	Handle(req Request) Response
}

// Listener is the bound control socket. Its accept deadline is set once
// per orchestrator tick so accepting a connection never blocks the event
// loop past its poll quantum.
type Listener struct {
	ln *net.UnixListener
}

// Listen binds the control socket at path, removing a stale socket file
// left by an unclean shutdown first.
func Listen(path string) (*Listener, error) {
	_ = os.Remove(path)
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, err
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln}, nil
}

// Close releases the socket and removes the file.
func (l *Listener) Close() error {
	path := l.ln.Addr().String()
	err := l.ln.Close()
	_ = os.Remove(path)
	return err
}

// Poll accepts at most one pending connection before deadline and serves
// it completely (read one request, dispatch, write one response, close),
// bounding the control channel's work per event-loop tick. A timeout with
// no pending connection is not an error.
func (l *Listener) Poll(deadline time.Time, h Handler) error {
	if err := l.ln.SetDeadline(deadline); err != nil {
		return err
	}
	conn, err := l.ln.AcceptUnix()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	}
	defer conn.Close()
	return serveOne(conn, h)
}

func serveOne(conn net.Conn, h Handler) error {
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	var req Request
	dec := json.NewDecoder(io.LimitReader(conn, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		resp := Response{OK: false, Error: "malformed request: " + err.Error()}
		return json.NewEncoder(conn).Encode(resp)
	}

	resp := h.Handle(req)
	return json.NewEncoder(conn).Encode(resp)
}

// Dial connects to a running daemon's control socket, sends one request,
// and returns the decoded response. This is the read-through client half an
// administrative dashboard or CLI uses; it performs no mutation of its own.
func Dial(path string, req Request) (Response, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return Response{}, err
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return Response{}, err
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		_ = uc.CloseWrite()
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}
