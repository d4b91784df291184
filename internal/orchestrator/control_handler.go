package orchestrator

import (
	"encoding/hex"
	"time"

	"github.com/hoshizora-labs/capsule/internal/admission"
	"github.com/hoshizora-labs/capsule/internal/control"
	"github.com/hoshizora-labs/capsule/internal/trust"
)

// Handle implements control.Handler, dispatching each administrative
// command against live node state. It runs inline in the event-loop
// goroutine (control.Listener.Poll calls it directly), so it never takes a
// lock of its own: every structure it touches is one Run already owns
// exclusively.
func (o *Orchestrator) Handle(req control.Request) control.Response {
	switch req.Command {
	case "status":
		return o.handleStatus()
	case "peers":
		return o.handlePeers()
	case "sessions":
		return o.handleSessions()
	case "dht":
		return o.handleDHT()
	case "identity":
		return o.handleIdentity()
	case "qvl_query":
		return o.handleQVLQuery(req)
	case "slash":
		return o.handleSlash(req)
	case "slash_log":
		return o.handleSlashLog(req)
	case "ban":
		return o.handleBan(req)
	case "unban":
		return o.handleUnban(req)
	case "trust":
		return o.handleTrust(req)
	case "lockdown":
		o.admission.EngageLockdown()
		return control.Response{OK: true}
	case "unlock":
		o.admission.DisengageLockdown()
		return control.Response{OK: true}
	case "airlock":
		return o.handleAirlock(req)
	case "topology":
		return o.handleTopology()
	case "relay_control":
		o.cfg.RelayEnabled = req.Enable
		if req.Threshold > 0 {
			o.cfg.RelayTrustThreshold = req.Threshold
		}
		return control.Response{OK: true}
	case "relay_stats":
		return o.handleRelayStats()
	case "relay_send":
		return o.handleRelaySend(req)
	case "shutdown":
		if o.cancel != nil {
			o.cancel()
		}
		return control.Response{OK: true}
	default:
		return control.Response{OK: false, Error: "unsupported command: " + req.Command}
	}
}

func (o *Orchestrator) handleStatus() control.Response {
	lockedDown, since := o.admission.LockdownStatus()
	info := &control.StatusInfo{
		NodeID:       hex.EncodeToString(o.id.NodeID[:]),
		Port:         o.cfg.Port,
		Running:      o.running.Load(),
		LockedDown:   lockedDown,
		Airlock:      o.admission.Current().String(),
		PeerCount:    len(o.peerTable.List()),
		SessionCount: len(o.fedDispatch.Sessions()),
	}
	if lockedDown {
		info.LockdownSince = since.Format(time.RFC3339)
	}
	return control.Response{OK: true, Status: info}
}

func (o *Orchestrator) handlePeers() control.Response {
	entries := o.peerTable.List()
	out := make([]control.PeerInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, control.PeerInfo{
			DID:        hex.EncodeToString(e.ShortID[:]),
			Address:    e.Address,
			TrustScore: e.TrustScore,
			Active:     e.Active,
		})
	}
	return control.Response{OK: true, Peers: out}
}

func (o *Orchestrator) handleSessions() control.Response {
	sessions := o.fedDispatch.Sessions()
	out := make([]control.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, control.SessionInfo{
			PeerAddress: s.PeerAddress,
			State:       s.State.String(),
			DID:         hex.EncodeToString(s.NodeID[:]),
		})
	}
	return control.Response{OK: true, Sessions: out}
}

func (o *Orchestrator) handleDHT() control.Response {
	rows := o.routingTable.List()
	out := make([]control.PeerInfo, 0, len(rows))
	for _, rn := range rows {
		out = append(out, control.PeerInfo{
			DID:     hex.EncodeToString(rn.ID[:]),
			Address: rn.Address,
		})
	}
	return control.Response{OK: true, DHT: out}
}

func (o *Orchestrator) handleIdentity() control.Response {
	return control.Response{OK: true, Identity: &control.IdentityInfo{
		NodeID:       hex.EncodeToString(o.id.NodeID[:]),
		StaticPublic: hex.EncodeToString(o.id.StaticPub[:]),
	}}
}

// handleQVLQuery surfaces the trust lattice's current trusted-relay view:
// DIDs scoring at least req.Threshold, highest first, truncated to
// req.Limit.
func (o *Orchestrator) handleQVLQuery(req control.Request) control.Response {
	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}
	dids, err := o.lattice.TrustedRelays(req.Threshold, limit)
	if err != nil {
		return control.Response{OK: false, Error: err.Error()}
	}
	out := make([]control.PeerInfo, 0, len(dids))
	for _, did := range dids {
		out = append(out, control.PeerInfo{DID: did})
	}
	return control.Response{OK: true, Peers: out}
}

func (o *Orchestrator) handleSlash(req control.Request) control.Response {
	if req.DID == "" {
		return control.Response{OK: false, Error: "slash requires a did"}
	}
	ev := o.lattice.RecordSlash(req.DID, req.Reason, req.Severity, "")
	if err := o.trustStore.LogSlash(ev.Timestamp, ev.TargetDID, ev.Reason, ev.Severity, ev.EvidenceHash); err != nil {
		return control.Response{OK: false, Error: err.Error()}
	}
	return control.Response{OK: true}
}

func (o *Orchestrator) handleSlashLog(req control.Request) control.Response {
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	events, err := o.trustStore.GetSlashEvents(limit)
	if err != nil {
		return control.Response{OK: false, Error: err.Error()}
	}
	out := make([]control.SlashEventInfo, 0, len(events))
	for _, ev := range events {
		out = append(out, control.SlashEventInfo{
			Timestamp: ev.Timestamp,
			TargetDID: ev.TargetDID,
			Reason:    ev.Reason,
			Severity:  ev.Severity,
		})
	}
	return control.Response{OK: true, SlashEvents: out}
}

func (o *Orchestrator) handleBan(req control.Request) control.Response {
	if req.DID == "" {
		return control.Response{OK: false, Error: "ban requires a did"}
	}
	o.lattice.Ban(req.DID)
	if err := o.peerStore.BanPeer(req.DID, req.Reason, time.Now()); err != nil {
		return control.Response{OK: false, Error: err.Error()}
	}
	return control.Response{OK: true}
}

func (o *Orchestrator) handleUnban(req control.Request) control.Response {
	if req.DID == "" {
		return control.Response{OK: false, Error: "unban requires a did"}
	}
	o.lattice.Unban(req.DID)
	if err := o.peerStore.UnbanPeer(req.DID); err != nil {
		return control.Response{OK: false, Error: err.Error()}
	}
	return control.Response{OK: true}
}

// handleTrust upserts a trust vertex for req.DID at req.Score. Vertex ids
// are not part of the control surface, so one is derived deterministically
// from the DID text (see vertexIDForDID) rather than requiring the caller
// to track an internal integer id.
func (o *Orchestrator) handleTrust(req control.Request) control.Response {
	if req.DID == "" {
		return control.Response{OK: false, Error: "trust requires a did"}
	}
	o.lattice.UpsertVertex(trust.Vertex{
		ID:         vertexIDForDID(req.DID),
		DIDText:    req.DID,
		TrustScore: req.Score,
	})
	return control.Response{OK: true}
}

func (o *Orchestrator) handleAirlock(req control.Request) control.Response {
	var level admission.Airlock
	switch req.Airlock {
	case "open":
		level = admission.Open
	case "restricted":
		level = admission.Restricted
	case "closed":
		level = admission.Closed
	default:
		return control.Response{OK: false, Error: "unrecognized airlock level: " + req.Airlock}
	}
	o.admission.SetAirlock(level)
	return control.Response{OK: true}
}

func (o *Orchestrator) handleTopology() control.Response {
	peersResp := o.handlePeers()
	sessResp := o.handleSessions()
	return control.Response{OK: true, Topology: &control.TopologyInfo{
		SelfID:   hex.EncodeToString(o.id.NodeID[:]),
		Peers:    peersResp.Peers,
		Sessions: sessResp.Sessions,
	}}
}

func (o *Orchestrator) handleRelayStats() control.Response {
	forwarded, dropped := o.relaySvc.Counters.Snapshot()
	return control.Response{OK: true, RelayStats: &control.RelayStatsInfo{
		PacketsForwarded: forwarded,
		PacketsDropped:   dropped,
	}}
}

func (o *Orchestrator) handleRelaySend(req control.Request) control.Response {
	if req.Target == "" {
		return control.Response{OK: false, Error: "relay_send requires a target"}
	}
	if err := o.SelectRelayAndSend(req.Target, req.Message); err != nil {
		return control.Response{OK: false, Error: err.Error()}
	}
	return control.Response{OK: true}
}
