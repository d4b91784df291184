// Package storage persists the routing/peer view and the trust lattice to
// two sqlite-backed stores via database/sql over modernc.org/sqlite (pure
// Go, CGO-free): peer and ban tables in one database, trust vertices,
// edges, and the slash log in the other.
package storage

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hoshizora-labs/capsule/internal/routing"
)

// PeerStore persists routing-table rows and the ban list (capsule.db).
type PeerStore struct {
	db *sql.DB
}

// OpenPeerStore opens (creating if absent) the peer/ban sqlite database.
func OpenPeerStore(path string) (*PeerStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open peer store: %w", err)
	}
	s := &PeerStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: init peer schema: %w", err)
	}
	return s, nil
}

func (s *PeerStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS peers (
		node_id     TEXT PRIMARY KEY,
		address     TEXT NOT NULL,
		static_key  TEXT NOT NULL,
		last_seen   INTEGER NOT NULL,
		trust_score REAL NOT NULL DEFAULT 0.5
	);
	CREATE TABLE IF NOT EXISTS bans (
		did       TEXT PRIMARY KEY,
		reason    TEXT,
		banned_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (s *PeerStore) Close() error { return s.db.Close() }

// SavePeer upserts a routing-table row keyed by node id.
func (s *PeerStore) SavePeer(rn routing.RemoteNode) error {
	query := `
	INSERT INTO peers (node_id, address, static_key, last_seen, trust_score)
	VALUES (?, ?, ?, ?, 0.5)
	ON CONFLICT(node_id) DO UPDATE SET
		address    = excluded.address,
		static_key = excluded.static_key,
		last_seen  = excluded.last_seen
	`
	_, err := s.db.Exec(query,
		hexID(rn.ID), rn.Address, hexKey(rn.StaticKey), rn.LastSeen)
	return err
}

// LoadPeers returns every persisted routing-table row, used to
// pre-populate the routing table on startup.
func (s *PeerStore) LoadPeers() ([]routing.RemoteNode, error) {
	rows, err := s.db.Query(`SELECT node_id, address, static_key, last_seen FROM peers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []routing.RemoteNode
	for rows.Next() {
		var idHex, addr, keyHex string
		var lastSeen int64
		if err := rows.Scan(&idHex, &addr, &keyHex, &lastSeen); err != nil {
			return nil, err
		}
		rn := routing.RemoteNode{Address: addr, LastSeen: lastSeen}
		if id, err := parseHexID(idHex); err == nil {
			rn.ID = id
		}
		if key, err := parseHexKey(keyHex); err == nil {
			rn.StaticKey = key
		}
		out = append(out, rn)
	}
	return out, rows.Err()
}

// BanPeer upserts a ban row.
func (s *PeerStore) BanPeer(did, reason string, bannedAt time.Time) error {
	query := `
	INSERT INTO bans (did, reason, banned_at) VALUES (?, ?, ?)
	ON CONFLICT(did) DO UPDATE SET reason = excluded.reason, banned_at = excluded.banned_at
	`
	_, err := s.db.Exec(query, did, reason, bannedAt.Unix())
	return err
}

// UnbanPeer removes a ban row.
func (s *PeerStore) UnbanPeer(did string) error {
	_, err := s.db.Exec(`DELETE FROM bans WHERE did = ?`, did)
	return err
}

// IsBanned reports whether did has an active ban row.
func (s *PeerStore) IsBanned(did string) (bool, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM bans WHERE did = ?`, did).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func hexID(id routing.NodeID) string { return hex.EncodeToString(id[:]) }
func hexKey(k [32]byte) string       { return hex.EncodeToString(k[:]) }

func parseHexID(s string) (routing.NodeID, error) {
	var id routing.NodeID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(id) {
		return id, fmt.Errorf("storage: malformed node id %q", s)
	}
	copy(id[:], b)
	return id, nil
}

func parseHexKey(s string) ([32]byte, error) {
	var k [32]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(k) {
		return k, fmt.Errorf("storage: malformed key %q", s)
	}
	copy(k[:], b)
	return k, nil
}
