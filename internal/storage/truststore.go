package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Vertex is one trust-graph node.
type Vertex struct {
	ID         int64
	DIDText    string
	TrustScore float64
	LastSeen   time.Time
}

// Edge is one directed trust relationship.
type Edge struct {
	SourceID  int64
	TargetID  int64
	Weight    float64
	Nonce     string
	Level     int
	ExpiresAt time.Time
}

// SlashEvent is an append-only penalty record.
type SlashEvent struct {
	Timestamp    time.Time
	TargetDID    string
	Reason       string
	Severity     int
	EvidenceHash string
}

// TrustStore persists the trust lattice snapshot and the slash log
// (qvl.db).
type TrustStore struct {
	db *sql.DB
}

// OpenTrustStore opens (creating if absent) the trust/analytics sqlite database.
func OpenTrustStore(path string) (*TrustStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open trust store: %w", err)
	}
	s := &TrustStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: init trust schema: %w", err)
	}
	return s, nil
}

func (s *TrustStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS vertices (
		id          INTEGER PRIMARY KEY,
		did_text    TEXT,
		trust_score REAL NOT NULL,
		last_seen   INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS edges (
		source_id  INTEGER NOT NULL,
		target_id  INTEGER NOT NULL,
		weight     REAL NOT NULL,
		nonce      TEXT,
		level      INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		PRIMARY KEY (source_id, target_id)
	);
	CREATE TABLE IF NOT EXISTS slash_events (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp     INTEGER NOT NULL,
		target_did    TEXT NOT NULL,
		reason        TEXT,
		severity      INTEGER NOT NULL,
		evidence_hash TEXT
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (s *TrustStore) Close() error { return s.db.Close() }

// SyncLattice atomically replaces the persisted vertex and edge sets with
// the in-memory lattice's current snapshot: delete then bulk insert inside
// one transaction, so readers see either the prior or the new snapshot.
func (s *TrustStore) SyncLattice(vertices []Vertex, edges []Edge) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM vertices`); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM edges`); err != nil {
		return err
	}

	vstmt, err := tx.Prepare(`INSERT INTO vertices (id, did_text, trust_score, last_seen) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer vstmt.Close()
	for _, v := range vertices {
		if _, err := vstmt.Exec(v.ID, v.DIDText, v.TrustScore, v.LastSeen.Unix()); err != nil {
			return err
		}
	}

	estmt, err := tx.Prepare(`INSERT INTO edges (source_id, target_id, weight, nonce, level, expires_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer estmt.Close()
	for _, e := range edges {
		if _, err := estmt.Exec(e.SourceID, e.TargetID, e.Weight, e.Nonce, e.Level, e.ExpiresAt.Unix()); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// LogSlash appends a slash event.
func (s *TrustStore) LogSlash(ts time.Time, targetDID, reason string, severity int, evidenceHash string) error {
	_, err := s.db.Exec(
		`INSERT INTO slash_events (timestamp, target_did, reason, severity, evidence_hash) VALUES (?, ?, ?, ?, ?)`,
		ts.Unix(), targetDID, reason, severity, evidenceHash,
	)
	return err
}

// GetSlashEvents returns up to limit slash events, most-recent-first.
func (s *TrustStore) GetSlashEvents(limit int) ([]SlashEvent, error) {
	rows, err := s.db.Query(
		`SELECT timestamp, target_did, reason, severity, evidence_hash FROM slash_events ORDER BY timestamp DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SlashEvent
	for rows.Next() {
		var ev SlashEvent
		var ts int64
		if err := rows.Scan(&ts, &ev.TargetDID, &ev.Reason, &ev.Severity, &ev.EvidenceHash); err != nil {
			return nil, err
		}
		ev.Timestamp = time.Unix(ts, 0)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// TrustedRelays returns up to limit DIDs of vertices scoring at least
// minScore, highest score first.
func (s *TrustStore) TrustedRelays(minScore float64, limit int) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT did_text FROM vertices WHERE trust_score >= ? AND did_text IS NOT NULL ORDER BY trust_score DESC LIMIT ?`,
		minScore, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			return nil, err
		}
		out = append(out, did)
	}
	return out, rows.Err()
}
