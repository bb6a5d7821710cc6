// Package sqlite provides SQLite-based persistent storage for the boop daemon.
// Uses WAL mode for concurrent reads and crash-safe writes.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)

	"github.com/boop-network/boop/internal/domain"
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dir/state.db.
// Enables WAL mode, foreign keys, and 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "state.db")
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Connection pool settings for SQLite
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS node_info (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		// Interaction journal
		`CREATE TABLE IF NOT EXISTS history (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			peer_id TEXT NOT NULL,
			kind    TEXT NOT NULL,
			detail  TEXT NOT NULL DEFAULT '',
			at      INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_at ON history(at)`,
		`CREATE INDEX IF NOT EXISTS idx_history_peer ON history(peer_id, at)`,

		// Peers ever seen, with interaction counters
		`CREATE TABLE IF NOT EXISTS peers (
			peer_id        TEXT PRIMARY KEY,
			first_seen     INTEGER NOT NULL,
			last_seen      INTEGER NOT NULL,
			last_rssi      INTEGER NOT NULL DEFAULT 0,
			sightings      INTEGER NOT NULL DEFAULT 0,
			boops_sent     INTEGER NOT NULL DEFAULT 0,
			boops_received INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_peers_seen ON peers(last_seen)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Node Info ──────────────────────────────────────────────────────────────

// SetNodeInfo stores a key-value pair in node_info.
func (d *DB) SetNodeInfo(key, value string) error {
	_, err := d.db.Exec(
		`INSERT INTO node_info (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}

// GetNodeInfo retrieves a value from node_info.
func (d *DB) GetNodeInfo(key string) (string, error) {
	var value string
	err := d.db.QueryRow(`SELECT value FROM node_info WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

const peerIDKey = "peer_id"

// LocalPeerID returns the persisted local PeerID, generating and storing
// one on first use so the device keeps its identity across restarts.
func (d *DB) LocalPeerID() (domain.PeerID, error) {
	v, err := d.GetNodeInfo(peerIDKey)
	if err != nil {
		return domain.NilPeer, fmt.Errorf("read peer id: %w", err)
	}
	if v != "" {
		return domain.ParsePeerID(v)
	}
	id := domain.NewPeerID()
	if err := d.SetNodeInfo(peerIDKey, id.String()); err != nil {
		return domain.NilPeer, fmt.Errorf("store peer id: %w", err)
	}
	return id, nil
}

// ─── Known Peers ────────────────────────────────────────────────────────────

// KnownPeer is the persisted summary of a peer ever seen.
type KnownPeer struct {
	ID            domain.PeerID `json:"id"`
	FirstSeen     time.Time     `json:"first_seen"`
	LastSeen      time.Time     `json:"last_seen"`
	LastRSSI      int           `json:"last_rssi"`
	Sightings     int64         `json:"sightings"`
	BoopsSent     int64         `json:"boops_sent"`
	BoopsReceived int64         `json:"boops_received"`
}

// TouchPeer records a discovery of id at the given time.
func (d *DB) TouchPeer(id domain.PeerID, rssi int, at time.Time) error {
	_, err := d.db.Exec(
		`INSERT INTO peers (peer_id, first_seen, last_seen, last_rssi, sightings)
		 VALUES (?, ?, ?, ?, 1)
		 ON CONFLICT(peer_id) DO UPDATE SET
			last_seen=MAX(last_seen, excluded.last_seen),
			last_rssi=excluded.last_rssi,
			sightings=sightings+1`,
		id.String(), at.UnixMilli(), at.UnixMilli(), rssi,
	)
	return err
}

// CountBoop increments the sent or received boop counter for id.
func (d *DB) CountBoop(id domain.PeerID, sent bool, at time.Time) error {
	col := "boops_received"
	if sent {
		col = "boops_sent"
	}
	_, err := d.db.Exec(
		`INSERT INTO peers (peer_id, first_seen, last_seen, `+col+`)
		 VALUES (?, ?, ?, 1)
		 ON CONFLICT(peer_id) DO UPDATE SET `+col+`=`+col+`+1`,
		id.String(), at.UnixMilli(), at.UnixMilli(),
	)
	return err
}

// GetKnownPeer returns the stored summary for id, or nil if never seen.
func (d *DB) GetKnownPeer(id domain.PeerID) (*KnownPeer, error) {
	row := d.db.QueryRow(
		`SELECT peer_id, first_seen, last_seen, last_rssi, sightings, boops_sent, boops_received
		 FROM peers WHERE peer_id = ?`, id.String(),
	)
	p, err := scanKnownPeer(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// ListKnownPeers returns known peers, most recently seen first.
func (d *DB) ListKnownPeers(limit int) ([]KnownPeer, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.Query(
		`SELECT peer_id, first_seen, last_seen, last_rssi, sightings, boops_sent, boops_received
		 FROM peers ORDER BY last_seen DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []KnownPeer
	for rows.Next() {
		p, err := scanKnownPeer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanKnownPeer(s scanner) (*KnownPeer, error) {
	var p KnownPeer
	var id string
	var first, last int64
	if err := s.Scan(&id, &first, &last, &p.LastRSSI, &p.Sightings, &p.BoopsSent, &p.BoopsReceived); err != nil {
		return nil, err
	}
	pid, err := domain.ParsePeerID(id)
	if err != nil {
		return nil, err
	}
	p.ID = pid
	p.FirstSeen = time.UnixMilli(first)
	p.LastSeen = time.UnixMilli(last)
	return &p, nil
}
