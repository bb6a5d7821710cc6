package sqlite

import (
	"fmt"
	"time"

	"github.com/boop-network/boop/internal/domain"
)

// ─── History Journal ────────────────────────────────────────────────────────

// InsertHistory appends a journal entry and returns its row ID.
func (d *DB) InsertHistory(e domain.HistoryEntry) (int64, error) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	result, err := d.db.Exec(
		`INSERT INTO history (peer_id, kind, detail, at) VALUES (?, ?, ?, ?)`,
		e.Peer.String(), e.Kind.String(), e.Detail, e.At.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// History returns the most recent entries, newest first.
func (d *DB) History(limit int) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return d.queryHistory(
		`SELECT id, peer_id, kind, detail, at FROM history ORDER BY at DESC, id DESC LIMIT ?`,
		limit,
	)
}

// HistoryForPeer returns the most recent entries for one peer, newest first.
func (d *DB) HistoryForPeer(id domain.PeerID, limit int) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return d.queryHistory(
		`SELECT id, peer_id, kind, detail, at FROM history WHERE peer_id = ? ORDER BY at DESC, id DESC LIMIT ?`,
		id.String(), limit,
	)
}

// PruneHistory deletes entries older than before and returns how many.
func (d *DB) PruneHistory(before time.Time) (int64, error) {
	result, err := d.db.Exec(`DELETE FROM history WHERE at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// HistoryCounts returns the number of entries per event kind.
func (d *DB) HistoryCounts() (map[domain.EventKind]int64, error) {
	rows, err := d.db.Query(`SELECT kind, COUNT(*) FROM history GROUP BY kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[domain.EventKind]int64)
	for rows.Next() {
		var name string
		var n int64
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		if k, ok := domain.ParseEventKind(name); ok {
			out[k] = n
		}
	}
	return out, rows.Err()
}

func (d *DB) queryHistory(query string, args ...any) ([]domain.HistoryEntry, error) {
	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.HistoryEntry
	for rows.Next() {
		e, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanHistory(s scanner) (domain.HistoryEntry, error) {
	var e domain.HistoryEntry
	var peer, kind string
	var at int64
	if err := s.Scan(&e.ID, &peer, &kind, &e.Detail, &at); err != nil {
		return e, err
	}
	id, err := domain.ParsePeerID(peer)
	if err != nil {
		return e, err
	}
	k, ok := domain.ParseEventKind(kind)
	if !ok {
		return e, fmt.Errorf("history row %d: unknown kind %q", e.ID, kind)
	}
	e.Peer = id
	e.Kind = k
	e.At = time.UnixMilli(at)
	return e, nil
}
