package sqlite

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/boop-network/boop/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// compile-time check
var _ domain.HistoryStore = (*DB)(nil)

// ─── Database Lifecycle ─────────────────────────────────────────────────────

func TestOpen_CreatesDatabase(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Join(dir, "state.db")); os.IsNotExist(err) {
		t.Error("state.db should exist")
	}
}

func TestOpen_Ping(t *testing.T) {
	db := newTestDB(t)
	if err := db.Ping(); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}
}

func TestOpen_Reopen(t *testing.T) {
	dir := t.TempDir()
	db1, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	id1, err := db1.LocalPeerID()
	if err != nil {
		t.Fatalf("LocalPeerID() error: %v", err)
	}
	db1.Close()

	db2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer db2.Close()
	id2, err := db2.LocalPeerID()
	if err != nil {
		t.Fatalf("LocalPeerID() error: %v", err)
	}
	if id1 != id2 {
		t.Errorf("peer id changed across restarts: %s != %s", id1, id2)
	}
}

// ─── Node Info ──────────────────────────────────────────────────────────────

func TestNodeInfo_SetAndGet(t *testing.T) {
	db := newTestDB(t)

	if v, err := db.GetNodeInfo("missing"); err != nil || v != "" {
		t.Errorf("GetNodeInfo(missing) = %q, %v", v, err)
	}
	if err := db.SetNodeInfo("name", "alice"); err != nil {
		t.Fatalf("SetNodeInfo() error: %v", err)
	}
	db.SetNodeInfo("name", "bob")
	if v, _ := db.GetNodeInfo("name"); v != "bob" {
		t.Errorf("GetNodeInfo(name) = %q, want bob", v)
	}
}

func TestLocalPeerID_CorruptValue(t *testing.T) {
	db := newTestDB(t)
	db.SetNodeInfo(peerIDKey, "not-a-uuid")
	if _, err := db.LocalPeerID(); err == nil {
		t.Error("LocalPeerID() should fail on a corrupt stored value")
	}
}

// ─── History ────────────────────────────────────────────────────────────────

func TestHistory_InsertAndList(t *testing.T) {
	db := newTestDB(t)
	a, b := domain.NewPeerID(), domain.NewPeerID()
	base := time.UnixMilli(1_700_000_000_000)

	entries := []domain.HistoryEntry{
		{Peer: a, Kind: domain.EventConnected, At: base},
		{Peer: b, Kind: domain.EventBoopReceived, At: base.Add(time.Second)},
		{Peer: a, Kind: domain.EventBoopFailed, Detail: "connection attempts exhausted", At: base.Add(2 * time.Second)},
	}
	for _, e := range entries {
		id, err := db.InsertHistory(e)
		if err != nil {
			t.Fatalf("InsertHistory() error: %v", err)
		}
		if id <= 0 {
			t.Errorf("InsertHistory() id = %d", id)
		}
	}

	all, err := db.History(10)
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("History() = %d entries, want 3", len(all))
	}
	if all[0].Kind != domain.EventBoopFailed || all[0].Detail == "" {
		t.Errorf("newest entry = %+v", all[0])
	}
	if !all[2].At.Equal(base) {
		t.Errorf("oldest At = %v, want %v", all[2].At, base)
	}

	forA, err := db.HistoryForPeer(a, 10)
	if err != nil {
		t.Fatalf("HistoryForPeer() error: %v", err)
	}
	if len(forA) != 2 {
		t.Errorf("HistoryForPeer(a) = %d entries, want 2", len(forA))
	}
	for _, e := range forA {
		if e.Peer != a {
			t.Errorf("entry for wrong peer: %+v", e)
		}
	}

	limited, _ := db.History(1)
	if len(limited) != 1 {
		t.Errorf("History(1) = %d entries", len(limited))
	}
}

func TestHistory_PruneAndCounts(t *testing.T) {
	db := newTestDB(t)
	p := domain.NewPeerID()
	base := time.UnixMilli(1_700_000_000_000)
	db.InsertHistory(domain.HistoryEntry{Peer: p, Kind: domain.EventBoopSent, At: base})
	db.InsertHistory(domain.HistoryEntry{Peer: p, Kind: domain.EventBoopSent, At: base.Add(time.Hour)})
	db.InsertHistory(domain.HistoryEntry{Peer: p, Kind: domain.EventConnected, At: base.Add(time.Hour)})

	counts, err := db.HistoryCounts()
	if err != nil {
		t.Fatalf("HistoryCounts() error: %v", err)
	}
	if counts[domain.EventBoopSent] != 2 || counts[domain.EventConnected] != 1 {
		t.Errorf("HistoryCounts() = %v", counts)
	}

	n, err := db.PruneHistory(base.Add(time.Minute))
	if err != nil {
		t.Fatalf("PruneHistory() error: %v", err)
	}
	if n != 1 {
		t.Errorf("PruneHistory() = %d, want 1", n)
	}
	rest, _ := db.History(10)
	if len(rest) != 2 {
		t.Errorf("History() after prune = %d, want 2", len(rest))
	}
}

// ─── Known Peers ────────────────────────────────────────────────────────────

func TestKnownPeers(t *testing.T) {
	db := newTestDB(t)
	p := domain.NewPeerID()
	t1 := time.UnixMilli(1_700_000_000_000)
	t2 := t1.Add(time.Minute)

	if got, err := db.GetKnownPeer(p); err != nil || got != nil {
		t.Fatalf("GetKnownPeer(unknown) = %v, %v", got, err)
	}

	db.TouchPeer(p, -60, t1)
	db.TouchPeer(p, -40, t2)
	db.CountBoop(p, true, t2)
	db.CountBoop(p, false, t2)
	db.CountBoop(p, false, t2)

	got, err := db.GetKnownPeer(p)
	if err != nil || got == nil {
		t.Fatalf("GetKnownPeer() = %v, %v", got, err)
	}
	if !got.FirstSeen.Equal(t1) || !got.LastSeen.Equal(t2) {
		t.Errorf("seen = %v..%v", got.FirstSeen, got.LastSeen)
	}
	if got.Sightings != 2 || got.LastRSSI != -40 {
		t.Errorf("sightings=%d rssi=%d", got.Sightings, got.LastRSSI)
	}
	if got.BoopsSent != 1 || got.BoopsReceived != 2 {
		t.Errorf("boops sent=%d received=%d", got.BoopsSent, got.BoopsReceived)
	}

	other := domain.NewPeerID()
	db.CountBoop(other, false, t1)
	list, err := db.ListKnownPeers(10)
	if err != nil {
		t.Fatalf("ListKnownPeers() error: %v", err)
	}
	if len(list) != 2 || list[0].ID != p {
		t.Errorf("ListKnownPeers() = %+v", list)
	}
}
