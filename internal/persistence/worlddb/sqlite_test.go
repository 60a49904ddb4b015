package worlddb

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"tileworld.ai/internal/persistence/snapshot"
	"tileworld.ai/internal/sim/agents"
	"tileworld.ai/internal/sim/clock"
	"tileworld.ai/internal/sim/terrain"
	"tileworld.ai/internal/sim/world"
)

func openTest(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "world.sqlite")
	db, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, path
}

func TestClockRoundTrip(t *testing.T) {
	db, _ := openTest(t)
	ctx := context.Background()

	if _, found, err := db.LoadClock(ctx, "w1"); err != nil || found {
		t.Fatalf("empty db: found=%v err=%v", found, err)
	}
	in := clock.Snapshot{Tick: 1234, DayPhase: clock.PhaseDusk, SpeedMultiplier: 2.5, TickIntervalMs: 50, LastUpdatedAt: time.Unix(1_700_000_000, 0)}
	if err := db.SaveClock(ctx, "w1", in); err != nil {
		t.Fatalf("save: %v", err)
	}
	in.Tick = 1300
	if err := db.SaveClock(ctx, "w1", in); err != nil {
		t.Fatalf("save again: %v", err)
	}
	out, found, err := db.LoadClock(ctx, "w1")
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	if out.Tick != 1300 || out.DayPhase != clock.PhaseDusk || out.SpeedMultiplier != 2.5 || out.TickIntervalMs != 50 {
		t.Fatalf("clock=%+v", out)
	}
	if !out.LastUpdatedAt.Equal(in.LastUpdatedAt) {
		t.Fatalf("updated_at=%v want %v", out.LastUpdatedAt, in.LastUpdatedAt)
	}
}

func TestSaveTilesKeepsNewerVersion(t *testing.T) {
	db, _ := openTest(t)
	ctx := context.Background()

	fs := terrain.FarmlandState{Crop: "carrot", Stage: 2, Watered: true}
	newer := terrain.Record{X: 1, Y: 2, Type: terrain.TypeFarmland, Version: 5, Farmland: &fs}
	if err := db.SaveTiles(ctx, "w1", []terrain.Record{newer}); err != nil {
		t.Fatalf("save: %v", err)
	}
	stale := terrain.Record{X: 1, Y: 2, Type: terrain.TypeGrass, Version: 3}
	other := terrain.Record{X: 0, Y: 0, Type: terrain.TypeRock, Version: 1, Resource: &terrain.ResourceState{Resource: "stone", Durability: 5, DropAmount: 5}}
	if err := db.SaveTiles(ctx, "w1", []terrain.Record{stale, other}); err != nil {
		t.Fatalf("save stale: %v", err)
	}

	got, err := db.LoadTiles(ctx, "w1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("tiles=%d want 2", len(got))
	}
	// Ordered by row: (0,0) first.
	if got[0].Type != terrain.TypeRock || got[0].Resource == nil || got[0].Resource.Durability != 5 {
		t.Fatalf("rock=%+v", got[0])
	}
	if got[1].Type != terrain.TypeFarmland || got[1].Version != 5 || got[1].Farmland.Crop != "carrot" {
		t.Fatalf("stale write won: %+v", got[1])
	}

	if other, _ := db.LoadTiles(ctx, "w2"); len(other) != 0 {
		t.Fatalf("world isolation broken: %v", other)
	}
}

func TestPlayersRoundTrip(t *testing.T) {
	db, _ := openTest(t)
	ctx := context.Background()

	p := agents.Player{
		ID:         "p1",
		Name:       "ada",
		Position:   terrain.Pos{X: 3, Y: 4},
		Status:     agents.StatusIdle,
		Attributes: agents.Attributes{Energy: 40, EnergyMax: 100},
		Inventory:  map[string]int{"wood": 3},
		Rev:        7,
	}
	if err := db.SavePlayers(ctx, "w1", []agents.Player{p}); err != nil {
		t.Fatalf("save: %v", err)
	}
	p.Inventory["wood"] = 6
	if err := db.SavePlayers(ctx, "w1", []agents.Player{p}); err != nil {
		t.Fatalf("save again: %v", err)
	}
	got, err := db.LoadPlayers(ctx, "w1")
	if err != nil || len(got) != 1 {
		t.Fatalf("load: %v %v", got, err)
	}
	if got[0].Inventory["wood"] != 6 || got[0].Position != p.Position || got[0].Status != agents.StatusIdle {
		t.Fatalf("player=%+v", got[0])
	}
	if got[0].Rev != 0 {
		t.Fatalf("revision persisted: %d", got[0].Rev)
	}
}

func TestIndexWriterFlushesOnClose(t *testing.T) {
	db, path := openTest(t)

	_ = db.WriteTick(world.TickLogEntry{Tick: 10, DayPhase: "DAWN", Weather: "CLEAR"})
	_ = db.WriteAudit(world.AuditEntry{Tick: 10, Actor: "p1", Action: "TILL", Pos: [2]int{1, 1}, From: terrain.TypeGrass, To: terrain.TypeFarmland})
	_ = db.WriteAudit(world.AuditEntry{Tick: 10, Actor: "p1", Action: "PLANT", Pos: [2]int{1, 1}, From: terrain.TypeFarmland, To: terrain.TypeFarmland})
	db.RecordSnapshot("/tmp/x.snap.zst", snapshot.WorldV1{Header: snapshot.Header{Version: 1, WorldID: "w1", Tick: 10}, Width: 4, Height: 4})
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	raw, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer raw.Close()
	var ticks, audits, snaps int
	_ = raw.QueryRow(`SELECT COUNT(*) FROM ticks`).Scan(&ticks)
	_ = raw.QueryRow(`SELECT COUNT(*) FROM audits WHERE tick=10`).Scan(&audits)
	_ = raw.QueryRow(`SELECT COUNT(*) FROM snapshots`).Scan(&snaps)
	if ticks != 1 || audits != 2 || snaps != 1 {
		t.Fatalf("ticks=%d audits=%d snapshots=%d", ticks, audits, snaps)
	}

	// Writes after close are ignored.
	if err := db.WriteTick(world.TickLogEntry{Tick: 11}); err != nil {
		t.Fatalf("write after close: %v", err)
	}
}

func TestIndexQueueDropStats(t *testing.T) {
	s := &DB{ch: make(chan req, 1)}
	s.ch <- req{kind: reqTick, tick: world.TickLogEntry{Tick: 1}}

	_ = s.WriteTick(world.TickLogEntry{Tick: 2})
	_ = s.WriteAudit(world.AuditEntry{Tick: 2})
	s.RecordSnapshot("/tmp/2.snap.zst", snapshot.WorldV1{})

	st := s.Stats()
	if st.DropTickTotal != 1 || st.DropAuditTotal != 1 || st.DropSnapshotTotal != 1 {
		t.Fatalf("drops=%+v", st)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestQueriesAfterIndexing(t *testing.T) {
	db, _ := openTest(t)
	ctx := context.Background()
	_ = db.WriteAudit(world.AuditEntry{Tick: 3, Actor: "p1", Action: "HARVEST", Pos: [2]int{2, 2}, From: terrain.TypeTree, To: terrain.TypeGrass})
	db.RecordSnapshot("/data/a.snap.zst", snapshot.WorldV1{Header: snapshot.Header{WorldID: "w1", Tick: 5}})
	db.RecordSnapshot("/data/b.snap.zst", snapshot.WorldV1{Header: snapshot.Header{WorldID: "w1", Tick: 9}})

	deadline := time.Now().Add(5 * time.Second)
	var (
		rows []AuditRow
		path string
		ok   bool
	)
	for time.Now().Before(deadline) {
		rows, _ = db.AuditsAt(ctx, 2, 2, 10)
		path, _, ok, _ = db.LatestSnapshot(ctx, "w1")
		if len(rows) == 1 && ok && path == "/data/b.snap.zst" {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if len(rows) != 1 || rows[0].Action != "HARVEST" || rows[0].From != "TREE" {
		t.Fatalf("audits=%+v", rows)
	}
	if path != "/data/b.snap.zst" {
		t.Fatalf("latest snapshot=%q ok=%v", path, ok)
	}

	c, err := db.Counts(ctx)
	if err != nil || c.SchemaVersion != schemaVersion || c.Audits != 1 {
		t.Fatalf("counts=%+v err=%v", c, err)
	}
}
