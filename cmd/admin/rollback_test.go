package main

import (
	"path/filepath"
	"testing"

	persistlog "tileworld.ai/internal/persistence/log"
	"tileworld.ai/internal/persistence/snapshot"
	"tileworld.ai/internal/sim/terrain"
	"tileworld.ai/internal/sim/world"
)

func TestParseRect(t *testing.T) {
	min, max, err := parseRect("5,1:2,4")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if min != [2]int{2, 1} || max != [2]int{5, 4} {
		t.Fatalf("min=%v max=%v", min, max)
	}
	for _, bad := range []string{"", "1,2", "1,2:3", "a,b:1,1"} {
		if _, _, err := parseRect(bad); err == nil {
			t.Fatalf("accepted %q", bad)
		}
	}
}

func TestRollbackRestoresGeneratedTerrain(t *testing.T) {
	worldDir := t.TempDir()
	al := persistlog.NewAuditLogger(worldDir)
	for _, e := range []world.AuditEntry{
		{Tick: 5, Actor: "A1", Action: "CHOP", Pos: [2]int{1, 1}, From: terrain.TypeTree, To: terrain.TypeGrass},
		{Tick: 7, Actor: "A1", Action: "TILL", Pos: [2]int{1, 1}, From: terrain.TypeGrass, To: terrain.TypeFarmland},
		{Tick: 8, Actor: "A2", Action: "TILL", Pos: [2]int{6, 6}, From: terrain.TypeGrass, To: terrain.TypeFarmland},
		{Tick: 40, Actor: "A1", Action: "TILL", Pos: [2]int{2, 2}, From: terrain.TypeGrass, To: terrain.TypeFarmland},
	} {
		if err := al.WriteAudit(e); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := al.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	recs, err := readAudit(filepath.Join(worldDir, "audit"), 0, 20, [2]int{0, 0}, [2]int{3, 3})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(recs) != 2 || recs[0].Entry.Tick != 7 || recs[1].Entry.Tick != 5 {
		t.Fatalf("recs=%+v", recs)
	}

	gen := terrain.GenConfig{Width: 8, Height: 8, Seed: 9, TreePermille: 1000, TreeDurability: 4}
	snap := snapshot.WorldV1{Width: 8, Height: 8, Seed: 9}
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			snap.Tiles = append(snap.Tiles, terrain.Record{X: x, Y: y, Type: terrain.TypeGrass, Version: 1})
		}
	}
	at := func(x, y int) *terrain.Record { return &snap.Tiles[y*8+x] }
	*at(1, 1) = terrain.Record{X: 1, Y: 1, Type: terrain.TypeFarmland, Version: 3, Farmland: &terrain.FarmlandState{Crop: "wheat"}}

	applied, skipped := applyRollback(&snap, recs, gen)
	if applied != 2 || skipped != 0 {
		t.Fatalf("applied=%d skipped=%d", applied, skipped)
	}
	got := at(1, 1)
	if got.Type != terrain.TypeTree || got.Farmland != nil || got.Resource == nil || got.Resource.Durability != 4 {
		t.Fatalf("tile=%+v", got)
	}
	if got.Version != 5 {
		t.Fatalf("version=%d", got.Version)
	}
	if at(2, 2).Type != terrain.TypeGrass {
		t.Fatalf("untouched tile changed: %+v", at(2, 2))
	}
}
