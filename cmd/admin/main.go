package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	persistlog "tileworld.ai/internal/persistence/log"
	"tileworld.ai/internal/persistence/snapshot"
	"tileworld.ai/internal/sim/terrain"
	"tileworld.ai/internal/sim/tuning"
	"tileworld.ai/internal/sim/world"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "rollback":
			rollbackCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "inspect":
			inspectCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		case "speed":
			speedCmd(os.Args[2:])
			return
		case "reset":
			resetCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id (optional)")
	_ = fs.Parse(args)

	base := filepath.Join(*dataDir, "worlds")
	if *worldID != "" {
		base = filepath.Join(base, *worldID)
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		fmt.Println(e.Name())
	}
}

// inspectCmd prints a snapshot's header and a tile type histogram.
func inspectCmd(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "world_1", "world id")
	snapPath := fs.String("snapshot", "", "snapshot path (optional; defaults to latest)")
	_ = fs.Parse(args)

	path := strings.TrimSpace(*snapPath)
	if path == "" {
		var err error
		path, err = snapshot.Latest(filepath.Join(*dataDir, "worlds", *worldID, "snapshots"))
		if err != nil || path == "" {
			fmt.Fprintln(os.Stderr, "no snapshot found:", err)
			os.Exit(2)
		}
	}
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	printJSON(summarize(path, snap))
}

type snapshotSummary struct {
	Path        string                   `json:"path"`
	WorldID     string                   `json:"world_id"`
	Tick        uint64                   `json:"tick"`
	DayPhase    string                   `json:"day_phase"`
	Weather     string                   `json:"weather"`
	Size        string                   `json:"size"`
	Seed        int64                    `json:"seed"`
	TileTypes   map[terrain.TileType]int `json:"tile_types"`
	Crops       int                      `json:"crops"`
	Players     int                      `json:"players"`
	PlayerNames []string                 `json:"player_names,omitempty"`
}

func summarize(path string, snap snapshot.WorldV1) snapshotSummary {
	s := snapshotSummary{
		Path:      path,
		WorldID:   snap.Header.WorldID,
		Tick:      snap.Header.Tick,
		DayPhase:  string(snap.Clock.DayPhase),
		Weather:   snap.Weather,
		Size:      fmt.Sprintf("%dx%d", snap.Width, snap.Height),
		Seed:      snap.Seed,
		TileTypes: map[terrain.TileType]int{},
		Players:   len(snap.Players),
	}
	for _, r := range snap.Tiles {
		s.TileTypes[r.Type]++
		if r.Farmland != nil && r.Farmland.Crop != "" {
			s.Crops++
		}
	}
	for _, p := range snap.Players {
		s.PlayerNames = append(s.PlayerNames, p.Name)
	}
	sort.Strings(s.PlayerNames)
	return s
}

func rollbackCmd(args []string) {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id")
	tuningPath := fs.String("tuning", "./configs/tuning.yaml", "tuning used to regenerate trees and rocks")
	snapPath := fs.String("snapshot", "", "snapshot path to rollback from (optional; defaults to latest)")
	rect := fs.String("rect", "", "rectangle filter: x1,y1:x2,y2 (required)")
	sinceTick := fs.Uint64("since_tick", 0, "rollback changes since tick (inclusive)")
	toTick := fs.Uint64("to_tick", 0, "rollback changes up to tick (inclusive, optional; defaults to snapshot tick)")
	outPath := fs.String("out", "", "output snapshot path (optional)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*worldID) == "" {
		fmt.Fprintln(os.Stderr, "missing -world")
		os.Exit(2)
	}
	min, max, err := parseRect(*rect)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad -rect:", err)
		os.Exit(2)
	}

	worldDir := filepath.Join(*dataDir, "worlds", *worldID)
	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" {
		snapshotToLoad, _ = snapshot.Latest(filepath.Join(worldDir, "snapshots"))
	}
	if snapshotToLoad == "" {
		fmt.Fprintln(os.Stderr, "no snapshot found; provide -snapshot or run server until it writes one")
		os.Exit(2)
	}
	snap, err := snapshot.ReadSnapshot(snapshotToLoad)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		tune = tuning.Defaults()
	}

	endTick := *toTick
	if endTick == 0 || endTick > snap.Header.Tick {
		endTick = snap.Header.Tick
	}
	recs, err := readAudit(filepath.Join(worldDir, "audit"), *sinceTick, endTick, min, max)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read audit:", err)
		os.Exit(1)
	}
	if len(recs) == 0 {
		fmt.Println("no matching audit entries; nothing to rollback")
		return
	}

	applied, skipped := applyRollback(&snap, recs, genConfig(tune, snap))

	if strings.TrimSpace(*outPath) == "" {
		*outPath = filepath.Join(worldDir, "snapshots", fmt.Sprintf("rollback-%d.snap.zst", snap.Header.Tick))
	}
	if err := snapshot.WriteSnapshot(*outPath, snap); err != nil {
		fmt.Fprintln(os.Stderr, "write snapshot:", err)
		os.Exit(1)
	}
	fmt.Printf("rollback ok: snapshot=%s tick=%d rect=%s since=%d to=%d entries=%d applied=%d skipped=%d out=%s\n",
		filepath.Base(snapshotToLoad), snap.Header.Tick, *rect, *sinceTick, endTick, len(recs), applied, skipped, *outPath)
}

type auditRec struct {
	Seq   uint64
	Entry world.AuditEntry
}

// readAudit collects tile changes inside [min,max] and [sinceTick,toTick],
// newest first.
func readAudit(dir string, sinceTick, toTick uint64, min, max [2]int) ([]auditRec, error) {
	files, err := persistlog.Files(dir, "audit")
	if err != nil {
		return nil, err
	}
	out := make([]auditRec, 0, 1024)
	var seq uint64
	for _, path := range files {
		err := persistlog.ReadAudits(path, func(e world.AuditEntry) error {
			seq++
			if e.Tick < sinceTick || e.Tick > toTick {
				return nil
			}
			if !withinRect(e.Pos, min, max) {
				return nil
			}
			out = append(out, auditRec{Seq: seq, Entry: e})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	// Reverse chronological apply: highest tick first; for same tick use reverse read order.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Entry.Tick != out[j].Entry.Tick {
			return out[i].Entry.Tick > out[j].Entry.Tick
		}
		return out[i].Seq > out[j].Seq
	})
	return out, nil
}

func genConfig(t tuning.Tuning, snap snapshot.WorldV1) terrain.GenConfig {
	return terrain.GenConfig{
		Width:            snap.Width,
		Height:           snap.Height,
		Seed:             snap.Seed,
		TreePermille:     t.WorldGen.TreePermille,
		RockPermille:     t.WorldGen.RockPermille,
		WaterPermille:    t.WorldGen.WaterPermille,
		DirtPermille:     t.WorldGen.DirtPermille,
		TreeDurability:   t.WorldGen.TreeDurability,
		RockDurability:   t.WorldGen.RockDurability,
		SpawnClearRadius: t.WorldGen.SpawnClearRadius,
	}
}

// applyRollback restores each change's From type. When the generator would
// have placed that same type at the cell, the generated tile (with its full
// resource state) is used. Versions are bumped so the store accepts the
// rolled-back tiles once the snapshot is imported.
func applyRollback(snap *snapshot.WorldV1, recs []auditRec, gen terrain.GenConfig) (applied, skipped int) {
	if snap == nil || len(recs) == 0 {
		return 0, 0
	}
	idx := make(map[terrain.Pos]int, len(snap.Tiles))
	for i, r := range snap.Tiles {
		idx[r.Pos()] = i
	}
	for _, r := range recs {
		p := terrain.Pos{X: r.Entry.Pos[0], Y: r.Entry.Pos[1]}
		i, ok := idx[p]
		if !ok || r.Entry.From == "" || r.Entry.From == terrain.TypeVoid {
			skipped++
			continue
		}
		cur := snap.Tiles[i]
		tile := terrain.Tile{Type: r.Entry.From}
		if g := gen.TileAt(p.X, p.Y); g.Type == r.Entry.From {
			tile = g
		}
		tile.Version = cur.Version + 1
		snap.Tiles[i] = terrain.RecordOf(p, tile)
		applied++
	}
	return applied, skipped
}

func withinRect(pos [2]int, min, max [2]int) bool {
	return pos[0] >= min[0] && pos[0] <= max[0] &&
		pos[1] >= min[1] && pos[1] <= max[1]
}

func parseRect(s string) (min, max [2]int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return min, max, fmt.Errorf("expected x1,y1:x2,y2")
	}
	a, err := parseVec2(parts[0])
	if err != nil {
		return min, max, err
	}
	b, err := parseVec2(parts[1])
	if err != nil {
		return min, max, err
	}
	for i := 0; i < 2; i++ {
		if a[i] <= b[i] {
			min[i], max[i] = a[i], b[i]
		} else {
			min[i], max[i] = b[i], a[i]
		}
	}
	return min, max, nil
}

func parseVec2(s string) ([2]int, error) {
	var v [2]int
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 2 {
		return v, fmt.Errorf("expected x,y")
	}
	for i := 0; i < 2; i++ {
		n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil {
			return v, err
		}
		v[i] = n
	}
	return v, nil
}
