package archive

import (
	"os"
	"path/filepath"
	"testing"

	"tileworld.ai/internal/persistence/snapshot"
)

func TestArchiveDaySnapshot_FirstSnapshotPerDay(t *testing.T) {
	worldDir := filepath.Join(t.TempDir(), "worlds", "w1")
	snapDir := filepath.Join(worldDir, "snapshots")
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		t.Fatalf("mkdir snapshots: %v", err)
	}
	write := func(name, body string) string {
		p := filepath.Join(snapDir, name)
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		return p
	}
	snap := func(tick uint64) snapshot.WorldV1 {
		return snapshot.WorldV1{Header: snapshot.Header{Version: 1, WorldID: "w1", Tick: tick}, Seed: 42, TicksPerDay: 100}
	}

	day, path, ok, err := ArchiveDaySnapshot(worldDir, write("a.snap.zst", "first"), snap(250))
	if err != nil || !ok || day != 2 {
		t.Fatalf("day=%d ok=%v err=%v", day, ok, err)
	}
	if got, _ := os.ReadFile(path); string(got) != "first" {
		t.Fatalf("archived content=%q", got)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(path), "meta.json")); err != nil {
		t.Fatalf("meta.json: %v", err)
	}

	// A later snapshot on the same day is not archived.
	if _, _, ok, err := ArchiveDaySnapshot(worldDir, write("b.snap.zst", "second"), snap(299)); ok || err != nil {
		t.Fatalf("same day archived again: ok=%v err=%v", ok, err)
	}
	if day, _, ok, _ := ArchiveDaySnapshot(worldDir, write("c.snap.zst", "third"), snap(300)); !ok || day != 3 {
		t.Fatalf("next day=%d ok=%v", day, ok)
	}
}

func TestArchiveDaySnapshot_NoDayLength(t *testing.T) {
	_, _, ok, err := ArchiveDaySnapshot(t.TempDir(), "missing", snapshot.WorldV1{})
	if ok || err != nil {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
}
