// Package archive keeps one snapshot per in-game day under
// worldDir/archives/day_<NNNN>/ so old days survive snapshot pruning.
package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"tileworld.ai/internal/persistence/snapshot"
)

type DayArchiveMeta struct {
	Day         uint64 `json:"day"`
	Tick        uint64 `json:"tick"`
	DayPhase    string `json:"day_phase"`
	Weather     string `json:"weather"`
	Seed        int64  `json:"seed"`
	Snapshot    string `json:"snapshot"`
	CreatedAt   string `json:"created_at"`
	TicksPerDay int    `json:"ticks_per_day"`
}

// ArchiveDaySnapshot copies the first snapshot written on each day. It
// returns archived=false when the day already has one.
func ArchiveDaySnapshot(worldDir, snapshotPath string, snap snapshot.WorldV1) (day uint64, archivedPath string, archived bool, err error) {
	if snap.TicksPerDay <= 0 {
		return 0, "", false, nil
	}
	day = snap.Header.Tick / uint64(snap.TicksPerDay)

	archiveDir := filepath.Join(worldDir, "archives", fmt.Sprintf("day_%04d", day))
	metaPath := filepath.Join(archiveDir, "meta.json")
	if _, err := os.Stat(metaPath); err == nil {
		return day, "", false, nil
	}
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return 0, "", false, err
	}

	dst := filepath.Join(archiveDir, filepath.Base(snapshotPath))
	if err := copyFile(snapshotPath, dst); err != nil {
		return 0, "", false, err
	}

	meta := DayArchiveMeta{
		Day:         day,
		Tick:        snap.Header.Tick,
		DayPhase:    string(snap.Clock.DayPhase),
		Weather:     snap.Weather,
		Seed:        snap.Seed,
		Snapshot:    filepath.Base(dst),
		CreatedAt:   time.Now().UTC().Format(time.RFC3339Nano),
		TicksPerDay: snap.TicksPerDay,
	}
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return 0, "", false, err
	}
	// meta.json marks the day as archived, so it is written last.
	if err := os.WriteFile(metaPath, b, 0o644); err != nil {
		return 0, "", false, err
	}
	return day, dst, true, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
