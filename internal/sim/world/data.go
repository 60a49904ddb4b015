package world

import (
	"fmt"
	"time"

	"tileworld.ai/internal/persistence/snapshot"
	"tileworld.ai/internal/protocol"
	"tileworld.ai/internal/sim/agents"
	"tileworld.ai/internal/sim/clock"
	"tileworld.ai/internal/sim/terrain"
	"tileworld.ai/internal/sim/weather"
)

func (w *World) Params() protocol.WorldParams {
	return protocol.WorldParams{
		WorldID:           w.ID(),
		TickIntervalMs:    w.tune.TickIntervalMs,
		TicksPerDay:       w.tune.TicksPerDay,
		Width:             w.grid.Width(),
		Height:            w.grid.Height(),
		InteractionRadius: w.interact.Radius(),
		SenseRadiusMax:    w.tune.SenseRadiusMax,
		Seed:              w.tune.Seed,
	}
}

// WorldData is the full read model served to admin tools and WORLD requests.
type WorldData struct {
	Params  protocol.WorldParams `json:"params"`
	Clock   clock.Snapshot       `json:"clock"`
	Weather string               `json:"weather"`
	Tiles   []terrain.Record     `json:"tiles"`
	Players []agents.Player      `json:"players"`
}

func (w *World) GetWorldData() WorldData {
	return WorldData{
		Params:  w.Params(),
		Clock:   w.clock.Snapshot(),
		Weather: string(w.weather.Current()),
		Tiles:   w.grid.AllTiles(),
		Players: w.players.All(),
	}
}

type Metrics struct {
	Tick           uint64  `json:"tick"`
	DayPhase       string  `json:"day_phase"`
	Weather        string  `json:"weather"`
	Speed          float64 `json:"speed"`
	Running        bool    `json:"running"`
	PlayersOnline  int     `json:"players_online"`
	PlayersTotal   int     `json:"players_total"`
	DirtyTiles     int     `json:"dirty_tiles"`
	DirtyPlayers   int     `json:"dirty_players"`
	QueuedActions  int     `json:"queued_actions"`
	RunningActions int     `json:"running_actions"`
	BusyCells      int     `json:"busy_cells"`
	Steps          uint64  `json:"steps"`
	LastStepMs     float64 `json:"last_step_ms"`
	Flushes        uint64  `json:"flushes"`
	FullFlushes    uint64  `json:"full_flushes"`
	FlushFailures  uint64  `json:"flush_failures"`
	SkippedBusy    uint64  `json:"skipped_busy"`
	Snapshots      uint64  `json:"snapshots"`
}

func (w *World) Metrics() Metrics {
	queued, running := w.sched.Stats()
	snap := w.clock.Snapshot()
	return Metrics{
		Tick:           snap.Tick,
		DayPhase:       string(snap.DayPhase),
		Weather:        string(w.weather.Current()),
		Speed:          snap.SpeedMultiplier,
		Running:        w.clock.Running(),
		PlayersOnline:  w.players.Online(),
		PlayersTotal:   len(w.players.All()),
		DirtyTiles:     w.grid.DirtyCount(),
		DirtyPlayers:   w.players.DirtyCount(),
		QueuedActions:  queued,
		RunningActions: running,
		BusyCells:      w.interact.Pending(),
		Steps:          w.stats.steps.Load(),
		LastStepMs:     float64(w.stats.lastStepNanos.Load()) / float64(time.Millisecond),
		Flushes:        w.stats.flushes.Load(),
		FullFlushes:    w.stats.fullFlushes.Load(),
		FlushFailures:  w.stats.flushFailures.Load(),
		SkippedBusy:    w.stats.skippedBusy.Load(),
		Snapshots:      w.stats.snapshots.Load(),
	}
}

// ExportSnapshot captures the whole world. The copy is detached from live state.
func (w *World) ExportSnapshot() snapshot.WorldV1 {
	c := w.clock.Snapshot()
	return snapshot.WorldV1{
		Header: snapshot.Header{
			Version: snapshot.CurrentVersion,
			WorldID: w.ID(),
			Tick:    c.Tick,
		},
		Seed:        w.tune.Seed,
		Width:       w.grid.Width(),
		Height:      w.grid.Height(),
		TicksPerDay: w.tune.TicksPerDay,
		Clock:       c,
		Weather:     string(w.weather.Current()),
		Tiles:       w.grid.AllTiles(),
		Players:     w.players.All(),
	}
}

// ImportSnapshot replaces the live world with snap. Dimensions and day length
// must match the running configuration. Imported tiles get fresh versions and
// everything is scheduled for the next flush.
func (w *World) ImportSnapshot(snap snapshot.WorldV1) error {
	if snap.Header.Version != snapshot.CurrentVersion {
		return fmt.Errorf("world: unsupported snapshot version %d", snap.Header.Version)
	}
	if snap.Width != w.grid.Width() || snap.Height != w.grid.Height() {
		return fmt.Errorf("world: snapshot is %dx%d, world is %dx%d", snap.Width, snap.Height, w.grid.Width(), w.grid.Height())
	}
	if snap.TicksPerDay != w.tune.TicksPerDay {
		return fmt.Errorf("world: snapshot ticks_per_day=%d, world has %d", snap.TicksPerDay, w.tune.TicksPerDay)
	}

	w.stepMu.Lock()
	defer w.stepMu.Unlock()
	for _, p := range w.players.All() {
		w.sched.Clear(p.ID)
	}
	if err := w.clock.Restore(snap.Clock); err != nil {
		return err
	}
	if k := weather.Kind(snap.Weather); k != "" {
		if err := w.weather.Restore(k); err != nil {
			w.logger.Printf("world %s: import weather: %v", w.ID(), err)
		}
	}
	w.grid.Replace(snap.Tiles)
	w.players.Restore(snap.Players)
	w.players.MarkAllDirty()
	w.record(protocol.TickEvent{Kind: "IMPORT", Message: fmt.Sprintf("snapshot of tick %d", snap.Header.Tick)})
	return nil
}
