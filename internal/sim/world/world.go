package world

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"tileworld.ai/internal/persistence/snapshot"
	"tileworld.ai/internal/protocol"
	"tileworld.ai/internal/sim/actions"
	"tileworld.ai/internal/sim/agents"
	"tileworld.ai/internal/sim/clock"
	"tileworld.ai/internal/sim/interact"
	"tileworld.ai/internal/sim/terrain"
	"tileworld.ai/internal/sim/tuning"
	"tileworld.ai/internal/sim/weather"
)

var (
	ErrAlreadyStarted = errors.New("world: already started")
	ErrNotQueueable   = errors.New("world: cancel is not a queueable command")
)

const defaultWeather = weather.Clear

// Store is the persistence collaborator. Every call is fallible I/O; the world
// logs failures and keeps simulating.
type Store interface {
	// LoadClock reports found=false for a world that was never saved.
	LoadClock(ctx context.Context, worldID string) (snap clock.Snapshot, found bool, err error)
	SaveClock(ctx context.Context, worldID string, snap clock.Snapshot) error
	LoadTiles(ctx context.Context, worldID string) ([]terrain.Record, error)
	SaveTiles(ctx context.Context, worldID string, tiles []terrain.Record) error
	LoadPlayers(ctx context.Context, worldID string) ([]agents.Player, error)
	SavePlayers(ctx context.Context, worldID string, players []agents.Player) error
}

type TickLogger interface {
	WriteTick(entry TickLogEntry) error
}

type AuditLogger interface {
	WriteAudit(entry AuditEntry) error
}

// TickLogEntry is written once per advanced step and pushed to tick observers.
type TickLogEntry struct {
	Tick     uint64               `json:"tick"`
	DayPhase string               `json:"day_phase"`
	Weather  string               `json:"weather"`
	Events   []protocol.TickEvent `json:"events,omitempty"`
}

type AuditEntry struct {
	Tick        uint64           `json:"tick"`
	Actor       string           `json:"actor"`
	Action      string           `json:"action"`
	Pos         [2]int           `json:"pos"`
	From        terrain.TileType `json:"from"`
	To          terrain.TileType `json:"to"`
	FromVersion uint64           `json:"from_version"`
	ToVersion   uint64           `json:"to_version"`
	Drops       map[string]int   `json:"drops,omitempty"`
}

type Config struct {
	Tuning tuning.Tuning
	Store  Store
	Logger *log.Logger

	// Now defaults to time.Now. WeatherSource overrides the seeded random draw.
	Now           func() time.Time
	WeatherSource weather.Source
}

// World is the explicitly constructed world context: clock, weather, grid,
// players and schedulers for one world id.
type World struct {
	tune   tuning.Tuning
	store  Store
	logger *log.Logger
	now    func() time.Time

	clock    *clock.Clock
	weather  *weather.Engine
	grid     *terrain.Grid
	gen      terrain.GenConfig
	players  *agents.Registry
	interact *interact.Coordinator
	sched    *actions.Scheduler

	// Optional loggers (may be nil). Implemented in internal/persistence/*.
	tickLogger  TickLogger
	auditLogger AuditLogger

	// Optional snapshot sink (may be nil). Snapshot writing happens off-thread.
	snapshotSink chan<- snapshot.WorldV1

	// stepMu orders Step against Reset and ImportSnapshot.
	stepMu        sync.Mutex
	lastBroadcast uint64
	lastFullAt    time.Time

	evMu   sync.Mutex
	events []protocol.TickEvent

	obsMu     sync.RWMutex
	observers map[int]func(TickLogEntry)
	nextObs   int

	// flushing is held by whichever background save is in flight.
	flushing   atomic.Bool
	flushWG    sync.WaitGroup
	retryAfter atomic.Int64 // unix nanos; incremental flushes wait until then

	stats stats

	stopOnce sync.Once
	started  atomic.Bool
	stop     chan struct{}
	done     chan struct{}
}

type stats struct {
	steps         atomic.Uint64
	lastStepNanos atomic.Int64
	flushes       atomic.Uint64
	fullFlushes   atomic.Uint64
	flushFailures atomic.Uint64
	skippedBusy   atomic.Uint64
	snapshots     atomic.Uint64
}

func New(cfg Config) (*World, error) {
	t := cfg.Tuning
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("world: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	clk, err := clock.New(clock.Config{
		TickInterval: t.TickInterval(),
		TicksPerDay:  t.TicksPerDay,
		Speed:        t.SpeedMultiplier,
		Now:          cfg.Now,
	})
	if err != nil {
		return nil, err
	}
	wx, err := weather.New(weather.Config{
		NightFogPermille: t.Weather.NightFogPermille,
		Source:           cfg.WeatherSource,
		Seed:             t.Seed,
	})
	if err != nil {
		return nil, err
	}

	gen := terrain.GenConfig{
		Width:            t.GridWidth,
		Height:           t.GridHeight,
		Seed:             t.Seed,
		TreePermille:     t.WorldGen.TreePermille,
		RockPermille:     t.WorldGen.RockPermille,
		WaterPermille:    t.WorldGen.WaterPermille,
		DirtPermille:     t.WorldGen.DirtPermille,
		TreeDurability:   t.WorldGen.TreeDurability,
		RockDurability:   t.WorldGen.RockDurability,
		SpawnClearRadius: t.WorldGen.SpawnClearRadius,
	}
	grid := terrain.Generate(gen)

	w := &World{
		tune:      t,
		store:     cfg.Store,
		logger:    cfg.Logger,
		now:       cfg.Now,
		clock:     clk,
		weather:   wx,
		grid:      grid,
		gen:       gen,
		observers: map[int]func(TickLogEntry){},
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	w.players = agents.New(agents.Config{
		Grid:             grid,
		Spawn:            gen.Spawn(),
		EnergyMax:        t.Agents.EnergyMax,
		EnergyRegenTicks: t.Agents.EnergyRegenTicks,
		MoveEnergyCost:   t.Agents.MoveEnergyCost,
		IdleAfterTicks:   t.Agents.IdleAfterTicks,
		SenseRadiusMax:   t.SenseRadiusMax,
		PathMaxNodes:     t.PathMaxNodes,
		Now:              cfg.Now,
	})
	w.interact, err = interact.New(interact.Config{
		Grid:      grid,
		Positions: w.players,
		Radius:    t.InteractionRadius,
		Tick:      clk.Tick,
		Rewards:   w.players,
		Audit:     w,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	w.sched = actions.New(actions.Config{
		MaxQueue:  t.ActionQueueMax,
		Now:       cfg.Now,
		Logger:    cfg.Logger,
		OnOutcome: w.onActionOutcome,
	})

	clk.OnPhaseChange(w.onPhaseChange)
	wx.OnChange(w.onWeatherChange)
	return w, nil
}

func (w *World) SetTickLogger(l TickLogger)                 { w.tickLogger = l }
func (w *World) SetAuditLogger(l AuditLogger)               { w.auditLogger = l }
func (w *World) SetSnapshotSink(ch chan<- snapshot.WorldV1) { w.snapshotSink = ch }
func (w *World) ID() string                                 { return w.tune.WorldID }
func (w *World) Tuning() tuning.Tuning                      { return w.tune }
func (w *World) Grid() *terrain.Grid                        { return w.grid }
func (w *World) Players() *agents.Registry                  { return w.players }
func (w *World) Scheduler() *actions.Scheduler              { return w.sched }
func (w *World) Clock() *clock.Clock                        { return w.clock }
func (w *World) Weather() weather.Kind                      { return w.weather.Current() }
func (w *World) Interactions() *interact.Coordinator        { return w.interact }

// OnTick subscribes fn to throttled tick broadcasts. fn runs on the loop
// goroutine and must not block; the returned func unsubscribes.
func (w *World) OnTick(fn func(TickLogEntry)) (unsubscribe func()) {
	w.obsMu.Lock()
	id := w.nextObs
	w.nextObs++
	w.observers[id] = fn
	w.obsMu.Unlock()
	return func() {
		w.obsMu.Lock()
		delete(w.observers, id)
		w.obsMu.Unlock()
	}
}

func (w *World) record(ev protocol.TickEvent) {
	if ev.Tick == 0 {
		ev.Tick = w.clock.Tick()
	}
	w.evMu.Lock()
	w.events = append(w.events, ev)
	w.evMu.Unlock()
}

func (w *World) takeEvents() []protocol.TickEvent {
	w.evMu.Lock()
	defer w.evMu.Unlock()
	ev := w.events
	w.events = nil
	return ev
}

func (w *World) onPhaseChange(ch clock.PhaseChange) {
	w.record(protocol.TickEvent{Kind: "PHASE", Tick: ch.Tick, Message: fmt.Sprintf("%s -> %s", ch.From, ch.To)})
	w.weather.Update(ch.To)
}

func (w *World) onWeatherChange(ch weather.Change) {
	w.record(protocol.TickEvent{Kind: "WEATHER", Message: fmt.Sprintf("%s -> %s", ch.From, ch.To)})
}

func (w *World) recordGrowth(tick uint64, n int) {
	w.record(protocol.TickEvent{Kind: "GROW", Tick: tick, Message: fmt.Sprintf("%d crops advanced", n)})
}

func speedEvent(m float64) protocol.TickEvent {
	return protocol.TickEvent{Kind: "SPEED", Message: fmt.Sprintf("speed x%g", m)}
}

func resetEvent() protocol.TickEvent {
	return protocol.TickEvent{Kind: "RESET", Message: "world reset"}
}

func (w *World) onActionOutcome(r actions.Report) {
	ev := protocol.TickEvent{Kind: "ACTION", AgentID: r.AgentID, Message: fmt.Sprintf("%s %s", r.Type, r.Outcome)}
	switch r.Outcome {
	case actions.OutcomeExpired:
		ev.Code = protocol.ErrExpired
	case actions.OutcomeCancelled:
		ev.Code = protocol.ErrCancelled
	case actions.OutcomeFailed:
		ev.Code = protocol.ErrInternal
		if res, ok := r.Value.(protocol.Result); ok && res.Code != "" {
			ev.Code = res.Code
		}
		if r.Err != nil {
			ev.Message += ": " + r.Err.Error()
		}
	}
	w.record(ev)
}

// AuditTile implements interact.AuditSink.
func (w *World) AuditTile(agentID, reason string, ch terrain.Change) {
	tick := w.clock.Tick()
	w.record(protocol.TickEvent{Kind: "TILE", Tick: tick, AgentID: agentID, Message: fmt.Sprintf("%s %s %s->%s", reason, ch.Pos, ch.Before.Type, ch.After.Type)})
	if w.auditLogger == nil {
		return
	}
	entry := AuditEntry{
		Tick:        tick,
		Actor:       agentID,
		Action:      reason,
		Pos:         [2]int{ch.Pos.X, ch.Pos.Y},
		From:        ch.Before.Type,
		To:          ch.After.Type,
		FromVersion: ch.Before.Version,
		ToVersion:   ch.After.Version,
		Drops:       ch.Drops,
	}
	if err := w.auditLogger.WriteAudit(entry); err != nil {
		w.logger.Printf("audit log: %v", err)
	}
}
