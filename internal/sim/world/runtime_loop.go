package world

import (
	"context"
	"errors"
	"time"
)

// maxCatchUpTicks bounds the per-tick player updates replayed after a long
// stall; older ticks are folded into the last one.
const maxCatchUpTicks = 64

// Start loads persisted state, starts the clock and runs the loop in the
// background until ctx is cancelled or Stop is called.
func (w *World) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	w.boot(ctx)
	go func() {
		defer close(w.done)
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Printf("world %s: loop stopped: %v", w.ID(), err)
		}
	}()
	return nil
}

// boot restores clock, tiles and players from the store. Load failures are
// logged and the world starts from its generated state.
func (w *World) boot(ctx context.Context) {
	defer func() {
		w.clock.Start()
		w.stepMu.Lock()
		w.lastFullAt = w.now()
		w.stepMu.Unlock()
	}()
	if w.store == nil {
		return
	}
	snap, found, err := w.store.LoadClock(ctx, w.ID())
	switch {
	case err != nil:
		w.logger.Printf("world %s: load clock: %v (starting at tick 0)", w.ID(), err)
	case found:
		if err := w.clock.Restore(snap); err != nil {
			w.logger.Printf("world %s: restore clock: %v", w.ID(), err)
		}
	default:
		w.logger.Printf("world %s: no saved clock, seeding tick 0", w.ID())
	}

	tiles, err := w.store.LoadTiles(ctx, w.ID())
	if err != nil {
		w.logger.Printf("world %s: load tiles: %v", w.ID(), err)
	} else if len(tiles) > 0 {
		n := w.grid.Load(tiles)
		w.logger.Printf("world %s: restored %d tiles", w.ID(), n)
	}

	players, err := w.store.LoadPlayers(ctx, w.ID())
	if err != nil {
		w.logger.Printf("world %s: load players: %v", w.ID(), err)
	} else if len(players) > 0 {
		n := w.players.Restore(players)
		w.logger.Printf("world %s: restored %d players", w.ID(), n)
	}
}

// Run drives Step from a ticker at the configured tick interval. The delta
// passed to Step is the wall time since the previous iteration.
func (w *World) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.tune.TickInterval())
	defer ticker.Stop()

	last := w.now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		case <-ticker.C:
			now := w.now()
			w.Step(now.Sub(last))
			last = now
		}
	}
}

// Step advances the world by delta of wall time and returns the number of
// ticks that elapsed. It is exported so tests and tools can drive the world
// without a ticker.
func (w *World) Step(delta time.Duration) uint64 {
	started := time.Now()

	w.stepMu.Lock()
	advanced := w.clock.Advance(delta)
	var (
		entry     TickLogEntry
		broadcast bool
	)
	if advanced > 0 {
		tick := w.clock.Tick()
		from := tick - advanced + 1
		if advanced > maxCatchUpTicks {
			from = tick - maxCatchUpTicks + 1
		}
		for t := from; t <= tick; t++ {
			w.players.Advance(t)
		}
		if grown := w.grid.GrowCrops(tick, w.tune.CropGrowthTicks); len(grown) > 0 {
			w.recordGrowth(tick, len(grown))
		}

		entry = TickLogEntry{
			Tick:     tick,
			DayPhase: string(w.clock.Phase()),
			Weather:  string(w.weather.Current()),
			Events:   w.takeEvents(),
		}
		if w.tickLogger != nil {
			if err := w.tickLogger.WriteTick(entry); err != nil {
				w.logger.Printf("tick log: %v", err)
			}
		}
		broadcast = w.shouldBroadcastLocked(tick, len(entry.Events) > 0)
	}
	now := w.now()
	w.maybeFullFlushLocked(now)
	w.maybeFlush(now)
	w.stepMu.Unlock()

	if broadcast {
		w.notify(entry)
	}
	w.stats.steps.Add(1)
	w.stats.lastStepNanos.Store(int64(time.Since(started)))
	return advanced
}

// shouldBroadcastLocked throttles observer pushes to one per
// BroadcastEveryTicks ticks unless the step produced events.
func (w *World) shouldBroadcastLocked(tick uint64, hasEvents bool) bool {
	every := uint64(w.tune.BroadcastEveryTicks)
	if every <= 1 || hasEvents || tick/every != w.lastBroadcast/every {
		w.lastBroadcast = tick
		return true
	}
	return false
}

func (w *World) notify(entry TickLogEntry) {
	w.obsMu.RLock()
	fns := make([]func(TickLogEntry), 0, len(w.observers))
	for _, fn := range w.observers {
		fns = append(fns, fn)
	}
	w.obsMu.RUnlock()
	for _, fn := range fns {
		fn(entry)
	}
}

// Stop halts the loop, drains the action queues and writes a final
// synchronous flush. It is safe to call more than once.
func (w *World) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.stop) })
	if w.started.Load() {
		select {
		case <-w.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	w.clock.Stop()
	if err := w.sched.Close(ctx); err != nil {
		w.logger.Printf("world %s: close scheduler: %v", w.ID(), err)
	}
	w.flushWG.Wait()
	return w.finalFlush(ctx)
}

// Running reports whether the clock is advancing.
func (w *World) Running() bool { return w.clock.Running() }

// SetSpeed changes the clock multiplier; the loop cadence stays the same.
func (w *World) SetSpeed(multiplier float64) error {
	if err := w.clock.SetSpeed(multiplier); err != nil {
		return err
	}
	w.record(speedEvent(multiplier))
	return nil
}

// Reset regenerates the terrain from the seed, rewinds the clock to tick 0,
// clears the weather and sends every player back to spawn with an empty
// inventory. The new state is saved in full before Reset returns.
func (w *World) Reset(ctx context.Context) error {
	w.stepMu.Lock()
	defer w.stepMu.Unlock()
	// Background saves start under stepMu; drain them so none lands after ours.
	w.flushWG.Wait()
	for _, p := range w.players.All() {
		w.sched.Clear(p.ID)
	}
	w.grid.Regenerate(w.gen)
	snap := w.clock.Snapshot()
	snap.Tick = 0
	if err := w.clock.Restore(snap); err != nil {
		return err
	}
	if err := w.weather.Restore(defaultWeather); err != nil {
		return err
	}
	w.players.Respawn()
	w.record(resetEvent())

	w.logger.Printf("world %s: reset", w.ID())
	return w.saveFull(ctx, w.ExportSnapshot())
}
