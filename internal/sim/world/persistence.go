package world

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tileworld.ai/internal/persistence/snapshot"
)

const flushTimeout = 30 * time.Second

// maybeFlush starts an incremental save of dirty tiles and players in the
// background. Incremental and full flushes share one in-flight guard, so saves
// reach the store in capture order. After a failure the next attempt waits for
// the retry backoff. Called with stepMu held.
func (w *World) maybeFlush(now time.Time) {
	if w.store == nil {
		return
	}
	if w.grid.DirtyCount() == 0 && w.players.DirtyCount() == 0 {
		return
	}
	if now.UnixNano() < w.retryAfter.Load() {
		return
	}
	if !w.flushing.CompareAndSwap(false, true) {
		w.stats.skippedBusy.Add(1)
		return
	}
	w.flushWG.Add(1)
	go func() {
		defer w.flushWG.Done()
		defer w.flushing.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		if err := w.flushDirty(ctx); err != nil {
			w.stats.flushFailures.Add(1)
			w.retryAfter.Store(w.now().Add(w.tune.FlushRetry()).UnixNano())
			w.logger.Printf("world %s: incremental flush: %v", w.ID(), err)
			return
		}
		w.retryAfter.Store(0)
	}()
}

// flushDirty saves the clock and the dirty sets. Only the records that were
// actually written are cleared, so writes racing the save stay dirty.
func (w *World) flushDirty(ctx context.Context) error {
	id := w.ID()
	tiles := w.grid.DirtyTiles()
	players := w.players.DirtyPlayers()

	var errs []error
	if err := w.store.SaveClock(ctx, id, w.clock.Snapshot()); err != nil {
		errs = append(errs, fmt.Errorf("save clock: %w", err))
	}
	if len(tiles) > 0 {
		if err := w.store.SaveTiles(ctx, id, tiles); err != nil {
			errs = append(errs, fmt.Errorf("save %d tiles: %w", len(tiles), err))
		} else {
			w.grid.ClearFlushed(tiles)
		}
	}
	if len(players) > 0 {
		if err := w.store.SavePlayers(ctx, id, players); err != nil {
			errs = append(errs, fmt.Errorf("save %d players: %w", len(players), err))
		} else {
			w.players.ClearFlushed(players)
		}
	}
	w.stats.flushes.Add(1)
	return errors.Join(errs...)
}

// maybeFullFlushLocked captures a full snapshot every FullFlushEvery, saves it
// in the background and hands it to the snapshot sink. While another flush is
// in flight the full flush stays due and is retried on the next step. A failed
// full flush is retried at the next interval. Called with stepMu held.
func (w *World) maybeFullFlushLocked(now time.Time) {
	every := w.tune.FullFlushEvery()
	if every <= 0 || now.Sub(w.lastFullAt) < every {
		return
	}
	if w.store == nil {
		w.lastFullAt = now
		w.emitSnapshot(w.ExportSnapshot())
		return
	}
	if !w.flushing.CompareAndSwap(false, true) {
		w.stats.skippedBusy.Add(1)
		return
	}
	w.lastFullAt = now
	snap := w.ExportSnapshot()
	w.emitSnapshot(snap)
	w.flushWG.Add(1)
	go func() {
		defer w.flushWG.Done()
		defer w.flushing.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		if err := w.saveFull(ctx, snap); err != nil {
			w.stats.flushFailures.Add(1)
			w.logger.Printf("world %s: full flush at tick %d: %v", w.ID(), snap.Header.Tick, err)
		}
	}()
}

// saveFull writes every tile and player in snap. Tiles and players that were
// not modified after the capture are no longer dirty afterwards.
func (w *World) saveFull(ctx context.Context, snap snapshot.WorldV1) error {
	if w.store == nil {
		return nil
	}
	id := w.ID()
	var errs []error
	if err := w.store.SaveClock(ctx, id, snap.Clock); err != nil {
		errs = append(errs, fmt.Errorf("save clock: %w", err))
	}
	if err := w.store.SaveTiles(ctx, id, snap.Tiles); err != nil {
		errs = append(errs, fmt.Errorf("save tiles: %w", err))
	} else {
		w.grid.ClearFlushed(snap.Tiles)
	}
	if err := w.store.SavePlayers(ctx, id, snap.Players); err != nil {
		errs = append(errs, fmt.Errorf("save players: %w", err))
	} else {
		w.players.ClearFlushed(snap.Players)
	}
	w.stats.fullFlushes.Add(1)
	return errors.Join(errs...)
}

// finalFlush is the synchronous shutdown save: clock, every player and
// whatever tiles are still dirty.
func (w *World) finalFlush(ctx context.Context) error {
	if w.store == nil {
		return nil
	}
	id := w.ID()
	var errs []error
	if err := w.store.SaveClock(ctx, id, w.clock.Snapshot()); err != nil {
		errs = append(errs, fmt.Errorf("save clock: %w", err))
	}
	players := w.players.All()
	if len(players) > 0 {
		if err := w.store.SavePlayers(ctx, id, players); err != nil {
			errs = append(errs, fmt.Errorf("save players: %w", err))
		} else {
			w.players.ClearFlushed(players)
		}
	}
	if tiles := w.grid.DirtyTiles(); len(tiles) > 0 {
		if err := w.store.SaveTiles(ctx, id, tiles); err != nil {
			errs = append(errs, fmt.Errorf("save tiles: %w", err))
		} else {
			w.grid.ClearFlushed(tiles)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		w.logger.Printf("world %s: final flush: %v", w.ID(), err)
	}
	return err
}

func (w *World) emitSnapshot(snap snapshot.WorldV1) {
	if w.snapshotSink == nil {
		return
	}
	select {
	case w.snapshotSink <- snap:
		w.stats.snapshots.Add(1)
	default:
		w.logger.Printf("world %s: snapshot sink full, dropping tick %d", w.ID(), snap.Header.Tick)
	}
}
