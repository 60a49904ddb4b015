// Package worlddb is the SQLite persistence behind a world: clock, tile and
// player state (read on boot, written by flushes), plus an append-only index
// of tick, audit and snapshot records fed through a background writer.
package worlddb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"tileworld.ai/internal/sim/agents"
	"tileworld.ai/internal/sim/clock"
	"tileworld.ai/internal/sim/terrain"
)

const schemaVersion = "1"

type DB struct {
	db     *sql.DB
	logger *log.Logger

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTick     atomic.Uint64
	dropAudit    atomic.Uint64
	dropSnapshot atomic.Uint64
	writeErrors  atomic.Uint64
}

type Options struct {
	Logger *log.Logger
	// QueueSize bounds the index writer backlog. Entries beyond it are dropped.
	QueueSize int
}

func Open(path string, opts Options) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.QueueSize <= 0 {
		// Allow bursty audit writes without stalling the sim.
		opts.QueueSize = 65536
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &DB{
		db:     db,
		logger: opts.Logger,
		ch:     make(chan req, opts.QueueSize),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS world_clock (
			world_id TEXT PRIMARY KEY,
			tick INTEGER NOT NULL,
			day_phase TEXT NOT NULL,
			speed REAL NOT NULL,
			tick_interval_ms INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS tiles (
			world_id TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			type TEXT NOT NULL,
			version INTEGER NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (world_id, x, y)
		);`,
		`CREATE TABLE IF NOT EXISTS players (
			world_id TEXT NOT NULL,
			id TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			raw_json TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (world_id, id)
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			tick INTEGER PRIMARY KEY,
			day_phase TEXT NOT NULL,
			weather TEXT NOT NULL,
			events INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audits (
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			from_type TEXT NOT NULL,
			to_type TEXT NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_actor_tick ON audits(actor, tick);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_pos_tick ON audits(x, y, tick);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			tick INTEGER PRIMARY KEY,
			world_id TEXT NOT NULL,
			path TEXT NOT NULL,
			seed INTEGER NOT NULL,
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			tiles INTEGER NOT NULL,
			players INTEGER NOT NULL
		);`,
		`INSERT OR IGNORE INTO meta(key,value) VALUES('schema_version','` + schemaVersion + `');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Close drains the index writer and closes the database.
func (s *DB) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *DB) LoadClock(ctx context.Context, worldID string) (clock.Snapshot, bool, error) {
	var (
		snap    clock.Snapshot
		phase   string
		updated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT tick, day_phase, speed, tick_interval_ms, updated_at FROM world_clock WHERE world_id=?`, worldID,
	).Scan(&snap.Tick, &phase, &snap.SpeedMultiplier, &snap.TickIntervalMs, &updated)
	if err == sql.ErrNoRows {
		return clock.Snapshot{}, false, nil
	}
	if err != nil {
		return clock.Snapshot{}, false, fmt.Errorf("load clock: %w", err)
	}
	snap.DayPhase = clock.DayPhase(phase)
	if t, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		snap.LastUpdatedAt = t
	}
	return snap, true, nil
}

func (s *DB) SaveClock(ctx context.Context, worldID string, snap clock.Snapshot) error {
	updated := snap.LastUpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO world_clock(world_id,tick,day_phase,speed,tick_interval_ms,updated_at) VALUES(?,?,?,?,?,?)
		ON CONFLICT(world_id) DO UPDATE SET
			tick=excluded.tick,
			day_phase=excluded.day_phase,
			speed=excluded.speed,
			tick_interval_ms=excluded.tick_interval_ms,
			updated_at=excluded.updated_at`,
		worldID, int64(snap.Tick), string(snap.DayPhase), snap.SpeedMultiplier, snap.TickIntervalMs,
		updated.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save clock: %w", err)
	}
	return nil
}

func (s *DB) LoadTiles(ctx context.Context, worldID string) ([]terrain.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT raw_json FROM tiles WHERE world_id=? ORDER BY y, x`, worldID)
	if err != nil {
		return nil, fmt.Errorf("load tiles: %w", err)
	}
	defer rows.Close()
	var out []terrain.Record
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var r terrain.Record
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("decode tile: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveTiles upserts tiles in one transaction. A row is only replaced when the
// incoming version is not older than the stored one.
func (s *DB) SaveTiles(ctx context.Context, worldID string, tiles []terrain.Record) error {
	if len(tiles) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO tiles(world_id,x,y,type,version,raw_json) VALUES(?,?,?,?,?,?)
		ON CONFLICT(world_id,x,y) DO UPDATE SET
			type=excluded.type,
			version=excluded.version,
			raw_json=excluded.raw_json
		WHERE excluded.version >= tiles.version`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range tiles {
		raw, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, worldID, r.X, r.Y, string(r.Type), int64(r.Version), string(raw)); err != nil {
			return fmt.Errorf("save tile (%d,%d): %w", r.X, r.Y, err)
		}
	}
	return tx.Commit()
}

func (s *DB) LoadPlayers(ctx context.Context, worldID string) ([]agents.Player, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT raw_json FROM players WHERE world_id=? ORDER BY id`, worldID)
	if err != nil {
		return nil, fmt.Errorf("load players: %w", err)
	}
	defer rows.Close()
	var out []agents.Player
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var p agents.Player
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode player: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *DB) SavePlayers(ctx context.Context, worldID string, players []agents.Player) error {
	if len(players) == 0 {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO players(world_id,id,name,status,x,y,raw_json,updated_at) VALUES(?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, p := range players {
		raw, err := json.Marshal(p)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, worldID, p.ID, p.Name, string(p.Status), p.Position.X, p.Position.Y, string(raw), now); err != nil {
			return fmt.Errorf("save player %s: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

// Counts summarises what is stored, for admin tools.
type Counts struct {
	SchemaVersion string `json:"schema_version"`
	Worlds        int    `json:"worlds"`
	Tiles         int    `json:"tiles"`
	Players       int    `json:"players"`
	Ticks         int    `json:"ticks"`
	Audits        int    `json:"audits"`
	Snapshots     int    `json:"snapshots"`
}

func (s *DB) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key='schema_version'`).Scan(&c.SchemaVersion); err != nil {
		return c, err
	}
	for _, q := range []struct {
		sql string
		dst *int
	}{
		{`SELECT COUNT(*) FROM world_clock`, &c.Worlds},
		{`SELECT COUNT(*) FROM tiles`, &c.Tiles},
		{`SELECT COUNT(*) FROM players`, &c.Players},
		{`SELECT COUNT(*) FROM ticks`, &c.Ticks},
		{`SELECT COUNT(*) FROM audits`, &c.Audits},
		{`SELECT COUNT(*) FROM snapshots`, &c.Snapshots},
	} {
		if err := s.db.QueryRowContext(ctx, q.sql).Scan(q.dst); err != nil {
			return c, err
		}
	}
	return c, nil
}
