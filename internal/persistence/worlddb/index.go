package worlddb

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"tileworld.ai/internal/persistence/snapshot"
	"tileworld.ai/internal/sim/world"
)

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqAudit
	reqSnapshot
)

type req struct {
	kind reqKind

	tick     world.TickLogEntry
	audit    world.AuditEntry
	snapshot snapshotRow
}

type snapshotRow struct {
	Tick    uint64
	WorldID string
	Path    string
	Seed    int64
	Width   int
	Height  int
	Tiles   int
	Players int
}

// WriteTick implements world.TickLogger. Entries are queued for the writer
// goroutine and dropped when it falls behind; the jsonl logs remain the
// source of truth.
func (s *DB) WriteTick(entry world.TickLogEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqTick, tick: entry}:
	default:
		s.dropTick.Add(1)
	}
	return nil
}

// WriteAudit implements world.AuditLogger.
func (s *DB) WriteAudit(entry world.AuditEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqAudit, audit: entry}:
	default:
		s.dropAudit.Add(1)
	}
	return nil
}

// RecordSnapshot indexes a snapshot file written at path.
func (s *DB) RecordSnapshot(path string, snap snapshot.WorldV1) {
	if s == nil || s.closed.Load() {
		return
	}
	r := snapshotRow{
		Tick:    snap.Header.Tick,
		WorldID: snap.Header.WorldID,
		Path:    path,
		Seed:    snap.Seed,
		Width:   snap.Width,
		Height:  snap.Height,
		Tiles:   len(snap.Tiles),
		Players: len(snap.Players),
	}
	select {
	case s.ch <- req{kind: reqSnapshot, snapshot: r}:
	default:
		s.dropSnapshot.Add(1)
	}
}

type QueueStats struct {
	QueueDepth        int    `json:"queue_depth"`
	QueueCapacity     int    `json:"queue_capacity"`
	DropTickTotal     uint64 `json:"drop_tick_total"`
	DropAuditTotal    uint64 `json:"drop_audit_total"`
	DropSnapshotTotal uint64 `json:"drop_snapshot_total"`
	WriteErrorTotal   uint64 `json:"write_error_total"`
}

func (s *DB) Stats() QueueStats {
	return QueueStats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropTickTotal:     s.dropTick.Load(),
		DropAuditTotal:    s.dropAudit.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
		WriteErrorTotal:   s.writeErrors.Load(),
	}
}

// loop batches queued index rows into transactions, committing every
// commitEvery rows, after commitMaxWait, or whenever the queue drains.
func (s *DB) loop() {
	ctx := context.Background()

	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(tick,day_phase,weather,events,raw_json) VALUES(?,?,?,?,?)`)
	insertAudit, _ := s.db.Prepare(`INSERT OR REPLACE INTO audits(tick,seq,actor,action,x,y,from_type,to_type,raw_json) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(tick,world_id,path,seed,width,height,tiles,players) VALUES(?,?,?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertTick, insertAudit, insertSnapshot} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second

		lastAuditTick uint64
		auditSeq      int
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.logger.Printf("worlddb: begin: %v", err)
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.writeErrors.Add(1)
			s.logger.Printf("worlddb: commit: %v", err)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func(err error) {
		s.writeErrors.Add(1)
		s.logger.Printf("worlddb: index write: %v", err)
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqTick:
			if insertTick == nil {
				break
			}
			raw, _ := json.Marshal(r.tick)
			if _, err := tx.Stmt(insertTick).Exec(int64(r.tick.Tick), r.tick.DayPhase, r.tick.Weather, len(r.tick.Events), string(raw)); err != nil {
				rollback(err)
				continue
			}
			opCount++

		case reqAudit:
			if insertAudit == nil {
				break
			}
			a := r.audit
			if a.Tick != lastAuditTick {
				lastAuditTick = a.Tick
				auditSeq = 0
			}
			seq := auditSeq
			auditSeq++
			raw, _ := json.Marshal(a)
			if _, err := tx.Stmt(insertAudit).Exec(
				int64(a.Tick), seq, a.Actor, a.Action,
				a.Pos[0], a.Pos[1],
				string(a.From), string(a.To),
				string(raw),
			); err != nil {
				rollback(err)
				continue
			}
			opCount++

		case reqSnapshot:
			if insertSnapshot == nil {
				break
			}
			sn := r.snapshot
			if _, err := tx.Stmt(insertSnapshot).Exec(
				int64(sn.Tick), sn.WorldID, sn.Path, sn.Seed, sn.Width, sn.Height, sn.Tiles, sn.Players,
			); err != nil {
				rollback(err)
				continue
			}
			opCount++
		}
		// The store shares the single connection, so never hold a
		// transaction open while the queue is idle.
		if opCount >= commitEvery || len(s.ch) == 0 || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	commit()
}

// AuditRow is one indexed tile change.
type AuditRow struct {
	Tick   uint64 `json:"tick"`
	Seq    int    `json:"seq"`
	Actor  string `json:"actor"`
	Action string `json:"action"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	From   string `json:"from"`
	To     string `json:"to"`
}

// AuditsAt returns the most recent tile changes at (x,y), newest first.
func (s *DB) AuditsAt(ctx context.Context, x, y, limit int) ([]AuditRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT tick, seq, actor, action, x, y, from_type, to_type FROM audits
		WHERE x=? AND y=? ORDER BY tick DESC, seq DESC LIMIT ?`, x, y, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditRow
	for rows.Next() {
		var r AuditRow
		if err := rows.Scan(&r.Tick, &r.Seq, &r.Actor, &r.Action, &r.X, &r.Y, &r.From, &r.To); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestSnapshot returns the path of the newest indexed snapshot.
func (s *DB) LatestSnapshot(ctx context.Context, worldID string) (path string, tick uint64, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT path, tick FROM snapshots WHERE world_id=? ORDER BY tick DESC LIMIT 1`, worldID,
	).Scan(&path, &tick)
	if err == sql.ErrNoRows {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, err
	}
	return path, tick, true, nil
}
