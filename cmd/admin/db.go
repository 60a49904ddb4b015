package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"tileworld.ai/internal/persistence/worlddb"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id (required unless -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	limit := fs.Int("limit", 20, "result limit")
	x := fs.Int("x", -1, "tile x (audits, tiles)")
	y := fs.Int("y", -1, "tile y (audits, tiles)")
	_ = fs.Parse(args)

	q := "snapshots"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	if *limit <= 0 {
		*limit = 20
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		if strings.TrimSpace(*worldID) == "" {
			fmt.Fprintln(os.Stderr, "missing -world or -db")
			os.Exit(2)
		}
		path = filepath.Join(*dataDir, "worlds", *worldID, "world.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "db:", err)
		os.Exit(1)
	}
	ctx := context.Background()

	switch q {
	case "counts", "audits":
		store, err := worlddb.Open(path, worlddb.Options{Logger: log.New(io.Discard, "", 0)})
		if err != nil {
			fmt.Fprintln(os.Stderr, "open:", err)
			os.Exit(1)
		}
		defer store.Close()
		if q == "counts" {
			c, err := store.Counts(ctx)
			if err != nil {
				fmt.Fprintln(os.Stderr, "counts:", err)
				os.Exit(1)
			}
			printJSON(c)
			return
		}
		if *x < 0 || *y < 0 {
			fmt.Fprintln(os.Stderr, "audits requires -x and -y")
			os.Exit(2)
		}
		rows, err := store.AuditsAt(ctx, *x, *y, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "audits:", err)
			os.Exit(1)
		}
		for _, r := range rows {
			printJSON(r)
		}
		return
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	var rows *sql.Rows
	switch q {
	case "snapshots":
		rows, err = db.QueryContext(ctx, `SELECT tick,world_id,path,seed,width,height,tiles,players FROM snapshots ORDER BY tick DESC LIMIT ?`, *limit)
		if err != nil {
			fail(err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Tick    int64  `json:"tick"`
				WorldID string `json:"world_id"`
				Path    string `json:"path"`
				Seed    int64  `json:"seed"`
				Width   int    `json:"width"`
				Height  int    `json:"height"`
				Tiles   int    `json:"tiles"`
				Players int    `json:"players"`
			}
			if err := rows.Scan(&r.Tick, &r.WorldID, &r.Path, &r.Seed, &r.Width, &r.Height, &r.Tiles, &r.Players); err != nil {
				fail(err)
			}
			printJSON(r)
		}
	case "ticks":
		rows, err = db.QueryContext(ctx, `SELECT tick,day_phase,weather,events FROM ticks ORDER BY tick DESC LIMIT ?`, *limit)
		if err != nil {
			fail(err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Tick     int64  `json:"tick"`
				DayPhase string `json:"day_phase"`
				Weather  string `json:"weather"`
				Events   int    `json:"events"`
			}
			if err := rows.Scan(&r.Tick, &r.DayPhase, &r.Weather, &r.Events); err != nil {
				fail(err)
			}
			printJSON(r)
		}
	case "players":
		rows, err = db.QueryContext(ctx, `SELECT world_id,id,name,status,x,y,updated_at FROM players ORDER BY updated_at DESC LIMIT ?`, *limit)
		if err != nil {
			fail(err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				WorldID   string `json:"world_id"`
				ID        string `json:"id"`
				Name      string `json:"name"`
				Status    string `json:"status"`
				X         int    `json:"x"`
				Y         int    `json:"y"`
				UpdatedAt string `json:"updated_at"`
			}
			if err := rows.Scan(&r.WorldID, &r.ID, &r.Name, &r.Status, &r.X, &r.Y, &r.UpdatedAt); err != nil {
				fail(err)
			}
			printJSON(r)
		}
	case "tiles":
		// Without -x/-y, list the most recently rewritten tiles.
		if *x >= 0 && *y >= 0 {
			rows, err = db.QueryContext(ctx, `SELECT world_id,x,y,type,version,raw_json FROM tiles WHERE x=? AND y=?`, *x, *y)
		} else {
			rows, err = db.QueryContext(ctx, `SELECT world_id,x,y,type,version,raw_json FROM tiles ORDER BY version DESC LIMIT ?`, *limit)
		}
		if err != nil {
			fail(err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				WorldID string          `json:"world_id"`
				X       int             `json:"x"`
				Y       int             `json:"y"`
				Type    string          `json:"type"`
				Version int64           `json:"version"`
				Raw     json.RawMessage `json:"raw"`
			}
			var raw string
			if err := rows.Scan(&r.WorldID, &r.X, &r.Y, &r.Type, &r.Version, &raw); err != nil {
				fail(err)
			}
			r.Raw = json.RawMessage(raw)
			printJSON(r)
		}
	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q, "(snapshots|ticks|players|tiles|audits|counts)")
		os.Exit(2)
	}
	if rows != nil {
		if err := rows.Err(); err != nil {
			fail(err)
		}
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "query:", err)
	os.Exit(1)
}

func printJSON(v any) {
	b, _ := json.Marshal(v)
	fmt.Println(string(b))
}
