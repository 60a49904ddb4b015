package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	persistlog "tileworld.ai/internal/persistence/log"
	"tileworld.ai/internal/persistence/snapshot"
	"tileworld.ai/internal/persistence/worlddb"
	"tileworld.ai/internal/sim/tuning"
	"tileworld.ai/internal/sim/world"
	"tileworld.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		worldID    = flag.String("world", "", "world id (overrides tuning world_id)")
		seed       = flag.Int64("seed", 0, "world seed (overrides tuning seed when non-zero)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml")
		disableDB  = flag.Bool("disable_db", false, "run without the sqlite store (state is lost on exit)")
		noLogs     = flag.Bool("disable_logs", false, "disable jsonl.zst tick/audit logs")
		snapPath   = flag.String("snapshot", "", "snapshot file to import after boot (optional)")
		speed      = flag.Float64("speed", 0, "speed multiplier (overrides tuning when > 0)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", *tuningPath)
		tune = tuning.Defaults()
	}
	if id := strings.TrimSpace(*worldID); id != "" {
		tune.WorldID = id
	}
	if *seed != 0 {
		tune.Seed = *seed
	}
	if *speed > 0 {
		tune.SpeedMultiplier = *speed
	}

	worldDir := filepath.Join(*dataDir, "worlds", tune.WorldID)
	if err := os.MkdirAll(worldDir, 0o755); err != nil {
		logger.Fatalf("data dir: %v", err)
	}

	var db *worlddb.DB
	cfg := world.Config{Tuning: tune, Logger: logger}
	if !*disableDB {
		db, err = worlddb.Open(filepath.Join(worldDir, "world.sqlite"), worlddb.Options{Logger: logger})
		if err != nil {
			logger.Fatalf("open store: %v", err)
		}
		defer db.Close()
		cfg.Store = db
	}

	w, err := world.New(cfg)
	if err != nil {
		logger.Fatalf("world: %v", err)
	}

	var (
		ticks  persistlog.TickTee
		audits persistlog.AuditTee
	)
	if !*noLogs {
		tickLog := persistlog.NewTickLogger(worldDir)
		auditLog := persistlog.NewAuditLogger(worldDir)
		defer tickLog.Close()
		defer auditLog.Close()
		ticks = append(ticks, tickLog)
		audits = append(audits, auditLog)
	}
	if db != nil {
		ticks = append(ticks, db)
		audits = append(audits, db)
	}
	if len(ticks) > 0 {
		w.SetTickLogger(ticks)
		w.SetAuditLogger(audits)
	}

	ctx, cancel := signalContext()
	defer cancel()

	a := &app{
		world:      w,
		db:         db,
		ws:         ws.NewServer(w, logger),
		snapDir:    filepath.Join(worldDir, "snapshots"),
		archiveDir: worldDir,
		logger:     logger,
	}

	snapCh := make(chan snapshot.WorldV1, 2)
	w.SetSnapshotSink(snapCh)
	go a.runSnapshotWriter(ctx, snapCh)

	if err := w.Start(ctx); err != nil {
		logger.Fatalf("start: %v", err)
	}
	if p := strings.TrimSpace(*snapPath); p != "" {
		snap, err := snapshot.ReadSnapshot(p)
		if err != nil {
			logger.Fatalf("read snapshot: %v", err)
		}
		if snap.Header.WorldID != "" && snap.Header.WorldID != tune.WorldID {
			logger.Fatalf("snapshot world id mismatch: world=%s snap=%s", tune.WorldID, snap.Header.WorldID)
		}
		if err := w.ImportSnapshot(snap); err != nil {
			logger.Fatalf("import snapshot: %v", err)
		}
		logger.Printf("imported snapshot=%s tick=%d", filepath.Base(p), snap.Header.Tick)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           a.routes(envBool("TW_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()), envBool("TW_ENABLE_PPROF_HTTP", false)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("world=%s %dx%d tick_interval=%dms listening on %s", tune.WorldID, tune.GridWidth, tune.GridHeight, tune.TickIntervalMs, *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := w.Stop(stopCtx); err != nil {
		logger.Printf("stop: %v", err)
	}
	logger.Printf("stopped at tick=%d", w.Clock().Tick())
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
