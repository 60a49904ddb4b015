package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"tileworld.ai/internal/persistence/archive"
	"tileworld.ai/internal/persistence/snapshot"
	"tileworld.ai/internal/persistence/worlddb"
	"tileworld.ai/internal/planner"
	"tileworld.ai/internal/sim/actions"
	"tileworld.ai/internal/sim/world"
	"tileworld.ai/internal/transport/ws"
)

type app struct {
	world   *world.World
	db      *worlddb.DB // nil when the store is disabled
	ws      *ws.Server
	snapDir string

	// archiveDir is the world directory day archives go under; empty disables them.
	archiveDir string
	logger     *log.Logger
}

func (a *app) routes(enableAdmin, enablePprof bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", a.handleMetrics)
	mux.HandleFunc("/v1/ws", a.ws.Handler())
	mux.HandleFunc("/v1/planner/tools", a.handlePlannerTools)

	if enableAdmin {
		// Local-only admin endpoints.
		mux.HandleFunc("/admin/v1/state", a.loopbackOnly(a.handleState))
		mux.HandleFunc("/admin/v1/world", a.loopbackOnly(a.handleWorld))
		mux.HandleFunc("/admin/v1/snapshot", a.loopbackOnly(a.handleSnapshot))
		mux.HandleFunc("/admin/v1/speed", a.loopbackOnly(a.handleSpeed))
		mux.HandleFunc("/admin/v1/reset", a.loopbackOnly(a.handleReset))
		mux.HandleFunc("/admin/v1/audits", a.loopbackOnly(a.handleAudits))
		mux.HandleFunc("/admin/v1/plan", a.loopbackOnly(a.handlePlan))
	} else {
		a.logger.Printf("admin endpoints disabled (TW_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

func (a *app) loopbackOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func (a *app) handleMetrics(rw http.ResponseWriter, _ *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
	m := a.world.Metrics()
	id := a.world.ID()

	gauge := func(name, help string, v any) {
		fmt.Fprintf(rw, "# HELP %s %s\n", name, help)
		fmt.Fprintf(rw, "# TYPE %s gauge\n", name)
		fmt.Fprintf(rw, "%s{world=%q} %v\n", name, id, v)
	}
	counter := func(name, help string, v uint64) {
		fmt.Fprintf(rw, "# HELP %s %s\n", name, help)
		fmt.Fprintf(rw, "# TYPE %s counter\n", name)
		fmt.Fprintf(rw, "%s{world=%q} %d\n", name, id, v)
	}

	gauge("tileworld_world_tick", "Current world tick.", m.Tick)
	gauge("tileworld_world_speed", "Clock speed multiplier.", m.Speed)
	gauge("tileworld_world_players_online", "Players currently online.", m.PlayersOnline)
	gauge("tileworld_world_players_total", "Players known to the world.", m.PlayersTotal)
	gauge("tileworld_world_clients", "Connected websocket clients.", a.ws.Sessions())
	gauge("tileworld_world_dirty_tiles", "Tiles waiting for the next flush.", m.DirtyTiles)
	gauge("tileworld_world_dirty_players", "Players waiting for the next flush.", m.DirtyPlayers)
	gauge("tileworld_world_queued_actions", "Queued agent actions.", m.QueuedActions)
	gauge("tileworld_world_running_actions", "Executing agent actions.", m.RunningActions)
	gauge("tileworld_world_busy_cells", "Cells with a pending interaction.", m.BusyCells)
	gauge("tileworld_world_step_ms", "Last tick step duration in milliseconds.", fmt.Sprintf("%.3f", m.LastStepMs))

	fmt.Fprintf(rw, "# HELP tileworld_world_phase Current day phase (1 for the active phase).\n")
	fmt.Fprintf(rw, "# TYPE tileworld_world_phase gauge\n")
	fmt.Fprintf(rw, "tileworld_world_phase{world=%q,phase=%q} 1\n", id, m.DayPhase)
	fmt.Fprintf(rw, "# HELP tileworld_world_weather Current weather (1 for the active weather).\n")
	fmt.Fprintf(rw, "# TYPE tileworld_world_weather gauge\n")
	fmt.Fprintf(rw, "tileworld_world_weather{world=%q,weather=%q} 1\n", id, m.Weather)

	counter("tileworld_world_steps_total", "Loop steps taken.", m.Steps)
	counter("tileworld_world_flushes_total", "Incremental flushes completed.", m.Flushes)
	counter("tileworld_world_full_flushes_total", "Full flushes completed.", m.FullFlushes)
	counter("tileworld_world_flush_failures_total", "Failed flushes.", m.FlushFailures)
	counter("tileworld_world_flush_skipped_busy_total", "Flushes skipped because one was in flight.", m.SkippedBusy)
	counter("tileworld_world_snapshots_total", "Snapshots handed to the snapshot writer.", m.Snapshots)
	counter("tileworld_ws_dropped_total", "Outbound websocket messages dropped.", a.ws.Dropped())

	if a.db != nil {
		s := a.db.Stats()
		gauge("tileworld_store_queue_depth", "Index writer queue depth.", s.QueueDepth)
		counter("tileworld_store_drop_tick_total", "Tick rows dropped by the index writer.", s.DropTickTotal)
		counter("tileworld_store_drop_audit_total", "Audit rows dropped by the index writer.", s.DropAuditTotal)
		counter("tileworld_store_write_error_total", "Index writer errors.", s.WriteErrorTotal)
	}
}

func (a *app) handleState(rw http.ResponseWriter, _ *http.Request) {
	resp := struct {
		WorldID string        `json:"world_id"`
		Metrics world.Metrics `json:"metrics"`
		Clients int           `json:"clients"`
	}{
		WorldID: a.world.ID(),
		Metrics: a.world.Metrics(),
		Clients: a.ws.Sessions(),
	}
	writeJSON(rw, http.StatusOK, resp)
}

func (a *app) handleWorld(rw http.ResponseWriter, _ *http.Request) {
	writeJSON(rw, http.StatusOK, a.world.GetWorldData())
}

// handleSnapshot writes a snapshot of the live world immediately.
func (a *app) handleSnapshot(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	snap := a.world.ExportSnapshot()
	path, err := a.writeSnapshot(snap)
	if err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "tick": snap.Header.Tick, "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "tick": snap.Header.Tick, "path": path})
}

func (a *app) handleSpeed(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	m, err := strconv.ParseFloat(r.URL.Query().Get("multiplier"), 64)
	if err == nil {
		err = a.world.SetSpeed(m)
	}
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "speed": m})
}

func (a *app) handleReset(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := a.world.Reset(ctx); err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "tick": a.world.Clock().Tick()})
}

func (a *app) handleAudits(rw http.ResponseWriter, r *http.Request) {
	if a.db == nil {
		http.Error(rw, "store disabled", http.StatusNotFound)
		return
	}
	q := r.URL.Query()
	x, errX := strconv.Atoi(q.Get("x"))
	y, errY := strconv.Atoi(q.Get("y"))
	if errX != nil || errY != nil {
		http.Error(rw, "x and y are required", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	rows, err := a.db.AuditsAt(r.Context(), x, y, limit)
	if err != nil {
		writeJSON(rw, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"x": x, "y": y, "audits": rows})
}

func (a *app) handlePlannerTools(rw http.ResponseWriter, _ *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{"tools": planner.Tools()})
}

const maxPlanBody = 1 << 20

// handlePlan runs model output ({tool,args} steps) for one agent through the
// action scheduler and answers with every executed step.
func (a *app) handlePlan(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	agentID := q.Get("agent_id")
	if agentID == "" {
		http.Error(rw, "agent_id is required", http.StatusBadRequest)
		return
	}
	prio, err := actions.ParsePriority(q.Get("priority"))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, maxPlanBody))
	if err != nil {
		writeJSON(rw, http.StatusRequestEntityTooLarge, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	steps, err := planner.DecodeSteps(raw)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, planner.ErrInvalidSteps) {
			status = http.StatusBadRequest
		}
		writeJSON(rw, status, map[string]any{"ok": false, "error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()
	ex := planner.NewExecutor(planner.ExecutorConfig{
		World:         a.world,
		Logger:        a.logger,
		Priority:      prio,
		StopOnFailure: q.Get("stop_on_failure") == "true",
	})
	results, err := ex.Run(ctx, agentID, steps)
	if err != nil {
		writeJSON(rw, http.StatusGatewayTimeout, map[string]any{"ok": false, "error": err.Error(), "steps": results})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "steps": results})
}

// runSnapshotWriter persists snapshots emitted by full flushes.
func (a *app) runSnapshotWriter(ctx context.Context, ch <-chan snapshot.WorldV1) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-ch:
			if _, err := a.writeSnapshot(snap); err != nil {
				a.logger.Printf("snapshot write: %v", err)
			}
		}
	}
}

func (a *app) writeSnapshot(snap snapshot.WorldV1) (string, error) {
	path := filepath.Join(a.snapDir, snapshot.FileName(snap.Header.Tick))
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		return "", err
	}
	if a.db != nil {
		a.db.RecordSnapshot(path, snap)
	}
	if a.archiveDir != "" {
		if day, _, ok, err := archive.ArchiveDaySnapshot(a.archiveDir, path, snap); err != nil {
			a.logger.Printf("archive day snapshot: %v", err)
		} else if ok {
			a.logger.Printf("archived snapshot tick=%d as day %d", snap.Header.Tick, day)
		}
	}
	return path, nil
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
