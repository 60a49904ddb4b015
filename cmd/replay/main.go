package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	persistlog "tileworld.ai/internal/persistence/log"
	"tileworld.ai/internal/persistence/snapshot"
	"tileworld.ai/internal/sim/terrain"
	"tileworld.ai/internal/sim/world"
)

func main() {
	var (
		worldDir = flag.String("world_dir", "", "world directory holding events/ and audit/ (required)")
		snapPath = flag.String("snapshot", "", "snapshot to check the audit trail against (optional)")
		fromTick = flag.Uint64("from_tick", 0, "first tick to print (inclusive)")
		toTick   = flag.Uint64("to_tick", 0, "last tick to print (inclusive, optional)")
		kind     = flag.String("kind", "", "only print tick events of this kind (e.g. PHASE, WEATHER, GROWTH)")
		actor    = flag.String("actor", "", "only print audits by this agent")
		quiet    = flag.Bool("quiet", false, "only print the summary")
	)
	flag.Parse()

	if strings.TrimSpace(*worldDir) == "" {
		fmt.Fprintln(os.Stderr, "missing -world_dir")
		os.Exit(2)
	}
	out := io.Writer(os.Stdout)
	if *quiet {
		out = io.Discard
	}
	f := filter{From: *fromTick, To: *toTick, Kind: strings.ToUpper(strings.TrimSpace(*kind)), Actor: strings.TrimSpace(*actor)}

	ts, err := replayTicks(filepath.Join(*worldDir, "events"), f, out)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay ticks:", err)
		os.Exit(1)
	}
	fmt.Printf("ticks: entries=%d first=%d last=%d gaps=%d events=%d\n", ts.Entries, ts.First, ts.Last, ts.Gaps, ts.Events)

	var snap *snapshot.WorldV1
	if p := strings.TrimSpace(*snapPath); p != "" {
		s, err := snapshot.ReadSnapshot(p)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read snapshot:", err)
			os.Exit(1)
		}
		snap = &s
	}
	as, err := replayAudits(filepath.Join(*worldDir, "audit"), f, snap, out)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay audits:", err)
		os.Exit(1)
	}
	fmt.Printf("audits: entries=%d tiles=%d actors=%d\n", as.Entries, as.Tiles, as.Actors)
	if snap != nil {
		fmt.Printf("snapshot tick=%d checked=%d mismatches=%d\n", snap.Header.Tick, as.Checked, len(as.Mismatches))
		for _, m := range as.Mismatches {
			fmt.Println("  mismatch:", m)
		}
		if len(as.Mismatches) > 0 {
			os.Exit(1)
		}
	}
}

type filter struct {
	From, To uint64
	Kind     string
	Actor    string
}

func (f filter) tick(t uint64) bool {
	return t >= f.From && (f.To == 0 || t <= f.To)
}

type tickStats struct {
	Entries     int
	First, Last uint64
	Gaps        int
	Events      int
}

// replayTicks streams the tick log in file order and counts gaps, i.e. ticks
// that went backwards or skipped ahead by more than one.
func replayTicks(dir string, f filter, out io.Writer) (tickStats, error) {
	var st tickStats
	files, err := persistlog.Files(dir, "events")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return st, nil
		}
		return st, err
	}
	for _, path := range files {
		err := persistlog.ReadTicks(path, func(e world.TickLogEntry) error {
			if st.Entries > 0 && e.Tick != st.Last+1 {
				st.Gaps++
			}
			if st.Entries == 0 {
				st.First = e.Tick
			}
			st.Entries++
			st.Last = e.Tick
			if !f.tick(e.Tick) {
				return nil
			}
			for _, ev := range e.Events {
				if f.Kind != "" && ev.Kind != f.Kind {
					continue
				}
				st.Events++
				fmt.Fprintf(out, "tick=%d phase=%s weather=%s %s agent=%s code=%s %s\n",
					e.Tick, e.DayPhase, e.Weather, ev.Kind, ev.AgentID, ev.Code, ev.Message)
			}
			return nil
		})
		if err != nil {
			return st, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	return st, nil
}

type auditStats struct {
	Entries    int
	Tiles      int
	Actors     int
	Checked    int
	Mismatches []string
}

// replayAudits prints the audit trail and, given a snapshot, checks that the
// last recorded change per tile at or before the snapshot tick matches the
// snapshot's tile type.
func replayAudits(dir string, f filter, snap *snapshot.WorldV1, out io.Writer) (auditStats, error) {
	var st auditStats
	files, err := persistlog.Files(dir, "audit")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return st, nil
		}
		return st, err
	}
	last := map[terrain.Pos]world.AuditEntry{}
	actors := map[string]struct{}{}
	for _, path := range files {
		err := persistlog.ReadAudits(path, func(e world.AuditEntry) error {
			p := terrain.Pos{X: e.Pos[0], Y: e.Pos[1]}
			if snap == nil || e.Tick <= snap.Header.Tick {
				last[p] = e
			}
			if !f.tick(e.Tick) || (f.Actor != "" && e.Actor != f.Actor) {
				return nil
			}
			st.Entries++
			actors[e.Actor] = struct{}{}
			fmt.Fprintf(out, "tick=%d actor=%s %s %s %s->%s v%d->v%d\n",
				e.Tick, e.Actor, e.Action, p, e.From, e.To, e.FromVersion, e.ToVersion)
			return nil
		})
		if err != nil {
			return st, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	st.Tiles = len(last)
	st.Actors = len(actors)
	if snap == nil {
		return st, nil
	}
	types := make(map[terrain.Pos]terrain.TileType, len(snap.Tiles))
	for _, r := range snap.Tiles {
		types[r.Pos()] = r.Type
	}
	for p, e := range last {
		st.Checked++
		if got := types[p]; got != e.To {
			st.Mismatches = append(st.Mismatches, fmt.Sprintf("%s audit=%s (tick %d) snapshot=%s", p, e.To, e.Tick, got))
		}
	}
	return st, nil
}
