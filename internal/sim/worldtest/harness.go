// Package worldtest drives a world through its exported API only, the way a
// transport or planner would.
package worldtest

import (
	"context"
	"testing"
	"time"

	"tileworld.ai/internal/protocol"
	"tileworld.ai/internal/sim/actions"
	"tileworld.ai/internal/sim/terrain"
	"tileworld.ai/internal/sim/tuning"
	world "tileworld.ai/internal/sim/world"
)

// Harness owns a started world whose loop ticker never fires during a test,
// so time only moves when StepTicks is called.
type Harness struct {
	T *testing.T
	W *world.World

	DefaultAgentID string
}

// Tuning is a small world with an idle ticker and instant movement.
func Tuning() tuning.Tuning {
	t := tuning.Defaults()
	t.TickIntervalMs = 3_600_000
	t.TicksPerDay = 400
	t.GridWidth = 16
	t.GridHeight = 16
	t.MoveStepMs = 0
	t.CropGrowthTicks = 10
	t.BroadcastEveryTicks = 1
	t.FullFlushEveryMs = 3_600_000
	t.WorldGen.SpawnClearRadius = 3
	return t
}

func NewHarness(t *testing.T, cfg world.Config, agentName string) *Harness {
	t.Helper()
	w, err := world.New(cfg)
	if err != nil {
		t.Fatalf("world.New: %v", err)
	}
	return NewHarnessWithWorld(t, w, agentName)
}

// NewHarnessWithWorld starts w and joins agentName. An empty name skips the
// join.
func NewHarnessWithWorld(t *testing.T, w *world.World, agentName string) *Harness {
	t.Helper()
	if w == nil {
		t.Fatalf("NewHarnessWithWorld: nil world")
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h := &Harness{T: t, W: w}
	t.Cleanup(func() { h.Stop() })
	if agentName != "" {
		h.DefaultAgentID = h.Join("", agentName)
	}
	return h
}

func (h *Harness) Join(id, name string) string {
	h.T.Helper()
	p, err := h.W.Join(id, name)
	if err != nil {
		h.T.Fatalf("join %q: %v", name, err)
	}
	return p.ID
}

// Stop halts the world and waits for its final flush.
func (h *Harness) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.W.Stop(ctx); err != nil {
		h.T.Logf("stop: %v", err)
	}
}

// StepTicks advances the clock by n ticks.
func (h *Harness) StepTicks(n int) uint64 {
	h.T.Helper()
	return h.W.Step(time.Duration(n) * h.W.Tuning().TickInterval())
}

type Outcome struct {
	ActionID string
	Outcome  actions.Outcome
	Result   protocol.Result
}

// Do queues cmd for the default agent and waits for its final outcome.
func (h *Harness) Do(cmd protocol.Command) Outcome {
	h.T.Helper()
	return h.DoAs(h.DefaultAgentID, cmd)
}

func (h *Harness) DoAs(agentID string, cmd protocol.Command) Outcome {
	h.T.Helper()
	ch := make(chan Outcome, 1)
	_, err := h.W.Submit(agentID, cmd, world.SubmitOptions{
		Priority: actions.Normal,
		Done: func(id string, o actions.Outcome, res protocol.Result) {
			ch <- Outcome{ActionID: id, Outcome: o, Result: res}
		},
	})
	if err != nil {
		h.T.Fatalf("submit %s: %v", cmd.Kind, err)
	}
	select {
	case out := <-ch:
		return out
	case <-time.After(5 * time.Second):
		h.T.Fatalf("%s: no outcome", cmd.Kind)
	}
	return Outcome{}
}

// MustSucceed runs cmd and fails the test unless it succeeded.
func (h *Harness) MustSucceed(cmd protocol.Command) protocol.Result {
	h.T.Helper()
	out := h.Do(cmd)
	if out.Outcome != actions.OutcomeSucceeded || !out.Result.Success {
		h.T.Fatalf("%s %+v: %s %+v", cmd.Kind, cmd, out.Outcome, out.Result)
	}
	return out.Result
}

func (h *Harness) Position() terrain.Pos {
	h.T.Helper()
	p, ok := h.W.Players().Position(h.DefaultAgentID)
	if !ok {
		h.T.Fatalf("no position for %s", h.DefaultAgentID)
	}
	return p
}

func (h *Harness) Tile(p terrain.Pos) terrain.Tile { return h.W.Grid().GetTile(p) }

func Interact(p terrain.Pos, kind, crop string) protocol.Command {
	return protocol.Command{Kind: protocol.CmdInteract, X: p.X, Y: p.Y, Interaction: kind, Crop: crop}
}
