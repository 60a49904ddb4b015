package planner

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"tileworld.ai/internal/protocol"
	"tileworld.ai/internal/sim/actions"
	"tileworld.ai/internal/sim/tuning"
	"tileworld.ai/internal/sim/world"
)

func TestDecodeStepsAcceptsBothShapes(t *testing.T) {
	bare := []byte(`[{"tool":"move","args":{"dx":1,"dy":0}},{"tool":"sense"}]`)
	cmds, err := DecodeSteps(bare)
	if err != nil {
		t.Fatalf("bare: %v", err)
	}
	if len(cmds) != 2 || cmds[0].Kind != protocol.CmdMove || cmds[0].DX != 1 || cmds[1].Kind != protocol.CmdSense {
		t.Fatalf("cmds=%+v", cmds)
	}

	wrapped := []byte("```json\n{\"steps\":[{\"tool\":\"interact\",\"args\":{\"x\":3,\"y\":4,\"interaction\":\"PLANT\",\"crop\":\"wheat\"}}]}\n```")
	cmds, err = DecodeSteps(wrapped)
	if err != nil {
		t.Fatalf("wrapped: %v", err)
	}
	want := protocol.Command{Kind: protocol.CmdInteract, X: 3, Y: 4, Interaction: "PLANT", Crop: "wheat"}
	if len(cmds) != 1 || cmds[0] != want {
		t.Fatalf("cmds=%+v want %+v", cmds, want)
	}
}

func TestDecodeStepsRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"not json":          `move north`,
		"unknown tool":      `[{"tool":"fly","args":{}}]`,
		"two cells":         `[{"tool":"move","args":{"dx":2,"dy":0}}]`,
		"missing target":    `[{"tool":"move_to","args":{"x":1}}]`,
		"bad interaction":   `[{"tool":"interact","args":{"x":1,"y":1,"interaction":"DIG"}}]`,
		"cancel without id": `[{"tool":"cancel","args":{}}]`,
		"extra field":       `[{"tool":"sense","args":{"radius":2},"why":"look"}]`,
		"fractional":        `[{"tool":"sense","args":{"radius":1.5}}]`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeSteps([]byte(raw)); !errors.Is(err, ErrInvalidSteps) {
				t.Fatalf("err=%v", err)
			}
		})
	}
}

func TestDecodeStepRoundTripsEncodeStep(t *testing.T) {
	in := protocol.Command{Kind: protocol.CmdCancel, ActionID: "a-1"}
	raw, _ := json.Marshal(EncodeStep(in))
	out, err := DecodeStep(raw)
	if err != nil || out != in {
		t.Fatalf("out=%+v err=%v", out, err)
	}
}

func TestToolsCoverVocabulary(t *testing.T) {
	var names []string
	for _, tl := range Tools() {
		names = append(names, tl.Name)
	}
	want := []string{"move", "move_to", "interact", "sense", "cancel"}
	if len(names) != len(want) {
		t.Fatalf("tools=%v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("tools=%v want %v", names, want)
		}
	}
}

func newWorld(t *testing.T) *world.World {
	t.Helper()
	tune := tuning.Defaults()
	tune.TicksPerDay = 400
	tune.GridWidth = 16
	tune.GridHeight = 16
	tune.MoveStepMs = 0
	tune.WorldGen.SpawnClearRadius = 3
	w, err := world.New(world.Config{Tuning: tune})
	if err != nil {
		t.Fatalf("world: %v", err)
	}
	t.Cleanup(func() { _ = w.Scheduler().Close(context.Background()) })
	return w
}

func TestExecutorRunStopsOnFailure(t *testing.T) {
	w := newWorld(t)
	p, err := w.Join("", "ada")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	ex := NewExecutor(ExecutorConfig{World: w, Priority: actions.Normal, StopOnFailure: true, SenseRadius: 2})

	steps := []protocol.Command{
		{Kind: protocol.CmdMove, DX: 1},
		{Kind: protocol.CmdMoveTo, X: 99, Y: 99},
		{Kind: protocol.CmdMove, DX: -1},
	}
	res, err := ex.Run(context.Background(), p.ID, steps)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res) != 2 {
		t.Fatalf("ran %d steps, want 2: %+v", len(res), res)
	}
	if !res[0].Succeeded() || res[0].ActionID == "" {
		t.Fatalf("first step: %+v", res[0])
	}
	if res[1].Outcome != string(actions.OutcomeFailed) || res[1].Result.Code != protocol.ErrOutOfBounds {
		t.Fatalf("second step: %+v", res[1])
	}
	if pos, _ := w.Players().Position(p.ID); pos != p.Position.Add(1, 0) {
		t.Fatalf("position=%s", pos)
	}
}

func TestExecutorRejectsUnknownAgent(t *testing.T) {
	w := newWorld(t)
	ex := NewExecutor(ExecutorConfig{World: w, Priority: actions.Normal})
	res, err := ex.Run(context.Background(), "ghost", []protocol.Command{{Kind: protocol.CmdSense}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res) != 1 || res[0].Outcome != OutcomeRejected || res[0].Result.Code != protocol.ErrNotFound {
		t.Fatalf("res=%+v", res)
	}
}

type scripted struct {
	steps    []protocol.Command
	seen     []int
	lastObs  json.RawMessage
	numTools int
}

func (s *scripted) Next(_ context.Context, req Request, history []StepResult) (protocol.Command, bool, error) {
	s.seen = append(s.seen, len(history))
	s.lastObs = req.Observation
	s.numTools = len(req.Tools)
	if len(history) == len(s.steps) {
		return protocol.Command{}, true, nil
	}
	return s.steps[len(history)], false, nil
}

func TestExecutorStreamFeedsHistory(t *testing.T) {
	w := newWorld(t)
	p, _ := w.Join("", "ada")
	ex := NewExecutor(ExecutorConfig{World: w, Priority: actions.High, SenseRadius: 1})

	sp := &scripted{steps: []protocol.Command{
		{Kind: protocol.CmdMove, DY: 1},
		{Kind: protocol.CmdSense, Radius: 1},
	}}
	hist, err := ex.Stream(context.Background(), p.ID, "look around", sp)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(hist) != 2 || !hist[0].Succeeded() || !hist[1].Succeeded() {
		t.Fatalf("history=%+v", hist)
	}
	if len(sp.seen) != 3 || sp.seen[0] != 0 || sp.seen[1] != 1 || sp.seen[2] != 2 {
		t.Fatalf("planner saw histories %v", sp.seen)
	}
	if sp.numTools != 5 || len(sp.lastObs) == 0 {
		t.Fatalf("request tools=%d obs=%s", sp.numTools, sp.lastObs)
	}
	var obs struct {
		Radius int `json:"radius"`
	}
	if err := json.Unmarshal(sp.lastObs, &obs); err != nil || obs.Radius != 1 {
		t.Fatalf("observation=%s err=%v", sp.lastObs, err)
	}
}

type endless struct{}

func (endless) Next(context.Context, Request, []StepResult) (protocol.Command, bool, error) {
	return protocol.Command{Kind: protocol.CmdSense}, false, nil
}

func TestExecutorStreamStepLimit(t *testing.T) {
	w := newWorld(t)
	p, _ := w.Join("", "ada")
	ex := NewExecutor(ExecutorConfig{World: w, Priority: actions.Normal, MaxSteps: 3})
	hist, err := ex.Stream(context.Background(), p.ID, "", endless{})
	if !errors.Is(err, ErrStepLimit) || len(hist) != 3 {
		t.Fatalf("hist=%d err=%v", len(hist), err)
	}
}

func TestRawPlannerValidatesOutput(t *testing.T) {
	w := newWorld(t)
	p, _ := w.Join("", "ada")
	ex := NewExecutor(ExecutorConfig{World: w, Priority: actions.Normal})

	bad := RawPlanner(func(context.Context, Request) ([]byte, error) {
		return []byte(`[{"tool":"teleport"}]`), nil
	})
	if _, err := ex.Execute(context.Background(), p.ID, "go", bad); !errors.Is(err, ErrInvalidSteps) {
		t.Fatalf("err=%v", err)
	}

	good := RawPlanner(func(_ context.Context, req Request) ([]byte, error) {
		if req.Goal != "go" || req.AgentID != p.ID {
			t.Errorf("request=%+v", req)
		}
		return []byte(`{"steps":[{"tool":"sense","args":{"radius":1}}]}`), nil
	})
	res, err := ex.Execute(context.Background(), p.ID, "go", good)
	if err != nil || len(res) != 1 || !res[0].Succeeded() {
		t.Fatalf("res=%+v err=%v", res, err)
	}
}
