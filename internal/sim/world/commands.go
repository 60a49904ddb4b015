package world

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tileworld.ai/internal/protocol"
	"tileworld.ai/internal/sim/actions"
	"tileworld.ai/internal/sim/agents"
	"tileworld.ai/internal/sim/interact"
	"tileworld.ai/internal/sim/terrain"
)

// Join brings an agent online. An empty id registers a new player.
func (w *World) Join(id, name string) (agents.Player, error) {
	p, err := w.players.Join(id, name)
	if err != nil {
		return agents.Player{}, err
	}
	w.record(protocol.TickEvent{Kind: "JOIN", AgentID: p.ID, Message: p.Name})
	return p, nil
}

// Leave drops the agent's queued actions and marks it offline.
func (w *World) Leave(id string) bool {
	w.sched.Clear(id)
	if !w.players.Leave(id) {
		return false
	}
	w.record(protocol.TickEvent{Kind: "LEAVE", AgentID: id})
	return true
}

// SubmitOptions control how a queued command is scheduled.
type SubmitOptions struct {
	// Priority is used as given; actions.ParsePriority("") yields Normal.
	Priority    actions.Priority
	Timeout     time.Duration
	Cancellable bool
	// Done receives the final result exactly once, from the agent's queue
	// goroutine.
	Done func(actionID string, outcome actions.Outcome, res protocol.Result)
}

// commandError carries a failed command result through the scheduler so the
// outcome is FAILED while the protocol code survives.
type commandError struct{ res protocol.Result }

func (e commandError) Error() string {
	if e.res.Message != "" {
		return e.res.Code + ": " + e.res.Message
	}
	return e.res.Code
}

// Submit queues cmd on the agent's action scheduler and returns the action id.
func (w *World) Submit(agentID string, cmd protocol.Command, opts SubmitOptions) (string, error) {
	if _, ok := w.players.Position(agentID); !ok {
		return "", fmt.Errorf("%w: %s", agents.ErrUnknownPlayer, agentID)
	}
	if cmd.Kind == protocol.CmdCancel {
		return "", ErrNotQueueable
	}
	a := actions.Action{
		AgentID:     agentID,
		Type:        cmd.Kind,
		Priority:    opts.Priority,
		Cancellable: opts.Cancellable,
		Timeout:     opts.Timeout,
		Run: func(ctx context.Context) (any, error) {
			res := w.Execute(ctx, agentID, cmd)
			if !res.Success {
				return res, commandError{res}
			}
			return res, nil
		},
	}
	if opts.Done != nil {
		done := opts.Done
		a.Done = func(rep actions.Report) { done(rep.ActionID, rep.Outcome, resultOf(rep)) }
	}
	return w.sched.Enqueue(a)
}

// RejectCode maps a Submit error to the protocol code sent back to clients.
func RejectCode(err error) string {
	switch {
	case errors.Is(err, actions.ErrQueueFull):
		return protocol.ErrQueueFull
	case errors.Is(err, agents.ErrUnknownPlayer):
		return protocol.ErrNotFound
	case errors.Is(err, actions.ErrInvalidPriority), errors.Is(err, ErrNotQueueable):
		return protocol.ErrBadRequest
	}
	return protocol.ErrInternal
}

func resultOf(rep actions.Report) protocol.Result {
	if res, ok := rep.Value.(protocol.Result); ok {
		return res
	}
	switch rep.Outcome {
	case actions.OutcomeExpired:
		return protocol.Result{Code: protocol.ErrExpired, Message: "action expired before it started"}
	case actions.OutcomeCancelled:
		return protocol.Result{Code: protocol.ErrCancelled, Message: "action cancelled"}
	case actions.OutcomeFailed:
		msg := "action failed"
		if rep.Err != nil {
			msg = rep.Err.Error()
		}
		return protocol.Result{Code: protocol.ErrInternal, Message: msg}
	}
	return protocol.Result{Success: true}
}

// CancelAction cancels a queued action or flags the executing one.
func (w *World) CancelAction(agentID, actionID string) (actions.CancelResult, error) {
	return w.sched.Cancel(agentID, actionID)
}

// Execute runs one command synchronously for agentID.
func (w *World) Execute(ctx context.Context, agentID string, cmd protocol.Command) protocol.Result {
	switch cmd.Kind {
	case protocol.CmdMove:
		return w.MoveBy(agentID, cmd.DX, cmd.DY)
	case protocol.CmdMoveTo:
		return w.MoveTo(ctx, agentID, terrain.Pos{X: cmd.X, Y: cmd.Y})
	case protocol.CmdInteract:
		return w.Interact(ctx, agentID, terrain.Pos{X: cmd.X, Y: cmd.Y}, cmd.Interaction, cmd.Crop)
	case protocol.CmdSense:
		return w.Sense(agentID, cmd.Radius)
	case protocol.CmdCancel:
		res, err := w.CancelAction(agentID, cmd.ActionID)
		if err != nil {
			return failure(cancelCode(err), err.Error())
		}
		return protocol.Result{Success: true, Message: cancelMessage(res)}
	}
	return failure(protocol.ErrBadRequest, fmt.Sprintf("unknown command %q", cmd.Kind))
}

func (w *World) MoveBy(agentID string, dx, dy int) protocol.Result {
	res := w.players.MoveBy(agentID, dx, dy)
	return protocol.Result{Success: res.Success, Code: res.Code, Message: res.Message, Data: res}
}

// MoveTo walks the agent along a shortest path, one cell per MoveStep. A
// cancel request is honoured between steps; a step that fails stops the walk
// where it is.
func (w *World) MoveTo(ctx context.Context, agentID string, target terrain.Pos) protocol.Result {
	path, code := w.players.PathTo(agentID, target)
	if code != "" {
		return failure(code, fmt.Sprintf("no path to %s", target))
	}
	step := w.tune.MoveStep()
	for i, next := range path {
		if actions.CancelRequested(ctx) {
			return w.stoppedAt(agentID, protocol.ErrCancelled, fmt.Sprintf("cancelled after %d steps", i))
		}
		if i > 0 && step > 0 {
			t := time.NewTimer(step)
			select {
			case <-ctx.Done():
				t.Stop()
				return w.stoppedAt(agentID, protocol.ErrCancelled, fmt.Sprintf("stopped after %d steps", i))
			case <-t.C:
			}
		}
		cur, ok := w.players.Position(agentID)
		if !ok {
			return failure(protocol.ErrNotFound, "agent left")
		}
		res := w.players.MoveBy(agentID, next.X-cur.X, next.Y-cur.Y)
		if !res.Success {
			return protocol.Result{Code: res.Code, Message: fmt.Sprintf("stopped at %s: %s", res.From, res.Message), Data: res}
		}
	}
	return protocol.Result{
		Success: true,
		Message: fmt.Sprintf("arrived at %s", target),
		Data:    map[string]any{"position": target, "steps": len(path)},
	}
}

func (w *World) stoppedAt(agentID, code, msg string) protocol.Result {
	pos, _ := w.players.Position(agentID)
	return protocol.Result{Code: code, Message: msg, Data: map[string]any{"position": pos}}
}

// Interact runs an interaction on target. An empty kind picks the natural
// interaction for the tile.
func (w *World) Interact(ctx context.Context, agentID string, target terrain.Pos, kind, crop string) protocol.Result {
	typ := interact.Type(strings.ToUpper(strings.TrimSpace(kind)))
	if typ == "" {
		typ = inferInteraction(w.grid.GetTile(target))
		if typ == "" {
			return failure(protocol.ErrInvalidTarget, fmt.Sprintf("nothing to do at %s", target))
		}
	}
	req := interact.Request{AgentID: agentID, Type: typ, Target: target}
	if crop != "" {
		req.Aux = map[string]string{"crop": crop}
	}
	res, err := w.interact.HandleInteraction(ctx, req)
	if err != nil {
		return failure(protocol.ErrCancelled, err.Error())
	}
	if res.Success {
		w.players.Touch(agentID)
	}
	return protocol.Result{Success: res.Success, Code: res.Code, Message: res.Message, Data: res}
}

// inferInteraction maps a tile to the interaction an agent most likely wants.
func inferInteraction(t terrain.Tile) interact.Type {
	switch t.Type {
	case terrain.TypeGrass, terrain.TypeDirt:
		return interact.TypeTill
	case terrain.TypeTree, terrain.TypeRock:
		return interact.TypeHarvest
	case terrain.TypeFarmland:
		fs, _ := t.Farmland()
		switch {
		case fs.Crop == "":
			return interact.TypePlant
		case fs.Stage >= terrain.MatureStage:
			return interact.TypeHarvest
		default:
			return interact.TypeWater
		}
	}
	return ""
}

func (w *World) Sense(agentID string, radius int) protocol.Result {
	res, ok := w.players.Sense(agentID, radius)
	if !ok {
		return failure(protocol.ErrNotFound, "unknown agent")
	}
	return protocol.Result{Success: true, Message: fmt.Sprintf("%d tiles", len(res.Tiles)), Data: res}
}

func failure(code, msg string) protocol.Result {
	return protocol.Result{Code: code, Message: msg}
}

func cancelCode(err error) string {
	switch {
	case errors.Is(err, actions.ErrNotFound):
		return protocol.ErrNotFound
	case errors.Is(err, actions.ErrNotCancellable):
		return protocol.ErrBadRequest
	}
	return protocol.ErrInternal
}

func cancelMessage(r actions.CancelResult) string {
	if r == actions.CancelMarked {
		return "cancel requested for executing action"
	}
	return "queued action removed"
}
