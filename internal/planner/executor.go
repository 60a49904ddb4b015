package planner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"time"

	"tileworld.ai/internal/protocol"
	"tileworld.ai/internal/sim/actions"
	"tileworld.ai/internal/sim/world"
)

// Commander is the slice of the world the executor drives.
type Commander interface {
	Submit(agentID string, cmd protocol.Command, opts world.SubmitOptions) (string, error)
	Execute(ctx context.Context, agentID string, cmd protocol.Command) protocol.Result
	Sense(agentID string, radius int) protocol.Result
}

const (
	// OutcomeRejected marks a step the scheduler refused to queue.
	OutcomeRejected = "REJECTED"

	defaultMaxSteps = 32
)

var ErrStepLimit = errors.New("planner: step limit reached")

type ExecutorConfig struct {
	World  Commander
	Logger *log.Logger

	// Priority for queued steps; actions.ParsePriority("") is Normal.
	Priority    actions.Priority
	StepTimeout time.Duration
	// StopOnFailure ends a run at the first step that did not succeed.
	StopOnFailure bool
	// SenseRadius is used for the observation sent with every request.
	SenseRadius int
	// MaxSteps bounds streaming runs.
	MaxSteps int
}

// Executor runs planner output one step at a time through the world's action
// scheduler. Steps never overlap: each waits for the previous outcome.
type Executor struct {
	cfg    ExecutorConfig
	logger *log.Logger
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxSteps
	}
	l := cfg.Logger
	if l == nil {
		l = log.New(io.Discard, "", 0)
	}
	return &Executor{cfg: cfg, logger: l}
}

// Observation returns the agent's surroundings as JSON.
func (e *Executor) Observation(agentID string) (json.RawMessage, error) {
	res := e.cfg.World.Sense(agentID, e.cfg.SenseRadius)
	if !res.Success {
		return nil, errors.New("planner: observe: " + res.Code + " " + res.Message)
	}
	return json.Marshal(res.Data)
}

func (e *Executor) request(agentID, goal string) (Request, error) {
	obs, err := e.Observation(agentID)
	if err != nil {
		return Request{}, err
	}
	return Request{AgentID: agentID, Goal: goal, Tools: Tools(), Observation: obs}, nil
}

// Execute asks p for a whole plan and runs it.
func (e *Executor) Execute(ctx context.Context, agentID, goal string, p Planner) ([]StepResult, error) {
	req, err := e.request(agentID, goal)
	if err != nil {
		return nil, err
	}
	steps, err := p.Plan(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, agentID, steps)
}

// Run executes steps in order. The returned slice holds every step that ran.
func (e *Executor) Run(ctx context.Context, agentID string, steps []protocol.Command) ([]StepResult, error) {
	out := make([]StepResult, 0, len(steps))
	for i, st := range steps {
		r, err := e.runStep(ctx, agentID, i, st)
		if err != nil {
			return out, err
		}
		out = append(out, r)
		if !r.Succeeded() && e.cfg.StopOnFailure {
			break
		}
	}
	return out, nil
}

// Stream alternates between asking p for the next step and running it,
// feeding every result back, until p is done or MaxSteps is reached.
func (e *Executor) Stream(ctx context.Context, agentID, goal string, p StreamPlanner) ([]StepResult, error) {
	var history []StepResult
	for i := 0; ; i++ {
		if i >= e.cfg.MaxSteps {
			return history, ErrStepLimit
		}
		req, err := e.request(agentID, goal)
		if err != nil {
			return history, err
		}
		step, done, err := p.Next(ctx, req, history)
		if err != nil {
			return history, err
		}
		if done {
			return history, nil
		}
		r, err := e.runStep(ctx, agentID, i, step)
		if err != nil {
			return history, err
		}
		history = append(history, r)
		if !r.Succeeded() && e.cfg.StopOnFailure {
			return history, nil
		}
	}
}

type stepDone struct {
	actionID string
	outcome  actions.Outcome
	res      protocol.Result
}

func (e *Executor) runStep(ctx context.Context, agentID string, index int, step protocol.Command) (StepResult, error) {
	r := StepResult{Index: index, Step: step}

	// Cancels act on the queue itself and cannot wait behind it.
	if step.Kind == protocol.CmdCancel {
		r.Result = e.cfg.World.Execute(ctx, agentID, step)
		r.Outcome = string(actions.OutcomeFailed)
		if r.Result.Success {
			r.Outcome = OutcomeSucceeded
		}
		return r, nil
	}

	ch := make(chan stepDone, 1)
	id, err := e.cfg.World.Submit(agentID, step, world.SubmitOptions{
		Priority:    e.cfg.Priority,
		Timeout:     e.cfg.StepTimeout,
		Cancellable: true,
		Done: func(actionID string, outcome actions.Outcome, res protocol.Result) {
			ch <- stepDone{actionID, outcome, res}
		},
	})
	if err != nil {
		e.logger.Printf("planner: agent %s step %d %s rejected: %v", agentID, index, step.Kind, err)
		r.Outcome = OutcomeRejected
		r.Result = protocol.Result{Code: world.RejectCode(err), Message: err.Error()}
		return r, nil
	}
	r.ActionID = id

	select {
	case d := <-ch:
		r.Outcome, r.Result = string(d.outcome), d.res
		return r, nil
	case <-ctx.Done():
		_ = e.cfg.World.Execute(context.Background(), agentID, protocol.Command{Kind: protocol.CmdCancel, ActionID: id})
		return r, ctx.Err()
	}
}
