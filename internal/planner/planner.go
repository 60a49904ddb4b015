// Package planner connects an external planning model (usually an LLM that
// turns free text into tool calls) to the world's command surface.
//
// The model only ever sees the tool vocabulary below plus a JSON observation
// of the grid around the agent. Its output is validated against an embedded
// JSON schema before anything is queued.
package planner

import (
	"context"
	"encoding/json"

	"tileworld.ai/internal/protocol"
)

// Tool describes one primitive the model may call.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

func intProp(min, max *int) map[string]any {
	p := map[string]any{"type": "integer"}
	if min != nil {
		p["minimum"] = *min
	}
	if max != nil {
		p["maximum"] = *max
	}
	return p
}

// Tools returns the bounded tool vocabulary in the order it is presented to
// the model.
func Tools() []Tool {
	neg, zero, one := -1, 0, 1
	return []Tool{
		{
			Name:        protocol.CmdMove,
			Description: "Move one cell in a cardinal direction.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"dx": intProp(&neg, &one),
					"dy": intProp(&neg, &one),
				},
				"required":             []string{"dx", "dy"},
				"additionalProperties": false,
			},
		},
		{
			Name:        protocol.CmdMoveTo,
			Description: "Walk to a cell along the shortest walkable path.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"x": intProp(&zero, nil),
					"y": intProp(&zero, nil),
				},
				"required":             []string{"x", "y"},
				"additionalProperties": false,
			},
		},
		{
			Name:        protocol.CmdInteract,
			Description: "Interact with a nearby cell. Without an interaction the tile decides (till grass, plant or water farmland, harvest crops, trees and rocks).",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"x":           intProp(&zero, nil),
					"y":           intProp(&zero, nil),
					"interaction": map[string]any{"type": "string", "enum": []string{"TILL", "PLANT", "WATER", "HARVEST"}},
					"crop":        map[string]any{"type": "string"},
				},
				"required":             []string{"x", "y"},
				"additionalProperties": false,
			},
		},
		{
			Name:        protocol.CmdSense,
			Description: "List tiles and agents within a radius.",
			InputSchema: map[string]any{
				"type":                 "object",
				"properties":           map[string]any{"radius": intProp(&zero, nil)},
				"additionalProperties": false,
			},
		},
		{
			Name:        protocol.CmdCancel,
			Description: "Cancel a queued cancellable action.",
			InputSchema: map[string]any{
				"type":                 "object",
				"properties":           map[string]any{"action_id": map[string]any{"type": "string"}},
				"required":             []string{"action_id"},
				"additionalProperties": false,
			},
		},
	}
}

// Request is what a planner receives for one planning call.
type Request struct {
	AgentID     string          `json:"agent_id"`
	Goal        string          `json:"goal"`
	Tools       []Tool          `json:"tools"`
	Observation json.RawMessage `json:"observation,omitempty"`
}

// StepResult is the outcome of one executed step, fed back to streaming
// planners.
type StepResult struct {
	Index    int              `json:"index"`
	Step     protocol.Command `json:"step"`
	ActionID string           `json:"action_id,omitempty"`
	Outcome  string           `json:"outcome"`
	Result   protocol.Result  `json:"result"`
}

func (r StepResult) Succeeded() bool { return r.Outcome == OutcomeSucceeded }

const OutcomeSucceeded = "SUCCEEDED"

// Planner returns a whole plan up front.
type Planner interface {
	Plan(ctx context.Context, req Request) ([]protocol.Command, error)
}

// StreamPlanner returns one step at a time after seeing every previous
// result. done reports that the goal is reached and step is ignored.
type StreamPlanner interface {
	Next(ctx context.Context, req Request, history []StepResult) (step protocol.Command, done bool, err error)
}

// PlannerFunc adapts a function to Planner.
type PlannerFunc func(ctx context.Context, req Request) ([]protocol.Command, error)

func (f PlannerFunc) Plan(ctx context.Context, req Request) ([]protocol.Command, error) {
	return f(ctx, req)
}

// RawPlanner adapts a model that answers with raw JSON text. The text is
// decoded and validated with DecodeSteps.
type RawPlanner func(ctx context.Context, req Request) ([]byte, error)

func (f RawPlanner) Plan(ctx context.Context, req Request) ([]protocol.Command, error) {
	raw, err := f(ctx, req)
	if err != nil {
		return nil, err
	}
	return DecodeSteps(raw)
}
