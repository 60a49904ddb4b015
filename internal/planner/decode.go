package planner

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"tileworld.ai/internal/protocol"
)

//go:embed steps.schema.json
var stepsSchemaJSON []byte

const stepsSchemaURL = "https://tileworld.ai/schemas/planner-steps.schema.json"

var ErrInvalidSteps = errors.New("planner: invalid steps")

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func stepsSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(stepsSchemaURL, bytes.NewReader(stepsSchemaJSON)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile(stepsSchemaURL)
	})
	return schema, schemaErr
}

type wireStep struct {
	Tool string   `json:"tool"`
	Args wireArgs `json:"args"`
}

type wireArgs struct {
	DX          int    `json:"dx"`
	DY          int    `json:"dy"`
	X           int    `json:"x"`
	Y           int    `json:"y"`
	Interaction string `json:"interaction"`
	Crop        string `json:"crop"`
	Radius      int    `json:"radius"`
	ActionID    string `json:"action_id"`
}

// DecodeSteps validates model output and converts it to commands. Accepted
// shapes are a bare array of {tool,args} objects or {"steps":[...]}; a
// surrounding markdown code fence is ignored.
func DecodeSteps(raw []byte) ([]protocol.Command, error) {
	raw = stripFence(raw)
	s, err := stepsSchema()
	if err != nil {
		return nil, fmt.Errorf("planner: compile schema: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSteps, err)
	}
	if err := s.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSteps, err)
	}

	var steps []wireStep
	if _, wrapped := doc.(map[string]any); wrapped {
		var w struct {
			Steps []wireStep `json:"steps"`
		}
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSteps, err)
		}
		steps = w.Steps
	} else if err := json.Unmarshal(raw, &steps); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSteps, err)
	}

	out := make([]protocol.Command, 0, len(steps))
	for _, st := range steps {
		out = append(out, st.command())
	}
	return out, nil
}

// DecodeStep decodes a single {tool,args} object, as returned by streaming
// planners.
func DecodeStep(raw []byte) (protocol.Command, error) {
	raw = stripFence(raw)
	wrapped := make([]byte, 0, len(raw)+2)
	wrapped = append(wrapped, '[')
	wrapped = append(wrapped, raw...)
	wrapped = append(wrapped, ']')
	cmds, err := DecodeSteps(wrapped)
	if err != nil {
		return protocol.Command{}, err
	}
	if len(cmds) != 1 {
		return protocol.Command{}, fmt.Errorf("%w: expected one step, got %d", ErrInvalidSteps, len(cmds))
	}
	return cmds[0], nil
}

func (s wireStep) command() protocol.Command {
	c := protocol.Command{Kind: s.Tool}
	switch s.Tool {
	case protocol.CmdMove:
		c.DX, c.DY = s.Args.DX, s.Args.DY
	case protocol.CmdMoveTo:
		c.X, c.Y = s.Args.X, s.Args.Y
	case protocol.CmdInteract:
		c.X, c.Y = s.Args.X, s.Args.Y
		c.Interaction, c.Crop = s.Args.Interaction, s.Args.Crop
	case protocol.CmdSense:
		c.Radius = s.Args.Radius
	case protocol.CmdCancel:
		c.ActionID = s.Args.ActionID
	}
	return c
}

// EncodeStep is the inverse of DecodeStep; it is used to show the model its
// own history.
func EncodeStep(c protocol.Command) map[string]any {
	args := map[string]any{}
	switch c.Kind {
	case protocol.CmdMove:
		args["dx"], args["dy"] = c.DX, c.DY
	case protocol.CmdMoveTo:
		args["x"], args["y"] = c.X, c.Y
	case protocol.CmdInteract:
		args["x"], args["y"] = c.X, c.Y
		if c.Interaction != "" {
			args["interaction"] = c.Interaction
		}
		if c.Crop != "" {
			args["crop"] = c.Crop
		}
	case protocol.CmdSense:
		args["radius"] = c.Radius
	case protocol.CmdCancel:
		args["action_id"] = c.ActionID
	}
	return map[string]any{"tool": c.Kind, "args": args}
}

func stripFence(raw []byte) []byte {
	s := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(s, "```") {
		return []byte(s)
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return []byte(strings.TrimSpace(s))
}
