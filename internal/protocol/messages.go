package protocol

// HELLO (client -> server). AgentID resumes a previously joined agent.
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AgentName       string `json:"agent_name"`
	AgentID         string `json:"agent_id,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	AgentID         string      `json:"agent_id"`
	WorldParams     WorldParams `json:"world_params"`
	Tick            uint64      `json:"tick"`
	DayPhase        string      `json:"day_phase"`
	Weather         string      `json:"weather"`
}

type WorldParams struct {
	WorldID           string  `json:"world_id"`
	TickIntervalMs    int     `json:"tick_interval_ms"`
	TicksPerDay       int     `json:"ticks_per_day"`
	Width             int     `json:"width"`
	Height            int     `json:"height"`
	InteractionRadius float64 `json:"interaction_radius"`
	SenseRadiusMax    int     `json:"sense_radius_max"`
	Seed              int64   `json:"seed"`
}

// Command kinds. The same vocabulary is used by CMD messages and by planner steps.
const (
	CmdMove     = "move"
	CmdMoveTo   = "move_to"
	CmdInteract = "interact"
	CmdSense    = "sense"
	CmdCancel   = "cancel"
)

// Command is one primitive agent operation.
type Command struct {
	Kind string `json:"kind"`

	// move
	DX int `json:"dx,omitempty"`
	DY int `json:"dy,omitempty"`

	// move_to, interact
	X int `json:"x,omitempty"`
	Y int `json:"y,omitempty"`

	// interact: TILL, PLANT, WATER or HARVEST. When empty the server picks one
	// from the target tile.
	Interaction string `json:"interaction,omitempty"`
	Crop        string `json:"crop,omitempty"`

	// cancel
	ActionID string `json:"action_id,omitempty"`

	// sense
	Radius int `json:"radius,omitempty"`
}

// CMD (client -> server)
type CmdMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	RequestID       string  `json:"request_id"`
	Priority        string  `json:"priority,omitempty"`
	TimeoutMs       int     `json:"timeout_ms,omitempty"`
	Cancellable     bool    `json:"cancellable,omitempty"`
	Command         Command `json:"command"`
}

// Result is the outcome of one command.
type Result struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// RESULT (server -> client)
type ResultMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	RequestID       string `json:"request_id,omitempty"`
	ActionID        string `json:"action_id,omitempty"`
	Kind            string `json:"kind,omitempty"`
	// Outcome is the scheduler outcome (SUCCEEDED, FAILED, EXPIRED, CANCELLED) or
	// QUEUED when the command was accepted but has not run yet.
	Outcome string `json:"outcome"`
	Result
}

// TICK (server -> client), throttled.
type TickMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Tick            uint64      `json:"tick"`
	DayPhase        string      `json:"day_phase"`
	Weather         string      `json:"weather"`
	Events          []TickEvent `json:"events,omitempty"`
}

type TickEvent struct {
	Kind    string `json:"kind"`
	Tick    uint64 `json:"tick"`
	AgentID string `json:"agent_id,omitempty"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

// WORLD (both ways): the client sends it with no data to request a full
// snapshot; the server answers with Data set.
type WorldMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Data            any    `json:"data,omitempty"`
}
