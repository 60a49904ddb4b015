// Package interact validates agent interactions with grid cells and runs them
// one at a time per cell.
package interact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"tileworld.ai/internal/protocol"
	"tileworld.ai/internal/sim/terrain"
)

type Type string

const (
	TypeTill    Type = "TILL"
	TypePlant   Type = "PLANT"
	TypeWater   Type = "WATER"
	TypeHarvest Type = "HARVEST"
)

// DefaultRadius is the reach of an agent, in cells (Euclidean).
const DefaultRadius = 1.5

type Request struct {
	AgentID string            `json:"agent_id"`
	Type    Type              `json:"type"`
	Target  terrain.Pos       `json:"target"`
	Aux     map[string]string `json:"aux,omitempty"`
}

type Result struct {
	Success  bool             `json:"success"`
	Code     string           `json:"code,omitempty"`
	Message  string           `json:"message"`
	Distance float64          `json:"distance,omitempty"`
	Changes  []terrain.Change `json:"changes,omitempty"`
	Rewards  map[string]int   `json:"rewards,omitempty"`
}

type PositionResolver interface {
	Position(agentID string) (terrain.Pos, bool)
}

type RewardSink interface {
	Grant(agentID string, items map[string]int) error
}

type AuditSink interface {
	AuditTile(agentID string, reason string, ch terrain.Change)
}

// Handler performs exactly one grid mutation for a request.
type Handler func(g *terrain.Grid, req Request, tick uint64) (terrain.Change, error)

type Config struct {
	Grid      *terrain.Grid
	Positions PositionResolver
	Radius    float64
	// Tick reports the current world tick (used for planting). Optional.
	Tick    func() uint64
	Rewards RewardSink
	Audit   AuditSink
	Logger  *log.Logger
}

type Coordinator struct {
	grid      *terrain.Grid
	positions PositionResolver
	radius    float64
	tick      func() uint64
	rewards   RewardSink
	audit     AuditSink
	logger    *log.Logger

	handlers map[Type]Handler

	mu    sync.Mutex
	tails map[terrain.Pos]*cellQueue
}

// cellQueue is the chain of requests waiting on one cell. tail is closed when
// the most recently admitted request settles.
type cellQueue struct {
	tail chan struct{}
	refs int
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Grid == nil {
		return nil, errors.New("interact: nil grid")
	}
	if cfg.Positions == nil {
		return nil, errors.New("interact: nil position resolver")
	}
	if cfg.Radius <= 0 {
		cfg.Radius = DefaultRadius
	}
	if cfg.Tick == nil {
		cfg.Tick = func() uint64 { return 0 }
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	c := &Coordinator{
		grid:      cfg.Grid,
		positions: cfg.Positions,
		radius:    cfg.Radius,
		tick:      cfg.Tick,
		rewards:   cfg.Rewards,
		audit:     cfg.Audit,
		logger:    cfg.Logger,
		handlers:  map[Type]Handler{},
		tails:     map[terrain.Pos]*cellQueue{},
	}
	c.Register(TypeTill, handleTill)
	c.Register(TypePlant, handlePlant)
	c.Register(TypeWater, handleWater)
	c.Register(TypeHarvest, handleHarvest)
	return c, nil
}

// Register installs or replaces the handler for an interaction type.
func (c *Coordinator) Register(t Type, h Handler) {
	c.mu.Lock()
	c.handlers[t] = h
	c.mu.Unlock()
}

func (c *Coordinator) Radius() float64 { return c.radius }

// Pending reports how many cells currently have a request running or waiting.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tails)
}

// HandleInteraction validates req and runs its handler once every earlier
// request for the same cell has settled. Expected failures are reported in the
// Result; the error is non-nil only when ctx ends before the request ran.
func (c *Coordinator) HandleInteraction(ctx context.Context, req Request) (Result, error) {
	c.mu.Lock()
	h, ok := c.handlers[req.Type]
	c.mu.Unlock()
	if !ok {
		return fail(protocol.ErrBadRequest, fmt.Sprintf("unknown interaction %q", req.Type)), nil
	}
	at, ok := c.positions.Position(req.AgentID)
	if !ok {
		return fail(protocol.ErrNotFound, "unknown agent"), nil
	}
	if !c.grid.InBounds(req.Target) {
		return fail(protocol.ErrOutOfBounds, "target outside the world"), nil
	}
	dist := terrain.Distance(at, req.Target)
	if dist > c.radius {
		r := fail(protocol.ErrDistanceExceeded, fmt.Sprintf("target is %.2f away (max %.2f)", dist, c.radius))
		r.Distance = dist
		return r, nil
	}

	release, err := c.acquire(ctx, req.Target)
	if err != nil {
		return Result{}, err
	}
	defer release()

	ch, err := h(c.grid, req, c.tick())
	if err != nil {
		r := fail(codeFor(err), err.Error())
		r.Distance = dist
		return r, nil
	}

	res := Result{
		Success:  true,
		Message:  fmt.Sprintf("%s %s", req.Type, req.Target),
		Distance: dist,
		Changes:  []terrain.Change{ch},
	}
	if len(ch.Drops) > 0 {
		res.Rewards = ch.Drops
		if c.rewards != nil {
			if err := c.rewards.Grant(req.AgentID, ch.Drops); err != nil {
				c.logger.Printf("grant %v to %s: %v", ch.Drops, req.AgentID, err)
			}
		}
	}
	if c.audit != nil {
		c.audit.AuditTile(req.AgentID, string(req.Type), ch)
	}
	return res, nil
}

// acquire appends the caller to the cell's chain and waits for its
// predecessor. The returned release must be called exactly once.
func (c *Coordinator) acquire(ctx context.Context, p terrain.Pos) (func(), error) {
	done := make(chan struct{})
	c.mu.Lock()
	q := c.tails[p]
	if q == nil {
		q = &cellQueue{}
		c.tails[p] = q
	}
	prev := q.tail
	q.tail = done
	q.refs++
	c.mu.Unlock()

	release := func() {
		close(done)
		c.mu.Lock()
		q.refs--
		if q.refs == 0 {
			delete(c.tails, p)
		}
		c.mu.Unlock()
	}

	if prev == nil {
		return release, nil
	}
	select {
	case <-prev:
		return release, nil
	case <-ctx.Done():
		// Our successor is already chained on done; hand the slot over only
		// after the predecessor settles.
		go func() {
			<-prev
			release()
		}()
		return nil, ctx.Err()
	}
}

func fail(code, msg string) Result {
	return Result{Success: false, Code: code, Message: msg}
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, terrain.ErrVersionConflict):
		return protocol.ErrConflict
	case errors.Is(err, terrain.ErrOutOfBounds):
		return protocol.ErrOutOfBounds
	case errors.Is(err, terrain.ErrUnknownCrop):
		return protocol.ErrBadRequest
	case errors.Is(err, terrain.ErrNotTillable),
		errors.Is(err, terrain.ErrNotFarmland),
		errors.Is(err, terrain.ErrOccupied),
		errors.Is(err, terrain.ErrNothingToHarvest),
		errors.Is(err, terrain.ErrCropNotMature):
		return protocol.ErrInvalidTarget
	}
	return protocol.ErrInternal
}
