// Package agents holds the live player records: position, status, energy and
// inventory, with revision-based dirty tracking for incremental saves.
package agents

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tileworld.ai/internal/protocol"
	"tileworld.ai/internal/sim/logic/mathx"
	"tileworld.ai/internal/sim/logic/pathfind"
	"tileworld.ai/internal/sim/terrain"
)

var (
	ErrUnknownPlayer = errors.New("agents: unknown player")
	ErrAlreadyOnline = errors.New("agents: player already online")
	ErrBadItems      = errors.New("agents: invalid item grant")
)

type Config struct {
	Grid  *terrain.Grid
	Spawn terrain.Pos

	EnergyMax        int
	EnergyRegenTicks int
	MoveEnergyCost   int
	IdleAfterTicks   int
	SenseRadiusMax   int
	PathMaxNodes     int

	Now func() time.Time
}

type Registry struct {
	cfg Config

	mu      sync.RWMutex
	tick    uint64
	players map[string]*entry
}

type entry struct {
	p          Player
	rev        uint64
	savedRev   uint64
	activeTick uint64
}

func (e *entry) touch() { e.rev++ }

func New(cfg Config) *Registry {
	if cfg.EnergyMax <= 0 {
		cfg.EnergyMax = 100
	}
	if cfg.SenseRadiusMax <= 0 {
		cfg.SenseRadiusMax = 8
	}
	if cfg.PathMaxNodes <= 0 {
		cfg.PathMaxNodes = 4096
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{cfg: cfg, players: map[string]*entry{}}
}

// Join brings a player online. An empty id creates a new player at the spawn
// point; a known id reconnects the stored player where it left off. A player
// has at most one live session, so resuming one that is not offline fails.
func (r *Registry) Join(id, name string) (Player, error) {
	name = strings.TrimSpace(name)
	now := r.cfg.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	if id != "" {
		e := r.players[id]
		if e == nil {
			return Player{}, fmt.Errorf("%w: %s", ErrUnknownPlayer, id)
		}
		if e.p.Status != StatusOffline {
			return Player{}, fmt.Errorf("%w: %s", ErrAlreadyOnline, id)
		}
		e.p.Status = StatusOnline
		e.p.LastActiveAt = now
		if name != "" {
			e.p.Name = name
		}
		e.activeTick = r.tick
		e.touch()
		return r.copyLocked(e), nil
	}

	if name == "" {
		name = "agent"
	}
	e := &entry{
		p: Player{
			ID:           uuid.New().String(),
			Name:         name,
			Position:     r.spawnLocked(),
			Status:       StatusOnline,
			Attributes:   Attributes{Energy: r.cfg.EnergyMax, EnergyMax: r.cfg.EnergyMax},
			Inventory:    map[string]int{},
			JoinedAt:     now,
			LastActiveAt: now,
		},
		activeTick: r.tick,
		rev:        1,
	}
	r.players[e.p.ID] = e
	return r.copyLocked(e), nil
}

// Leave marks the player offline. Offline players stay in the registry so
// their state is persisted and can be resumed.
func (r *Registry) Leave(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.players[id]
	if e == nil {
		return false
	}
	if e.p.Status != StatusOffline {
		e.p.Status = StatusOffline
		e.touch()
	}
	return true
}

func (r *Registry) Get(id string) (Player, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e := r.players[id]
	if e == nil {
		return Player{}, false
	}
	return r.copyLocked(e), true
}

// All returns every player ordered by id.
func (r *Registry) All() []Player {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Player, 0, len(r.players))
	for _, e := range r.players {
		out = append(out, r.copyLocked(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Online() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.players {
		if e.p.Status != StatusOffline {
			n++
		}
	}
	return n
}

// Position implements interact.PositionResolver. Offline players cannot act.
func (r *Registry) Position(id string) (terrain.Pos, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e := r.players[id]
	if e == nil || e.p.Status == StatusOffline {
		return terrain.Pos{}, false
	}
	return e.p.Position, true
}

type MoveResult struct {
	Success bool        `json:"success"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message"`
	From    terrain.Pos `json:"from"`
	To      terrain.Pos `json:"to"`
}

// MoveBy steps the player one cell in a cardinal direction.
func (r *Registry) MoveBy(id string, dx, dy int) MoveResult {
	if mathx.AbsInt(dx)+mathx.AbsInt(dy) != 1 {
		return MoveResult{Code: protocol.ErrBadRequest, Message: "move must be exactly one cardinal step"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.players[id]
	if e == nil || e.p.Status == StatusOffline {
		return MoveResult{Code: protocol.ErrNotFound, Message: "unknown agent"}
	}
	from := e.p.Position
	to := from.Add(dx, dy)
	res := MoveResult{From: from, To: from}
	switch {
	case !r.cfg.Grid.InBounds(to):
		res.Code, res.Message = protocol.ErrOutOfBounds, fmt.Sprintf("%s is outside the world", to)
	case !r.cfg.Grid.IsWalkable(to):
		res.Code, res.Message = protocol.ErrBlocked, fmt.Sprintf("%s is %s", to, r.cfg.Grid.GetTile(to).Type)
	case e.p.Attributes.Energy < r.cfg.MoveEnergyCost:
		res.Code, res.Message = protocol.ErrBlocked, "not enough energy"
	default:
		e.p.Position = to
		e.p.Attributes.Energy -= r.cfg.MoveEnergyCost
		r.activeLocked(e)
		res.Success, res.To, res.Message = true, to, fmt.Sprintf("moved to %s", to)
	}
	return res
}

// PathTo plans a walkable 4-neighbour path from the player's cell to target.
// On failure the protocol code explains why.
func (r *Registry) PathTo(id string, target terrain.Pos) ([]terrain.Pos, string) {
	from, ok := r.Position(id)
	if !ok {
		return nil, protocol.ErrNotFound
	}
	if !r.cfg.Grid.InBounds(target) {
		return nil, protocol.ErrOutOfBounds
	}
	if !r.cfg.Grid.IsWalkable(target) {
		return nil, protocol.ErrBlocked
	}
	path, ok := pathfind.ShortestPath(from, target, r.cfg.PathMaxNodes, r.cfg.Grid.IsWalkable)
	if !ok {
		return nil, protocol.ErrBlocked
	}
	return path, ""
}

type PlayerView struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Position terrain.Pos `json:"position"`
	Status   Status      `json:"status"`
}

type SenseResult struct {
	Center  terrain.Pos      `json:"center"`
	Radius  int              `json:"radius"`
	Tiles   []terrain.Record `json:"tiles"`
	Players []PlayerView     `json:"players"`
}

// Sense lists the tiles and other online players within radius (Chebyshev)
// of the player. The radius is clamped to [0, SenseRadiusMax].
func (r *Registry) Sense(id string, radius int) (SenseResult, bool) {
	if radius < 0 {
		radius = 0
	}
	if radius > r.cfg.SenseRadiusMax {
		radius = r.cfg.SenseRadiusMax
	}
	r.mu.Lock()
	e := r.players[id]
	if e == nil || e.p.Status == StatusOffline {
		r.mu.Unlock()
		return SenseResult{}, false
	}
	center := e.p.Position
	r.activeLocked(e)
	views := make([]PlayerView, 0, 4)
	for _, o := range r.players {
		if o == e || o.p.Status == StatusOffline {
			continue
		}
		if mathx.AbsInt(o.p.Position.X-center.X) > radius || mathx.AbsInt(o.p.Position.Y-center.Y) > radius {
			continue
		}
		views = append(views, PlayerView{ID: o.p.ID, Name: o.p.Name, Position: o.p.Position, Status: o.p.Status})
	}
	r.mu.Unlock()

	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return SenseResult{
		Center:  center,
		Radius:  radius,
		Tiles:   r.cfg.Grid.Region(center, radius),
		Players: views,
	}, true
}

// Grant adds items to the player's inventory. It implements interact.RewardSink.
func (r *Registry) Grant(id string, items map[string]int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.players[id]
	if e == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPlayer, id)
	}
	for k, n := range items {
		if k == "" || n <= 0 {
			return fmt.Errorf("%w: %s=%d", ErrBadItems, k, n)
		}
	}
	if e.p.Inventory == nil {
		e.p.Inventory = map[string]int{}
	}
	for k, n := range items {
		e.p.Inventory[k] += n
	}
	r.activeLocked(e)
	return nil
}

// Touch records activity that does not otherwise change the player.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.players[id]; e != nil {
		r.activeLocked(e)
	}
}

// Advance runs the per-tick player update: energy regeneration and the
// ONLINE/IDLE transition.
func (r *Registry) Advance(tick uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tick = tick
	regen := r.cfg.EnergyRegenTicks > 0 && tick%uint64(r.cfg.EnergyRegenTicks) == 0
	for _, e := range r.players {
		if e.p.Status == StatusOffline {
			continue
		}
		changed := false
		if regen && e.p.Attributes.Energy < e.p.Attributes.EnergyMax {
			e.p.Attributes.Energy++
			changed = true
		}
		if r.cfg.IdleAfterTicks > 0 && e.p.Status == StatusOnline && tick >= e.activeTick+uint64(r.cfg.IdleAfterTicks) {
			e.p.Status = StatusIdle
			changed = true
		}
		if changed {
			e.touch()
		}
	}
}

// DirtyPlayers returns copies of the players changed since their last
// successful save. Pass the same slice to ClearFlushed after saving it.
func (r *Registry) DirtyPlayers() []Player {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Player
	for _, e := range r.players {
		if e.rev != e.savedRev {
			out = append(out, r.copyLocked(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) DirtyCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.players {
		if e.rev != e.savedRev {
			n++
		}
	}
	return n
}

// ClearFlushed marks saved copies as persisted. Players that changed again
// after the copy was taken stay dirty.
func (r *Registry) ClearFlushed(saved []Player) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range saved {
		if e := r.players[p.ID]; e != nil && e.rev == p.Rev {
			e.savedRev = e.rev
		}
	}
}

func (r *Registry) MarkAllDirty() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.players {
		e.touch()
	}
}

// Restore loads persisted players. Everybody comes back offline; records
// whose stored status says otherwise are marked dirty so the store catches up.
func (r *Registry) Restore(players []Player) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range players {
		if p.ID == "" {
			continue
		}
		p = p.Clone()
		if p.Inventory == nil {
			p.Inventory = map[string]int{}
		}
		if p.Attributes.EnergyMax <= 0 {
			p.Attributes.EnergyMax = r.cfg.EnergyMax
		}
		e := &entry{rev: 1, savedRev: 1}
		if p.Status != StatusOffline {
			p.Status = StatusOffline
			e.savedRev = 0
		}
		e.p = p
		r.players[p.ID] = e
	}
	return len(players)
}

// Respawn puts every player back at the spawn point with full energy and an
// empty inventory. Used by world resets.
func (r *Registry) Respawn() {
	r.mu.Lock()
	defer r.mu.Unlock()
	spawn := r.spawnLocked()
	for _, e := range r.players {
		e.p.Position = spawn
		e.p.Attributes.Energy = e.p.Attributes.EnergyMax
		e.p.Inventory = map[string]int{}
		e.touch()
	}
}

func (r *Registry) activeLocked(e *entry) {
	e.p.LastActiveAt = r.cfg.Now()
	e.activeTick = r.tick
	if e.p.Status == StatusIdle {
		e.p.Status = StatusOnline
	}
	e.touch()
}

func (r *Registry) copyLocked(e *entry) Player {
	p := e.p.Clone()
	p.Rev = e.rev
	return p
}

// spawnLocked returns the configured spawn, or the closest walkable cell to
// it when the spawn itself is blocked.
func (r *Registry) spawnLocked() terrain.Pos {
	g := r.cfg.Grid
	sp := r.cfg.Spawn
	if g.IsWalkable(sp) {
		return sp
	}
	maxR := g.Width()
	if g.Height() > maxR {
		maxR = g.Height()
	}
	for d := 1; d <= maxR; d++ {
		for dy := -d; dy <= d; dy++ {
			for dx := -d; dx <= d; dx++ {
				if mathx.AbsInt(dx) != d && mathx.AbsInt(dy) != d {
					continue
				}
				if p := sp.Add(dx, dy); g.IsWalkable(p) {
					return p
				}
			}
		}
	}
	return sp
}
