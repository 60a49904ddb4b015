package terrain

import (
	"fmt"
	"math"
)

type Pos struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (p Pos) String() string { return fmt.Sprintf("(%d,%d)", p.X, p.Y) }

func (p Pos) Add(dx, dy int) Pos { return Pos{X: p.X + dx, Y: p.Y + dy} }

// Distance is the Euclidean distance between two cells.
func Distance(a, b Pos) float64 {
	dx := float64(a.X - b.X)
	dy := float64(a.Y - b.Y)
	return math.Sqrt(dx*dx + dy*dy)
}

type TileType string

const (
	TypeVoid     TileType = "VOID"
	TypeGrass    TileType = "GRASS"
	TypeDirt     TileType = "DIRT"
	TypeFarmland TileType = "FARMLAND"
	TypeWater    TileType = "WATER"
	TypeTree     TileType = "TREE"
	TypeRock     TileType = "ROCK"
)

func (t TileType) Walkable() bool {
	switch t {
	case TypeGrass, TypeDirt, TypeFarmland:
		return true
	}
	return false
}

func (t TileType) Tillable() bool {
	return t == TypeGrass || t == TypeDirt
}

// State is the closed set of per-tile state shapes. Handlers switch over the
// concrete types: FarmlandState, ResourceState, MetadataState (or nil).
type State interface {
	isTileState()
}

type FarmlandState struct {
	Watered     bool   `json:"watered"`
	Crop        string `json:"crop,omitempty"`
	PlantedTick uint64 `json:"planted_tick,omitempty"`
	Stage       int    `json:"stage,omitempty"`
	StageTick   uint64 `json:"stage_tick,omitempty"`
}

type ResourceState struct {
	Resource   string `json:"resource"`
	Durability int    `json:"durability"`
	DropAmount int    `json:"drop_amount"`
}

type MetadataState struct {
	Values map[string]string `json:"values,omitempty"`
}

func (FarmlandState) isTileState() {}
func (ResourceState) isTileState() {}
func (MetadataState) isTileState() {}

// Tile is a value type; Grid hands out copies only.
type Tile struct {
	Type    TileType
	State   State
	Version uint64
}

var voidTile = Tile{Type: TypeVoid}

func (t Tile) Clone() Tile {
	if m, ok := t.State.(MetadataState); ok && m.Values != nil {
		vals := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			vals[k] = v
		}
		t.State = MetadataState{Values: vals}
	}
	return t
}

func (t Tile) Farmland() (FarmlandState, bool) {
	s, ok := t.State.(FarmlandState)
	return s, ok
}

func (t Tile) Resource() (ResourceState, bool) {
	s, ok := t.State.(ResourceState)
	return s, ok
}

// Record is the persisted/wire form of a tile at a coordinate.
type Record struct {
	X        int               `json:"x"`
	Y        int               `json:"y"`
	Type     TileType          `json:"type"`
	Version  uint64            `json:"version"`
	Farmland *FarmlandState    `json:"farmland,omitempty"`
	Resource *ResourceState    `json:"resource,omitempty"`
	Meta     map[string]string `json:"meta,omitempty"`
}

func (r Record) Pos() Pos { return Pos{X: r.X, Y: r.Y} }

func RecordOf(p Pos, t Tile) Record {
	r := Record{X: p.X, Y: p.Y, Type: t.Type, Version: t.Version}
	switch s := t.State.(type) {
	case FarmlandState:
		r.Farmland = &s
	case ResourceState:
		r.Resource = &s
	case MetadataState:
		r.Meta = s.Values
	case nil:
	}
	return r
}

func (r Record) Tile() Tile {
	t := Tile{Type: r.Type, Version: r.Version}
	switch {
	case r.Farmland != nil:
		t.State = *r.Farmland
	case r.Resource != nil:
		t.State = *r.Resource
	case r.Meta != nil:
		t.State = MetadataState{Values: r.Meta}
	case r.Type == TypeFarmland:
		// Encoders may drop an all-zero farmland state.
		t.State = FarmlandState{}
	}
	return t.Clone()
}
