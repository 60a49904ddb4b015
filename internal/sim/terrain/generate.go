package terrain

import "tileworld.ai/internal/sim/logic/mathx"

type GenConfig struct {
	Width  int
	Height int
	Seed   int64

	TreePermille  int
	RockPermille  int
	WaterPermille int
	DirtPermille  int

	TreeDurability int
	RockDurability int

	// Cells within this radius of Spawn() stay grass.
	SpawnClearRadius int
}

const (
	saltKind  = 0x51ed270b
	saltWater = 0x7f4a7c15
)

// Spawn is the centre of the grid; new agents appear there.
func (c GenConfig) Spawn() Pos { return Pos{X: c.Width / 2, Y: c.Height / 2} }

// TileAt is the freshly generated tile at (x,y). It only depends on the config,
// so regenerating with the same seed yields the same terrain.
func (c GenConfig) TileAt(x, y int) Tile {
	sp := c.Spawn()
	if mathx.WithinRadius(x, y, sp.X, sp.Y, c.SpawnClearRadius) {
		return Tile{Type: TypeGrass}
	}
	if mathx.Roll(c.Seed, x, y, saltWater) < mathx.ClampPermille(c.WaterPermille) {
		return Tile{Type: TypeWater}
	}
	r := mathx.Roll(c.Seed, x, y, saltKind)
	tree := mathx.ClampPermille(c.TreePermille)
	rock := tree + mathx.ClampPermille(c.RockPermille)
	dirt := rock + mathx.ClampPermille(c.DirtPermille)
	switch {
	case r < tree:
		return Tile{Type: TypeTree, State: ResourceState{
			Resource:   "wood",
			Durability: positive(c.TreeDurability, 3),
			DropAmount: positive(c.TreeDurability, 3),
		}}
	case r < rock:
		return Tile{Type: TypeRock, State: ResourceState{
			Resource:   "stone",
			Durability: positive(c.RockDurability, 5),
			DropAmount: positive(c.RockDurability, 5),
		}}
	case r < dirt:
		return Tile{Type: TypeDirt}
	}
	return Tile{Type: TypeGrass}
}

// Generate builds a clean (not dirty) grid at version 0.
func Generate(c GenConfig) *Grid {
	g := NewGrid(c.Width, c.Height)
	for y := 0; y < c.Height; y++ {
		for x := 0; x < c.Width; x++ {
			g.tiles[g.index(Pos{X: x, Y: y})] = c.TileAt(x, y)
		}
	}
	return g
}

// Regenerate overwrites every tile with freshly generated terrain. Versions keep
// increasing so stale persisted rows can never win over the new ones.
func (g *Grid) Regenerate(c GenConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for y := 0; y < g.height; y++ {
		for x := 0; x < g.width; x++ {
			p := Pos{X: x, Y: y}
			g.writeLocked(p, &g.tiles[g.index(p)], c.TileAt(x, y))
		}
	}
}

func positive(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
