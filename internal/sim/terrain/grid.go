// Package terrain owns the world's tile matrix. Every mutation goes through a
// version-checked write; concurrent writers never block each other, the loser
// of a race simply sees its write rejected.
package terrain

import (
	"sort"
	"sync"
)

// Grid is a fixed-size row-major tile matrix with per-tile versions and a
// dirty set for incremental persistence.
type Grid struct {
	mu sync.RWMutex

	width  int
	height int
	tiles  []Tile

	dirty map[Pos]struct{}
	crops map[Pos]struct{}
}

// NewGrid returns a width x height grid filled with grass at version 0.
func NewGrid(width, height int) *Grid {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	g := &Grid{
		width:  width,
		height: height,
		tiles:  make([]Tile, width*height),
		dirty:  map[Pos]struct{}{},
		crops:  map[Pos]struct{}{},
	}
	for i := range g.tiles {
		g.tiles[i] = Tile{Type: TypeGrass}
	}
	return g
}

func (g *Grid) Width() int  { return g.width }
func (g *Grid) Height() int { return g.height }

func (g *Grid) InBounds(p Pos) bool {
	return p.X >= 0 && p.Y >= 0 && p.X < g.width && p.Y < g.height
}

func (g *Grid) index(p Pos) int { return p.Y*g.width + p.X }

// GetTile returns a copy of the tile at p, or a VOID tile outside the grid.
func (g *Grid) GetTile(p Pos) Tile {
	if !g.InBounds(p) {
		return voidTile
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.tiles[g.index(p)].Clone()
}

func (g *Grid) IsWalkable(p Pos) bool { return g.GetTile(p).Type.Walkable() }
func (g *Grid) IsTillable(p Pos) bool { return g.GetTile(p).Type.Tillable() }

// SetTile stores tile at p if the stored version still equals expectedVersion.
// On success the version is bumped by one and p is marked dirty. A mismatch
// or an out-of-bounds p returns false and leaves the grid untouched.
func (g *Grid) SetTile(p Pos, tile Tile, expectedVersion uint64) bool {
	if !g.InBounds(p) {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	cur := &g.tiles[g.index(p)]
	if cur.Version != expectedVersion {
		return false
	}
	g.writeLocked(p, cur, tile)
	return true
}

// Overwrite stores tile at p regardless of the current version. It is meant for
// world resets and admin tools, not for gameplay mutations.
func (g *Grid) Overwrite(p Pos, tile Tile) bool {
	if !g.InBounds(p) {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.writeLocked(p, &g.tiles[g.index(p)], tile)
	return true
}

func (g *Grid) writeLocked(p Pos, cur *Tile, tile Tile) {
	next := tile.Clone()
	next.Version = cur.Version + 1
	*cur = next
	g.dirty[p] = struct{}{}
	if fs, ok := next.State.(FarmlandState); ok && fs.Crop != "" {
		g.crops[p] = struct{}{}
	} else {
		delete(g.crops, p)
	}
}

// Load replaces tiles with persisted records, keeping their versions and
// without marking them dirty.
func (g *Grid) Load(records []Record) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, r := range records {
		p := r.Pos()
		if !g.InBounds(p) {
			continue
		}
		t := r.Tile()
		g.tiles[g.index(p)] = t
		if fs, ok := t.State.(FarmlandState); ok && fs.Crop != "" {
			g.crops[p] = struct{}{}
		} else {
			delete(g.crops, p)
		}
		n++
	}
	return n
}

// Replace writes every in-bounds record over the current tile. Unlike Load it
// bumps versions and marks the tiles dirty, so imported state supersedes rows
// that were already persisted.
func (g *Grid) Replace(records []Record) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, r := range records {
		p := r.Pos()
		if !g.InBounds(p) {
			continue
		}
		g.writeLocked(p, &g.tiles[g.index(p)], r.Tile())
		n++
	}
	return n
}

// DirtyTiles returns the tiles mutated since they were last cleared, ordered by row.
func (g *Grid) DirtyTiles() []Record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Record, 0, len(g.dirty))
	for p := range g.dirty {
		out = append(out, RecordOf(p, g.tiles[g.index(p)].Clone()))
	}
	sortRecords(out)
	return out
}

func (g *Grid) DirtyCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.dirty)
}

// ClearDirtyFlags forgets every dirty coordinate. Callers must have saved them first.
func (g *Grid) ClearDirtyFlags() {
	g.mu.Lock()
	g.dirty = map[Pos]struct{}{}
	g.mu.Unlock()
}

// ClearFlushed clears only the coordinates whose version is still the one that
// was saved; tiles written again while the save was in flight stay dirty.
func (g *Grid) ClearFlushed(saved []Record) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, r := range saved {
		p := r.Pos()
		if _, ok := g.dirty[p]; !ok || !g.InBounds(p) {
			continue
		}
		if g.tiles[g.index(p)].Version == r.Version {
			delete(g.dirty, p)
			n++
		}
	}
	return n
}

// MarkAllDirty schedules every tile for the next incremental save.
func (g *Grid) MarkAllDirty() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for y := 0; y < g.height; y++ {
		for x := 0; x < g.width; x++ {
			g.dirty[Pos{X: x, Y: y}] = struct{}{}
		}
	}
}

// AllTiles returns every tile as a record, ordered by row.
func (g *Grid) AllTiles() []Record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Record, 0, len(g.tiles))
	for y := 0; y < g.height; y++ {
		for x := 0; x < g.width; x++ {
			p := Pos{X: x, Y: y}
			out = append(out, RecordOf(p, g.tiles[g.index(p)].Clone()))
		}
	}
	return out
}

// Region returns the in-bounds tiles within radius r (Chebyshev) of center.
func (g *Grid) Region(center Pos, r int) []Record {
	if r < 0 {
		r = 0
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Record, 0, (2*r+1)*(2*r+1))
	for y := center.Y - r; y <= center.Y+r; y++ {
		for x := center.X - r; x <= center.X+r; x++ {
			p := Pos{X: x, Y: y}
			if !g.InBounds(p) {
				continue
			}
			out = append(out, RecordOf(p, g.tiles[g.index(p)].Clone()))
		}
	}
	return out
}

func (g *Grid) cropPositions() []Pos {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Pos, 0, len(g.crops))
	for p := range g.crops {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Y != out[j].Y {
			return out[i].Y < out[j].Y
		}
		return out[i].X < out[j].X
	})
	return out
}

func sortRecords(rs []Record) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Y != rs[j].Y {
			return rs[i].Y < rs[j].Y
		}
		return rs[i].X < rs[j].X
	})
}
