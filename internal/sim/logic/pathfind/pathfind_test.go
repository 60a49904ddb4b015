package pathfind

import (
	"testing"

	"tileworld.ai/internal/sim/terrain"
)

// grid parses rows where '#' is blocked and anything else is walkable.
func grid(rows ...string) func(terrain.Pos) bool {
	return func(p terrain.Pos) bool {
		if p.Y < 0 || p.Y >= len(rows) || p.X < 0 || p.X >= len(rows[p.Y]) {
			return false
		}
		return rows[p.Y][p.X] != '#'
	}
}

func TestShortestPathStraight(t *testing.T) {
	w := grid(
		".....",
		".....",
	)
	path, ok := ShortestPath(terrain.Pos{X: 0, Y: 0}, terrain.Pos{X: 4, Y: 0}, 100, w)
	if !ok || len(path) != 4 {
		t.Fatalf("ok=%v path=%v", ok, path)
	}
	if path[len(path)-1] != (terrain.Pos{X: 4, Y: 0}) {
		t.Fatalf("path does not end at goal: %v", path)
	}
}

func TestShortestPathAroundWall(t *testing.T) {
	w := grid(
		"..#..",
		"..#..",
		".....",
	)
	path, ok := ShortestPath(terrain.Pos{X: 0, Y: 0}, terrain.Pos{X: 4, Y: 0}, 100, w)
	if !ok {
		t.Fatalf("no path")
	}
	if len(path) != 8 {
		t.Fatalf("len=%d want 8: %v", len(path), path)
	}
	prev := terrain.Pos{X: 0, Y: 0}
	for _, p := range path {
		if !w(p) {
			t.Fatalf("path crosses wall at %v", p)
		}
		if d := terrain.Distance(prev, p); d != 1 {
			t.Fatalf("non-adjacent step %v -> %v", prev, p)
		}
		prev = p
	}
}

func TestShortestPathDeterministic(t *testing.T) {
	w := grid(
		"....",
		"....",
		"....",
	)
	a, _ := ShortestPath(terrain.Pos{}, terrain.Pos{X: 3, Y: 2}, 100, w)
	b, _ := ShortestPath(terrain.Pos{}, terrain.Pos{X: 3, Y: 2}, 100, w)
	if len(a) != len(b) {
		t.Fatalf("lengths differ")
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("paths differ at %d: %v vs %v", i, a, b)
		}
	}
}

func TestShortestPathFailures(t *testing.T) {
	w := grid(
		"..#..",
		"..#..",
	)
	if _, ok := ShortestPath(terrain.Pos{}, terrain.Pos{X: 4, Y: 0}, 100, w); ok {
		t.Fatalf("found path through a full wall")
	}
	if _, ok := ShortestPath(terrain.Pos{}, terrain.Pos{X: 2, Y: 0}, 100, w); ok {
		t.Fatalf("found path to blocked goal")
	}
	open := grid("..........")
	if _, ok := ShortestPath(terrain.Pos{}, terrain.Pos{X: 9, Y: 0}, 3, open); ok {
		t.Fatalf("node budget ignored")
	}
	path, ok := ShortestPath(terrain.Pos{X: 1}, terrain.Pos{X: 1}, 10, open)
	if !ok || len(path) != 0 {
		t.Fatalf("same cell: ok=%v path=%v", ok, path)
	}
}
