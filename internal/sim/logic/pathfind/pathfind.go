package pathfind

import "tileworld.ai/internal/sim/terrain"

// Fixed neighbour order keeps MOVE_TO paths stable across runs.
var dirs = []terrain.Pos{{X: 1}, {X: -1}, {Y: 1}, {Y: -1}}

// ShortestPath runs a breadth-first search over 4-neighbours from start to goal.
// The returned path excludes start and ends at goal. maxNodes bounds the number
// of expanded cells; exceeding it, or an unwalkable goal, reports false.
func ShortestPath(start, goal terrain.Pos, maxNodes int, walkable func(terrain.Pos) bool) ([]terrain.Pos, bool) {
	if start == goal {
		return []terrain.Pos{}, true
	}
	if maxNodes <= 0 || !walkable(goal) {
		return nil, false
	}

	prev := make(map[terrain.Pos]terrain.Pos, 256)
	prev[start] = start
	queue := make([]terrain.Pos, 0, 256)
	queue = append(queue, start)

	for head := 0; head < len(queue); head++ {
		if head >= maxNodes {
			return nil, false
		}
		cur := queue[head]
		for _, d := range dirs {
			np := cur.Add(d.X, d.Y)
			if _, seen := prev[np]; seen {
				continue
			}
			if !walkable(np) {
				continue
			}
			prev[np] = cur
			if np == goal {
				return unwind(prev, start, goal), true
			}
			queue = append(queue, np)
		}
	}
	return nil, false
}

func unwind(prev map[terrain.Pos]terrain.Pos, start, goal terrain.Pos) []terrain.Pos {
	var rev []terrain.Pos
	for p := goal; p != start; p = prev[p] {
		rev = append(rev, p)
	}
	out := make([]terrain.Pos, len(rev))
	for i := range rev {
		out[i] = rev[len(rev)-1-i]
	}
	return out
}
