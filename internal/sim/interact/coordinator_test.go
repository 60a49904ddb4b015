package interact

import (
	"context"
	"sync"
	"testing"
	"time"

	"tileworld.ai/internal/protocol"
	"tileworld.ai/internal/sim/terrain"
)

type staticPositions map[string]terrain.Pos

func (s staticPositions) Position(id string) (terrain.Pos, bool) {
	p, ok := s[id]
	return p, ok
}

type rewardLog struct {
	mu    sync.Mutex
	items map[string]int
}

func (r *rewardLog) Grant(_ string, items map[string]int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.items == nil {
		r.items = map[string]int{}
	}
	for k, v := range items {
		r.items[k] += v
	}
	return nil
}

func newCoordinator(t *testing.T, positions staticPositions) (*Coordinator, *terrain.Grid) {
	t.Helper()
	g := terrain.NewGrid(16, 16)
	c, err := New(Config{Grid: g, Positions: positions})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, g
}

func TestDistanceExceeded(t *testing.T) {
	c, _ := newCoordinator(t, staticPositions{"A1": {X: 0, Y: 0}})
	res, err := c.HandleInteraction(context.Background(), Request{AgentID: "A1", Type: TypeTill, Target: terrain.Pos{X: 3, Y: 4}})
	if err != nil {
		t.Fatalf("HandleInteraction: %v", err)
	}
	if res.Success || res.Code != protocol.ErrDistanceExceeded || res.Distance != 5 {
		t.Fatalf("res=%+v", res)
	}
}

func TestRejectsBadRequests(t *testing.T) {
	c, _ := newCoordinator(t, staticPositions{"A1": {X: 0, Y: 0}})
	cases := []struct {
		req  Request
		code string
	}{
		{Request{AgentID: "A1", Type: "DANCE", Target: terrain.Pos{X: 0, Y: 1}}, protocol.ErrBadRequest},
		{Request{AgentID: "nobody", Type: TypeTill, Target: terrain.Pos{X: 0, Y: 1}}, protocol.ErrNotFound},
		{Request{AgentID: "A1", Type: TypeTill, Target: terrain.Pos{X: -1, Y: 0}}, protocol.ErrOutOfBounds},
		{Request{AgentID: "A1", Type: TypeWater, Target: terrain.Pos{X: 1, Y: 0}}, protocol.ErrInvalidTarget},
		{Request{AgentID: "A1", Type: TypePlant, Target: terrain.Pos{X: 1, Y: 1}, Aux: map[string]string{"crop": "kale"}}, protocol.ErrBadRequest},
	}
	for _, tc := range cases {
		res, err := c.HandleInteraction(context.Background(), tc.req)
		if err != nil {
			t.Fatalf("%+v: %v", tc.req, err)
		}
		if res.Success || res.Code != tc.code {
			t.Fatalf("%+v: got %+v want %s", tc.req, res, tc.code)
		}
	}
	if c.Pending() != 0 {
		t.Fatalf("pending=%d", c.Pending())
	}
}

func TestHarvestGrantsRewards(t *testing.T) {
	rewards := &rewardLog{}
	g := terrain.NewGrid(8, 8)
	g.Overwrite(terrain.Pos{X: 1, Y: 0}, terrain.Tile{Type: terrain.TypeTree, State: terrain.ResourceState{Resource: "wood", Durability: 1, DropAmount: 3}})
	c, err := New(Config{Grid: g, Positions: staticPositions{"A1": {}}, Rewards: rewards})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := c.HandleInteraction(context.Background(), Request{AgentID: "A1", Type: TypeHarvest, Target: terrain.Pos{X: 1, Y: 0}})
	if err != nil || !res.Success {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if res.Rewards["wood"] != 3 || rewards.items["wood"] != 3 {
		t.Fatalf("rewards=%v granted=%v", res.Rewards, rewards.items)
	}
	if len(res.Changes) != 1 || res.Changes[0].After.Type != terrain.TypeGrass {
		t.Fatalf("changes=%+v", res.Changes)
	}
}

// slowCAS reads the tile, waits, then writes with the version it read. Two of
// them interleaving on one cell would make the second fail with a conflict.
func slowCAS(started chan<- terrain.Pos, gate <-chan struct{}) Handler {
	return func(g *terrain.Grid, req Request, _ uint64) (terrain.Change, error) {
		cur := g.GetTile(req.Target)
		if started != nil {
			started <- req.Target
		}
		if gate != nil {
			<-gate
		} else {
			time.Sleep(20 * time.Millisecond)
		}
		next := terrain.Tile{Type: terrain.TypeDirt, State: terrain.MetadataState{Values: map[string]string{"by": req.AgentID}}}
		if !g.SetTile(req.Target, next, cur.Version) {
			return terrain.Change{}, terrain.ErrVersionConflict
		}
		return terrain.Change{Pos: req.Target, Before: terrain.RecordOf(req.Target, cur)}, nil
	}
}

func TestSameCellIsSerialized(t *testing.T) {
	c, g := newCoordinator(t, staticPositions{"A1": {X: 5, Y: 4}, "A2": {X: 5, Y: 6}})
	c.Register("SLOW", slowCAS(nil, nil))
	target := terrain.Pos{X: 5, Y: 5}

	var wg sync.WaitGroup
	results := make([]Result, 2)
	for i, id := range []string{"A1", "A2"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			res, err := c.HandleInteraction(context.Background(), Request{AgentID: id, Type: "SLOW", Target: target})
			if err != nil {
				t.Errorf("%s: %v", id, err)
			}
			results[i] = res
		}(i, id)
	}
	wg.Wait()

	for i, r := range results {
		if !r.Success {
			t.Fatalf("request %d failed: %+v", i, r)
		}
	}
	if v := g.GetTile(target).Version; v != 2 {
		t.Fatalf("version=%d want 2", v)
	}
	// The second request must have read the first one's write.
	before := []uint64{results[0].Changes[0].Before.Version, results[1].Changes[0].Before.Version}
	if !(before[0] == 0 && before[1] == 1) && !(before[0] == 1 && before[1] == 0) {
		t.Fatalf("both requests read the same state: %v", before)
	}
	if c.Pending() != 0 {
		t.Fatalf("cell queue not cleaned up: %d", c.Pending())
	}
}

func TestDifferentCellsRunConcurrently(t *testing.T) {
	c, _ := newCoordinator(t, staticPositions{"A1": {X: 5, Y: 5}, "A2": {X: 9, Y: 9}})
	started := make(chan terrain.Pos, 2)
	gate := make(chan struct{})
	c.Register("BLOCK", slowCAS(started, gate))

	blocked := make(chan Result, 1)
	go func() {
		res, _ := c.HandleInteraction(context.Background(), Request{AgentID: "A1", Type: "BLOCK", Target: terrain.Pos{X: 5, Y: 5}})
		blocked <- res
	}()
	<-started

	res, err := c.HandleInteraction(context.Background(), Request{AgentID: "A2", Type: TypeTill, Target: terrain.Pos{X: 9, Y: 9}})
	if err != nil || !res.Success {
		t.Fatalf("(9,9) did not complete while (5,5) was busy: %+v %v", res, err)
	}
	if c.Pending() != 1 {
		t.Fatalf("pending=%d want 1", c.Pending())
	}
	close(gate)
	if r := <-blocked; !r.Success {
		t.Fatalf("(5,5) failed: %+v", r)
	}
	if c.Pending() != 0 {
		t.Fatalf("pending=%d want 0", c.Pending())
	}
}

func TestCancelledWaiterKeepsOrder(t *testing.T) {
	c, g := newCoordinator(t, staticPositions{"A1": {X: 1, Y: 1}})
	started := make(chan terrain.Pos, 3)
	gate := make(chan struct{})
	c.Register("BLOCK", slowCAS(started, gate))
	target := terrain.Pos{X: 1, Y: 1}

	first := make(chan Result, 1)
	go func() {
		res, _ := c.HandleInteraction(context.Background(), Request{AgentID: "A1", Type: "BLOCK", Target: target})
		first <- res
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.HandleInteraction(ctx, Request{AgentID: "A1", Type: TypeTill, Target: target}); err == nil {
		t.Fatalf("expected context error")
	}

	third := make(chan Result, 1)
	go func() {
		res, _ := c.HandleInteraction(context.Background(), Request{AgentID: "A1", Type: "BLOCK", Target: target})
		third <- res
	}()
	select {
	case <-started:
		t.Fatalf("third request overtook the running one")
	case <-time.After(30 * time.Millisecond):
	}
	close(gate)
	if r := <-first; !r.Success {
		t.Fatalf("first: %+v", r)
	}
	if r := <-third; !r.Success {
		t.Fatalf("third: %+v", r)
	}
	if v := g.GetTile(target).Version; v != 2 {
		t.Fatalf("version=%d want 2", v)
	}
}
