package agents

import (
	"errors"
	"testing"
	"time"

	"tileworld.ai/internal/protocol"
	"tileworld.ai/internal/sim/terrain"
)

func newRegistry(t *testing.T) (*Registry, *terrain.Grid) {
	t.Helper()
	g := terrain.NewGrid(10, 10)
	r := New(Config{
		Grid:             g,
		Spawn:            terrain.Pos{X: 5, Y: 5},
		EnergyMax:        10,
		EnergyRegenTicks: 5,
		MoveEnergyCost:   1,
		IdleAfterTicks:   100,
		SenseRadiusMax:   3,
		Now:              func() time.Time { return time.Unix(100, 0) },
	})
	return r, g
}

func TestJoinAndReconnect(t *testing.T) {
	r, _ := newRegistry(t)
	p, err := r.Join("", "  alice ")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if p.ID == "" || p.Name != "alice" || p.Position != (terrain.Pos{X: 5, Y: 5}) || p.Attributes.Energy != 10 {
		t.Fatalf("player=%+v", p)
	}
	r.Leave(p.ID)
	if _, ok := r.Position(p.ID); ok {
		t.Fatalf("offline player still has a position")
	}
	back, err := r.Join(p.ID, "")
	if err != nil || back.Status != StatusOnline || back.Name != "alice" {
		t.Fatalf("reconnect: %+v %v", back, err)
	}
	if _, err := r.Join(p.ID, "mallory"); !errors.Is(err, ErrAlreadyOnline) {
		t.Fatalf("second resume: %v", err)
	}
	if cur, _ := r.Get(p.ID); cur.Status != StatusOnline || cur.Name != "alice" {
		t.Fatalf("rejected resume changed player: %+v", cur)
	}
	if _, err := r.Join("missing", "x"); !errors.Is(err, ErrUnknownPlayer) {
		t.Fatalf("err=%v", err)
	}
}

func TestSpawnAvoidsBlockedCell(t *testing.T) {
	r, g := newRegistry(t)
	g.Overwrite(terrain.Pos{X: 5, Y: 5}, terrain.Tile{Type: terrain.TypeWater})
	p, _ := r.Join("", "bob")
	if p.Position == (terrain.Pos{X: 5, Y: 5}) || !g.IsWalkable(p.Position) {
		t.Fatalf("spawned at %v", p.Position)
	}
	if terrain.Distance(p.Position, terrain.Pos{X: 5, Y: 5}) > 1.5 {
		t.Fatalf("spawn too far: %v", p.Position)
	}
}

func TestMoveBy(t *testing.T) {
	r, g := newRegistry(t)
	p, _ := r.Join("", "a")
	g.Overwrite(terrain.Pos{X: 6, Y: 5}, terrain.Tile{Type: terrain.TypeRock})

	cases := []struct {
		dx, dy int
		code   string
	}{
		{2, 0, protocol.ErrBadRequest},
		{1, 1, protocol.ErrBadRequest},
		{1, 0, protocol.ErrBlocked},
		{0, -1, ""},
	}
	for _, tc := range cases {
		res := r.MoveBy(p.ID, tc.dx, tc.dy)
		if res.Code != tc.code || res.Success != (tc.code == "") {
			t.Fatalf("move %d,%d: %+v want code %q", tc.dx, tc.dy, res, tc.code)
		}
	}
	got, _ := r.Get(p.ID)
	if got.Position != (terrain.Pos{X: 5, Y: 4}) || got.Attributes.Energy != 9 {
		t.Fatalf("player=%+v", got)
	}
}

func TestMoveByOutOfBoundsAndEnergy(t *testing.T) {
	g := terrain.NewGrid(2, 1)
	r := New(Config{Grid: g, EnergyMax: 1, MoveEnergyCost: 1})
	p, _ := r.Join("", "a")
	if res := r.MoveBy(p.ID, -1, 0); res.Code != protocol.ErrOutOfBounds {
		t.Fatalf("res=%+v", res)
	}
	if res := r.MoveBy(p.ID, 1, 0); !res.Success {
		t.Fatalf("res=%+v", res)
	}
	if res := r.MoveBy(p.ID, -1, 0); res.Code != protocol.ErrBlocked {
		t.Fatalf("tired move: %+v", res)
	}
}

func TestPathTo(t *testing.T) {
	r, g := newRegistry(t)
	p, _ := r.Join("", "a")
	for y := 0; y < 9; y++ {
		g.Overwrite(terrain.Pos{X: 7, Y: y}, terrain.Tile{Type: terrain.TypeWater})
	}
	path, code := r.PathTo(p.ID, terrain.Pos{X: 9, Y: 5})
	if code != "" || len(path) == 0 || path[len(path)-1] != (terrain.Pos{X: 9, Y: 5}) {
		t.Fatalf("path=%v code=%s", path, code)
	}
	for _, c := range path {
		if c.X == 7 && c.Y < 9 {
			t.Fatalf("path crosses water at %v", c)
		}
	}
	if _, code := r.PathTo(p.ID, terrain.Pos{X: 7, Y: 0}); code != protocol.ErrBlocked {
		t.Fatalf("code=%s", code)
	}
	if _, code := r.PathTo(p.ID, terrain.Pos{X: 70, Y: 0}); code != protocol.ErrOutOfBounds {
		t.Fatalf("code=%s", code)
	}
}

func TestSenseClampsRadius(t *testing.T) {
	r, _ := newRegistry(t)
	a, _ := r.Join("", "a")
	b, _ := r.Join("", "b")
	r.MoveBy(b.ID, 1, 0)

	res, ok := r.Sense(a.ID, 50)
	if !ok || res.Radius != 3 || len(res.Tiles) != 49 {
		t.Fatalf("radius=%d tiles=%d", res.Radius, len(res.Tiles))
	}
	if len(res.Players) != 1 || res.Players[0].ID != b.ID {
		t.Fatalf("players=%+v", res.Players)
	}
	res, _ = r.Sense(a.ID, -2)
	if res.Radius != 0 || len(res.Tiles) != 1 || len(res.Players) != 0 {
		t.Fatalf("zero radius: %+v", res)
	}
}

func TestGrantAndAdvance(t *testing.T) {
	r, _ := newRegistry(t)
	p, _ := r.Join("", "a")
	if err := r.Grant(p.ID, map[string]int{"wood": 3}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := r.Grant(p.ID, map[string]int{"wood": -1}); !errors.Is(err, ErrBadItems) {
		t.Fatalf("err=%v", err)
	}
	r.MoveBy(p.ID, 1, 0)
	r.Advance(5)
	got, _ := r.Get(p.ID)
	if got.Inventory["wood"] != 3 || got.Attributes.Energy != 10 {
		t.Fatalf("player=%+v", got)
	}
	r.Advance(200)
	if got, _ := r.Get(p.ID); got.Status != StatusIdle {
		t.Fatalf("status=%s want IDLE", got.Status)
	}
	r.Touch(p.ID)
	if got, _ := r.Get(p.ID); got.Status != StatusOnline {
		t.Fatalf("status=%s want ONLINE", got.Status)
	}
}

func TestDirtyTracking(t *testing.T) {
	r, _ := newRegistry(t)
	a, _ := r.Join("", "a")
	b, _ := r.Join("", "b")

	saved := r.DirtyPlayers()
	if len(saved) != 2 {
		t.Fatalf("dirty=%d want 2", len(saved))
	}
	// b changes while the save is in flight.
	r.MoveBy(b.ID, 0, 1)
	r.ClearFlushed(saved)

	dirty := r.DirtyPlayers()
	if len(dirty) != 1 || dirty[0].ID != b.ID {
		t.Fatalf("dirty=%+v", dirty)
	}
	r.ClearFlushed(dirty)
	if r.DirtyCount() != 0 {
		t.Fatalf("dirty=%d", r.DirtyCount())
	}
	r.MarkAllDirty()
	if r.DirtyCount() != 2 {
		t.Fatalf("dirty=%d want 2", r.DirtyCount())
	}
	_ = a
}

func TestRestoreBringsPlayersBackOffline(t *testing.T) {
	r, _ := newRegistry(t)
	n := r.Restore([]Player{
		{ID: "p1", Name: "one", Status: StatusOnline, Position: terrain.Pos{X: 1, Y: 1}},
		{ID: "p2", Name: "two", Status: StatusOffline, Inventory: map[string]int{"stone": 2}},
	})
	if n != 2 {
		t.Fatalf("restored=%d", n)
	}
	dirty := r.DirtyPlayers()
	if len(dirty) != 1 || dirty[0].ID != "p1" || dirty[0].Status != StatusOffline {
		t.Fatalf("dirty=%+v", dirty)
	}
	p2, _ := r.Get("p2")
	if p2.Inventory["stone"] != 2 || p2.Attributes.EnergyMax != 10 {
		t.Fatalf("p2=%+v", p2)
	}
	if r.Online() != 0 {
		t.Fatalf("online=%d", r.Online())
	}
	r.Respawn()
	p2, _ = r.Get("p2")
	if p2.Position != (terrain.Pos{X: 5, Y: 5}) || len(p2.Inventory) != 0 {
		t.Fatalf("respawned p2=%+v", p2)
	}
}
