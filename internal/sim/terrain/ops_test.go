package terrain

import (
	"errors"
	"testing"
)

func treeAt(g *Grid, p Pos, durability int) {
	g.Overwrite(p, Tile{Type: TypeTree, State: ResourceState{Resource: "wood", Durability: durability, DropAmount: 3}})
}

func TestHarvestTreeDurability(t *testing.T) {
	g := NewGrid(8, 8)
	p := Pos{X: 3, Y: 3}
	treeAt(g, p, 3)

	for i := 1; i <= 2; i++ {
		ch, err := g.Harvest(p)
		if err != nil {
			t.Fatalf("harvest %d: %v", i, err)
		}
		if len(ch.Drops) != 0 || ch.After.Type != TypeTree {
			t.Fatalf("harvest %d: premature drop %+v", i, ch)
		}
		if ch.After.Resource.Durability != 3-i {
			t.Fatalf("harvest %d: durability=%d", i, ch.After.Resource.Durability)
		}
	}
	ch, err := g.Harvest(p)
	if err != nil {
		t.Fatalf("harvest 3: %v", err)
	}
	if ch.After.Type != TypeGrass || ch.Drops["wood"] != 3 {
		t.Fatalf("harvest 3: %+v", ch)
	}
	if got := g.GetTile(p); got.Type != TypeGrass || got.State != nil {
		t.Fatalf("tile after felling: %+v", got)
	}
	if _, err := g.Harvest(p); !errors.Is(err, ErrNothingToHarvest) {
		t.Fatalf("harvest grass: err=%v", err)
	}
}

func TestHarvestRockBecomesDirt(t *testing.T) {
	g := NewGrid(4, 4)
	p := Pos{X: 1, Y: 1}
	g.Overwrite(p, Tile{Type: TypeRock, State: ResourceState{Resource: "stone", Durability: 1, DropAmount: 5}})
	ch, err := g.Harvest(p)
	if err != nil {
		t.Fatalf("harvest: %v", err)
	}
	if ch.After.Type != TypeDirt || ch.Drops["stone"] != 5 {
		t.Fatalf("change=%+v", ch)
	}
}

func TestCropLifecycle(t *testing.T) {
	g := NewGrid(4, 4)
	p := Pos{X: 2, Y: 1}

	if _, err := g.Plant(p, "wheat", 0); !errors.Is(err, ErrNotFarmland) {
		t.Fatalf("plant on grass: err=%v", err)
	}
	if _, err := g.Till(p); err != nil {
		t.Fatalf("till: %v", err)
	}
	if _, err := g.Till(p); !errors.Is(err, ErrNotTillable) {
		t.Fatalf("till twice: err=%v", err)
	}
	if _, err := g.Plant(p, "kale", 0); !errors.Is(err, ErrUnknownCrop) {
		t.Fatalf("unknown crop: err=%v", err)
	}
	if _, err := g.Plant(p, "", 10); err != nil {
		t.Fatalf("plant: %v", err)
	}
	if _, err := g.Plant(p, "carrot", 10); !errors.Is(err, ErrOccupied) {
		t.Fatalf("plant twice: err=%v", err)
	}
	if _, err := g.Harvest(p); !errors.Is(err, ErrCropNotMature) {
		t.Fatalf("early harvest: err=%v", err)
	}

	tick := uint64(10)
	for stage := 1; stage <= MatureStage; stage++ {
		// Unwatered crops do not grow.
		tick += 100
		if grown := g.GrowCrops(tick, 100); len(grown) != 0 {
			t.Fatalf("stage %d: dry crop grew", stage)
		}
		if _, err := g.Water(p); err != nil {
			t.Fatalf("water: %v", err)
		}
		if grown := g.GrowCrops(tick, 100); len(grown) != 1 || grown[0] != p {
			t.Fatalf("stage %d: grown=%v", stage, grown)
		}
	}
	fs, _ := g.GetTile(p).Farmland()
	if fs.Stage != MatureStage || fs.Crop != DefaultCrop {
		t.Fatalf("farmland=%+v", fs)
	}

	if _, err := g.Water(p); err != nil {
		t.Fatalf("water: %v", err)
	}
	ch, err := g.Harvest(p)
	if err != nil {
		t.Fatalf("harvest: %v", err)
	}
	if ch.Drops[DefaultCrop] != 2 {
		t.Fatalf("watered yield=%v", ch.Drops)
	}
	after, _ := g.GetTile(p).Farmland()
	if after.Crop != "" || g.GetTile(p).Type != TypeFarmland {
		t.Fatalf("farmland not reset: %+v", after)
	}
	if len(g.cropPositions()) != 0 {
		t.Fatalf("crop index still holds %v", g.cropPositions())
	}
}

func TestGrowCropsWaitsForPeriod(t *testing.T) {
	g := NewGrid(2, 2)
	p := Pos{X: 0, Y: 0}
	g.Overwrite(p, Tile{Type: TypeFarmland, State: FarmlandState{Crop: "potato", Watered: true, StageTick: 50}})
	if grown := g.GrowCrops(149, 100); len(grown) != 0 {
		t.Fatalf("grew early: %v", grown)
	}
	if grown := g.GrowCrops(150, 100); len(grown) != 1 {
		t.Fatalf("did not grow at period end")
	}
	if grown := g.GrowCrops(1000, 0); grown != nil {
		t.Fatalf("growth with zero period: %v", grown)
	}
}

func TestOpsOutOfBounds(t *testing.T) {
	g := NewGrid(2, 2)
	if _, err := g.Till(Pos{X: 5, Y: 5}); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("err=%v", err)
	}
}

func TestGenerateDeterministic(t *testing.T) {
	cfg := GenConfig{
		Width: 32, Height: 32, Seed: 42,
		TreePermille: 100, RockPermille: 50, WaterPermille: 30, DirtPermille: 60,
		TreeDurability: 3, RockDurability: 5, SpawnClearRadius: 3,
	}
	a := Generate(cfg).AllTiles()
	b := Generate(cfg).AllTiles()
	if len(a) != 32*32 {
		t.Fatalf("tiles=%d", len(a))
	}
	trees := 0
	for i := range a {
		if a[i].Type != b[i].Type {
			t.Fatalf("tile %d differs: %s vs %s", i, a[i].Type, b[i].Type)
		}
		if a[i].Type == TypeTree {
			trees++
			if a[i].Resource == nil || a[i].Resource.Durability != 3 || a[i].Resource.Resource != "wood" {
				t.Fatalf("tree without wood state: %+v", a[i])
			}
		}
	}
	if trees == 0 {
		t.Fatalf("no trees generated")
	}
	sp := cfg.Spawn()
	g := Generate(cfg)
	if g.GetTile(sp).Type != TypeGrass || g.DirtyCount() != 0 {
		t.Fatalf("spawn not clear or generation dirtied tiles")
	}
}

func TestRegenerateBumpsVersions(t *testing.T) {
	cfg := GenConfig{Width: 4, Height: 4, Seed: 1}
	g := Generate(cfg)
	g.Till(Pos{X: 0, Y: 0})
	g.Regenerate(cfg)
	if v := g.GetTile(Pos{X: 0, Y: 0}).Version; v != 2 {
		t.Fatalf("version=%d want 2", v)
	}
	if g.GetTile(Pos{X: 0, Y: 0}).Type == TypeFarmland {
		t.Fatalf("regenerate kept farmland")
	}
	if g.DirtyCount() != 16 {
		t.Fatalf("dirty=%d want 16", g.DirtyCount())
	}
}
