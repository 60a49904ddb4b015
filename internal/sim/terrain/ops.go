package terrain

import "errors"

var (
	ErrOutOfBounds      = errors.New("terrain: out of bounds")
	ErrVersionConflict  = errors.New("terrain: tile changed concurrently")
	ErrNotTillable      = errors.New("terrain: tile cannot be tilled")
	ErrNotFarmland      = errors.New("terrain: tile is not farmland")
	ErrOccupied         = errors.New("terrain: farmland already has a crop")
	ErrUnknownCrop      = errors.New("terrain: unknown crop")
	ErrNothingToHarvest = errors.New("terrain: nothing to harvest")
	ErrCropNotMature    = errors.New("terrain: crop is not mature")
)

// MatureStage is the growth stage at which a crop can be harvested.
const MatureStage = 3

const DefaultCrop = "wheat"

var crops = map[string]struct{}{
	"wheat":  {},
	"carrot": {},
	"potato": {},
}

func IsKnownCrop(c string) bool {
	_, ok := crops[c]
	return ok
}

// Change describes one accepted tile mutation.
type Change struct {
	Pos    Pos            `json:"pos"`
	Before Record         `json:"before"`
	After  Record         `json:"after"`
	Drops  map[string]int `json:"drops,omitempty"`
}

// mutate runs the read -> compute -> conditional write cycle shared by all
// domain operations. A concurrent writer between read and write surfaces as
// ErrVersionConflict; the caller decides whether to retry.
func (g *Grid) mutate(p Pos, compute func(cur Tile) (Tile, map[string]int, error)) (Change, error) {
	if !g.InBounds(p) {
		return Change{}, ErrOutOfBounds
	}
	cur := g.GetTile(p)
	next, drops, err := compute(cur)
	if err != nil {
		return Change{}, err
	}
	if !g.SetTile(p, next, cur.Version) {
		return Change{}, ErrVersionConflict
	}
	next.Version = cur.Version + 1
	return Change{Pos: p, Before: RecordOf(p, cur), After: RecordOf(p, next), Drops: drops}, nil
}

func (g *Grid) Till(p Pos) (Change, error) {
	return g.mutate(p, func(cur Tile) (Tile, map[string]int, error) {
		if !cur.Type.Tillable() {
			return Tile{}, nil, ErrNotTillable
		}
		return Tile{Type: TypeFarmland, State: FarmlandState{}}, nil, nil
	})
}

func (g *Grid) Plant(p Pos, crop string, tick uint64) (Change, error) {
	if crop == "" {
		crop = DefaultCrop
	}
	if !IsKnownCrop(crop) {
		return Change{}, ErrUnknownCrop
	}
	return g.mutate(p, func(cur Tile) (Tile, map[string]int, error) {
		fs, ok := cur.Farmland()
		if cur.Type != TypeFarmland || !ok {
			return Tile{}, nil, ErrNotFarmland
		}
		if fs.Crop != "" {
			return Tile{}, nil, ErrOccupied
		}
		fs.Crop = crop
		fs.PlantedTick = tick
		fs.StageTick = tick
		fs.Stage = 0
		return Tile{Type: TypeFarmland, State: fs}, nil, nil
	})
}

func (g *Grid) Water(p Pos) (Change, error) {
	return g.mutate(p, func(cur Tile) (Tile, map[string]int, error) {
		fs, ok := cur.Farmland()
		if cur.Type != TypeFarmland || !ok {
			return Tile{}, nil, ErrNotFarmland
		}
		fs.Watered = true
		return Tile{Type: TypeFarmland, State: fs}, nil, nil
	})
}

// Harvest takes one unit of work from the tile. Resource tiles lose one point of
// durability per call; the call that brings it to zero replaces the tile with
// its base terrain and returns the drop table. Mature crops are picked and the
// farmland is left empty.
func (g *Grid) Harvest(p Pos) (Change, error) {
	return g.mutate(p, func(cur Tile) (Tile, map[string]int, error) {
		switch s := cur.State.(type) {
		case ResourceState:
			if s.Durability <= 0 {
				return Tile{}, nil, ErrNothingToHarvest
			}
			s.Durability--
			if s.Durability > 0 {
				return Tile{Type: cur.Type, State: s}, nil, nil
			}
			drops := map[string]int{}
			if s.Resource != "" && s.DropAmount > 0 {
				drops[s.Resource] = s.DropAmount
			}
			return Tile{Type: baseTerrain(cur.Type)}, drops, nil
		case FarmlandState:
			if s.Crop == "" {
				return Tile{}, nil, ErrNothingToHarvest
			}
			if s.Stage < MatureStage {
				return Tile{}, nil, ErrCropNotMature
			}
			yield := 1
			if s.Watered {
				yield = 2
			}
			return Tile{Type: TypeFarmland, State: FarmlandState{}}, map[string]int{s.Crop: yield}, nil
		case MetadataState, nil:
			return Tile{}, nil, ErrNothingToHarvest
		default:
			return Tile{}, nil, ErrNothingToHarvest
		}
	})
}

func baseTerrain(t TileType) TileType {
	switch t {
	case TypeTree:
		return TypeGrass
	case TypeRock:
		return TypeDirt
	}
	return t
}

// GrowCrops moves every watered crop whose current stage is at least
// growthTicks old one stage forward, consuming the water. Tiles that lose a
// write race are skipped until the next call.
func (g *Grid) GrowCrops(tick uint64, growthTicks int) []Pos {
	if growthTicks <= 0 {
		return nil
	}
	var grown []Pos
	for _, p := range g.cropPositions() {
		_, err := g.mutate(p, func(cur Tile) (Tile, map[string]int, error) {
			fs, ok := cur.Farmland()
			if !ok || fs.Crop == "" || !fs.Watered || fs.Stage >= MatureStage {
				return Tile{}, nil, ErrNothingToHarvest
			}
			if tick < fs.StageTick+uint64(growthTicks) {
				return Tile{}, nil, ErrCropNotMature
			}
			fs.Stage++
			fs.StageTick = tick
			fs.Watered = false
			return Tile{Type: TypeFarmland, State: fs}, nil, nil
		})
		if err == nil {
			grown = append(grown, p)
		}
	}
	return grown
}
