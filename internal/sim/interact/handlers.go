package interact

import "tileworld.ai/internal/sim/terrain"

func handleTill(g *terrain.Grid, req Request, _ uint64) (terrain.Change, error) {
	return g.Till(req.Target)
}

func handlePlant(g *terrain.Grid, req Request, tick uint64) (terrain.Change, error) {
	return g.Plant(req.Target, req.Aux["crop"], tick)
}

func handleWater(g *terrain.Grid, req Request, _ uint64) (terrain.Change, error) {
	return g.Water(req.Target)
}

func handleHarvest(g *terrain.Grid, req Request, _ uint64) (terrain.Change, error) {
	return g.Harvest(req.Target)
}

// Types lists the built-in interaction types in a stable order.
func Types() []Type {
	return []Type{TypeTill, TypePlant, TypeWater, TypeHarvest}
}
