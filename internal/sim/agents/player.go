package agents

import (
	"sort"
	"time"

	"tileworld.ai/internal/sim/terrain"
)

type Status string

const (
	StatusOnline  Status = "ONLINE"
	StatusIdle    Status = "IDLE"
	StatusOffline Status = "OFFLINE"
)

type Attributes struct {
	Energy    int `json:"energy"`
	EnergyMax int `json:"energy_max"`
}

// Player is the live copy of a PlayerSnapshot. Values returned by the
// registry are detached copies.
type Player struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Position     terrain.Pos    `json:"position"`
	Status       Status         `json:"status"`
	Attributes   Attributes     `json:"attributes"`
	Inventory    map[string]int `json:"inventory,omitempty"`
	JoinedAt     time.Time      `json:"joined_at"`
	LastActiveAt time.Time      `json:"last_active_at"`

	// Rev identifies the in-memory revision a copy was taken at. It is not
	// persisted.
	Rev uint64 `json:"-"`
}

func (p Player) Clone() Player {
	if p.Inventory != nil {
		inv := make(map[string]int, len(p.Inventory))
		for k, v := range p.Inventory {
			inv[k] = v
		}
		p.Inventory = inv
	}
	return p
}

// SortedItems returns the inventory keys in a stable order.
func (p Player) SortedItems() []string {
	keys := make([]string, 0, len(p.Inventory))
	for k := range p.Inventory {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
