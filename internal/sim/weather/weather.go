// Package weather drives the world's weather as a probabilistic state machine
// that advances on day-phase transitions.
package weather

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"tileworld.ai/internal/sim/clock"
)

type Kind string

const (
	Clear  Kind = "CLEAR"
	Cloudy Kind = "CLOUDY"
	Rain   Kind = "RAIN"
	Storm  Kind = "STORM"
	Fog    Kind = "FOG"
)

var kinds = []Kind{Clear, Cloudy, Rain, Storm, Fog}

func Kinds() []Kind { return append([]Kind(nil), kinds...) }

func IsKnown(k Kind) bool {
	for _, v := range kinds {
		if v == k {
			return true
		}
	}
	return false
}

type Transition struct {
	Next       Kind
	Cumulative float64
}

// Table lists, per current weather, the ordered transitions with cumulative probabilities.
type Table map[Kind][]Transition

func DefaultTable() Table {
	return Table{
		Clear:  {{Clear, 0.60}, {Cloudy, 0.90}, {Rain, 0.97}, {Fog, 1.0}},
		Cloudy: {{Clear, 0.35}, {Cloudy, 0.65}, {Rain, 0.90}, {Storm, 0.95}, {Fog, 1.0}},
		Rain:   {{Cloudy, 0.40}, {Rain, 0.75}, {Storm, 0.90}, {Clear, 1.0}},
		Storm:  {{Rain, 0.55}, {Storm, 0.80}, {Cloudy, 1.0}},
		Fog:    {{Clear, 0.50}, {Cloudy, 0.80}, {Fog, 1.0}},
	}
}

// ValidateTable checks that every row is non-empty, non-decreasing, reaches 1 and
// only references weathers that have their own row.
func ValidateTable(t Table) error {
	if len(t) == 0 {
		return fmt.Errorf("weather table is empty")
	}
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	for _, ks := range keys {
		k := Kind(ks)
		row := t[k]
		if len(row) == 0 {
			return fmt.Errorf("weather %s has no transitions", k)
		}
		prev := 0.0
		for i, tr := range row {
			if _, ok := t[tr.Next]; !ok {
				return fmt.Errorf("weather %s: transition %d targets %s which has no row", k, i, tr.Next)
			}
			if tr.Cumulative < prev {
				return fmt.Errorf("weather %s: cumulative probability decreases at %d", k, i)
			}
			prev = tr.Cumulative
		}
		if prev < 1 {
			return fmt.Errorf("weather %s: cumulative probability ends at %v, want 1", k, prev)
		}
	}
	return nil
}

// NextWeather picks the first transition whose cumulative probability covers draw.
// If rounding leaves draw uncovered the last entry is used, so the walk always
// terminates on a member of the table.
func NextWeather(t Table, current Kind, draw float64) Kind {
	row := t[current]
	if len(row) == 0 {
		return current
	}
	for _, tr := range row {
		if draw <= tr.Cumulative {
			return tr.Next
		}
	}
	return row[len(row)-1].Next
}

// Source is the random draw used by the engine; *rand.Rand satisfies it.
type Source interface {
	Float64() float64
}

type Config struct {
	Table Table
	// NightFogPermille is the chance per night transition of forcing fog.
	NightFogPermille int
	Source           Source
	Seed             int64
	Initial          Kind
}

type Change struct {
	From  Kind
	To    Kind
	Phase clock.DayPhase
}

type Engine struct {
	mu sync.Mutex

	table    Table
	nightFog float64
	src      Source
	current  Kind

	listeners []func(Change)
}

func New(cfg Config) (*Engine, error) {
	if cfg.Table == nil {
		cfg.Table = DefaultTable()
	}
	if err := ValidateTable(cfg.Table); err != nil {
		return nil, err
	}
	if cfg.Source == nil {
		cfg.Source = rand.New(rand.NewSource(cfg.Seed))
	}
	if cfg.Initial == "" {
		cfg.Initial = Clear
	}
	if _, ok := cfg.Table[cfg.Initial]; !ok {
		return nil, fmt.Errorf("initial weather %s not in table", cfg.Initial)
	}
	return &Engine{
		table:    cfg.Table,
		nightFog: float64(cfg.NightFogPermille) / 1000,
		src:      cfg.Source,
		current:  cfg.Initial,
	}, nil
}

func (e *Engine) OnChange(fn func(Change)) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

// Update advances the weather for a newly entered day phase.
func (e *Engine) Update(phase clock.DayPhase) Kind {
	e.mu.Lock()
	prev := e.current
	var next Kind
	if phase == clock.PhaseNight && e.nightFog > 0 && e.src.Float64() < e.nightFog {
		next = Fog
	} else {
		next = NextWeather(e.table, prev, e.src.Float64())
	}
	e.current = next
	listeners := e.listeners
	e.mu.Unlock()

	if next != prev {
		ch := Change{From: prev, To: next, Phase: phase}
		for _, fn := range listeners {
			fn(ch)
		}
	}
	return next
}

func (e *Engine) Current() Kind {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Restore sets the current weather without notifying listeners.
func (e *Engine) Restore(k Kind) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.table[k]; !ok {
		return fmt.Errorf("unknown weather %q", k)
	}
	e.current = k
	return nil
}
