package tuning

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	WorldID string `yaml:"world_id"`
	Seed    int64  `yaml:"seed"`

	TickIntervalMs  int     `yaml:"tick_interval_ms"`
	SpeedMultiplier float64 `yaml:"speed_multiplier"`
	TicksPerDay     int     `yaml:"ticks_per_day"`

	GridWidth  int `yaml:"grid_width"`
	GridHeight int `yaml:"grid_height"`

	InteractionRadius float64 `yaml:"interaction_radius"`
	SenseRadiusMax    int     `yaml:"sense_radius_max"`
	PathMaxNodes      int     `yaml:"path_max_nodes"`
	MoveStepMs        int     `yaml:"move_step_ms"`

	ActionQueueMax int `yaml:"action_queue_max"`

	FullFlushEveryMs    int `yaml:"full_flush_every_ms"`
	FlushRetryMs        int `yaml:"flush_retry_ms"`
	BroadcastEveryTicks int `yaml:"broadcast_every_ticks"`

	CropGrowthTicks int `yaml:"crop_growth_ticks"`

	Weather  WeatherTuning  `yaml:"weather"`
	Agents   AgentTuning    `yaml:"agents"`
	WorldGen WorldGenTuning `yaml:"worldgen"`
}

type WeatherTuning struct {
	NightFogPermille int `yaml:"night_fog_permille"`
}

type AgentTuning struct {
	EnergyMax        int `yaml:"energy_max"`
	EnergyRegenTicks int `yaml:"energy_regen_ticks"`
	MoveEnergyCost   int `yaml:"move_energy_cost"`
	IdleAfterTicks   int `yaml:"idle_after_ticks"`
}

type WorldGenTuning struct {
	TreePermille  int `yaml:"tree_permille"`
	RockPermille  int `yaml:"rock_permille"`
	WaterPermille int `yaml:"water_permille"`
	DirtPermille  int `yaml:"dirt_permille"`

	TreeDurability int `yaml:"tree_durability"`
	RockDurability int `yaml:"rock_durability"`

	SpawnClearRadius int `yaml:"spawn_clear_radius"`
}

func Defaults() Tuning {
	return Tuning{
		WorldID:             "world_1",
		Seed:                1337,
		TickIntervalMs:      50,
		SpeedMultiplier:     1,
		TicksPerDay:         2400,
		GridWidth:           64,
		GridHeight:          64,
		InteractionRadius:   1.5,
		SenseRadiusMax:      8,
		PathMaxNodes:        4096,
		MoveStepMs:          200,
		ActionQueueMax:      100,
		FullFlushEveryMs:    60_000,
		FlushRetryMs:        5_000,
		BroadcastEveryTicks: 5,
		CropGrowthTicks:     600,
		Weather: WeatherTuning{
			NightFogPermille: 100,
		},
		Agents: AgentTuning{
			EnergyMax:        100,
			EnergyRegenTicks: 20,
			MoveEnergyCost:   1,
			IdleAfterTicks:   1200,
		},
		WorldGen: WorldGenTuning{
			TreePermille:     80,
			RockPermille:     40,
			WaterPermille:    30,
			DirtPermille:     60,
			TreeDurability:   3,
			RockDurability:   5,
			SpawnClearRadius: 3,
		},
	}
}

// Load reads a tuning file on top of Defaults(). Missing keys keep their default.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	switch {
	case t.WorldID == "":
		return fmt.Errorf("world_id must be set")
	case t.TickIntervalMs <= 0:
		return fmt.Errorf("tick_interval_ms must be > 0")
	case t.SpeedMultiplier <= 0:
		return fmt.Errorf("speed_multiplier must be > 0")
	case t.TicksPerDay < 4 || t.TicksPerDay%4 != 0:
		return fmt.Errorf("ticks_per_day must be a positive multiple of 4 (got %d)", t.TicksPerDay)
	case t.GridWidth <= 0 || t.GridHeight <= 0:
		return fmt.Errorf("grid size must be positive (got %dx%d)", t.GridWidth, t.GridHeight)
	case t.InteractionRadius <= 0:
		return fmt.Errorf("interaction_radius must be > 0")
	case t.ActionQueueMax <= 0:
		return fmt.Errorf("action_queue_max must be > 0")
	case t.FullFlushEveryMs <= 0:
		return fmt.Errorf("full_flush_every_ms must be > 0")
	case t.Weather.NightFogPermille < 0 || t.Weather.NightFogPermille > 1000:
		return fmt.Errorf("weather.night_fog_permille must be within [0,1000]")
	}
	return nil
}

func (t Tuning) TickInterval() time.Duration {
	return time.Duration(t.TickIntervalMs) * time.Millisecond
}

func (t Tuning) FullFlushEvery() time.Duration {
	return time.Duration(t.FullFlushEveryMs) * time.Millisecond
}

func (t Tuning) FlushRetry() time.Duration {
	return time.Duration(t.FlushRetryMs) * time.Millisecond
}

func (t Tuning) MoveStep() time.Duration {
	return time.Duration(t.MoveStepMs) * time.Millisecond
}
