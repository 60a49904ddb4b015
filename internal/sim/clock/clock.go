// Package clock converts elapsed wall time into world ticks and day phases.
package clock

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// ErrInvalidArgument is wrapped by every rejected Config or setter value.
var ErrInvalidArgument = errors.New("clock: invalid argument")

// DayPhase is one quarter of a world day.
type DayPhase string

const (
	PhaseDawn  DayPhase = "dawn"
	PhaseDay   DayPhase = "day"
	PhaseDusk  DayPhase = "dusk"
	PhaseNight DayPhase = "night"
)

var phases = [4]DayPhase{PhaseDawn, PhaseDay, PhaseDusk, PhaseNight}

// PhaseForTick splits one day into four equal periods: dawn, day, dusk, night.
func PhaseForTick(tick uint64, ticksPerDay int) DayPhase {
	period := periodLen(ticksPerDay)
	return phases[(tick/period)%4]
}

func periodLen(ticksPerDay int) uint64 {
	p := ticksPerDay / 4
	if p <= 0 {
		p = 1
	}
	return uint64(p)
}

// Snapshot is the persisted form of the clock.
type Snapshot struct {
	Tick            uint64    `json:"tick"`
	DayPhase        DayPhase  `json:"day_phase"`
	SpeedMultiplier float64   `json:"speed_multiplier"`
	TickIntervalMs  int       `json:"tick_interval_ms"`
	LastUpdatedAt   time.Time `json:"last_updated_at"`
}

// Config fixes the tick cadence and day length of a Clock.
type Config struct {
	TickInterval time.Duration
	TicksPerDay  int
	Speed        float64

	// Now defaults to time.Now.
	Now func() time.Time
}

// PhaseChange is delivered to listeners once per boundary crossed.
type PhaseChange struct {
	From DayPhase
	To   DayPhase
	Tick uint64
}

// Clock is safe for concurrent use. It only advances while started.
type Clock struct {
	mu sync.Mutex

	interval    time.Duration
	ticksPerDay int
	speed       float64
	now         func() time.Time

	running bool

	tick  uint64
	phase DayPhase

	// Ticks are derived from unconverted elapsed time since the last reference
	// reset, so the result does not depend on how the time was sliced.
	baseTick uint64
	elapsed  time.Duration

	lastUpdatedAt time.Time

	listeners []func(PhaseChange)
}

// New validates cfg and returns a stopped clock at tick 0. Speed 0 means 1.
func New(cfg Config) (*Clock, error) {
	if cfg.TickInterval <= 0 {
		return nil, fmt.Errorf("%w: tick interval must be > 0", ErrInvalidArgument)
	}
	if cfg.TicksPerDay < 4 || cfg.TicksPerDay%4 != 0 {
		return nil, fmt.Errorf("%w: ticks per day must be a positive multiple of 4", ErrInvalidArgument)
	}
	if cfg.Speed == 0 {
		cfg.Speed = 1
	}
	if cfg.Speed < 0 || math.IsNaN(cfg.Speed) || math.IsInf(cfg.Speed, 0) {
		return nil, fmt.Errorf("%w: speed multiplier must be > 0", ErrInvalidArgument)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := &Clock{
		interval:    cfg.TickInterval,
		ticksPerDay: cfg.TicksPerDay,
		speed:       cfg.Speed,
		now:         cfg.Now,
		phase:       PhaseForTick(0, cfg.TicksPerDay),
	}
	c.lastUpdatedAt = c.now()
	return c, nil
}

// OnPhaseChange registers fn. Listeners run on the caller's goroutine after
// the clock lock is released.
func (c *Clock) OnPhaseChange(fn func(PhaseChange)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

func (c *Clock) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.resetReferenceLocked()
}

func (c *Clock) Stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

func (c *Clock) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Advance converts delta into whole ticks and returns how many ticks were added.
// The fractional remainder is retained for the next call.
func (c *Clock) Advance(delta time.Duration) uint64 {
	if delta < 0 {
		delta = 0
	}
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return 0
	}
	c.elapsed += delta
	target := c.baseTick + uint64(math.Floor(float64(c.elapsed)*c.speed/float64(c.interval)))
	c.lastUpdatedAt = c.now()
	if target <= c.tick {
		c.mu.Unlock()
		return 0
	}
	prev := c.tick
	c.tick = target
	c.phase = PhaseForTick(target, c.ticksPerDay)
	changes := c.crossingsLocked(prev, target)
	listeners := c.listeners
	c.mu.Unlock()

	notify(listeners, changes)
	return target - prev
}

// crossingsLocked lists the phase boundaries in (from, to]. A jump longer than
// one day only reports the last full cycle.
func (c *Clock) crossingsLocked(from, to uint64) []PhaseChange {
	period := periodLen(c.ticksPerDay)
	first := from/period + 1
	last := to / period
	if last < first {
		return nil
	}
	if last-first+1 > uint64(len(phases)) {
		first = last - uint64(len(phases)) + 1
	}
	out := make([]PhaseChange, 0, last-first+1)
	for p := first; p <= last; p++ {
		out = append(out, PhaseChange{
			From: phases[(p-1)%4],
			To:   phases[p%4],
			Tick: p * period,
		})
	}
	return out
}

// SetSpeed changes the multiplier. Time that elapsed but was not yet converted
// into ticks is dropped so the new multiplier does not apply retroactively.
func (c *Clock) SetSpeed(multiplier float64) error {
	if !(multiplier > 0) || math.IsInf(multiplier, 0) {
		return fmt.Errorf("%w: speed multiplier must be > 0 (got %v)", ErrInvalidArgument, multiplier)
	}
	c.mu.Lock()
	c.speed = multiplier
	c.resetReferenceLocked()
	c.mu.Unlock()
	return nil
}

// Restore re-seeds the clock from persisted state. The phase is recomputed from
// the tick; a single change notification fires if it differs from the current one.
func (c *Clock) Restore(s Snapshot) error {
	if !(s.SpeedMultiplier > 0) {
		return fmt.Errorf("%w: restored speed multiplier must be > 0", ErrInvalidArgument)
	}
	c.mu.Lock()
	before := c.phase
	c.tick = s.Tick
	c.speed = s.SpeedMultiplier
	if s.TickIntervalMs > 0 {
		c.interval = time.Duration(s.TickIntervalMs) * time.Millisecond
	}
	c.phase = PhaseForTick(s.Tick, c.ticksPerDay)
	c.resetReferenceLocked()
	after := c.phase
	listeners := c.listeners
	c.mu.Unlock()

	if before != after {
		notify(listeners, []PhaseChange{{From: before, To: after, Tick: s.Tick}})
	}
	return nil
}

func (c *Clock) resetReferenceLocked() {
	c.baseTick = c.tick
	c.elapsed = 0
	c.lastUpdatedAt = c.now()
}

func (c *Clock) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Tick:            c.tick,
		DayPhase:        c.phase,
		SpeedMultiplier: c.speed,
		TickIntervalMs:  int(c.interval / time.Millisecond),
		LastUpdatedAt:   c.lastUpdatedAt,
	}
}

func (c *Clock) Tick() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tick
}

func (c *Clock) Phase() DayPhase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Clock) Speed() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speed
}

func (c *Clock) TicksPerDay() int { return c.ticksPerDay }

func notify(listeners []func(PhaseChange), changes []PhaseChange) {
	for _, ch := range changes {
		for _, fn := range listeners {
			fn(ch)
		}
	}
}
