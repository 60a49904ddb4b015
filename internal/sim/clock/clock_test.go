package clock

import (
	"errors"
	"testing"
	"time"
)

func newTestClock(t *testing.T, ticksPerDay int, speed float64) *Clock {
	t.Helper()
	c, err := New(Config{TickInterval: 50 * time.Millisecond, TicksPerDay: ticksPerDay, Speed: speed})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Start()
	return c
}

func TestPhaseForTick(t *testing.T) {
	const perDay = 400 // period = 100
	cases := []struct {
		tick uint64
		want DayPhase
	}{
		{0, PhaseDawn},
		{99, PhaseDawn},
		{100, PhaseDay},
		{199, PhaseDay},
		{200, PhaseDusk},
		{299, PhaseDusk},
		{300, PhaseNight},
		{399, PhaseNight},
		{400, PhaseDawn},
		{1234, PhaseDawn}, // day 3, period 0
		{1434, PhaseDusk},
	}
	for _, tc := range cases {
		if got := PhaseForTick(tc.tick, perDay); got != tc.want {
			t.Fatalf("tick %d: got %s want %s", tc.tick, got, tc.want)
		}
	}
}

func TestAdvanceNoDrift(t *testing.T) {
	for _, speed := range []float64{1, 0.3, 1.7, 2, 10} {
		sliced := newTestClock(t, 400, speed)
		var total time.Duration
		for i := 0; i < 5000; i++ {
			d := time.Duration(1+(i*7)%23) * time.Millisecond / 3
			total += d
			sliced.Advance(d)
		}
		whole := newTestClock(t, 400, speed)
		whole.Advance(total)
		if sliced.Tick() != whole.Tick() {
			t.Fatalf("speed %v: sliced=%d whole=%d", speed, sliced.Tick(), whole.Tick())
		}
	}
}

func TestAdvanceRetainsRemainder(t *testing.T) {
	c := newTestClock(t, 400, 1)
	for i := 0; i < 4; i++ {
		if n := c.Advance(20 * time.Millisecond); i < 2 && n != 0 {
			t.Fatalf("step %d: unexpected ticks %d", i, n)
		}
	}
	// 80ms at 50ms/tick.
	if c.Tick() != 1 {
		t.Fatalf("tick=%d want 1", c.Tick())
	}
	c.Advance(20 * time.Millisecond)
	if c.Tick() != 2 {
		t.Fatalf("tick=%d want 2", c.Tick())
	}
}

func TestAdvanceWhileStopped(t *testing.T) {
	c, err := New(Config{TickInterval: 50 * time.Millisecond, TicksPerDay: 400})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if n := c.Advance(time.Second); n != 0 || c.Tick() != 0 {
		t.Fatalf("stopped clock advanced: n=%d tick=%d", n, c.Tick())
	}
	c.Start()
	if n := c.Advance(time.Second); n != 20 {
		t.Fatalf("n=%d want 20", n)
	}
	c.Stop()
	c.Advance(time.Second)
	if c.Tick() != 20 {
		t.Fatalf("tick=%d want 20", c.Tick())
	}
}

func TestSetSpeedRejectsNonPositive(t *testing.T) {
	c := newTestClock(t, 400, 1)
	for _, m := range []float64{0, -1} {
		if err := c.SetSpeed(m); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("SetSpeed(%v): expected ErrInvalidArgument, got %v", m, err)
		}
	}
	if c.Speed() != 1 {
		t.Fatalf("speed changed: %v", c.Speed())
	}
}

func TestSetSpeedDropsUnconvertedTime(t *testing.T) {
	c := newTestClock(t, 400, 1)
	c.Advance(40 * time.Millisecond)
	if err := c.SetSpeed(2); err != nil {
		t.Fatalf("SetSpeed: %v", err)
	}
	c.Advance(10 * time.Millisecond)
	if c.Tick() != 0 {
		t.Fatalf("tick=%d: new multiplier applied to old time", c.Tick())
	}
	c.Advance(15 * time.Millisecond)
	if c.Tick() != 1 {
		t.Fatalf("tick=%d want 1", c.Tick())
	}
}

func TestPhaseChangeFiresOnlyOnBoundary(t *testing.T) {
	c := newTestClock(t, 400, 1)
	var got []PhaseChange
	c.OnPhaseChange(func(pc PhaseChange) { got = append(got, pc) })

	if c.Phase() != PhaseDawn || c.Tick() != 0 {
		t.Fatalf("fresh clock: tick=%d phase=%s", c.Tick(), c.Phase())
	}
	for i := 0; i < 99; i++ {
		c.Advance(50 * time.Millisecond)
	}
	if len(got) != 0 {
		t.Fatalf("unexpected phase events: %+v", got)
	}
	c.Advance(50 * time.Millisecond)
	if len(got) != 1 || got[0].From != PhaseDawn || got[0].To != PhaseDay || got[0].Tick != 100 {
		t.Fatalf("expected dawn->day at 100, got %+v", got)
	}
	c.Advance(50 * time.Millisecond)
	if len(got) != 1 {
		t.Fatalf("event fired without boundary crossing: %+v", got)
	}
}

func TestAdvanceOnePeriodReachesDay(t *testing.T) {
	c := newTestClock(t, 400, 1)
	c.Advance(50 * time.Millisecond * 100)
	if c.Phase() != PhaseDay {
		t.Fatalf("phase=%s want day", c.Phase())
	}
}

func TestLongJumpCapsNotifications(t *testing.T) {
	c := newTestClock(t, 400, 1)
	n := 0
	c.OnPhaseChange(func(PhaseChange) { n++ })
	c.Advance(50 * time.Millisecond * 400 * 10)
	if n != 4 {
		t.Fatalf("notifications=%d want 4", n)
	}
	if c.Phase() != PhaseDawn {
		t.Fatalf("phase=%s want dawn", c.Phase())
	}
}

func TestRestoreRecomputesPhase(t *testing.T) {
	c := newTestClock(t, 400, 1)
	var got []PhaseChange
	c.OnPhaseChange(func(pc PhaseChange) { got = append(got, pc) })

	err := c.Restore(Snapshot{Tick: 500, DayPhase: PhaseNight, SpeedMultiplier: 2, TickIntervalMs: 50})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	want := PhaseForTick(500, 400)
	if c.Phase() != want {
		t.Fatalf("phase=%s want %s", c.Phase(), want)
	}
	if len(got) != 1 || got[0].From != PhaseDawn || got[0].To != want {
		t.Fatalf("expected a single dawn->%s event, got %+v", want, got)
	}
	if c.Speed() != 2 {
		t.Fatalf("speed=%v want 2", c.Speed())
	}

	// Same phase: no event.
	if err := c.Restore(Snapshot{Tick: 510, SpeedMultiplier: 2}); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("unexpected extra events: %+v", got)
	}

	// Advance continues from the restored tick at the restored speed.
	c.Advance(50 * time.Millisecond)
	if c.Tick() != 512 {
		t.Fatalf("tick=%d want 512", c.Tick())
	}
}

func TestRestoreRejectsBadSpeed(t *testing.T) {
	c := newTestClock(t, 400, 1)
	if err := c.Restore(Snapshot{Tick: 5}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if c.Tick() != 0 {
		t.Fatalf("tick changed on failed restore: %d", c.Tick())
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Config{TickInterval: 0, TicksPerDay: 400}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("zero interval: %v", err)
	}
	if _, err := New(Config{TickInterval: time.Millisecond, TicksPerDay: 10}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("bad ticks per day: %v", err)
	}
	if _, err := New(Config{TickInterval: time.Millisecond, TicksPerDay: 8, Speed: -2}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("negative speed: %v", err)
	}
}
