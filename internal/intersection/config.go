package intersection

import (
	"fmt"
	"time"
)

// Schedule is the light cycle of one road.
type Schedule struct {
	Green  time.Duration
	Yellow time.Duration
	Red    time.Duration
	// Offset holds the road at red before its first green.
	Offset time.Duration

	// Held pins the light at Hold for the whole run instead of cycling.
	Held bool
	Hold LightPhase
}

// HoldSchedule returns a schedule that keeps the light at phase until the
// run stops.
func HoldSchedule(phase LightPhase) Schedule {
	return Schedule{Held: true, Hold: phase}
}

func (s Schedule) validate() error {
	if s.Held {
		return nil
	}
	if s.Green <= 0 || s.Yellow < 0 || s.Red < 0 || s.Offset < 0 {
		return fmt.Errorf("%w: schedule needs a positive green and non-negative yellow, red and offset", ErrInvalidConfig)
	}
	return nil
}

// Config holds run-independent timing parameters.
type Config struct {
	GreenDuration  time.Duration
	YellowDuration time.Duration
	RedDuration    time.Duration

	// CrossingTime is how long a car takes to cross; progress is updated
	// every CrossingTick.
	CrossingTime time.Duration
	CrossingTick time.Duration

	// MaxWait is the abandonment threshold for a waiting car.
	MaxWait time.Duration

	// SafeSpacing is the bounded-mode minimum progress gap. Zero selects the
	// default gap; NoSpacing turns the check off.
	SafeSpacing float64
	// StrictSpacing disables the bounded-mode fresh-car shortcut.
	StrictSpacing bool

	SnapshotInterval time.Duration
	StopTimeout      time.Duration
	EventBuffer      int

	// Schedules overrides the derived light schedule per road.
	Schedules map[RoadID]Schedule
}

// NoSpacing as Config.SafeSpacing lets bounded-mode cars cross with no
// minimum gap.
const NoSpacing = -1.0

// DefaultConfig returns the reference timings: 5s green, 1s yellow, a red
// phase as long as the other road's green and yellow, 2s crossings and a 30s
// abandonment threshold.
func DefaultConfig() Config {
	return Config{
		GreenDuration:    5 * time.Second,
		YellowDuration:   1 * time.Second,
		RedDuration:      6 * time.Second,
		CrossingTime:     2 * time.Second,
		CrossingTick:     100 * time.Millisecond,
		MaxWait:          30 * time.Second,
		SafeSpacing:      10.0 / 500.0,
		SnapshotInterval: 100 * time.Millisecond,
		StopTimeout:      1 * time.Second,
		EventBuffer:      256,
	}
}

// ApplyDefaults fills zero-valued fields from DefaultConfig. It is
// idempotent: NoSpacing survives a second pass.
func (c Config) ApplyDefaults() Config {
	d := DefaultConfig()
	if c.SafeSpacing == 0 {
		c.SafeSpacing = d.SafeSpacing
	}
	if c.GreenDuration <= 0 {
		c.GreenDuration = d.GreenDuration
	}
	if c.YellowDuration <= 0 {
		c.YellowDuration = d.YellowDuration
	}
	if c.RedDuration <= 0 {
		c.RedDuration = c.GreenDuration + c.YellowDuration
	}
	if c.CrossingTime <= 0 {
		c.CrossingTime = d.CrossingTime
	}
	if c.CrossingTick <= 0 {
		c.CrossingTick = d.CrossingTick
	}
	if c.CrossingTick > c.CrossingTime {
		c.CrossingTick = c.CrossingTime
	}
	if c.MaxWait <= 0 {
		c.MaxWait = d.MaxWait
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = d.SnapshotInterval
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	return c
}

// Validate checks a config after defaults are applied.
func (c Config) Validate() error {
	if c.SafeSpacing != NoSpacing && (c.SafeSpacing < 0 || c.SafeSpacing >= 1) {
		return fmt.Errorf("%w: safe spacing must be in [0,1) or NoSpacing, got %v", ErrInvalidConfig, c.SafeSpacing)
	}
	for id, s := range c.Schedules {
		if !id.Valid() {
			return fmt.Errorf("%w: schedule for unknown road %d", ErrInvalidConfig, int(id))
		}
		if err := s.validate(); err != nil {
			return fmt.Errorf("road %d: %w", int(id), err)
		}
	}
	return nil
}

// spacing is the gap handed to the admission policy.
func (c Config) spacing() float64 {
	if c.SafeSpacing == NoSpacing {
		return 0
	}
	return c.SafeSpacing
}

// ScheduleFor returns the light schedule of road. Without an override the
// roads alternate: road 2 starts red for one green+yellow period.
func (c Config) ScheduleFor(road RoadID) Schedule {
	if s, ok := c.Schedules[road]; ok {
		return s
	}
	s := Schedule{
		Green:  c.GreenDuration,
		Yellow: c.YellowDuration,
		Red:    c.RedDuration,
	}
	if road == Road2 {
		s.Offset = c.GreenDuration + c.YellowDuration
	}
	return s
}
