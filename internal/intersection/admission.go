package intersection

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// Mode selects the admission policy for a run.
type Mode int

const (
	// ModeExclusive lets at most one car cross a road at a time.
	ModeExclusive Mode = iota
	// ModeBounded lets up to Capacity cars cross with minimum spacing.
	ModeBounded
)

func (m Mode) String() string {
	switch m {
	case ModeExclusive:
		return "exclusive"
	case ModeBounded:
		return "bounded"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// MarshalText encodes the mode by name.
func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText accepts any spelling ParseMode does.
func (m *Mode) UnmarshalText(b []byte) error {
	parsed, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseMode accepts "exclusive"/"single"/"1" and "bounded"/"multi"/"2".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "exclusive", "single", "1":
		return ModeExclusive, nil
	case "bounded", "multi", "multiple", "2":
		return ModeBounded, nil
	default:
		return 0, fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, s)
	}
}

// Admission decision reasons, used as metric labels.
const (
	ReasonIdle     = "idle"
	ReasonOccupied = "occupied"
	ReasonCapacity = "capacity"
	ReasonFresh    = "fresh"
	ReasonSpaced   = "spaced"
	ReasonTooClose = "too_close"
)

// Decision is the result of evaluating a Policy.
type Decision struct {
	Admit  bool
	Reason string
}

// Policy decides whether a waiting car may start crossing. It is a pure
// function of its inputs and is evaluated while the road lock is held.
type Policy struct {
	Mode Mode
	// Capacity is k, the maximum number of simultaneously crossing cars in
	// ModeBounded.
	Capacity int
	// SafeSpacing is the minimum progress gap, as a fraction of road length.
	SafeSpacing float64
	// StrictSpacing drops the fresh-car shortcut in ModeBounded: a car joins
	// crossing traffic only once the closest crossing car has advanced at
	// least SafeSpacing beyond it.
	StrictSpacing bool
}

// Validate checks the policy parameters.
func (p Policy) Validate() error {
	switch p.Mode {
	case ModeExclusive:
	case ModeBounded:
		if p.Capacity < 1 {
			return fmt.Errorf("%w: capacity must be at least 1, got %d", ErrInvalidConfig, p.Capacity)
		}
	default:
		return fmt.Errorf("%w: unknown mode %d", ErrInvalidConfig, int(p.Mode))
	}
	if p.SafeSpacing < 0 || p.SafeSpacing >= 1 {
		return fmt.Errorf("%w: safe spacing must be in [0,1), got %v", ErrInvalidConfig, p.SafeSpacing)
	}
	return nil
}

// CanCross reports whether candidate may start crossing given the cars
// currently on its road.
func (p Policy) CanCross(cars []CarView, candidate CarView) bool {
	return p.Evaluate(cars, candidate).Admit
}

// Evaluate is CanCross with the reason for the decision.
func (p Policy) Evaluate(cars []CarView, candidate CarView) Decision {
	crossing := lo.Filter(cars, func(c CarView, _ int) bool {
		return c.State == CarCrossing && c.ID != candidate.ID
	})

	if p.Mode == ModeExclusive {
		if len(crossing) == 0 {
			return Decision{Admit: true, Reason: ReasonIdle}
		}
		return Decision{Admit: false, Reason: ReasonOccupied}
	}

	if len(crossing) == 0 {
		return Decision{Admit: true, Reason: ReasonIdle}
	}
	if len(crossing) >= p.Capacity {
		return Decision{Admit: false, Reason: ReasonCapacity}
	}

	if p.StrictSpacing {
		nearest := lo.MinBy(crossing, func(a, b CarView) bool { return a.Progress < b.Progress })
		if nearest.Progress-candidate.Progress >= p.SafeSpacing {
			return Decision{Admit: true, Reason: ReasonSpaced}
		}
		return Decision{Admit: false, Reason: ReasonTooClose}
	}

	if candidate.Progress == 0 {
		return Decision{Admit: true, Reason: ReasonFresh}
	}
	farthest := lo.MaxBy(crossing, func(a, b CarView) bool { return a.Progress > b.Progress })
	if candidate.Progress-farthest.Progress >= p.SafeSpacing {
		return Decision{Admit: true, Reason: ReasonSpaced}
	}
	return Decision{Admit: false, Reason: ReasonTooClose}
}
