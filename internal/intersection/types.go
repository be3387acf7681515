package intersection

import (
	"fmt"
	"strings"
	"time"
)

// RoadID identifies one of the two roads meeting at the intersection.
type RoadID int

const (
	Road1 RoadID = 1
	Road2 RoadID = 2
)

// RoadIDs lists every road in display order.
var RoadIDs = []RoadID{Road1, Road2}

// Valid reports whether id names a known road.
func (id RoadID) Valid() bool { return id == Road1 || id == Road2 }

func (id RoadID) String() string { return fmt.Sprintf("Road %d", int(id)) }

// LightPhase is the state of a road's traffic light.
type LightPhase int

const (
	PhaseRed LightPhase = iota
	PhaseGreen
	PhaseYellow
)

func (p LightPhase) String() string {
	switch p {
	case PhaseRed:
		return "RED"
	case PhaseGreen:
		return "GREEN"
	case PhaseYellow:
		return "YELLOW"
	default:
		return fmt.Sprintf("LightPhase(%d)", int(p))
	}
}

// AllowsCrossing reports whether cars may be admitted during this phase.
func (p LightPhase) AllowsCrossing() bool {
	return p == PhaseGreen || p == PhaseYellow
}

// MarshalText encodes the phase by name.
func (p LightPhase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText decodes a phase name, case-insensitively.
func (p *LightPhase) UnmarshalText(b []byte) error {
	switch strings.ToUpper(string(b)) {
	case "RED":
		*p = PhaseRed
	case "GREEN":
		*p = PhaseGreen
	case "YELLOW":
		*p = PhaseYellow
	default:
		return fmt.Errorf("unknown light phase %q", string(b))
	}
	return nil
}

// CarState is a car's lifecycle state. Transitions only move forward:
// waiting, crossing, exited.
type CarState int

const (
	CarWaiting CarState = iota
	CarCrossing
	CarExited
)

func (s CarState) String() string {
	switch s {
	case CarWaiting:
		return "waiting"
	case CarCrossing:
		return "crossing"
	case CarExited:
		return "exited"
	default:
		return fmt.Sprintf("CarState(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s CarState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a state name.
func (s *CarState) UnmarshalText(b []byte) error {
	for _, c := range []CarState{CarWaiting, CarCrossing, CarExited} {
		if strings.EqualFold(string(b), c.String()) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown car state %q", string(b))
}

// Outcome records how a car left the road.
type Outcome int

const (
	OutcomeNone Outcome = iota
	// OutcomeCrossed means the car finished crossing.
	OutcomeCrossed
	// OutcomeAbandoned means the car exceeded the maximum wait.
	OutcomeAbandoned
	// OutcomeCancelled means the run stopped while the car was active.
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeCrossed:
		return "crossed"
	case OutcomeAbandoned:
		return "abandoned"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// MarshalText encodes the outcome by name.
func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// UnmarshalText decodes an outcome name.
func (o *Outcome) UnmarshalText(b []byte) error {
	for _, c := range []Outcome{OutcomeNone, OutcomeCrossed, OutcomeAbandoned, OutcomeCancelled} {
		if strings.EqualFold(string(b), c.String()) {
			*o = c
			return nil
		}
	}
	return fmt.Errorf("unknown outcome %q", string(b))
}

// CarView is a read-only copy of a car's fields taken under its road's lock.
type CarView struct {
	ID       int           `json:"id"`
	RoadID   RoadID        `json:"road_id"`
	State    CarState      `json:"state"`
	Progress float64       `json:"progress"`
	Waited   time.Duration `json:"waited_ns"`
	Outcome  Outcome       `json:"outcome"`
}

// RoadSnapshot is a consistent copy of one road's shared state.
type RoadSnapshot struct {
	ID              RoadID     `json:"id"`
	Phase           LightPhase `json:"phase"`
	LastPhaseChange time.Time  `json:"last_phase_change"`
	Waiting         int        `json:"waiting"`
	Crossing        int        `json:"crossing"`
	Cars            []CarView  `json:"cars"`
}

// Snapshot is the periodic state feed consumed by presentation layers.
type Snapshot struct {
	RunID   string         `json:"run_id,omitempty"`
	Running bool           `json:"running"`
	Mode    Mode           `json:"mode"`
	TakenAt time.Time      `json:"taken_at"`
	Roads   []RoadSnapshot `json:"roads"`
}

// Road returns the snapshot for id, or false when absent.
func (s Snapshot) Road(id RoadID) (RoadSnapshot, bool) {
	for _, r := range s.Roads {
		if r.ID == id {
			return r, true
		}
	}
	return RoadSnapshot{}, false
}
