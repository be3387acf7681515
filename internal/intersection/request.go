package intersection

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
)

const (
	// MaxCars bounds the number of car actors a single run may spawn.
	MaxCars = 1000
	// MaxCapacity bounds k in bounded mode.
	MaxCapacity = 100
)

// StartRequest carries the per-run inputs of Simulator.Start.
type StartRequest struct {
	Mode Mode
	Cars int
	// Capacity is k; only consulted in ModeBounded.
	Capacity int
	// RoadIDs optionally pins each car to a road. When empty, cars are
	// assigned uniformly at random over both roads.
	RoadIDs []RoadID
	// Seed makes random road assignment reproducible. Zero picks a random seed.
	Seed uint64
}

// Validate checks the request without side effects.
func (r StartRequest) Validate() error {
	if r.Cars < 1 || r.Cars > MaxCars {
		return fmt.Errorf("%w: car count must be between 1 and %d, got %d", ErrInvalidConfig, MaxCars, r.Cars)
	}
	switch r.Mode {
	case ModeExclusive:
	case ModeBounded:
		if r.Capacity < 1 || r.Capacity > MaxCapacity {
			return fmt.Errorf("%w: k must be between 1 and %d, got %d", ErrInvalidConfig, MaxCapacity, r.Capacity)
		}
	default:
		return fmt.Errorf("%w: unknown mode %d", ErrInvalidConfig, int(r.Mode))
	}
	if len(r.RoadIDs) > 0 {
		if len(r.RoadIDs) != r.Cars {
			return fmt.Errorf("%w: %d road assignments for %d cars", ErrInvalidConfig, len(r.RoadIDs), r.Cars)
		}
		for i, id := range r.RoadIDs {
			if !id.Valid() {
				return fmt.Errorf("%w: car %d assigned to unknown road %d", ErrInvalidConfig, i+1, int(id))
			}
		}
	}
	return nil
}

// assignments returns the road of every car, in car id order.
func (r StartRequest) assignments() []RoadID {
	if len(r.RoadIDs) > 0 {
		return append([]RoadID(nil), r.RoadIDs...)
	}
	seed := r.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	out := make([]RoadID, r.Cars)
	for i := range out {
		out[i] = RoadIDs[rng.IntN(len(RoadIDs))]
	}
	return out
}

// ParseStartRequest builds a request from textual inputs such as form fields
// or command-line arguments. k is only parsed in bounded mode.
func ParseStartRequest(mode, cars, k string) (StartRequest, error) {
	m, err := ParseMode(mode)
	if err != nil {
		return StartRequest{}, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(cars))
	if err != nil {
		return StartRequest{}, fmt.Errorf("%w: car count %q is not a number", ErrInvalidConfig, cars)
	}
	req := StartRequest{Mode: m, Cars: n}
	if m == ModeBounded {
		capacity, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil {
			return StartRequest{}, fmt.Errorf("%w: k %q is not a number", ErrInvalidConfig, k)
		}
		req.Capacity = capacity
	}
	if err := req.Validate(); err != nil {
		return StartRequest{}, err
	}
	return req, nil
}
