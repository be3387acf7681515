package intersection

import (
	"fmt"
	"math"
	"time"

	"github.com/anggasct/fluo"
)

// Car lifecycle states and events. No transition leads back to an earlier
// state.
const (
	carWaiting  = "waiting"
	carCrossing = "crossing"
	carExited   = "exited"

	eventAdmit = "admit"
	eventExit  = "exit"

	carKey = "car"
)

var carLifecycle = buildCarLifecycle()

func buildCarLifecycle() fluo.MachineDefinition {
	b := fluo.NewMachine()

	b.State(carWaiting).Initial().
		OnEntry(enterCarState(CarWaiting)).
		To(carCrossing).On(eventAdmit).Do(recordAdmission).
		To(carExited).On(eventExit).When(exitingAs(OutcomeAbandoned)).Do(recordOutcome)

	b.State(carCrossing).
		OnEntry(enterCarState(CarCrossing)).
		To(carExited).On(eventExit).When(exitingAs(OutcomeCrossed)).Do(recordOutcome)

	b.State(carExited).Final().
		OnEntry(enterCarState(CarExited))

	return b.Build()
}

// admission is the data of an admit event.
type admission struct {
	at        time.Time
	crossTime time.Duration
}

func carFrom(ctx fluo.Context) *Car {
	if v, ok := ctx.Get(carKey); ok {
		if c, ok := v.(*Car); ok {
			return c
		}
	}
	return nil
}

func enterCarState(state CarState) fluo.ActionFunc {
	return func(ctx fluo.Context) error {
		if c := carFrom(ctx); c != nil {
			c.state = state
		}
		return nil
	}
}

func exitingAs(outcome Outcome) fluo.GuardFunc {
	return func(ctx fluo.Context) bool {
		o, ok := ctx.GetEventData().(Outcome)
		return ok && o == outcome
	}
}

func recordAdmission(ctx fluo.Context) error {
	c := carFrom(ctx)
	a, ok := ctx.GetEventData().(admission)
	if c == nil || !ok {
		return fmt.Errorf("admit: missing car or admission data")
	}
	c.progress = 0
	c.admittedAt = a.at
	c.crossTime = a.crossTime
	return nil
}

func recordOutcome(ctx fluo.Context) error {
	c := carFrom(ctx)
	o, ok := ctx.GetEventData().(Outcome)
	if c == nil || !ok {
		return fmt.Errorf("exit: missing car or outcome")
	}
	c.outcome = o
	return nil
}

// maxProgress is the largest representable progress below 1.
var maxProgress = math.Nextafter(1, 0)

// Car is one vehicle. Its mutable fields are guarded by the lock of the road
// it belongs to; the owning actor goroutine is the only writer. state mirrors
// the lifecycle machine and is only written by its entry actions.
type Car struct {
	id   int
	road RoadID

	state    CarState
	progress float64
	waited   time.Duration
	outcome  Outcome

	// admittedAt and crossTime pin progress to wall time while crossing, so
	// every reader computes the same gap between two crossing cars.
	admittedAt time.Time
	crossTime  time.Duration

	lifecycle fluo.Machine
}

func newCar(id int, road RoadID) *Car {
	c := &Car{id: id, road: road, state: CarWaiting}
	c.lifecycle = carLifecycle.CreateInstance()
	c.lifecycle.Context().Set(carKey, c)
	// Start only fails for a definition without an initial state.
	_ = c.lifecycle.Start()
	return c
}

// ID returns the car identifier.
func (c *Car) ID() int { return c.id }

// RoadID returns the road the car was created on.
func (c *Car) RoadID() RoadID { return c.road }

// progressAt returns the crossing progress at now, in [0,1).
func (c *Car) progressAt(now time.Time) float64 {
	if c.state != CarCrossing || c.crossTime <= 0 {
		return c.progress
	}
	p := float64(now.Sub(c.admittedAt)) / float64(c.crossTime)
	switch {
	case p < c.progress:
		return c.progress
	case p > maxProgress:
		return maxProgress
	}
	return p
}

func (c *Car) viewLocked(now time.Time) CarView {
	return CarView{
		ID:       c.id,
		RoadID:   c.road,
		State:    c.state,
		Progress: c.progressAt(now),
		Waited:   c.waited,
		Outcome:  c.outcome,
	}
}

// admitLocked moves a waiting car to crossing at now.
func (c *Car) admitLocked(now time.Time, crossTime time.Duration) bool {
	return c.fire(eventAdmit, admission{at: now, crossTime: crossTime})
}

// advanceLocked records the progress reached at now. Progress never moves
// backwards.
func (c *Car) advanceLocked(now time.Time) {
	if c.state != CarCrossing {
		return
	}
	c.progress = c.progressAt(now)
}

// exitLocked moves a car to its terminal state. Only a crossing car may
// finish by crossing; only a waiting car may be abandoned.
func (c *Car) exitLocked(outcome Outcome) bool {
	return c.fire(eventExit, outcome)
}

// cancelLocked records that the run stopped under the car. The state is left
// as it was so the lifecycle never skips to exited.
func (c *Car) cancelLocked() {
	if c.state != CarExited {
		c.outcome = OutcomeCancelled
	}
}

func (c *Car) fire(event string, data any) bool {
	return c.lifecycle.HandleEvent(event, data).Success()
}
