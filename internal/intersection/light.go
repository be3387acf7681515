package intersection

import (
	"context"
	"time"

	"github.com/anggasct/fluo"

	"github.com/signalsfoundry/intersection-simulator/internal/logging"
	"github.com/signalsfoundry/intersection-simulator/timectrl"
)

// Light machine states and events. idle is the road between runs: dark to
// the controller but physically red, and entering it emits nothing.
const (
	lightIdle   = "idle"
	lightRed    = "red"
	lightGreen  = "green"
	lightYellow = "yellow"

	eventTimerExpired = "timer_expired"
	eventHold         = "hold"
	eventPark         = "park"

	lightBindingKey = "light"
)

// lightMachine is shared by every controller; per-run data lives in each
// instance's context.
var lightMachine = buildLightMachine()

func buildLightMachine() fluo.MachineDefinition {
	b := fluo.NewMachine()

	b.State(lightIdle).Initial().
		To(lightGreen).On(eventTimerExpired).
		To(lightRed).On(eventHold).When(holding(PhaseRed)).
		To(lightGreen).On(eventHold).When(holding(PhaseGreen)).
		To(lightYellow).On(eventHold).When(holding(PhaseYellow))

	b.State(lightGreen).
		OnEntry(enterPhase(PhaseGreen)).
		To(lightYellow).On(eventTimerExpired).
		To(lightRed).On(eventPark)

	b.State(lightYellow).
		OnEntry(enterPhase(PhaseYellow)).
		To(lightRed).On(eventTimerExpired).
		To(lightRed).On(eventPark)

	b.State(lightRed).
		OnEntry(enterPhase(PhaseRed)).
		To(lightGreen).On(eventTimerExpired)

	return b.Build()
}

func holding(phase LightPhase) fluo.GuardFunc {
	return func(ctx fluo.Context) bool {
		p, ok := ctx.GetEventData().(LightPhase)
		return ok && p == phase
	}
}

func enterPhase(phase LightPhase) fluo.ActionFunc {
	return func(ctx fluo.Context) error {
		if b := lightBindingFrom(ctx); b != nil {
			b.lc.apply(b.ctx, b.run, phase)
		}
		return nil
	}
}

// lightBinding ties one machine instance to its controller and run.
type lightBinding struct {
	lc  *LightController
	ctx context.Context
	run *run
}

func lightBindingFrom(ctx fluo.Context) *lightBinding {
	if v, ok := ctx.Get(lightBindingKey); ok {
		if b, ok := v.(*lightBinding); ok {
			return b
		}
	}
	return nil
}

// LightController drives one road's light through green, yellow and red and
// is the only writer of that road's phase. Every transition wakes all cars
// waiting on the road so they re-evaluate admission.
type LightController struct {
	road     *Road
	schedule Schedule
	clock    timectrl.SimClock
	log      logging.Logger
	metrics  MetricsRecorder
	emit     func(Event)
}

// Run cycles the light until the run stops, then parks the road at red.
func (lc *LightController) Run(ctx context.Context, r *run) {
	m := lightMachine.CreateInstance()
	m.Context().Set(lightBindingKey, &lightBinding{lc: lc, ctx: ctx, run: r})
	if err := m.Start(); err != nil {
		lc.log.Error(ctx, "light machine failed to start", logging.Int("road", int(lc.road.id)), logging.Err(err))
		return
	}
	defer lc.park(ctx, m)

	if lc.schedule.Held {
		lc.fire(ctx, m, eventHold, lc.schedule.Hold)
		<-r.done
		return
	}

	if !timectrl.Sleep(lc.clock, lc.schedule.Offset, r.done) {
		return
	}
	for r.active() {
		lc.fire(ctx, m, eventTimerExpired, nil)
		if !timectrl.Sleep(lc.clock, lc.holdFor(m.CurrentState()), r.done) {
			return
		}
	}
}

func (lc *LightController) holdFor(state string) time.Duration {
	switch state {
	case lightGreen:
		return lc.schedule.Green
	case lightYellow:
		return lc.schedule.Yellow
	default:
		return lc.schedule.Red
	}
}

func (lc *LightController) fire(ctx context.Context, m fluo.Machine, event string, data any) {
	res := m.HandleEvent(event, data)
	if !res.Success() {
		lc.log.Warn(ctx, "light event rejected",
			logging.Int("road", int(lc.road.id)),
			logging.String("event", event),
			logging.String("state", m.CurrentState()),
			logging.String("reason", res.RejectionReason),
		)
	}
}

// apply is the entry action of every lit state.
func (lc *LightController) apply(ctx context.Context, r *run, phase LightPhase) {
	road := lc.road
	road.withLock(func() {
		road.setPhaseLocked(phase, lc.clock.Now())
		_, crossing := road.countsLocked()
		lc.emit(Event{
			Kind:     EventLightChanged,
			RunID:    r.id,
			RoadID:   road.id,
			Phase:    phase,
			Crossing: crossing,
			Message:  lightMessage(road.id, phase),
		})
	})
	lc.metrics.PhaseChanged(int(road.id), phase.String())
	lc.log.Debug(ctx, "light changed",
		logging.Int("road", int(road.id)),
		logging.String("phase", phase.String()),
	)
}

// park leaves the road at red for the next run and wakes any stragglers. A
// road already at red, or never lit, has no park transition.
func (lc *LightController) park(ctx context.Context, m fluo.Machine) {
	if res := m.HandleEvent(eventPark, nil); !res.Processed {
		lc.road.wake()
	}
	if err := m.Stop(); err != nil {
		lc.log.Debug(ctx, "light machine stop", logging.Err(err))
	}
}
