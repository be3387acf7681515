package intersection

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/intersection-simulator/internal/logging"
	"github.com/signalsfoundry/intersection-simulator/timectrl"
)

// runCar is the body of one car actor: arrive, wait for admission, cross,
// leave. After the run stops the actor only removes its own car.
func (s *Simulator) runCar(ctx context.Context, r *run, car *Car) {
	defer r.cars.Done()

	road := s.roads[car.road]
	ctx, span := s.tracer.Start(ctx, CarSpanName, trace.WithAttributes(
		attribute.Int(AttrCarID, car.id),
		attribute.Int("road.id", int(car.road)),
	))
	defer span.End()

	road.withLock(func() {
		if !r.active() {
			car.cancelLocked()
			return
		}
		road.addLocked(car)
		s.carEventLocked(r, road, car, EventCarArrived)
	})

	admitted, outcome := s.awaitAdmission(ctx, r, road, car)
	if !admitted {
		span.SetAttributes(attribute.String("car.outcome", outcome.String()))
		return
	}
	span.AddEvent("admitted")

	// admittedAt is only written by this goroutine.
	started := car.admittedAt
	crossed := s.cross(r, road, car, started)

	road.withLock(func() {
		if crossed && r.active() {
			road.removeLocked(car)
			car.exitLocked(OutcomeCrossed)
			s.carEventLocked(r, road, car, EventCarExited)
			return
		}
		crossed = false
		s.cancelLocked(road, car)
	})

	if crossed {
		s.metrics.CarExited(int(car.road), s.clock.Now().Sub(started))
		span.SetAttributes(attribute.String("car.outcome", OutcomeCrossed.String()))
	} else {
		span.SetAttributes(attribute.String("car.outcome", OutcomeCancelled.String()))
	}
}

// awaitAdmission holds the car in the waiting state until the light allows
// crossing and the policy admits it, the car exceeds MaxWait, or the run
// stops. It reports whether the car was admitted.
func (s *Simulator) awaitAdmission(ctx context.Context, r *run, road *Road, car *Car) (admitted bool, outcome Outcome) {
	road.withLock(func() {
		for {
			if !r.active() {
				s.cancelLocked(road, car)
				outcome = OutcomeCancelled
				return
			}

			if road.phase.AllowsCrossing() {
				now := s.clock.Now()
				d := r.policy.Evaluate(road.viewsLocked(now), car.viewLocked(now))
				s.metrics.AdmissionEvaluated(int(road.id), d.Reason)
				if d.Admit && car.admitLocked(now, s.cfg.CrossingTime) {
					s.carEventLocked(r, road, car, EventCarCrossing)
					s.metrics.CarAdmitted(int(road.id), car.waited)
					admitted = true
					return
				}
			}

			remaining := s.cfg.MaxWait - car.waited
			if remaining <= 0 {
				s.abandonLocked(ctx, r, road, car)
				outcome = OutcomeAbandoned
				return
			}

			waitStart := s.clock.Now()
			road.waitLocked(remaining)
			car.waited += s.clock.Now().Sub(waitStart)

			if !r.active() {
				s.cancelLocked(road, car)
				outcome = OutcomeCancelled
				return
			}
			if car.waited > s.cfg.MaxWait {
				s.abandonLocked(ctx, r, road, car)
				outcome = OutcomeAbandoned
				return
			}
		}
	})
	return admitted, outcome
}

// cross runs the crossing loop. Ticks are scheduled against absolute
// deadlines from the admission time; every tick records progress and wakes
// cars waiting on the road, since spacing depends on it. It returns false if
// the run stopped first.
func (s *Simulator) cross(r *run, road *Road, car *Car, started time.Time) bool {
	tick := s.cfg.CrossingTick
	deadline := started.Add(s.cfg.CrossingTime)
	for next := started.Add(tick); ; next = next.Add(tick) {
		if next.After(deadline) {
			next = deadline
		}
		if !timectrl.Sleep(s.clock, next.Sub(s.clock.Now()), r.done) {
			return false
		}
		if !next.Before(deadline) {
			return true
		}
		road.withLock(func() {
			car.advanceLocked(s.clock.Now())
			if waiting, _ := road.countsLocked(); waiting > 0 {
				road.broadcastLocked()
			}
		})
	}
}

func (s *Simulator) abandonLocked(ctx context.Context, r *run, road *Road, car *Car) {
	road.removeLocked(car)
	car.exitLocked(OutcomeAbandoned)
	s.carEventLocked(r, road, car, EventCarAbandoned)
	s.metrics.CarAbandoned(int(road.id), car.waited)
	s.log.Info(ctx, "car abandoned after waiting too long",
		logging.Int("car_id", car.id),
		logging.Int("road", int(road.id)),
		logging.Duration("waited", car.waited),
	)
}

func (s *Simulator) cancelLocked(road *Road, car *Car) {
	road.removeLocked(car)
	car.cancelLocked()
	if r := s.current.Load(); r != nil && r.active() {
		// A newer run owns the road's gauges.
		return
	}
	s.recordOccupancyLocked(road)
}

func (s *Simulator) carEventLocked(r *run, road *Road, car *Car, kind EventKind) {
	_, crossing := road.countsLocked()
	s.emit(Event{
		Kind:     kind,
		RunID:    r.id,
		RoadID:   road.id,
		CarID:    car.id,
		Phase:    road.phase,
		Crossing: crossing,
		Waited:   car.waited,
		Message:  carMessage(kind, car.id, road.id),
	})
	s.recordOccupancyLocked(road)
}

func (s *Simulator) recordOccupancyLocked(road *Road) {
	waiting, crossing := road.countsLocked()
	s.metrics.SetRoadOccupancy(int(road.id), waiting, crossing)
}
