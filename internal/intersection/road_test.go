package intersection

import (
	"errors"
	"testing"
	"time"

	"github.com/signalsfoundry/intersection-simulator/timectrl"
)

func TestRoadRemoveAbsentCarIsNoop(t *testing.T) {
	road := newRoad(Road1, timectrl.WallClock{})
	a, b := newCar(1, Road1), newCar(2, Road1)

	road.withLock(func() {
		road.addLocked(a)
		if road.removeLocked(b) {
			t.Fatalf("removing an absent car reported success")
		}
		if !road.removeLocked(a) {
			t.Fatalf("removing a present car reported failure")
		}
		if road.removeLocked(a) {
			t.Fatalf("second removal reported success")
		}
	})
	if got := road.Snapshot(); len(got.Cars) != 0 {
		t.Fatalf("expected empty road, got %+v", got.Cars)
	}
}

func TestRoadWaitLockedTimesOut(t *testing.T) {
	road := newRoad(Road1, timectrl.WallClock{})

	start := time.Now()
	road.withLock(func() {
		road.waitLocked(20 * time.Millisecond)
	})
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond || elapsed > 2*time.Second {
		t.Fatalf("waitLocked returned after %v, want about 20ms", elapsed)
	}
}

func TestRoadWakeReleasesWaiters(t *testing.T) {
	road := newRoad(Road1, timectrl.WallClock{})
	const waiters = 5

	ready := make(chan struct{}, waiters)
	woke := make(chan struct{}, waiters)
	var released bool
	for i := 0; i < waiters; i++ {
		go func() {
			road.withLock(func() {
				ready <- struct{}{}
				for !released {
					road.waitLocked(0)
				}
			})
			woke <- struct{}{}
		}()
	}
	for i := 0; i < waiters; i++ {
		<-ready
	}

	road.withLock(func() { released = true })
	road.wake()

	for i := 0; i < waiters; i++ {
		select {
		case <-woke:
		case <-time.After(2 * time.Second):
			t.Fatalf("waiter %d not woken", i)
		}
	}
}

func TestRoadSnapshotCounts(t *testing.T) {
	road := newRoad(Road2, timectrl.WallClock{})
	now := time.Now()
	road.withLock(func() {
		road.setPhaseLocked(PhaseGreen, now)
		for i := 1; i <= 3; i++ {
			road.addLocked(newCar(i, Road2))
		}
		road.cars[0].admitLocked(now, time.Second)
	})

	snap := road.Snapshot()
	if snap.ID != Road2 || snap.Phase != PhaseGreen || !snap.LastPhaseChange.Equal(now) {
		t.Fatalf("unexpected snapshot header %+v", snap)
	}
	if snap.Waiting != 2 || snap.Crossing != 1 || len(snap.Cars) != 3 {
		t.Fatalf("waiting=%d crossing=%d cars=%d, want 2/1/3", snap.Waiting, snap.Crossing, len(snap.Cars))
	}
}

func TestCarLifecycleOnlyMovesForward(t *testing.T) {
	car := newCar(1, Road1)
	if car.exitLocked(OutcomeCrossed) {
		t.Fatalf("waiting car must not exit as crossed")
	}

	now := time.Now()
	if !car.admitLocked(now, 100*time.Millisecond) {
		t.Fatalf("admit from waiting failed")
	}
	if car.admitLocked(now, 100*time.Millisecond) {
		t.Fatalf("double admit succeeded")
	}
	if car.exitLocked(OutcomeAbandoned) {
		t.Fatalf("crossing car must not be abandoned")
	}
	if !car.exitLocked(OutcomeCrossed) {
		t.Fatalf("exit from crossing failed")
	}
	if car.state != CarExited || car.outcome != OutcomeCrossed {
		t.Fatalf("state=%v outcome=%v", car.state, car.outcome)
	}
	car.cancelLocked()
	if car.outcome != OutcomeCrossed {
		t.Fatalf("cancel overwrote the outcome of an exited car")
	}
}

func TestCarProgressIsMonotonicAndBelowOne(t *testing.T) {
	car := newCar(1, Road1)
	start := time.Now()
	if got := car.progressAt(start.Add(time.Hour)); got != 0 {
		t.Fatalf("waiting car progress = %v, want 0", got)
	}

	car.admitLocked(start, 100*time.Millisecond)
	car.advanceLocked(start.Add(50 * time.Millisecond))
	if got := car.progressAt(start.Add(50 * time.Millisecond)); got != 0.5 {
		t.Fatalf("progress at half time = %v, want 0.5", got)
	}
	if got := car.progressAt(start.Add(10 * time.Millisecond)); got != 0.5 {
		t.Fatalf("progress went backwards: %v", got)
	}
	if got := car.progressAt(start.Add(time.Second)); got >= 1 {
		t.Fatalf("progress reached %v, want < 1", got)
	}
}

func TestConfigDefaultsAndSchedules(t *testing.T) {
	cfg := Config{GreenDuration: 2 * time.Second, YellowDuration: time.Second}.ApplyDefaults()
	if cfg.RedDuration != 3*time.Second {
		t.Fatalf("RedDuration = %v, want green+yellow", cfg.RedDuration)
	}
	if cfg.MaxWait != 30*time.Second || cfg.CrossingTime != 2*time.Second {
		t.Fatalf("unexpected defaults %+v", cfg)
	}

	if off := cfg.ScheduleFor(Road1).Offset; off != 0 {
		t.Fatalf("road 1 offset = %v, want 0", off)
	}
	if off := cfg.ScheduleFor(Road2).Offset; off != 3*time.Second {
		t.Fatalf("road 2 offset = %v, want 3s", off)
	}

	cfg.Schedules = map[RoadID]Schedule{Road1: HoldSchedule(PhaseGreen)}
	if s := cfg.ScheduleFor(Road1); !s.Held || s.Hold != PhaseGreen {
		t.Fatalf("override not applied: %+v", s)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	cfg.Schedules[RoadID(9)] = HoldSchedule(PhaseRed)
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Validate with unknown road = %v, want ErrInvalidConfig", err)
	}
	delete(cfg.Schedules, RoadID(9))
	cfg.Schedules[Road2] = Schedule{Green: 0}
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Validate with zero green = %v, want ErrInvalidConfig", err)
	}
}

func TestLightPhaseText(t *testing.T) {
	for _, p := range []LightPhase{PhaseRed, PhaseGreen, PhaseYellow} {
		b, _ := p.MarshalText()
		var got LightPhase
		if err := got.UnmarshalText(b); err != nil || got != p {
			t.Fatalf("round trip of %v gave %v, %v", p, got, err)
		}
	}
	var p LightPhase
	if err := p.UnmarshalText([]byte("blue")); err == nil {
		t.Fatalf("expected error for unknown phase")
	}
	if PhaseRed.AllowsCrossing() || !PhaseGreen.AllowsCrossing() || !PhaseYellow.AllowsCrossing() {
		t.Fatalf("AllowsCrossing mismatch")
	}
}
