package intersection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/intersection-simulator/internal/logging"
	"github.com/signalsfoundry/intersection-simulator/timectrl"
)

func TestLightMachineCycleOrder(t *testing.T) {
	m := lightMachine.CreateInstance()
	require.NoError(t, m.Start())
	require.Equal(t, lightIdle, m.CurrentState())

	want := []string{lightGreen, lightYellow, lightRed, lightGreen, lightYellow}
	for i, state := range want {
		res := m.HandleEvent(eventTimerExpired, nil)
		require.Truef(t, res.Success(), "step %d rejected: %s", i, res.RejectionReason)
		assert.Equal(t, state, m.CurrentState(), "step %d", i)
	}
}

func TestLightMachineHoldAndPark(t *testing.T) {
	m := lightMachine.CreateInstance()
	require.NoError(t, m.Start())

	assert.False(t, m.HandleEvent(eventHold, "green").Processed, "hold without a phase must be rejected")
	require.True(t, m.HandleEvent(eventHold, PhaseYellow).Success())
	assert.Equal(t, lightYellow, m.CurrentState())

	require.True(t, m.HandleEvent(eventPark, nil).Success())
	assert.Equal(t, lightRed, m.CurrentState())

	assert.False(t, m.HandleEvent(eventPark, nil).Processed, "red has no park transition")
	assert.False(t, m.HandleEvent(eventHold, PhaseGreen).Processed, "hold only applies before the first phase")
	assert.Equal(t, lightRed, m.CurrentState())
}

func TestLightEntryActionUpdatesRoad(t *testing.T) {
	road := newRoad(Road2, timectrl.WallClock{})
	metrics := newRecordingMetrics()
	var (
		mu     sync.Mutex
		events []Event
	)
	lc := &LightController{
		road:     road,
		schedule: Schedule{Green: time.Second, Yellow: time.Second, Red: time.Second},
		clock:    timectrl.WallClock{},
		log:      logging.Noop(),
		metrics:  metrics,
		emit: func(ev Event) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, ev)
		},
	}
	r := &run{id: "run-1", done: make(chan struct{})}

	m := lightMachine.CreateInstance()
	m.Context().Set(lightBindingKey, &lightBinding{lc: lc, ctx: context.Background(), run: r})
	require.NoError(t, m.Start())
	assert.Empty(t, events, "entering idle must not emit")

	m.HandleEvent(eventTimerExpired, nil)
	m.HandleEvent(eventTimerExpired, nil)
	lc.park(context.Background(), m)

	assert.Equal(t, PhaseRed, road.Snapshot().Phase)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 3)
	for i, phase := range []LightPhase{PhaseGreen, PhaseYellow, PhaseRed} {
		assert.Equal(t, EventLightChanged, events[i].Kind)
		assert.Equal(t, phase, events[i].Phase)
		assert.Equal(t, "run-1", events[i].RunID)
		assert.Equal(t, Road2, events[i].RoadID)
	}
	assert.Equal(t, []string{"GREEN", "YELLOW", "RED"}, metrics.phases[int(Road2)])
}

func TestCarLifecycleAbandonIsTerminal(t *testing.T) {
	car := newCar(7, Road1)
	require.Equal(t, carWaiting, car.lifecycle.CurrentState())

	assert.False(t, car.exitLocked(OutcomeCancelled), "cancellation is not a lifecycle exit")
	assert.False(t, car.exitLocked(OutcomeNone))
	require.True(t, car.exitLocked(OutcomeAbandoned))

	assert.Equal(t, carExited, car.lifecycle.CurrentState())
	assert.Equal(t, CarExited, car.state)
	assert.Equal(t, OutcomeAbandoned, car.outcome)

	assert.False(t, car.admitLocked(time.Now(), time.Second), "exited car must not be admitted")
	assert.False(t, car.exitLocked(OutcomeCrossed))
	assert.Equal(t, OutcomeAbandoned, car.outcome)
}

func TestCarStateMirrorsLifecycle(t *testing.T) {
	car := newCar(1, Road2)
	now := time.Now()

	require.True(t, car.admitLocked(now, 80*time.Millisecond))
	assert.Equal(t, carCrossing, car.lifecycle.CurrentState())
	assert.Equal(t, CarCrossing, car.state)
	assert.Equal(t, now, car.admittedAt)
	assert.Equal(t, 80*time.Millisecond, car.crossTime)

	require.True(t, car.exitLocked(OutcomeCrossed))
	assert.Equal(t, carExited, car.lifecycle.CurrentState())
	assert.Equal(t, CarExited, car.viewLocked(now).State)
}
