package observability

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/signalsfoundry/intersection-simulator/internal/intersection"
)

var _ intersection.MetricsRecorder = (*SimulationCollector)(nil)

func TestSimulationCollectorRecordsLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewSimulationCollector(reg)
	if err != nil {
		t.Fatalf("NewSimulationCollector: %v", err)
	}

	c.CarSpawned(1)
	c.CarSpawned(1)
	c.AdmissionEvaluated(1, intersection.ReasonOccupied)
	c.AdmissionEvaluated(1, intersection.ReasonIdle)
	c.CarAdmitted(1, 300*time.Millisecond)
	c.CarExited(1, 2*time.Second)
	c.CarAbandoned(1, 31*time.Second)
	c.EventsDropped(4)
	c.EventsDropped(0)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"spawned", testutil.ToFloat64(c.CarsSpawned.WithLabelValues("1")), 2},
		{"occupied decisions", testutil.ToFloat64(c.AdmissionDecisions.WithLabelValues("1", "occupied")), 1},
		{"admitted", testutil.ToFloat64(c.CarsAdmitted.WithLabelValues("1")), 1},
		{"exited", testutil.ToFloat64(c.CarsExited.WithLabelValues("1")), 1},
		{"abandoned", testutil.ToFloat64(c.CarsAbandoned.WithLabelValues("1")), 1},
		{"dropped", testutil.ToFloat64(c.EventsDroppedTotal), 4},
	}
	for _, tc := range checks {
		if tc.got != tc.want {
			t.Fatalf("%s = %v, want %v", tc.name, tc.got, tc.want)
		}
	}

	if n := histogramSampleCount(t, reg, "intersection_car_wait_seconds", map[string]string{"road": "1", "outcome": "abandoned"}); n != 1 {
		t.Fatalf("abandoned wait samples = %d, want 1", n)
	}
	if n := histogramSampleCount(t, reg, "intersection_crossing_duration_seconds", map[string]string{"road": "1"}); n != 1 {
		t.Fatalf("crossing duration samples = %d, want 1", n)
	}
}

func TestSimulationCollectorPhaseGauge(t *testing.T) {
	c, err := NewSimulationCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewSimulationCollector: %v", err)
	}

	c.PhaseChanged(2, "GREEN")
	c.PhaseChanged(2, "YELLOW")

	for phase, want := range map[string]float64{"RED": 0, "GREEN": 0, "YELLOW": 1} {
		if got := testutil.ToFloat64(c.LightPhase.WithLabelValues("2", phase)); got != want {
			t.Fatalf("intersection_light_phase{road=2,phase=%s} = %v, want %v", phase, got, want)
		}
	}
	if got := testutil.ToFloat64(c.PhaseChanges.WithLabelValues("2", "GREEN")); got != 1 {
		t.Fatalf("light changes to GREEN = %v, want 1", got)
	}
}

func TestSimulationCollectorDrivenBySimulator(t *testing.T) {
	c, err := NewSimulationCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewSimulationCollector: %v", err)
	}

	cfg := intersection.DefaultConfig()
	cfg.CrossingTime = 20 * time.Millisecond
	cfg.CrossingTick = 5 * time.Millisecond
	cfg.Schedules = map[intersection.RoadID]intersection.Schedule{
		intersection.Road1: intersection.HoldSchedule(intersection.PhaseGreen),
	}
	sim, err := intersection.New(cfg, intersection.WithMetricsRecorder(c))
	if err != nil {
		t.Fatalf("intersection.New: %v", err)
	}
	defer sim.Close(context.Background())

	if err := sim.Start(context.Background(), intersection.StartRequest{
		Mode:    intersection.ModeExclusive,
		Cars:    2,
		RoadIDs: []intersection.RoadID{intersection.Road1, intersection.Road1},
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-sim.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("cars did not finish")
	}

	if got := testutil.ToFloat64(c.CarsExited.WithLabelValues("1")); got != 2 {
		t.Fatalf("exited = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.RoadCars.WithLabelValues("1", "crossing")); got != 0 {
		t.Fatalf("crossing gauge = %v, want 0 once the road is empty", got)
	}
	if got := testutil.ToFloat64(c.LightPhase.WithLabelValues("1", "GREEN")); got != 1 {
		t.Fatalf("road 1 phase gauge GREEN = %v, want 1", got)
	}
}
