package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var phaseNames = []string{"RED", "GREEN", "YELLOW"}

// SimulationCollector exposes intersection metrics. It satisfies
// intersection.MetricsRecorder; every hook is non-blocking.
type SimulationCollector struct {
	gatherer prometheus.Gatherer

	CarsSpawned        *prometheus.CounterVec
	AdmissionDecisions *prometheus.CounterVec
	CarsAdmitted       *prometheus.CounterVec
	CarsExited         *prometheus.CounterVec
	CarsAbandoned      *prometheus.CounterVec
	WaitDuration       *prometheus.HistogramVec
	CrossingDuration   *prometheus.HistogramVec
	PhaseChanges       *prometheus.CounterVec
	LightPhase         *prometheus.GaugeVec
	RoadCars           *prometheus.GaugeVec
	EventsDroppedTotal prometheus.Counter
}

// NewSimulationCollector registers simulation metrics against reg, defaulting
// to the global registry when nil.
func NewSimulationCollector(reg prometheus.Registerer) (*SimulationCollector, error) {
	reg, gatherer := resolveRegistry(reg)
	c := &SimulationCollector{gatherer: gatherer}

	var err error
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		if err != nil {
			return nil
		}
		var vec *prometheus.CounterVec
		vec, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels), name)
		return vec
	}
	histogram := func(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		if err != nil {
			return nil
		}
		var vec *prometheus.HistogramVec
		vec, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labels), name)
		return vec
	}
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		if err != nil {
			return nil
		}
		var vec *prometheus.GaugeVec
		vec, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels), name)
		return vec
	}

	c.CarsSpawned = counter("intersection_cars_spawned_total", "Cars created, by road.", "road")
	c.AdmissionDecisions = counter("intersection_admission_decisions_total", "Admission policy evaluations, by road and decision reason.", "road", "reason")
	c.CarsAdmitted = counter("intersection_cars_admitted_total", "Cars that started crossing, by road.", "road")
	c.CarsExited = counter("intersection_cars_exited_total", "Cars that finished crossing, by road.", "road")
	c.CarsAbandoned = counter("intersection_cars_abandoned_total", "Cars that gave up waiting, by road.", "road")
	c.WaitDuration = histogram("intersection_car_wait_seconds",
		"Time a car spent waiting, by road and how the wait ended.",
		[]float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60}, "road", "outcome")
	c.CrossingDuration = histogram("intersection_crossing_duration_seconds",
		"Time from admission to leaving the road, by road.",
		[]float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10}, "road")
	c.PhaseChanges = counter("intersection_light_changes_total", "Light transitions, by road and new phase.", "road", "phase")
	c.LightPhase = gauge("intersection_light_phase", "1 for the current phase of each road's light, 0 otherwise.", "road", "phase")
	c.RoadCars = gauge("intersection_road_cars", "Cars currently on a road, by state.", "road", "state")
	if err != nil {
		return nil, err
	}

	c.EventsDroppedTotal, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "intersection_events_dropped_total",
		Help: "Feed events dropped for slow subscribers.",
	}), "intersection_events_dropped_total")
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SimulationCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler serves every metric in the collector's registry.
func (c *SimulationCollector) Handler() http.Handler {
	return handlerFor(c.Gatherer())
}

func roadLabel(road int) string { return strconv.Itoa(road) }

func (c *SimulationCollector) CarSpawned(road int) {
	if c == nil {
		return
	}
	c.CarsSpawned.WithLabelValues(roadLabel(road)).Inc()
}

func (c *SimulationCollector) AdmissionEvaluated(road int, reason string) {
	if c == nil {
		return
	}
	c.AdmissionDecisions.WithLabelValues(roadLabel(road), reason).Inc()
}

func (c *SimulationCollector) CarAdmitted(road int, waited time.Duration) {
	if c == nil {
		return
	}
	c.CarsAdmitted.WithLabelValues(roadLabel(road)).Inc()
	c.WaitDuration.WithLabelValues(roadLabel(road), "admitted").Observe(waited.Seconds())
}

func (c *SimulationCollector) CarExited(road int, crossing time.Duration) {
	if c == nil {
		return
	}
	c.CarsExited.WithLabelValues(roadLabel(road)).Inc()
	c.CrossingDuration.WithLabelValues(roadLabel(road)).Observe(crossing.Seconds())
}

func (c *SimulationCollector) CarAbandoned(road int, waited time.Duration) {
	if c == nil {
		return
	}
	c.CarsAbandoned.WithLabelValues(roadLabel(road)).Inc()
	c.WaitDuration.WithLabelValues(roadLabel(road), "abandoned").Observe(waited.Seconds())
}

// PhaseChanged counts the transition and moves the road's phase gauge.
func (c *SimulationCollector) PhaseChanged(road int, phase string) {
	if c == nil {
		return
	}
	label := roadLabel(road)
	c.PhaseChanges.WithLabelValues(label, phase).Inc()
	for _, name := range phaseNames {
		v := 0.0
		if name == phase {
			v = 1
		}
		c.LightPhase.WithLabelValues(label, name).Set(v)
	}
}

func (c *SimulationCollector) SetRoadOccupancy(road int, waiting, crossing int) {
	if c == nil {
		return
	}
	c.RoadCars.WithLabelValues(roadLabel(road), "waiting").Set(float64(waiting))
	c.RoadCars.WithLabelValues(roadLabel(road), "crossing").Set(float64(crossing))
}

func (c *SimulationCollector) EventsDropped(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.EventsDroppedTotal.Add(float64(n))
}
