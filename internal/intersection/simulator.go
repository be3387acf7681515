// Package intersection implements the coordination core of the traffic
// intersection simulator: per-road shared state, light controllers, car
// actors and the crossing admission policy, plus the orchestrator that owns
// their lifecycle.
package intersection

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/intersection-simulator/internal/feed"
	"github.com/signalsfoundry/intersection-simulator/internal/logging"
	"github.com/signalsfoundry/intersection-simulator/timectrl"
)

const tracerName = "github.com/signalsfoundry/intersection-simulator/internal/intersection"

// Span names and the car attribute the simulator records. Samplers key off
// them to thin per-car spans.
const (
	RunSpanName = "intersection.run"
	CarSpanName = "intersection.car"
	AttrCarID   = "car.id"
)

// run is the lifecycle of one Start/Stop cycle. Every actor of the run reads
// running in its loop condition; done is closed on stop to interrupt sleeps.
type run struct {
	id      string
	mode    Mode
	policy  Policy
	running atomic.Bool
	done    chan struct{}

	ctx  context.Context
	span trace.Span

	controllers sync.WaitGroup
	cars        sync.WaitGroup
	carsDone    chan struct{}
	feedDone    <-chan struct{}
	cancelFeed  context.CancelFunc

	all []*Car
}

func (r *run) active() bool { return r.running.Load() }

// Simulator owns both roads and every actor of the current run. It is the
// only component with visibility across roads.
type Simulator struct {
	cfg     Config
	log     logging.Logger
	metrics MetricsRecorder
	clock   timectrl.SimClock
	tracer  trace.Tracer

	roads map[RoadID]*Road

	events    *feed.Bus[Event]
	snapshots *feed.Bus[Snapshot]

	emitMu sync.Mutex
	seq    uint64

	// mu serialises Start and Stop.
	mu      sync.Mutex
	current atomic.Pointer[run]
}

// Option customises Simulator construction.
type Option func(*Simulator)

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Simulator) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetricsRecorder attaches a metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(s *Simulator) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithClock replaces the wall clock used for timestamps and sleeps.
func WithClock(c timectrl.SimClock) Option {
	return func(s *Simulator) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithTracerProvider selects the tracer provider; the global one is used
// otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Simulator) {
		if tp != nil {
			s.tracer = tp.Tracer(tracerName)
		}
	}
}

// New constructs an idle simulator.
func New(cfg Config, opts ...Option) (*Simulator, error) {
	cfg = cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Simulator{
		cfg:     cfg,
		log:     logging.Noop(),
		metrics: noopMetrics{},
		clock:   timectrl.WallClock{},
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	s.events = feed.NewBus[Event](s.metrics.EventsDropped)
	s.snapshots = feed.NewBus[Snapshot](nil)

	s.roads = make(map[RoadID]*Road, len(RoadIDs))
	for _, id := range RoadIDs {
		s.roads[id] = newRoad(id, s.clock)
	}
	return s, nil
}

// Config returns the effective configuration.
func (s *Simulator) Config() Config { return s.cfg }

// Road returns the shared state of road id, or nil for an unknown id.
func (s *Simulator) Road(id RoadID) *Road { return s.roads[id] }

// Running reports whether a run is active.
func (s *Simulator) Running() bool {
	r := s.current.Load()
	return r != nil && r.active()
}

// Events subscribes to the event feed. buffer <= 0 uses Config.EventBuffer.
func (s *Simulator) Events(buffer int) *feed.Subscription[Event] {
	if buffer <= 0 {
		buffer = s.cfg.EventBuffer
	}
	return s.events.Subscribe(buffer)
}

// Snapshots subscribes to the periodic snapshot feed.
func (s *Simulator) Snapshots(buffer int) *feed.Subscription[Snapshot] {
	return s.snapshots.Subscribe(buffer)
}

// Start launches a run: one light controller per road, the snapshot feed and
// one actor per car. It fails with ErrAlreadyRunning while a run is active
// and with ErrInvalidConfig for a bad request, in which case nothing starts.
func (s *Simulator) Start(ctx context.Context, req StartRequest) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := req.Validate(); err != nil {
		return err
	}
	policy := Policy{
		Mode:          req.Mode,
		Capacity:      req.Capacity,
		SafeSpacing:   s.cfg.spacing(),
		StrictSpacing: s.cfg.StrictSpacing,
	}
	if err := policy.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Running() {
		return ErrAlreadyRunning
	}

	r := &run{
		id:       logging.NewID(),
		mode:     req.Mode,
		policy:   policy,
		done:     make(chan struct{}),
		carsDone: make(chan struct{}),
	}
	r.running.Store(true)

	runCtx := logging.ContextWithRunID(context.WithoutCancel(ctx), r.id)
	runCtx, r.span = s.tracer.Start(runCtx, RunSpanName, trace.WithAttributes(
		attribute.String("run.id", r.id),
		attribute.String("run.mode", req.Mode.String()),
		attribute.Int("run.cars", req.Cars),
		attribute.Int("run.capacity", req.Capacity),
	))
	r.ctx = runCtx

	for _, id := range RoadIDs {
		road := s.roads[id]
		road.withLock(func() {
			road.clearLocked()
			s.metrics.SetRoadOccupancy(int(id), 0, 0)
		})
	}

	assignments := req.assignments()
	r.all = make([]*Car, len(assignments))
	for i, road := range assignments {
		r.all[i] = newCar(i+1, road)
	}

	s.current.Store(r)
	s.emit(Event{
		Kind:    EventSimulationStarted,
		RunID:   r.id,
		Message: fmt.Sprintf("Starting new simulation: mode=%s cars=%d k=%d", req.Mode, req.Cars, req.Capacity),
	})
	s.log.Info(runCtx, "simulation started",
		logging.String("mode", req.Mode.String()),
		logging.Int("cars", req.Cars),
		logging.Int("capacity", req.Capacity),
	)

	for _, id := range RoadIDs {
		lc := &LightController{
			road:     s.roads[id],
			schedule: s.cfg.ScheduleFor(id),
			clock:    s.clock,
			log:      s.log,
			metrics:  s.metrics,
			emit:     s.emit,
		}
		r.controllers.Add(1)
		go func() {
			defer r.controllers.Done()
			lc.Run(runCtx, r)
		}()
	}

	feedCtx, cancel := context.WithCancel(runCtx)
	r.cancelFeed = cancel
	tc := timectrl.NewTimeController(s.cfg.SnapshotInterval)
	tc.AddListener(func(time.Time) {
		s.snapshots.Publish(s.Snapshot())
	})
	r.feedDone = tc.Start(feedCtx)

	for _, car := range r.all {
		s.metrics.CarSpawned(int(car.road))
		r.cars.Add(1)
		go s.runCar(runCtx, r, car)
	}
	go func() {
		r.cars.Wait()
		close(r.carsDone)
	}()

	return nil
}

// Stop ends the current run. It clears the running flag, wakes every waiting
// car and joins the light controllers and snapshot feed for at most
// Config.StopTimeout or until ctx is done. The run is stopped either way;
// ErrStopTimeout only reports that the join had not finished. Car actors are
// not joined. Stop is idempotent.
func (s *Simulator) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.current.Load()
	if r == nil || !r.running.CompareAndSwap(true, false) {
		return nil
	}
	close(r.done)
	for _, id := range RoadIDs {
		s.roads[id].wake()
	}
	r.cancelFeed()

	joined := make(chan struct{})
	go func() {
		r.controllers.Wait()
		<-r.feedDone
		close(joined)
	}()

	err := awaitJoin(ctx, joined, s.cfg.StopTimeout)

	for _, id := range RoadIDs {
		road := s.roads[id]
		road.withLock(func() {
			road.clearLocked()
			s.metrics.SetRoadOccupancy(int(id), 0, 0)
		})
	}

	s.emit(Event{Kind: EventSimulationStopped, RunID: r.id, Message: "Simulation stopped"})
	if err != nil {
		s.log.Warn(r.ctx, "simulation stopped with stragglers", logging.Err(err))
		r.span.RecordError(err)
	} else {
		s.log.Info(r.ctx, "simulation stopped")
	}
	r.span.End()
	return err
}

// awaitJoin waits for joined for at most timeout or until ctx is done. A join
// that has already completed wins over an expired ctx, so a clean stop is
// never reported as a timeout.
func awaitJoin(ctx context.Context, joined <-chan struct{}, timeout time.Duration) error {
	select {
	case <-joined:
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-joined:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	select {
	case <-joined:
		return nil
	default:
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStopTimeout, err)
	}
	return ErrStopTimeout
}

// Done returns a channel closed once every car actor of the current run has
// terminated. Without a run it returns a closed channel.
func (s *Simulator) Done() <-chan struct{} {
	if r := s.current.Load(); r != nil {
		return r.carsDone
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Snapshot returns the state of both roads. Each road is copied under its
// own lock; the two copies are not taken atomically with respect to each
// other.
func (s *Simulator) Snapshot() Snapshot {
	snap := Snapshot{TakenAt: s.clock.Now()}
	if r := s.current.Load(); r != nil {
		snap.RunID = r.id
		snap.Running = r.active()
		snap.Mode = r.mode
	}
	snap.Roads = make([]RoadSnapshot, 0, len(RoadIDs))
	for _, id := range RoadIDs {
		snap.Roads = append(snap.Roads, s.roads[id].Snapshot())
	}
	return snap
}

// Cars returns every car of the current run, including those that have left
// their road.
func (s *Simulator) Cars() []CarView {
	r := s.current.Load()
	if r == nil {
		return nil
	}
	out := make([]CarView, 0, len(r.all))
	for _, car := range r.all {
		road := s.roads[car.road]
		road.withLock(func() {
			out = append(out, car.viewLocked(s.clock.Now()))
		})
	}
	return out
}

// Close stops any active run and closes both feeds.
func (s *Simulator) Close(ctx context.Context) error {
	err := s.Stop(ctx)
	s.events.Close()
	s.snapshots.Close()
	return err
}

// emit assigns the next sequence number and publishes ev. Publishing never
// blocks, so emit may be called with a road lock held.
func (s *Simulator) emit(ev Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.seq++
	ev.Seq = s.seq
	if ev.Time.IsZero() {
		ev.Time = s.clock.Now()
	}
	s.events.Publish(ev)
}
