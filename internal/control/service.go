// Package control exposes the simulator's start/stop surface and its feeds
// over gRPC.
package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/intersection-simulator/internal/feed"
	"github.com/signalsfoundry/intersection-simulator/internal/intersection"
	"github.com/signalsfoundry/intersection-simulator/internal/logging"
)

// Simulator is the part of intersection.Simulator the service drives.
type Simulator interface {
	Start(ctx context.Context, req intersection.StartRequest) error
	Stop(ctx context.Context) error
	Snapshot() intersection.Snapshot
	Events(buffer int) *feed.Subscription[intersection.Event]
}

// Service implements SimulationControlServer on top of a Simulator.
type Service struct {
	sim Simulator
	log logging.Logger

	// StreamBuffer is the per-stream event buffer; zero uses the simulator
	// default.
	StreamBuffer int
}

var _ SimulationControlServer = (*Service)(nil)

// NewService constructs a Service bound to sim.
func NewService(sim Simulator, log logging.Logger) *Service {
	if log == nil {
		log = logging.Noop()
	}
	return &Service{sim: sim, log: log}
}

// Start begins a run and returns its id together with the accepted
// parameters.
func (s *Service) Start(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	log := logging.LoggerFromContext(ctx, s.log)

	req, err := DecodeStartRequest(in)
	if err != nil {
		return nil, ToStatusError(err)
	}
	if err := s.sim.Start(ctx, req); err != nil {
		log.Warn(ctx, "start rejected", logging.Err(err))
		return nil, ToStatusError(err)
	}

	runID := s.sim.Snapshot().RunID
	log.Info(ctx, "simulation started over control service",
		logging.String("run_id", runID),
		logging.String("mode", req.Mode.String()),
		logging.Int("cars", req.Cars),
	)
	return structpb.NewStruct(map[string]any{
		"run_id": runID,
		"mode":   req.Mode.String(),
		"cars":   req.Cars,
		"k":      req.Capacity,
	})
}

// Stop ends the current run. Stopping an idle simulator succeeds.
func (s *Service) Stop(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.sim.Stop(ctx); err != nil {
		logging.LoggerFromContext(ctx, s.log).Warn(ctx, "stop did not complete cleanly", logging.Err(err))
		return nil, ToStatusError(err)
	}
	return &emptypb.Empty{}, nil
}

// Snapshot returns the current state of both roads.
func (s *Service) Snapshot(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st, err := toStruct(s.sim.Snapshot())
	if err != nil {
		return nil, ToStatusError(err)
	}
	return st, nil
}

// WatchEvents streams feed events until the client goes away. A client that
// falls behind misses events rather than slowing the simulation.
func (s *Service) WatchEvents(_ *emptypb.Empty, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ctx := stream.Context()
	log := logging.LoggerFromContext(ctx, s.log)

	sub := s.sim.Events(s.StreamBuffer)
	defer func() {
		sub.Cancel()
		if n := sub.Dropped(); n > 0 {
			log.Warn(ctx, "event stream dropped events", logging.Int("dropped", int(n)))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			msg, err := toStruct(ev)
			if err != nil {
				return ToStatusError(err)
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}
