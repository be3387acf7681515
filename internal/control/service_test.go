package control

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/intersection-simulator/internal/intersection"
	"github.com/signalsfoundry/intersection-simulator/internal/logging"
	"github.com/signalsfoundry/intersection-simulator/internal/observability"
)

func newLoopback(t *testing.T, sim *intersection.Simulator, collector *observability.ControlCollector) *Client {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := NewServer(NewService(sim, logging.Noop()), logging.Noop(), collector)
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewClient(conn)
}

func newHeldSimulator(t *testing.T, phase intersection.LightPhase) *intersection.Simulator {
	t.Helper()
	cfg := intersection.DefaultConfig()
	cfg.CrossingTime = 30 * time.Millisecond
	cfg.CrossingTick = 5 * time.Millisecond
	cfg.SnapshotInterval = 10 * time.Millisecond
	cfg.Schedules = map[intersection.RoadID]intersection.Schedule{
		intersection.Road1: intersection.HoldSchedule(phase),
		intersection.Road2: intersection.HoldSchedule(phase),
	}
	sim, err := intersection.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sim.Close(context.Background()) })
	return sim
}

func TestControlServiceStartSnapshotStop(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := observability.NewControlCollector(reg)
	require.NoError(t, err)

	sim := newHeldSimulator(t, intersection.PhaseRed)
	client := newLoopback(t, sim, collector)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runID, err := client.Start(ctx, intersection.StartRequest{Mode: intersection.ModeBounded, Cars: 4, Capacity: 2, Seed: 3})
	require.NoError(t, err)
	assert.NotEmpty(t, runID)

	_, err = client.Start(ctx, intersection.StartRequest{Mode: intersection.ModeExclusive, Cars: 1})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	require.Eventually(t, func() bool {
		snap, err := client.Snapshot(ctx)
		if err != nil {
			return false
		}
		waiting := 0
		for _, road := range snap.Roads {
			waiting += road.Waiting
		}
		return snap.RunID == runID && snap.Running && waiting == 4
	}, 2*time.Second, 20*time.Millisecond)

	snap, err := client.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, intersection.ModeBounded, snap.Mode)
	for _, road := range snap.Roads {
		assert.Equal(t, intersection.PhaseRed, road.Phase)
		for _, car := range road.Cars {
			assert.Equal(t, intersection.CarWaiting, car.State)
		}
	}

	require.NoError(t, client.Stop(ctx))
	require.NoError(t, client.Stop(ctx))
	assert.False(t, sim.Running())

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.RPCRequests.WithLabelValues("SimulationControl", "Start", "OK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.RPCRequests.WithLabelValues("SimulationControl", "Start", "FailedPrecondition")))
}

func TestControlServiceRejectsInvalidStart(t *testing.T) {
	sim := newHeldSimulator(t, intersection.PhaseRed)
	client := newLoopback(t, sim, nil)

	_, err := client.Start(context.Background(), intersection.StartRequest{Mode: intersection.ModeBounded, Cars: 5})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.False(t, sim.Running())
}

func TestControlServiceWatchEvents(t *testing.T) {
	sim := newHeldSimulator(t, intersection.PhaseGreen)
	client := newLoopback(t, sim, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.WatchEvents(ctx)
	require.NoError(t, err)

	// The subscription is registered once the server handler runs.
	time.Sleep(100 * time.Millisecond)
	_, err = client.Start(ctx, intersection.StartRequest{
		Mode:    intersection.ModeExclusive,
		Cars:    2,
		RoadIDs: []intersection.RoadID{intersection.Road1, intersection.Road1},
	})
	require.NoError(t, err)

	exited := map[int]bool{}
	var sawStart bool
	for len(exited) < 2 {
		ev, err := stream.Recv()
		require.NoError(t, err)
		switch ev.Kind {
		case intersection.EventSimulationStarted:
			sawStart = true
		case intersection.EventCarCrossing:
			assert.True(t, ev.Phase.AllowsCrossing())
			assert.Equal(t, 1, ev.Crossing)
		case intersection.EventCarExited:
			assert.Equal(t, intersection.Road1, ev.RoadID)
			exited[ev.CarID] = true
		}
	}
	assert.True(t, sawStart)
	require.NoError(t, client.Stop(ctx))
}

func TestRequestIDInterceptorUsesIncomingMetadata(t *testing.T) {
	interceptor := RequestIDUnaryServerInterceptor(logging.Noop())
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(RequestIDMetadataKey, "req-42"))
	info := &grpc.UnaryServerInfo{FullMethod: startFullMethod}

	var gotID string
	var gotLogger logging.Logger
	_, err := interceptor(ctx, nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		gotID = logging.RequestIDFromContext(ctx)
		gotLogger = logging.LoggerFromContext(ctx, nil)
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "req-42", gotID)
	assert.NotNil(t, gotLogger)

	_, _ = interceptor(context.Background(), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		gotID = logging.RequestIDFromContext(ctx)
		return nil, nil
	})
	assert.NotEmpty(t, gotID, "a request id should be generated when none is sent")
}
