package control

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"github.com/signalsfoundry/intersection-simulator/internal/logging"
	"github.com/signalsfoundry/intersection-simulator/internal/observability"
)

// NewServer returns a gRPC server with svc registered behind the request id,
// tracing and metrics interceptors. collector may be nil.
func NewServer(svc SimulationControlServer, log logging.Logger, collector *observability.ControlCollector, opts ...grpc.ServerOption) *grpc.Server {
	unary := []grpc.UnaryServerInterceptor{
		RequestIDUnaryServerInterceptor(log),
		TracingUnaryServerInterceptor(),
	}
	stream := []grpc.StreamServerInterceptor{
		RequestIDStreamServerInterceptor(log),
		TracingStreamServerInterceptor(),
	}
	if collector != nil {
		unary = append(unary, collector.UnaryServerInterceptor())
		stream = append(stream, collector.StreamServerInterceptor())
	}

	opts = append([]grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
	}, opts...)

	server := grpc.NewServer(opts...)
	RegisterSimulationControlServer(server, svc)
	return server
}
