package control

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/intersection-simulator/internal/intersection"
)

// Client calls a remote SimulationControl service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// WithRequestID returns a context that sends id as the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, RequestIDMetadataKey, id)
}

// Start launches a run and returns its id.
func (c *Client) Start(ctx context.Context, req intersection.StartRequest, opts ...grpc.CallOption) (string, error) {
	in, err := EncodeStartRequest(req)
	if err != nil {
		return "", err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, startFullMethod, in, out, opts...); err != nil {
		return "", err
	}
	runID, _ := out.AsMap()["run_id"].(string)
	return runID, nil
}

// Stop ends the remote run.
func (c *Client) Stop(ctx context.Context, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, stopFullMethod, &emptypb.Empty{}, new(emptypb.Empty), opts...)
}

// Snapshot fetches the current state of both roads.
func (c *Client) Snapshot(ctx context.Context, opts ...grpc.CallOption) (intersection.Snapshot, error) {
	var snap intersection.Snapshot
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, snapshotFullMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return snap, err
	}
	if err := fromStruct(out, &snap); err != nil {
		return snap, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

// EventStream receives events from WatchEvents.
type EventStream struct {
	stream grpc.ServerStreamingClient[structpb.Struct]
}

// Recv blocks for the next event. It returns io.EOF once the server ends the
// stream.
func (s *EventStream) Recv() (intersection.Event, error) {
	var ev intersection.Event
	msg, err := s.stream.Recv()
	if err != nil {
		return ev, err
	}
	if err := fromStruct(msg, &ev); err != nil {
		return ev, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

// WatchEvents opens the event stream. Cancel ctx to close it.
func (c *Client) WatchEvents(ctx context.Context, opts ...grpc.CallOption) (*EventStream, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], watchEventsFullMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[emptypb.Empty, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventStream{stream: x}, nil
}
