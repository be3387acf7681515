package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const startMethod = "/intersection.v1.SimulationControl/Start"

func TestUnaryInterceptorRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewControlCollector(reg)
	if err != nil {
		t.Fatalf("NewControlCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: startMethod}

	_, err = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		time.Sleep(5 * time.Millisecond)
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("interceptor handler returned error: %v", err)
	}

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("SimulationControl", "Start", "OK")); got != 1 {
		t.Fatalf("control_requests_total = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "control_request_duration_seconds", map[string]string{
		"service": "SimulationControl",
		"method":  "Start",
	}); count != 1 {
		t.Fatalf("control_request_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestUnaryInterceptorRecordsErrorCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewControlCollector(reg)
	if err != nil {
		t.Fatalf("NewControlCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: startMethod}
	_, _ = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.FailedPrecondition, "already running")
	})

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("SimulationControl", "Start", "FailedPrecondition")); got != 1 {
		t.Fatalf("control_requests_total error label = %v, want 1", got)
	}
}

type fakeServerStream struct {
	ctx context.Context
}

func (f fakeServerStream) SetHeader(metadata.MD) error  { return nil }
func (f fakeServerStream) SendHeader(metadata.MD) error { return nil }
func (f fakeServerStream) SetTrailer(metadata.MD)       {}
func (f fakeServerStream) Context() context.Context     { return f.ctx }
func (f fakeServerStream) SendMsg(interface{}) error    { return nil }
func (f fakeServerStream) RecvMsg(interface{}) error    { return nil }

func TestStreamInterceptorTracksOpenStreams(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewControlCollector(reg)
	if err != nil {
		t.Fatalf("NewControlCollector: %v", err)
	}

	interceptor := collector.StreamServerInterceptor()
	info := &grpc.StreamServerInfo{FullMethod: "/intersection.v1.SimulationControl/WatchEvents", IsServerStream: true}
	gauge := collector.ActiveStreams.WithLabelValues("SimulationControl", "WatchEvents")

	err = interceptor(nil, fakeServerStream{ctx: context.Background()}, info, func(srv interface{}, ss grpc.ServerStream) error {
		if got := testutil.ToFloat64(gauge); got != 1 {
			t.Errorf("control_active_streams during stream = %v, want 1", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("stream handler: %v", err)
	}
	if got := testutil.ToFloat64(gauge); got != 0 {
		t.Fatalf("control_active_streams after stream = %v, want 0", got)
	}
	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("SimulationControl", "WatchEvents", "OK")); got != 1 {
		t.Fatalf("control_requests_total = %v, want 1", got)
	}
}

func TestCollectorsShareRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewControlCollector(reg)
	if err != nil {
		t.Fatalf("first NewControlCollector: %v", err)
	}
	second, err := NewControlCollector(reg)
	if err != nil {
		t.Fatalf("second NewControlCollector: %v", err)
	}
	if first.RPCRequests != second.RPCRequests {
		t.Fatalf("re-registration should reuse the existing collector")
	}
}

func TestSplitMethod(t *testing.T) {
	cases := map[string][2]string{
		startMethod:                 {"SimulationControl", "Start"},
		"SimulationControl/Stop":    {"SimulationControl", "Stop"},
		"":                          {"unknown", "unknown"},
		"/justone":                  {"unknown", "unknown"},
		"/intersection.v1.Control/": {"Control", "unknown"},
	}
	for in, want := range cases {
		service, method := SplitMethod(in)
		if service != want[0] || method != want[1] {
			t.Fatalf("SplitMethod(%q) = %q, %q; want %q, %q", in, service, method, want[0], want[1])
		}
	}
}

func TestMetricsHandlerServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	control, err := NewControlCollector(reg)
	if err != nil {
		t.Fatalf("NewControlCollector: %v", err)
	}
	sim, err := NewSimulationCollector(reg)
	if err != nil {
		t.Fatalf("NewSimulationCollector: %v", err)
	}
	control.RPCRequests.WithLabelValues("svc", "method", "OK").Inc()
	sim.CarSpawned(1)
	sim.SetRoadOccupancy(2, 3, 1)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	control.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"control_requests_total",
		"intersection_cars_spawned_total",
		`intersection_road_cars{road="2",state="waiting"} 3`,
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output:\n%s", metric, body)
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
