package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/intersection-simulator/internal/control"
	"github.com/signalsfoundry/intersection-simulator/internal/intersection"
	"github.com/signalsfoundry/intersection-simulator/internal/logging"
	"github.com/signalsfoundry/intersection-simulator/internal/observability"
	"github.com/signalsfoundry/intersection-simulator/internal/web"
)

// Config is the process configuration assembled from flags.
type Config struct {
	GRPCAddress string
	HTTPAddress string

	// Cars > 0 starts a run as soon as the servers are up.
	Mode     intersection.Mode
	Cars     int
	Capacity int
	Seed     uint64

	// ExitWhenDone stops the process once the autostarted run has finished.
	ExitWhenDone bool

	Sim     intersection.Config
	Tracing observability.TracingConfig
}

func main() {
	defaults := intersection.DefaultConfig()
	cfg := Config{Tracing: observability.TracingConfigFromEnv()}

	flag.StringVar(&cfg.GRPCAddress, "grpc-addr", ":50051", "TCP address the control gRPC server listens on")
	flag.StringVar(&cfg.HTTPAddress, "http-addr", ":8080", "HTTP address for the snapshot, websocket and /metrics endpoints")
	mode := flag.String("mode", "exclusive", "admission mode for an autostarted run: exclusive or bounded")
	flag.IntVar(&cfg.Cars, "cars", 0, "number of cars to autostart with; 0 waits for a Start call")
	flag.IntVar(&cfg.Capacity, "k", 1, "bounded mode: maximum cars crossing one road at once")
	flag.Uint64Var(&cfg.Seed, "seed", 0, "seed for road assignment; 0 picks one at random")
	flag.BoolVar(&cfg.ExitWhenDone, "exit-when-done", false, "exit once the autostarted run has finished")
	flag.DurationVar(&cfg.Sim.GreenDuration, "green", defaults.GreenDuration, "green phase duration")
	flag.DurationVar(&cfg.Sim.YellowDuration, "yellow", defaults.YellowDuration, "yellow phase duration")
	flag.DurationVar(&cfg.Sim.RedDuration, "red", 0, "red phase duration; 0 uses green+yellow")
	flag.DurationVar(&cfg.Sim.CrossingTime, "crossing", defaults.CrossingTime, "time a car needs to cross")
	flag.DurationVar(&cfg.Sim.MaxWait, "max-wait", defaults.MaxWait, "waiting time after which a car gives up")
	flag.Float64Var(&cfg.Sim.SafeSpacing, "spacing", defaults.SafeSpacing, "bounded mode: minimum progress gap between crossing cars; -1 disables the check")
	flag.BoolVar(&cfg.Sim.StrictSpacing, "strict-spacing", false, "bounded mode: apply the spacing check to the newest car too")
	flag.BoolVar(&cfg.Tracing.Enabled, "trace", cfg.Tracing.Enabled, "export OpenTelemetry spans for runs and cars")
	flag.StringVar(&cfg.Tracing.Exporter, "trace-exporter", cfg.Tracing.Exporter, "span exporter: stdout or otlp")
	flag.StringVar(&cfg.Tracing.Endpoint, "trace-endpoint", cfg.Tracing.Endpoint, "OTLP gRPC collector address")
	flag.Float64Var(&cfg.Tracing.RunSampleRatio, "trace-run-ratio", cfg.Tracing.RunSampleRatio, "fraction of runs to trace")
	flag.Float64Var(&cfg.Tracing.CarSampleRatio, "trace-car-ratio", cfg.Tracing.CarSampleRatio, "fraction of car spans kept in a traced run")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx := context.Background()

	parsed, err := intersection.ParseMode(*mode)
	if err != nil {
		log.Error(ctx, "invalid -mode", logging.Err(err))
		os.Exit(2)
	}
	cfg.Mode = parsed
	cfg.Tracing.Deployment = observability.DeploymentFor(cfg.Sim, cfg.Mode, cfg.Capacity)

	grpcLis, err := net.Listen("tcp", cfg.GRPCAddress)
	if err != nil {
		log.Error(ctx, "failed to listen for gRPC", logging.String("addr", cfg.GRPCAddress), logging.Err(err))
		os.Exit(1)
	}
	httpLis, err := net.Listen("tcp", cfg.HTTPAddress)
	if err != nil {
		log.Error(ctx, "failed to listen for HTTP", logging.String("addr", cfg.HTTPAddress), logging.Err(err))
		os.Exit(1)
	}

	stopCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(stopCtx, cfg, log, grpcLis, httpLis); err != nil {
		log.Error(ctx, "intersection simulator exited", logging.Err(err))
		os.Exit(1)
	}
}

// run serves the control and web endpoints on the given listeners until ctx
// is cancelled or, with ExitWhenDone, the autostarted run finishes.
func run(ctx context.Context, cfg Config, log logging.Logger, grpcLis, httpLis net.Listener) error {
	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	reg := prometheus.NewRegistry()
	simMetrics, err := observability.NewSimulationCollector(reg)
	if err != nil {
		return fmt.Errorf("simulation metrics: %w", err)
	}
	controlMetrics, err := observability.NewControlCollector(reg)
	if err != nil {
		return fmt.Errorf("control metrics: %w", err)
	}

	sim, err := intersection.New(cfg.Sim,
		intersection.WithLogger(log),
		intersection.WithMetricsRecorder(simMetrics),
	)
	if err != nil {
		return err
	}

	feedCtx, cancelFeeds := context.WithCancel(context.Background())
	defer cancelFeeds()
	go intersection.LogEvents(feedCtx, sim.Events(0), log)

	grpcServer := control.NewServer(control.NewService(sim, log), log, controlMetrics)
	webServer := web.NewServer(sim, simMetrics.Handler(), log)
	go webServer.Run(feedCtx)
	httpServer := &http.Server{
		Handler:           webServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	log.Info(ctx, "starting control gRPC server", logging.String("addr", grpcLis.Addr().String()))
	go func() {
		if err := grpcServer.Serve(grpcLis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	log.Info(ctx, "starting HTTP server", logging.String("addr", httpLis.Addr().String()))
	go func() {
		if err := httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var finished <-chan struct{}
	if cfg.Cars > 0 {
		req := intersection.StartRequest{Mode: cfg.Mode, Cars: cfg.Cars, Capacity: cfg.Capacity, Seed: cfg.Seed}
		if err := sim.Start(ctx, req); err != nil {
			grpcServer.Stop()
			_ = httpServer.Close()
			_ = sim.Close(context.Background())
			return fmt.Errorf("autostart: %w", err)
		}
		if cfg.ExitWhenDone {
			finished = sim.Done()
		}
	}

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info(context.Background(), "shutdown requested")
	case <-finished:
		log.Info(context.Background(), "run finished; shutting down", logging.String("run_id", sim.Snapshot().RunID))
	case serveErr = <-errCh:
		log.Error(context.Background(), "server failed", logging.Err(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Closing the simulator ends WatchEvents streams so GracefulStop can
	// return.
	if err := sim.Close(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "simulator did not stop cleanly", logging.Err(err))
	}
	cancelFeeds()

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcServer.Stop()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "http server shutdown", logging.Err(err))
	}
	return serveErr
}
