// Command dama-sim runs a return-link MAC scenario and prints a per-terminal
// and per-beam report. While it runs it exposes Prometheus metrics and a
// gRPC health endpoint.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gopkg.in/urfave/cli.v1"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/satmac-simulator/internal/config"
	"github.com/signalsfoundry/satmac-simulator/internal/logging"
	"github.com/signalsfoundry/satmac-simulator/internal/observability"
	"github.com/signalsfoundry/satmac-simulator/internal/sim"
)

var (
	configFlag = cli.StringFlag{
		Name:  "config",
		Usage: "Scenario file (.yaml, .toml or .json); built-in defaults when empty",
	}
	durationFlag = cli.DurationFlag{
		Name:  "duration",
		Usage: "Override the scenario duration",
	}
	metricsAddrFlag = cli.StringFlag{
		Name:  "metrics-addr",
		Usage: "HTTP address for Prometheus /metrics; empty disables it",
		Value: ":9090",
	}
	grpcAddrFlag = cli.StringFlag{
		Name:  "grpc-addr",
		Usage: "TCP address of the gRPC health server; empty disables it",
		Value: ":50051",
	}
	formatFlag = cli.StringFlag{
		Name:  "format",
		Usage: "Output format of dumpconfig: toml, yaml or json",
		Value: "toml",
	}

	runCommand = cli.Command{
		Action:      runAction,
		Name:        "run",
		Usage:       "Run a scenario",
		Flags:       []cli.Flag{configFlag, durationFlag, metricsAddrFlag, grpcAddrFlag},
		Description: `The run command simulates the scenario and prints the final report.`,
	}
	dumpConfigCommand = cli.Command{
		Action:      dumpConfigAction,
		Name:        "dumpconfig",
		Usage:       "Show the effective scenario",
		Flags:       []cli.Flag{configFlag, formatFlag},
		Description: `The dumpconfig command prints the scenario after defaults are applied.`,
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "dama-sim"
	app.Usage = "DVB-RCS2 return-link DAMA and terminal synchronization simulator"
	app.Commands = []cli.Command{runCommand, dumpConfigCommand}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// options is what the run command needs once flags are parsed.
type options struct {
	Scenario    *config.Scenario
	MetricsAddr string
	Report      io.Writer
}

func loadScenario(ctx *cli.Context) (*config.Scenario, error) {
	path := ctx.String(configFlag.Name)
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func runAction(ctx *cli.Context) error {
	scenario, err := loadScenario(ctx)
	if err != nil {
		return err
	}
	if d := ctx.Duration(durationFlag.Name); d > 0 {
		scenario.Duration = config.Duration(d)
	}

	log := logging.NewFromEnv()
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx, runID := logging.EnsureRunID(runCtx)

	shutdownTracing, err := observability.InitTracing(runCtx, observability.TracingConfigForRun(scenario, runID), log)
	if err != nil {
		return err
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	var lis net.Listener
	if addr := ctx.String(grpcAddrFlag.Name); addr != "" {
		lis, err = net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen for gRPC on %s: %w", addr, err)
		}
	}
	return run(runCtx, options{
		Scenario:    scenario,
		MetricsAddr: ctx.String(metricsAddrFlag.Name),
		Report:      os.Stdout,
	}, log, lis)
}

// run simulates opts.Scenario. The health server on lis, if any, reports
// SERVING for as long as the simulation runs.
func run(ctx context.Context, opts options, log logging.Logger, lis net.Listener) error {
	reg := prometheus.NewRegistry()
	collector, err := observability.NewDamaCollector(reg)
	if err != nil {
		return err
	}
	metricsSrv := serveMetrics(opts.MetricsAddr, collector, log)

	var (
		server    *grpc.Server
		healthSrv *health.Server
	)
	if lis != nil {
		server, healthSrv = newGRPCServer(ctx, log)
		log.Info(ctx, "starting gRPC health server", logging.String("addr", lis.Addr().String()))
		go func() {
			if err := server.Serve(lis); err != nil {
				log.Error(ctx, "gRPC server exited", logging.Err(err))
			}
		}()
	}
	defer func() {
		if server != nil {
			healthSrv.Shutdown()
			server.GracefulStop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
	}()

	s, err := sim.New(opts.Scenario,
		sim.WithLogger(log),
		sim.WithCollector(collector),
		sim.WithTracer(otel.Tracer("dama-sim")),
	)
	if err != nil {
		return err
	}
	setServing(healthSrv, s, healthpb.HealthCheckResponse_SERVING)
	report, err := s.Run(ctx)
	setServing(healthSrv, s, healthpb.HealthCheckResponse_NOT_SERVING)
	if opts.Report != nil {
		report.Render(opts.Report)
	}
	if err != nil && ctx.Err() != nil {
		log.Warn(ctx, "simulation interrupted", logging.Duration("simulated", report.Elapsed))
		return nil
	}
	return err
}

func serveMetrics(addr string, collector *observability.DamaCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

func dumpConfigAction(ctx *cli.Context) error {
	scenario, err := loadScenario(ctx)
	if err != nil {
		return err
	}
	return dumpConfig(os.Stdout, scenario, ctx.String(formatFlag.Name))
}

func dumpConfig(w io.Writer, s *config.Scenario, format string) error {
	out, err := config.Marshal(s, format)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}
