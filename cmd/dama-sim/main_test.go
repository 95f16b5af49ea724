package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"

	"github.com/signalsfoundry/satmac-simulator/internal/config"
	"github.com/signalsfoundry/satmac-simulator/internal/ctrlmsg"
	"github.com/signalsfoundry/satmac-simulator/internal/logging"
	"github.com/signalsfoundry/satmac-simulator/internal/sim"
)

func TestRunStartupSmoke(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}

	scenario := config.Default()
	scenario.Duration = config.Duration(5 * time.Second)

	var out bytes.Buffer
	log := logging.New(logging.Config{Level: "warn", Format: "text", Output: &bytes.Buffer{}})
	if err := run(ctx, options{Scenario: scenario, Report: &out}, log, lis); err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, want := range []string{"ut-1", "ut-2", "1/1"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("report lacks %q:\n%s", want, out.String())
		}
	}
}

func TestRunRejectsInvalidScenario(t *testing.T) {
	scenario := config.Default()
	scenario.Beams = nil
	err := run(context.Background(), options{Scenario: scenario}, logging.Noop(), nil)
	if !errors.Is(err, config.ErrInvalidScenario) {
		t.Fatalf("run error = %v", err)
	}
}

func TestDumpConfigLoadsBack(t *testing.T) {
	dir := t.TempDir()
	for _, format := range []string{"yaml", "json"} {
		var buf bytes.Buffer
		if err := dumpConfig(&buf, config.Default(), format); err != nil {
			t.Fatalf("dumpConfig %s: %v", format, err)
		}
		path := filepath.Join(dir, "scenario."+format)
		if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		s, err := config.Load(path)
		if err != nil {
			t.Fatalf("Load %s: %v", format, err)
		}
		if len(s.Terminals) != 2 || s.Gateway.NcrPeriod.Std() != 100*time.Millisecond {
			t.Fatalf("%s round trip lost values: %+v", format, s)
		}
	}

	if err := dumpConfig(&bytes.Buffer{}, config.Default(), "ini"); !errors.Is(err, config.ErrUnknownFormat) {
		t.Fatalf("unknown format: %v", err)
	}
}

func TestHealthReportsRunID(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ctx = logging.ContextWithRunID(ctx, "run-7")

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	server, healthSrv := newGRPCServer(ctx, logging.Noop())
	go func() { _ = server.Serve(lis) }()
	defer server.Stop()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	var header metadata.MD
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: healthService}, grpc.Header(&header))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("status before start = %v", resp.GetStatus())
	}
	if got := header.Get(runIDHeader); len(got) != 1 || got[0] != "run-7" {
		t.Fatalf("run id header = %v", got)
	}

	s, err := sim.New(config.Default())
	if err != nil {
		t.Fatalf("sim.New: %v", err)
	}
	setServing(healthSrv, s, healthpb.HealthCheckResponse_SERVING)
	for _, service := range []string{healthService, beamService(ctrlmsg.BeamID{Sat: 1, Beam: 1})} {
		resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			t.Fatalf("Check %s: %v", service, err)
		}
		if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			t.Fatalf("%s status while running = %v", service, resp.GetStatus())
		}
	}
}
