package main

import (
	"context"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"

	"github.com/signalsfoundry/satmac-simulator/internal/ctrlmsg"
	"github.com/signalsfoundry/satmac-simulator/internal/logging"
	"github.com/signalsfoundry/satmac-simulator/internal/sim"
)

const (
	healthService = "satmac.DamaSim"
	runIDHeader   = "x-run-id"
)

// newGRPCServer builds the control-plane server: the standard health
// service, reporting NOT_SERVING until the simulation starts.
func newGRPCServer(ctx context.Context, log logging.Logger) (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(runIDUnaryServerInterceptor(log, logging.RunIDFromContext(ctx))),
	)
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(server, healthSrv)
	healthSrv.SetServingStatus(healthService, healthpb.HealthCheckResponse_NOT_SERVING)
	return server, healthSrv
}

// beamService is the health service name of one beam, e.g.
// "satmac.DamaSim/1/2".
func beamService(id ctrlmsg.BeamID) string { return healthService + "/" + id.String() }

// setServing reports status for the simulator and each of its beams.
func setServing(healthSrv *health.Server, s *sim.Simulation, status healthpb.HealthCheckResponse_ServingStatus) {
	if healthSrv == nil {
		return
	}
	healthSrv.SetServingStatus(healthService, status)
	for _, id := range s.Beams() {
		healthSrv.SetServingStatus(beamService(id), status)
	}
}

// runIDUnaryServerInterceptor returns the simulation run_id in the response
// header and logs each call with it.
func runIDUnaryServerInterceptor(base logging.Logger, runID string) grpc.UnaryServerInterceptor {
	base = logging.OrNoop(base)
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if runID != "" {
			ctx = logging.ContextWithRunID(ctx, runID)
			_ = grpc.SetHeader(ctx, metadata.Pairs(runIDHeader, runID))
		}
		resp, err := handler(ctx, req)
		base.Debug(ctx, "rpc handled",
			logging.String("method", info.FullMethod),
			logging.Err(err),
		)
		return resp, err
	}
}
