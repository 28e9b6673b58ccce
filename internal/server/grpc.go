package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"FundingLedger/internal/ingestion"
	"FundingLedger/internal/observability"
	"FundingLedger/internal/query"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// ServerDeps holds all dependencies needed by the gRPC and HTTP servers.
type ServerDeps struct {
	Commands      *ingestion.CommandService
	Queries       *query.QueryService
	Admin         Admin // optional
	HealthChecker *observability.HealthChecker
}

// GRPCServer wraps the gRPC server and its health service.
type GRPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	addr       string
	logger     zerolog.Logger
}

// NewGRPCServer creates a gRPC server with FundingService and the standard
// health service registered.
func NewGRPCServer(addr string, deps *ServerDeps) *GRPCServer {
	logger := observability.NewLogger("grpc")
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))

	grpcServer.RegisterService(&FundingServiceDesc, &fundingServiceImpl{
		commands: deps.Commands,
		queries:  deps.Queries,
	})

	// Health check: NOT_SERVING until recovery completes.
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	if deps.HealthChecker != nil {
		deps.HealthChecker.OnChange(func(ready bool) {
			st := healthpb.HealthCheckResponse_NOT_SERVING
			if ready {
				st = healthpb.HealthCheckResponse_SERVING
			}
			healthServer.SetServingStatus("", st)
			healthServer.SetServingStatus(ServiceName, st)
		})
	}

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer: grpcServer,
		health:     healthServer,
		addr:       addr,
		logger:     logger,
	}
}

// Server exposes the underlying grpc.Server (tests serve it on bufconn).
func (s *GRPCServer) Server() *grpc.Server {
	return s.grpcServer
}

// Start serves gRPC until ctx is done (blocking).
func (s *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down...")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.addr).Msg("gRPC server listening")
	err = s.grpcServer.Serve(lis)
	if ctx.Err() != nil {
		// in-flight RPCs finish before Start returns
		<-stopped
		return nil
	}
	return err
}

func loggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			logger.Debug().
				Str("method", info.FullMethod).
				Str("code", status.Code(err).String()).
				Dur("elapsed", time.Since(start)).
				Err(err).
				Msg("rpc failed")
		}
		return resp, err
	}
}
