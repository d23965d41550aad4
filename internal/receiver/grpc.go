package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/fidde/cube_planner/internal/resource"
)

// ServiceName is the health service name of the planner.
const ServiceName = "cube_planner"

// GRPCServer serves the gRPC health protocol. The planner's status follows
// a periodic probe of the resource store.
type GRPCServer struct {
	addr     string
	store    resource.Store
	interval time.Duration
	logger   *slog.Logger
	health   *health.Server
	server   *grpc.Server

	stopOnce sync.Once
	stop     chan struct{}
}

// NewGRPCServer creates a gRPC server probing store every interval.
func NewGRPCServer(addr string, store resource.Store, interval time.Duration, logger *slog.Logger) *GRPCServer {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &GRPCServer{
		addr:     addr,
		store:    store,
		interval: interval,
		logger:   logger,
		health:   health.NewServer(),
		stop:     make(chan struct{}),
	}
}

// Probe checks the store once and updates the serving status.
func (g *GRPCServer) Probe(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if _, err := g.store.Exists(ctx, "/health"); err != nil {
		g.logger.Warn("resource store probe failed", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	g.health.SetServingStatus(ServiceName, status)
	g.health.SetServingStatus("", status)
	return status
}

// Health returns the health service, for in-process checks.
func (g *GRPCServer) Health() healthpb.HealthServer { return g.health }

// Start starts the gRPC server.
func (g *GRPCServer) Start() error {
	lis, err := net.Listen("tcp", g.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	g.server = grpc.NewServer()
	healthpb.RegisterHealthServer(g.server, g.health)

	// Register reflection service for debugging with grpcurl
	reflection.Register(g.server)

	g.Probe(context.Background())
	go g.probeLoop()

	g.logger.Info("gRPC server listening", "addr", g.addr)
	return g.server.Serve(lis)
}

func (g *GRPCServer) probeLoop() {
	t := time.NewTicker(g.interval)
	defer t.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), g.interval)
			g.Probe(ctx)
			cancel()
		}
	}
}

// Shutdown gracefully shuts down the gRPC server.
func (g *GRPCServer) Shutdown(ctx context.Context) error {
	g.stopOnce.Do(func() { close(g.stop) })
	g.health.Shutdown()
	if g.server != nil {
		g.server.GracefulStop()
	}
	return nil
}
