package transport

import (
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Agent is the server side of the transport: it answers the gRPC health
// checks peers use to establish and validate connections.
type Agent struct {
	addr string
	log  *slog.Logger

	srv    *grpc.Server
	health *health.Server
	lis    net.Listener
}

// NewAgent creates an agent listening on addr once started.
func NewAgent(addr string, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{addr: addr, log: logger}
}

// Start binds the listener and begins serving health checks.
func (a *Agent) Start() error {
	lis, err := net.Listen("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", a.addr, err)
	}
	a.lis = lis
	a.srv = grpc.NewServer()
	a.health = health.NewServer()
	a.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(a.srv, a.health)

	go func() {
		if err := a.srv.Serve(lis); err != nil {
			a.log.Warn("agent server exited", "error", err)
		}
	}()
	a.log.Info("node agent serving", "addr", lis.Addr().String())
	return nil
}

// Addr returns the bound address, useful when started on port 0.
func (a *Agent) Addr() string {
	if a.lis == nil {
		return a.addr
	}
	return a.lis.Addr().String()
}

// Stop marks the agent unhealthy and stops the server gracefully.
func (a *Agent) Stop() {
	if a.srv == nil {
		return
	}
	a.health.Shutdown()
	a.srv.GracefulStop()
}
