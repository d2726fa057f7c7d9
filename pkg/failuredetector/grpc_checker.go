package failuredetector

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCChecker probes a worker node using the standard gRPC
// health-checking protocol (grpc.health.v1.Health/Check), the same wire
// contract a worker's RemoteTaskFactory endpoint is expected to serve.
type GRPCChecker struct {
	// Address is the worker's gRPC address (host:port).
	Address string
	// Service is the gRPC service name to query; empty means "overall
	// server health" per the health-checking protocol's convention.
	Service string
	// DialTimeout bounds establishing the connection.
	DialTimeout time.Duration
}

// NewGRPCChecker creates a new gRPC health checker.
func NewGRPCChecker(address string) *GRPCChecker {
	return &GRPCChecker{Address: address, DialTimeout: 5 * time.Second}
}

// Check dials the node and issues one Health/Check RPC.
func (g *GRPCChecker) Check(ctx context.Context) Result {
	start := time.Now()

	dialCtx, cancel := context.WithTimeout(ctx, g.DialTimeout)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, g.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("dial failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer conn.Close()

	client := grpc_health_v1.NewHealthClient(conn)
	resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: g.Service})
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("health check RPC failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	healthy := resp.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING
	return Result{
		Healthy:   healthy,
		Message:   resp.GetStatus().String(),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type.
func (g *GRPCChecker) Type() CheckType {
	return CheckTypeGRPC
}
