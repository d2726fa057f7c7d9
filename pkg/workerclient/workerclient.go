// Package workerclient wraps the grpc.ClientConn lifecycle to a worker
// node: dialing, keepalive, and liveness probing via the standard gRPC
// health-checking protocol. It is grounded in the teacher's
// pkg/client.Client, which wraps one grpc.ClientConn plus a generated
// stub behind typed methods; the generated Warren API stub has no
// equivalent here (the worker-side RemoteTaskFactory wire format is out
// of scope per spec §1), so Conn exposes the health client directly
// instead of a domain-specific RPC surface.
package workerclient

import (
	"context"
	"fmt"
	"time"

	"github.com/prism-sql/ftsched/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// Conn wraps one connection to a worker node's gRPC endpoint.
type Conn struct {
	node types.InternalNode
	conn *grpc.ClientConn
}

// DialOptions configures Dial. The zero value is usable and applies the
// teacher's insecure-by-default local dial pattern plus a conservative
// keepalive policy suited to long-lived scheduler-to-worker connections.
type DialOptions struct {
	DialTimeout         time.Duration
	KeepaliveTime       time.Duration
	KeepaliveTimeout    time.Duration
	PermitWithoutStream bool
}

func (o DialOptions) withDefaults() DialOptions {
	if o.DialTimeout == 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.KeepaliveTime == 0 {
		o.KeepaliveTime = 30 * time.Second
	}
	if o.KeepaliveTimeout == 0 {
		o.KeepaliveTimeout = 10 * time.Second
	}
	return o
}

// Dial opens a connection to node's gRPC endpoint.
func Dial(ctx context.Context, node types.InternalNode, opts DialOptions) (*Conn, error) {
	opts = opts.withDefaults()

	dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, string(node.Address),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                opts.KeepaliveTime,
			Timeout:             opts.KeepaliveTimeout,
			PermitWithoutStream: opts.PermitWithoutStream,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("dial worker %s: %w", node.Address, err)
	}

	return &Conn{node: node, conn: conn}, nil
}

// HealthClient returns the standard gRPC health-checking client for this
// connection, usable as a failuredetector.Checker backend.
func (c *Conn) HealthClient() grpc_health_v1.HealthClient {
	return grpc_health_v1.NewHealthClient(c.conn)
}

// Node returns the worker node identity this connection targets.
func (c *Conn) Node() types.InternalNode {
	return c.node
}

// Close tears down the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
