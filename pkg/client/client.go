// Package client is a thin gRPC client for the orchestrator's
// grpc_health_v1 endpoint, used by the runnerd status CLI to check a
// running control loop from a separate process. Adapted from the
// teacher's pkg/client, which wrapped a full mTLS service-management
// API; this orchestrator exposes no such API surface, only health, so
// the client shrinks to match.
package client

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Client dials an orchestrator's grpc_health_v1 endpoint.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// Options configures how the client connects.
type Options struct {
	// TLSCertFile, if set, pins the server to a single known
	// certificate instead of connecting in plaintext. There is no CA
	// chain here, matching the single-cert TLS the control loop itself
	// terminates with.
	TLSCertFile string
}

// New dials addr and returns a Client.
func New(addr string, opts Options) (*Client, error) {
	var creds grpc.DialOption
	if opts.TLSCertFile != "" {
		cert, err := credentials.NewClientTLSFromFile(opts.TLSCertFile, "")
		if err != nil {
			return nil, fmt.Errorf("load server cert: %w", err)
		}
		creds = grpc.WithTransportCredentials(cert)
	} else {
		creds = grpc.WithTransportCredentials(insecure.NewCredentials())
	}

	conn, err := grpc.NewClient(addr, creds)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	return &Client{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
	}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Status is the orchestrator's reported serving status.
type Status struct {
	Serving bool
	Raw     string
}

// Check asks the orchestrator whether it considers itself ready to
// serve, per grpc_health_v1's overall ("") service name.
func (c *Client) Check(ctx context.Context) (Status, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return Status{}, fmt.Errorf("health check: %w", err)
	}
	return Status{
		Serving: resp.Status == healthpb.HealthCheckResponse_SERVING,
		Raw:     resp.Status.String(),
	}, nil
}
