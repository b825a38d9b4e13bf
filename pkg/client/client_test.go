package client

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func startHealthServer(t *testing.T, status healthpb.HealthCheckResponse_ServingStatus) string {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus("", status)
	healthpb.RegisterHealthServer(srv, hs)

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	return lis.Addr().String()
}

func TestCheckReportsServing(t *testing.T) {
	addr := startHealthServer(t, healthpb.HealthCheckResponse_SERVING)

	cl, err := New(addr, Options{})
	require.NoError(t, err)
	defer cl.Close()

	status, err := cl.Check(context.Background())
	require.NoError(t, err)
	require.True(t, status.Serving)
	require.Equal(t, "SERVING", status.Raw)
}

func TestCheckReportsNotServing(t *testing.T) {
	addr := startHealthServer(t, healthpb.HealthCheckResponse_NOT_SERVING)

	cl, err := New(addr, Options{})
	require.NoError(t, err)
	defer cl.Close()

	status, err := cl.Check(context.Background())
	require.NoError(t, err)
	require.False(t, status.Serving)
	require.Equal(t, "NOT_SERVING", status.Raw)
}
