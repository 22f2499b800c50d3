package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInit_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "inquiryos"})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	require.NoError(t, shutdown(context.Background()))
	require.NotNil(t, Meter("test"))
	require.NotNil(t, Tracer("test"))
}

func TestInit_WithEndpoint(t *testing.T) {
	ctx := context.Background()
	shutdown, err := Init(ctx, Config{Endpoint: "localhost:4318", ServiceName: "inquiryos", Version: "test", Insecure: true})
	require.NoError(t, err)
	// Nothing listens on the endpoint; shutdown may report a flush error.
	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_ = shutdown(shutdownCtx)
}
