// Package broker provides a test helper for spinning up a Redis instance
// (testcontainers locally, or an external CI instance) and returning a
// ready-to-use *redis.Client.
package broker

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// NewTestClient creates a test Redis client.
// In CI (when CI_REDIS_ADDR is set): connects to an external Redis service.
// In local dev: spins up a disposable testcontainer.
// The container/connection is automatically cleaned up when the test ends.
func NewTestClient(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	addr := os.Getenv("CI_REDIS_ADDR")
	if addr != "" {
		t.Log("Using external Redis from CI_REDIS_ADDR")
	} else {
		t.Log("Using testcontainers for Redis")
		container, err := tcredis.Run(ctx, "redis:7-alpine")
		require.NoError(t, err)

		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(container); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		connStr, err := container.ConnectionString(ctx)
		require.NoError(t, err)
		addr = connStr
	}

	opts, err := redis.ParseURL(addr)
	require.NoError(t, err)

	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	require.Eventually(t, func() bool {
		return client.Ping(waitCtx).Err() == nil
	}, 30*time.Second, 200*time.Millisecond, "redis did not become ready")

	return client
}
