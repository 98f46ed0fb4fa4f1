// Package database provides test helpers for spinning up a PostgreSQL
// instance (testcontainers locally, or an external CI database) and
// returning a ready-to-use *database.Client with migrations applied.
package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/codeready-toolchain/cursorchestrator/pkg/database"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// NewTestClient creates a test database client with migrations applied.
// In CI (when CI_DATABASE_URL is set): connects to an external PostgreSQL service.
// In local dev: spins up a disposable testcontainer.
// The container/connection is automatically cleaned up when the test ends.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()
	ctx := context.Background()

	cfg := database.Config{
		Database:        "test",
		User:            "test",
		Password:        "test",
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 15 * time.Minute,
	}

	if ciURL := os.Getenv("CI_DATABASE_URL"); ciURL != "" {
		t.Log("Using external PostgreSQL from CI_DATABASE_URL")
		cfg.Host, cfg.Port = splitHostPort(ciURL)
	} else {
		t.Log("Using testcontainers for PostgreSQL")
		pgContainer, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase(cfg.Database),
			postgres.WithUsername(cfg.User),
			postgres.WithPassword(cfg.Password),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)

		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		host, err := pgContainer.Host(ctx)
		require.NoError(t, err)
		port, err := pgContainer.MappedPort(ctx, "5432/tcp")
		require.NoError(t, err)

		cfg.Host = host
		cfg.Port = port.Int()
	}

	client, err := database.NewClient(ctx, cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}

// splitHostPort is a tiny helper for the CI_DATABASE_URL short-circuit path,
// which in this environment is always host:port (database/user/password are
// fixed to the "test" fixtures above by the CI service definition).
func splitHostPort(hostPort string) (string, int) {
	host := hostPort
	port := 5432
	for i := len(hostPort) - 1; i >= 0; i-- {
		if hostPort[i] == ':' {
			host = hostPort[:i]
			if p, err := parsePort(hostPort[i+1:]); err == nil {
				port = p
			}
			break
		}
	}
	return host, port
}

func parsePort(s string) (int, error) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errNotANumber
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}

var errNotANumber = &notANumberError{}

type notANumberError struct{}

func (*notANumberError) Error() string { return "not a number" }
