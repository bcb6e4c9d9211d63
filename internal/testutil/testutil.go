// Package testutil provides shared test infrastructure: a quiet logger and a
// disposable Postgres container for storage integration tests.
//
// JAKEOPS_TEST_PG_IMAGE overrides the Postgres image used by StartPostgres.
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const defaultPostgresImage = "postgres:17-alpine"

// TestContainer wraps a testcontainers container with a DSN for connecting.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

// StartPostgres starts a Postgres container and waits until it accepts
// connections.
func StartPostgres(ctx context.Context) (*TestContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        postgresImage(),
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "jakeops",
			"POSTGRES_PASSWORD": "jakeops",
			"POSTGRES_DB":       "jakeops",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("testutil: start container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("testutil: container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("testutil: container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://jakeops:jakeops@%s:%s/jakeops?sslmode=disable", host, port.Port())

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("testutil: connect: %w", err)
	}
	_ = conn.Close(ctx)

	return &TestContainer{Container: container, DSN: dsn}, nil
}

// Terminate stops and removes the container. Safe on a nil receiver.
func (tc *TestContainer) Terminate() {
	if tc == nil || tc.Container == nil {
		return
	}
	_ = tc.Container.Terminate(context.Background())
}

func postgresImage() string {
	if img := os.Getenv("JAKEOPS_TEST_PG_IMAGE"); img != "" {
		return img
	}
	return defaultPostgresImage
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
