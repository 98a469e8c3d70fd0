package testcontainers

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mhdhaikalll/IoT-Flood-System/internal/store"
)

// PostgresConfig holds configuration for the PostgreSQL test container.
type PostgresConfig struct {
	// User is the PostgreSQL username (default: flood)
	User string
	// Password is the PostgreSQL password (default: flood)
	Password string
	// Database is the database name (default: flood)
	Database string
	// ContainerName is the name of the container (optional)
	ContainerName string
}

// StartPostgres starts a PostgreSQL container and returns the record store
// settings that reach it.
func StartPostgres(ctx context.Context, config *PostgresConfig) (testcontainers.Container, store.PostgresConfig, error) {
	if config == nil {
		config = &PostgresConfig{}
	}
	if config.User == "" {
		config.User = "flood"
	}
	if config.Password == "" {
		config.Password = "flood"
	}
	if config.Database == "" {
		config.Database = "flood"
	}

	container, host, port, err := start(ctx, testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5432/tcp"),
			// the init scripts restart the server once, so wait for the second banner
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		),
		Env: map[string]string{
			"POSTGRES_USER":     config.User,
			"POSTGRES_PASSWORD": config.Password,
			"POSTGRES_DB":       config.Database,
		},
		Name: config.ContainerName,
	}, "5432")
	if err != nil {
		return nil, store.PostgresConfig{}, fmt.Errorf("failed to start PostgreSQL container: %w", err)
	}

	return container, store.PostgresConfig{
		Host:     host,
		Port:     port,
		User:     config.User,
		Password: config.Password,
		DBName:   config.Database,
		SSLMode:  "disable",
	}, nil
}
