package testcontainers

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mhdhaikalll/IoT-Flood-System/internal/store"
)

// InfluxConfig holds configuration for the InfluxDB 2 test container.
type InfluxConfig struct {
	// Org is the initial organisation (default: flood)
	Org string
	// Bucket is the initial bucket (default: readings)
	Bucket string
	// Token is the admin API token (default: flood-e2e-token)
	Token string
	// ContainerName is the name of the container (optional)
	ContainerName string
}

// StartInflux starts an InfluxDB 2 container with an initialised org and bucket
// and returns the record store settings that reach it.
func StartInflux(ctx context.Context, config *InfluxConfig) (testcontainers.Container, store.InfluxConfig, error) {
	if config == nil {
		config = &InfluxConfig{}
	}
	if config.Org == "" {
		config.Org = "flood"
	}
	if config.Bucket == "" {
		config.Bucket = "readings"
	}
	if config.Token == "" {
		config.Token = "flood-e2e-token"
	}

	container, host, port, err := start(ctx, testcontainers.ContainerRequest{
		Image:        "influxdb:2.7-alpine",
		ExposedPorts: []string{"8086/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForLog("ready for start up"),
			wait.ForHTTP("/health").WithPort("8086/tcp"),
		),
		Env: map[string]string{
			"DOCKER_INFLUXDB_INIT_MODE":        "setup",
			"DOCKER_INFLUXDB_INIT_USERNAME":    "flood",
			"DOCKER_INFLUXDB_INIT_PASSWORD":    "flood-e2e-password",
			"DOCKER_INFLUXDB_INIT_ORG":         config.Org,
			"DOCKER_INFLUXDB_INIT_BUCKET":      config.Bucket,
			"DOCKER_INFLUXDB_INIT_ADMIN_TOKEN": config.Token,
		},
		Name: config.ContainerName,
	}, "8086")
	if err != nil {
		return nil, store.InfluxConfig{}, fmt.Errorf("failed to start InfluxDB container: %w", err)
	}

	return container, store.InfluxConfig{
		URL:    fmt.Sprintf("http://%s:%d", host, port),
		Token:  config.Token,
		Org:    config.Org,
		Bucket: config.Bucket,
	}, nil
}
