package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mhdhaikalll/IoT-Flood-System/pkg/metrics"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverInflux   = "influxdb"
	DriverMemory   = "memory"
)

// Config selects and configures a backend.
type Config struct {
	Driver         string         `mapstructure:"driver"`
	Postgres       PostgresConfig `mapstructure:"postgres"`
	Influx         InfluxConfig   `mapstructure:"influxdb"`
	MemoryCapacity int            `mapstructure:"memory_capacity"`
}

// Open connects the configured backend and wraps it with instrumentation.
func Open(ctx context.Context, cfg Config, logger *slog.Logger, m *metrics.PipelineMetrics) (Store, error) {
	var (
		s   Store
		err error
	)

	switch cfg.Driver {
	case DriverPostgres:
		pg := cfg.Postgres
		pg.Logger = logger
		s, err = NewPostgres(ctx, &pg)
	case DriverInflux:
		ic := cfg.Influx
		ic.Logger = logger
		var db *Influx
		if db, err = NewInflux(&ic); err == nil {
			if err = db.Ping(ctx); err != nil {
				db.Close()
			}
			s = db
		}
	case DriverMemory, "":
		logger.Warn("using in-memory record store, history is lost on restart")
		s = NewMemory(cfg.MemoryCapacity)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	driver := cfg.Driver
	if driver == "" {
		driver = DriverMemory
	}
	return Instrument(s, driver, m), nil
}
