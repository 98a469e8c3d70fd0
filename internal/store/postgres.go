package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mhdhaikalll/IoT-Flood-System/pkg/telemetry"
)

// PostgresConfig holds the database configuration.
type PostgresConfig struct {
	Logger          *slog.Logger  `mapstructure:"-"`
	Host            string        `mapstructure:"host"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	Port            int           `mapstructure:"port"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// Postgres stores records in PostgreSQL through gorm.
type Postgres struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewPostgres connects to the database and runs migrations.
func NewPostgres(ctx context.Context, cfg *PostgresConfig) (*Postgres, error) {
	if cfg == nil {
		return nil, errors.New("database config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Host == "" {
		return nil, errors.New("database host cannot be empty")
	}
	if cfg.Port <= 0 {
		return nil, errors.New("database port must be positive")
	}

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, sslMode)

	cfg.Logger.Info("connecting to database",
		"host", cfg.Host,
		"port", cfg.Port,
		"dbname", cfg.DBName,
	)

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent), // Use slog instead of GORM's logger
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(postgres.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	maxIdle, maxOpen, lifetime := cfg.MaxIdleConns, cfg.MaxOpenConns, cfg.ConnMaxLifetime
	if maxIdle <= 0 {
		maxIdle = 10
	}
	if maxOpen <= 0 {
		maxOpen = 100
	}
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetConnMaxLifetime(lifetime)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cfg.Logger.Info("database connection established")

	p := &Postgres{db: db, logger: cfg.Logger}
	if err := p.migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	p.logger.Info("running database migrations")
	if err := p.db.WithContext(ctx).AutoMigrate(&SensorRecord{}); err != nil {
		return fmt.Errorf("auto-migration failed: %w", err)
	}
	p.logger.Info("database migrations completed successfully")
	return nil
}

// DB exposes the underlying connection (tests, maintenance commands).
func (p *Postgres) DB() *gorm.DB {
	return p.db
}

// Append implements Store.
func (p *Postgres) Append(ctx context.Context, r telemetry.SensorReading) (string, error) {
	id, err := NewRecordID()
	if err != nil {
		return "", err
	}
	if err := p.db.WithContext(ctx).Create(toModel(id, r)).Error; err != nil {
		return "", fmt.Errorf("insert sensor record: %w", err)
	}
	return id, nil
}

// Query implements Store.
func (p *Postgres) Query(ctx context.Context, q Query) ([]Record, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}

	tx := p.db.WithContext(ctx).Model(&SensorRecord{})
	if q.NodeID != "" {
		tx = tx.Where("node_id = ?", q.NodeID)
	}
	if !q.Since.IsZero() {
		tx = tx.Where("timestamp >= ?", q.Since.UTC())
	}
	if !q.Until.IsZero() {
		tx = tx.Where("timestamp <= ?", q.Until.UTC())
	}

	var rows []SensorRecord
	if err := tx.Order("timestamp DESC").Order("id DESC").Limit(q.Limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query sensor records: %w", err)
	}

	slices.Reverse(rows)
	return toRecords(rows), nil
}

// Latest implements Store.
func (p *Postgres) Latest(ctx context.Context) ([]Record, error) {
	var rows []SensorRecord
	err := p.db.WithContext(ctx).
		Raw(`SELECT DISTINCT ON (node_id) * FROM sensor_records ORDER BY node_id, timestamp DESC, id DESC`).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query latest sensor records: %w", err)
	}
	return toRecords(rows), nil
}

// Close implements Store.
func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}

	p.logger.Info("closing database connection")
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func toRecords(rows []SensorRecord) []Record {
	out := make([]Record, len(rows))
	for i := range rows {
		out[i] = rows[i].record()
	}
	return out
}
