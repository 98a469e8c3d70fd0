package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mhdhaikalll/IoT-Flood-System/internal/backend"
	"github.com/mhdhaikalll/IoT-Flood-System/internal/nodestate"
	"github.com/mhdhaikalll/IoT-Flood-System/internal/store"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/logger"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/risk"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/tracing"
)

// InitConfig initializes Viper configuration.
// It supports reading from config files (config.yaml) and FLOOD_ prefixed environment variables,
// e.g. FLOOD_STORE_POSTGRES_HOST for store.postgres.host.
func InitConfig(cfgFile string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/flood/")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("FLOOD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		var configNotFoundErr viper.ConfigFileNotFoundError
		if errors.As(err, &configNotFoundErr) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// setDefaults registers every nested key so that environment variables can
// override it when the whole tree is unmarshalled.
func setDefaults() {
	calib := risk.DefaultCalibration()
	viper.SetDefault("calibration.rain_polarity", string(calib.RainPolarity))
	viper.SetDefault("calibration.water_warning_cm", calib.WaterWarningCM)
	viper.SetDefault("calibration.water_danger_cm", calib.WaterDangerCM)
	viper.SetDefault("calibration.piezo_full_scale", calib.PiezoFullScale)
	viper.SetDefault("calibration.rain_full_scale", calib.RainFullScale)

	live := nodestate.DefaultLivenessConfig()
	viper.SetDefault("liveness.send_interval", live.SendInterval)
	viper.SetDefault("liveness.fresh_multiplier", live.FreshMultiplier)
	viper.SetDefault("liveness.stale_multiplier", live.StaleMultiplier)
	viper.SetDefault("liveness_refresh", 30*time.Second)

	alerts := backend.DefaultAlertConfig()
	viper.SetDefault("alerts.threshold", alerts.Threshold)
	viper.SetDefault("alerts.realtime_cooldown", alerts.RealTimeCooldown)
	viper.SetDefault("alerts.predictive_cooldown", alerts.PredictiveCooldown)
	viper.SetDefault("alerts.send_timeout", alerts.SendTimeout)

	viper.SetDefault("ai.provider", "")
	viper.SetDefault("ai.endpoint", "")
	viper.SetDefault("ai.api_key", "")
	viper.SetDefault("ai.model", "")
	viper.SetDefault("ai.temperature", 0.2)
	viper.SetDefault("ai.max_output_tokens", 1024)
	viper.SetDefault("ai.timeout", 15*time.Second)

	viper.SetDefault("notifier.channel", backend.ChannelLog)
	viper.SetDefault("notifier.alert_queue", "flood-alerts")
	viper.SetDefault("notifier.telegram.endpoint", "")
	viper.SetDefault("notifier.telegram.bot_token", "")
	viper.SetDefault("notifier.telegram.chat_id", "")
	viper.SetDefault("notifier.kafka.topic", "flood-alerts")
	viper.SetDefault("notifier.kafka.brokers", []string{"localhost:9092"})

	viper.SetDefault("scanner.enabled", true)
	viper.SetDefault("scanner.schedule", "@every 30m")
	viper.SetDefault("scanner.lookback", 72*time.Hour)
	viper.SetDefault("scanner.min_points", 5)
	viper.SetDefault("scanner.max_points", 50)

	viper.SetDefault("store.driver", store.DriverMemory)
	viper.SetDefault("store.memory_capacity", store.DefaultMemoryCapacity)
	viper.SetDefault("store.postgres.host", "localhost")
	viper.SetDefault("store.postgres.port", 5432)
	viper.SetDefault("store.postgres.user", "postgres")
	viper.SetDefault("store.postgres.password", "")
	viper.SetDefault("store.postgres.dbname", "flood")
	viper.SetDefault("store.postgres.sslmode", "disable")
	viper.SetDefault("store.postgres.max_idle_conns", 0)
	viper.SetDefault("store.postgres.max_open_conns", 0)
	viper.SetDefault("store.postgres.conn_max_lifetime", time.Duration(0))
	viper.SetDefault("store.influxdb.url", "http://localhost:8086")
	viper.SetDefault("store.influxdb.token", "")
	viper.SetDefault("store.influxdb.org", "flood")
	viper.SetDefault("store.influxdb.bucket", "readings")
	viper.SetDefault("store.influxdb.measurement", "")

	viper.SetDefault("rabbitmq.url", "")
	viper.SetDefault("rabbitmq.queue_name", "sensor-data")
	viper.SetDefault("rabbitmq.prefetch", 10)

	viper.SetDefault("mqtt.broker", "")
	viper.SetDefault("mqtt.topic", "flood/readings")
	viper.SetDefault("mqtt.client_id", "")
	viper.SetDefault("mqtt.username", "")
	viper.SetDefault("mqtt.password", "")
	viper.SetDefault("mqtt.qos", 1)

	viper.SetDefault("ingest.persist_timeout", 5*time.Second)
	viper.SetDefault("ingest.history_limit", 10)
}

// appConfig is the decoded configuration tree shared by all subcommands.
type appConfig struct {
	Store           store.Config             `mapstructure:"store"`
	Calibration     risk.Calibration         `mapstructure:"calibration"`
	Liveness        nodestate.LivenessConfig `mapstructure:"liveness"`
	Alerts          backend.AlertConfig      `mapstructure:"alerts"`
	AI              backend.AIConfig         `mapstructure:"ai"`
	Notifier        backend.NotifierConfig   `mapstructure:"notifier"`
	Scanner         backend.ScannerConfig    `mapstructure:"scanner"`
	RabbitMQ        backend.RabbitMQConfig   `mapstructure:"rabbitmq"`
	MQTT            backend.MQTTSettings     `mapstructure:"mqtt"`
	Ingest          ingestConfig             `mapstructure:"ingest"`
	LivenessRefresh time.Duration            `mapstructure:"liveness_refresh"`
}

type ingestConfig struct {
	PersistTimeout time.Duration `mapstructure:"persist_timeout"`
	HistoryLimit   int           `mapstructure:"history_limit"`
}

func loadConfig() (*appConfig, error) {
	var cfg appConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return &cfg, nil
}

// GetLogger creates a slog.Logger based on configuration.
func GetLogger(service string) *slog.Logger {
	return logger.New(&logger.Config{
		Output:  os.Stdout,
		Service: service,
		Level:   logger.ParseLevel(viper.GetString("log.level")),
		Format:  logger.ParseFormat(viper.GetString("log.format")),
	})
}

// initTracing installs the trace provider and returns its shutdown hook.
func initTracing(ctx context.Context, service string, l *slog.Logger) func() {
	endpoint := viper.GetString("tracing.endpoint")
	shutdown, err := tracing.Init(ctx, endpoint, service, version)
	if err != nil {
		l.Warn("tracing disabled", "error", err)
		return func() {}
	}
	if endpoint != "" {
		l.Info("tracing enabled", "endpoint", endpoint)
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			l.Warn("failed to flush traces", "error", err)
		}
	}
}
