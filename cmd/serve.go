package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mhdhaikalll/IoT-Flood-System/internal/backend"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion backend",
	Long: `Run the backend server that:
- Accepts sensor readings over HTTP, RabbitMQ and MQTT
- Persists readings to the record store (memory, PostgreSQL or InfluxDB)
- Assesses flood risk with the AI analyzer or the deterministic fallback
- Dispatches rate-limited alerts (log, Telegram, RabbitMQ or Kafka)
- Streams pipeline events over WebSocket and serves gRPC health`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("http-port", 5000, "HTTP API port")
	serveCmd.Flags().Int("grpc-port", 9090, "gRPC health port (0 disables)")
	serveCmd.Flags().String("store-driver", "memory", "record store driver (memory, postgres, influxdb)")
	serveCmd.Flags().String("rabbitmq-url", "", "RabbitMQ URL for the reading consumer (disabled when empty)")
	serveCmd.Flags().String("queue-name", "sensor-data", "RabbitMQ queue name for sensor readings")
	serveCmd.Flags().String("mqtt-broker", "", "MQTT broker URL (disabled when empty)")
	serveCmd.Flags().String("mqtt-topic", "flood/readings", "MQTT topic for sensor readings")
	serveCmd.Flags().String("alert-channel", "log", "alert channel (log, telegram, amqp, kafka)")
	serveCmd.Flags().String("ai-provider", "", "AI reasoning provider (gemini, none)")
	serveCmd.Flags().Float64("alert-threshold", 70, "minimum risk percentage that may alert")

	_ = viper.BindPFlag("http.port", serveCmd.Flags().Lookup("http-port"))
	_ = viper.BindPFlag("grpc.port", serveCmd.Flags().Lookup("grpc-port"))
	_ = viper.BindPFlag("store.driver", serveCmd.Flags().Lookup("store-driver"))
	_ = viper.BindPFlag("rabbitmq.url", serveCmd.Flags().Lookup("rabbitmq-url"))
	_ = viper.BindPFlag("rabbitmq.queue_name", serveCmd.Flags().Lookup("queue-name"))
	_ = viper.BindPFlag("mqtt.broker", serveCmd.Flags().Lookup("mqtt-broker"))
	_ = viper.BindPFlag("mqtt.topic", serveCmd.Flags().Lookup("mqtt-topic"))
	_ = viper.BindPFlag("notifier.channel", serveCmd.Flags().Lookup("alert-channel"))
	_ = viper.BindPFlag("ai.provider", serveCmd.Flags().Lookup("ai-provider"))
	_ = viper.BindPFlag("alerts.threshold", serveCmd.Flags().Lookup("alert-threshold"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := GetLogger("flood-backend")
	logger.Info("starting backend service", "version", version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	defer initTracing(ctx, "flood-backend", logger)()

	config := &backend.ServerConfig{
		Logger:           logger,
		Store:            cfg.Store,
		Calibration:      cfg.Calibration,
		Liveness:         cfg.Liveness,
		Alerts:           cfg.Alerts,
		AI:               cfg.AI,
		Notifier:         cfg.Notifier,
		Scanner:          cfg.Scanner,
		RabbitMQ:         cfg.RabbitMQ,
		MQTT:             cfg.MQTT,
		PersistTimeout:   cfg.Ingest.PersistTimeout,
		HistoryLimit:     cfg.Ingest.HistoryLimit,
		HTTPPort:         viper.GetInt("http.port"),
		GRPCPort:         viper.GetInt("grpc.port"),
		LivenessInterval: cfg.LivenessRefresh,
		Version:          version,
	}

	server, err := backend.NewServer(config)
	if err != nil {
		logger.Error("failed to create backend server", "error", err)
		return err
	}

	logger.Info("backend server configuration",
		"http_port", config.HTTPPort,
		"grpc_port", config.GRPCPort,
		"store_driver", config.Store.Driver,
		"ai_provider", config.AI.Provider,
		"alert_channel", config.Notifier.Channel,
		"alert_threshold", config.Alerts.Threshold,
		"rabbitmq_enabled", config.RabbitMQ.URL != "",
		"mqtt_enabled", config.MQTT.BrokerURL != "",
		"scanner_enabled", config.Scanner.Enabled,
	)

	if err := server.Run(ctx); err != nil {
		logger.Error("backend server error", "error", err)
		return err
	}

	logger.Info("backend server stopped")
	return nil
}
