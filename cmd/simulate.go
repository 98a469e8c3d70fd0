package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mhdhaikalll/IoT-Flood-System/internal/simulator"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/metrics"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/mq"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a fleet of synthetic sensor nodes",
	Long: `Run the node simulator that:
- Generates correlated water, rain and vibration readings per node
- Publishes readings over HTTP, RabbitMQ or MQTT
- Can start every node in a storm to exercise alerting`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().String("transport", simulator.TransportHTTP, "publish transport (http, amqp, mqtt)")
	simulateCmd.Flags().String("backend-url", "http://localhost:5000", "backend base URL for the http transport")
	simulateCmd.Flags().String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL for the amqp transport")
	simulateCmd.Flags().String("queue-name", "sensor-data", "RabbitMQ queue name for the amqp transport")
	simulateCmd.Flags().String("mqtt-broker", "tcp://localhost:1883", "MQTT broker URL for the mqtt transport")
	simulateCmd.Flags().String("mqtt-topic", "flood/readings", "MQTT topic for the mqtt transport")
	simulateCmd.Flags().Int("nodes", 3, "number of simulated nodes")
	simulateCmd.Flags().Duration("interval", 10*time.Second, "interval between readings of one node")
	simulateCmd.Flags().Uint64("seed", 0, "fleet seed (0 picks a random seed)")
	simulateCmd.Flags().Float64("storm", 0, "start every node in a storm of this intensity (0..1)")
	simulateCmd.Flags().Int("metrics-port", 0, "serve Prometheus metrics on this port (0 disables)")

	for key, flag := range map[string]string{
		"simulator.transport":    "transport",
		"simulator.backend_url":  "backend-url",
		"simulator.rabbitmq_url": "rabbitmq-url",
		"simulator.queue_name":   "queue-name",
		"simulator.mqtt_broker":  "mqtt-broker",
		"simulator.mqtt_topic":   "mqtt-topic",
		"simulator.nodes":        "nodes",
		"simulator.interval":     "interval",
		"simulator.seed":         "seed",
		"simulator.storm":        "storm",
		"simulator.metrics_port": "metrics-port",
	} {
		_ = viper.BindPFlag(key, simulateCmd.Flags().Lookup(flag))
	}
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	logger := GetLogger("flood-simulator")
	logger.Info("starting simulator service", "version", version)

	ctx := commandContext(cmd)

	simMetrics := metrics.NewSimulatorMetrics(metrics.Namespace)
	publisher, err := newPublisher(viper.GetString("simulator.transport"))
	if err != nil {
		logger.Error("failed to create publisher", "error", err)
		return err
	}

	config := &simulator.ServerConfig{
		Logger:    logger,
		Publisher: publisher,
		Nodes:     viper.GetInt("simulator.nodes"),
		Interval:  viper.GetDuration("simulator.interval"),
		Seed:      viper.GetUint64("simulator.seed"),
		Storm:     viper.GetFloat64("simulator.storm"),
		Metrics:   simMetrics,
	}

	server, err := simulator.NewServer(config)
	if err != nil {
		_ = publisher.Close()
		logger.Error("failed to create simulator", "error", err)
		return err
	}

	if port := viper.GetInt("simulator.metrics_port"); port > 0 {
		go serveMetrics(ctx, port, logger)
	}

	logger.Info("simulator configuration",
		"transport", publisher.Name(),
		"nodes", config.Nodes,
		"interval", config.Interval,
		"storm", config.Storm,
	)

	if err := server.Run(ctx); err != nil {
		logger.Error("simulator error", "error", err)
		return err
	}
	return nil
}

func newPublisher(transport string) (simulator.Publisher, error) {
	switch transport {
	case simulator.TransportHTTP:
		return simulator.NewHTTPPublisher(viper.GetString("simulator.backend_url"), nil)
	case simulator.TransportAMQP:
		client := mq.New(
			viper.GetString("simulator.queue_name"),
			viper.GetString("simulator.rabbitmq_url"),
			GetLogger("flood-simulator").With("component", "mq-client"),
			mq.WithDurable(true),
			mq.WithMetrics(metrics.NewMQMetrics(metrics.Namespace)),
		)
		return simulator.NewQueuePublisher(client)
	case simulator.TransportMQTT:
		client := simulator.DialMQTT(
			viper.GetString("simulator.mqtt_broker"),
			fmt.Sprintf("flood-simulator-%d", time.Now().UnixNano()),
			viper.GetString("mqtt.username"),
			viper.GetString("mqtt.password"),
		)
		return simulator.NewMQTTPublisher(client, viper.GetString("simulator.mqtt_topic"), byte(viper.GetUint("mqtt.qos")))
	default:
		return nil, fmt.Errorf("unknown transport %q", transport)
	}
}

func serveMetrics(ctx context.Context, port int, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server error", "error", err)
	}
}
