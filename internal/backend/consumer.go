package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mhdhaikalll/IoT-Flood-System/internal/ingest"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/metrics"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/mq"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/telemetry"
)

// Ingester runs one reading through the pipeline.
type Ingester interface {
	Ingest(ctx context.Context, r telemetry.SensorReading) (*ingest.Result, error)
}

// Consumer consumes sensor readings from RabbitMQ and feeds them to the pipeline.
type Consumer struct {
	logger       *slog.Logger
	ingester     Ingester
	client       mq.ClientInterface
	metrics      *metrics.MQMetrics
	queue        string
	readyTimeout time.Duration

	started atomic.Bool
	once    sync.Once
	done    chan struct{}
}

// ConsumerConfig holds the configuration for the Consumer.
type ConsumerConfig struct {
	Logger   *slog.Logger
	Ingester Ingester
	Client   mq.ClientInterface
	Metrics  *metrics.MQMetrics // Optional

	// QueueName labels metrics and logs.
	QueueName string

	// ReadyTimeout bounds the wait for the broker connection in Start.
	ReadyTimeout time.Duration
}

// NewConsumer creates a new Consumer instance.
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg == nil {
		return nil, errors.New("consumer config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Ingester == nil {
		return nil, errors.New("ingester cannot be nil")
	}

	if cfg.Client == nil {
		return nil, errors.New("mq client cannot be nil")
	}

	if cfg.QueueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	readyTimeout := cfg.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = 30 * time.Second
	}

	return &Consumer{
		logger:       cfg.Logger.With("component", "amqp-consumer", "queue", cfg.QueueName),
		ingester:     cfg.Ingester,
		client:       cfg.Client,
		metrics:      cfg.Metrics,
		queue:        cfg.QueueName,
		readyTimeout: readyTimeout,
		done:         make(chan struct{}),
	}, nil
}

// Start waits for the broker and begins consuming in the background.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("starting consumer")

	readyCtx, cancel := context.WithTimeout(ctx, c.readyTimeout)
	defer cancel()
	if err := c.client.WaitReady(readyCtx); err != nil {
		return fmt.Errorf("broker not ready: %w", err)
	}

	deliveries, err := c.client.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("consumer started, waiting for messages")

	c.started.Store(true)
	go c.processMessages(ctx, deliveries)

	return nil
}

// Done is closed once message processing has stopped.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

func (c *Consumer) finish() {
	c.once.Do(func() { close(c.done) })
}

// processMessages handles deliveries until ctx ends or the channel closes.
func (c *Consumer) processMessages(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer c.finish()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("context canceled, stopping message processing")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("deliveries channel closed")
				return
			}

			c.handleDelivery(ctx, delivery)
		}
	}
}

// handleDelivery ingests a single delivery. Readings that can never succeed
// are acknowledged and dropped; storage outages are requeued.
func (c *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	if c.metrics != nil {
		timer := prometheus.NewTimer(c.metrics.ConsumeDuration.WithLabelValues(c.queue))
		defer timer.ObserveDuration()
	}

	reading, err := telemetry.Decode(delivery.Body)
	if err != nil {
		c.logger.Warn("dropping undecodable reading", "error", err)
		c.settle(delivery, "rejected", "invalid_payload")
		return
	}

	res, err := c.ingester.Ingest(ingest.WithTransport(ctx, ingest.TransportAMQP), reading)
	switch {
	case err == nil:
		c.logger.Debug("reading ingested",
			"node_id", reading.NodeID,
			"record_id", res.RecordID,
			"risk_level", res.Assessment.Level,
		)
		c.settle(delivery, "ingested", "")
	case telemetry.IsValidationError(err):
		c.logger.Warn("dropping invalid reading", "node_id", reading.NodeID, "error", err)
		c.settle(delivery, "rejected", "invalid_reading")
	case ingest.IsPersistenceError(err):
		c.logger.Error("failed to persist reading, requeueing",
			"node_id", reading.NodeID,
			"error", err,
		)
		c.requeue(delivery)
	default:
		c.logger.Error("failed to ingest reading", "node_id", reading.NodeID, "error", err)
		c.requeue(delivery)
	}
}

func (c *Consumer) settle(delivery amqp.Delivery, outcome, failure string) {
	if err := delivery.Ack(false); err != nil {
		c.logger.Error("failed to ack message", "error", err)
	}
	if c.metrics == nil {
		return
	}
	c.metrics.MessagesConsumed.WithLabelValues(c.queue, outcome).Inc()
	if failure != "" {
		c.metrics.ConsumptionFailures.WithLabelValues(c.queue, failure).Inc()
	}
}

func (c *Consumer) requeue(delivery amqp.Delivery) {
	if err := delivery.Nack(false, true); err != nil {
		c.logger.Error("failed to nack message", "error", err)
	}
	if c.metrics != nil {
		c.metrics.MessagesConsumed.WithLabelValues(c.queue, "requeued").Inc()
		c.metrics.ConsumptionFailures.WithLabelValues(c.queue, "persistence").Inc()
	}
}

// Stop closes the MQ client and waits for in-flight processing to finish.
func (c *Consumer) Stop(ctx context.Context) error {
	c.logger.Info("stopping consumer")

	if !c.started.Load() {
		_ = c.client.Close()
		return nil
	}

	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close mq client: %w", err)
	}

	select {
	case <-c.done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for consumer: %w", ctx.Err())
	}

	c.logger.Info("consumer stopped")
	return nil
}
