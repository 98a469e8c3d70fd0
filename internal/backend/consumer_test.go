package backend_test

import (
	"context"
	"errors"
	"log/slog"
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mhdhaikalll/IoT-Flood-System/internal/backend"
	"github.com/mhdhaikalll/IoT-Flood-System/internal/ingest"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/metrics"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/mq/mock"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/telemetry"
)

var _ = Describe("Consumer", func() {
	var (
		logger   *slog.Logger
		ingester *fakeIngester
		client   *mock.MockClient
	)

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		ingester = &fakeIngester{}
		client = mock.NewMockClient()
	})

	Describe("NewConsumer", func() {
		DescribeTable("should validate the configuration",
			func(mutate func(*backend.ConsumerConfig), message string) {
				cfg := &backend.ConsumerConfig{
					Logger:    logger,
					Ingester:  ingester,
					Client:    client,
					QueueName: "sensor-data",
				}
				mutate(cfg)
				consumer, err := backend.NewConsumer(cfg)
				Expect(err).To(MatchError(ContainSubstring(message)))
				Expect(consumer).To(BeNil())
			},
			Entry("nil logger", func(c *backend.ConsumerConfig) { c.Logger = nil }, "logger"),
			Entry("nil ingester", func(c *backend.ConsumerConfig) { c.Ingester = nil }, "ingester"),
			Entry("nil client", func(c *backend.ConsumerConfig) { c.Client = nil }, "mq client"),
			Entry("empty queue", func(c *backend.ConsumerConfig) { c.QueueName = "" }, "queue name"),
		)

		It("should return error when config is nil", func() {
			consumer, err := backend.NewConsumer(nil)
			Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))
			Expect(consumer).To(BeNil())
		})
	})

	Describe("message handling", func() {
		var (
			deliveries chan amqp.Delivery
			consumer   *backend.Consumer
			cancel     context.CancelFunc
		)

		BeforeEach(func() {
			deliveries = make(chan amqp.Delivery, 4)
			client.ConsumeChannel = deliveries

			var err error
			consumer, err = backend.NewConsumer(&backend.ConsumerConfig{
				Logger:    logger,
				Ingester:  ingester,
				Client:    client,
				Metrics:   metrics.NewMQMetrics("flood_test"),
				QueueName: "sensor-data",
			})
			Expect(err).NotTo(HaveOccurred())

			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			DeferCleanup(cancel)
			Expect(consumer.Start(ctx)).To(Succeed())
		})

		It("should ingest a valid reading and ack it", func() {
			ack := &ackRecorder{}
			deliveries <- delivery(ack, validPayload)

			Eventually(func() int { acks, _ := ack.Counts(); return acks }).Should(Equal(1))
			Expect(ingester.Readings()).To(HaveLen(1))
			Expect(ingester.Readings()[0].NodeID).To(Equal("N1"))
		})

		It("should ack and drop an undecodable payload", func() {
			ack := &ackRecorder{}
			deliveries <- delivery(ack, `{"node_id": "N1"`)

			Eventually(func() int { acks, _ := ack.Counts(); return acks }).Should(Equal(1))
			Expect(ingester.Readings()).To(BeEmpty())
		})

		It("should ack a reading the pipeline rejects", func() {
			ingester.err = &telemetry.ValidationError{Fields: []telemetry.FieldError{{Field: "node_id", Reason: "required"}}}
			ack := &ackRecorder{}
			deliveries <- delivery(ack, validPayload)

			Eventually(func() int { acks, _ := ack.Counts(); return acks }).Should(Equal(1))
			_, nacks := ack.Counts()
			Expect(nacks).To(BeZero())
		})

		It("should requeue a reading that could not be persisted", func() {
			ingester.err = &ingest.PersistenceError{NodeID: "N1", Err: errors.New("connection refused")}
			ack := &ackRecorder{}
			deliveries <- delivery(ack, validPayload)

			Eventually(func() int { _, nacks := ack.Counts(); return nacks }).Should(Equal(1))
			Expect(ack.Requeued()).To(BeTrue())
			acks, _ := ack.Counts()
			Expect(acks).To(BeZero())
		})

		It("should stop when the deliveries channel closes", func() {
			close(deliveries)
			Eventually(consumer.Done()).Should(BeClosed())
			Expect(consumer.Stop(context.Background())).To(Succeed())
			Expect(client.CloseCalls).To(Equal(1))
		})

		It("should stop when the context is canceled", func() {
			cancel()
			Eventually(consumer.Done()).Should(BeClosed())
		})
	})

	Describe("Start", func() {
		It("should fail when the broker never becomes ready", func() {
			client.WaitReadyError = errors.New("not connected")
			consumer, err := backend.NewConsumer(&backend.ConsumerConfig{
				Logger:    logger,
				Ingester:  ingester,
				Client:    client,
				QueueName: "sensor-data",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(consumer.Start(context.Background())).To(MatchError(ContainSubstring("broker not ready")))
			Expect(consumer.Stop(context.Background())).To(Succeed())
		})

		It("should fail when consuming is refused", func() {
			client.ConsumeError = errors.New("channel closed")
			consumer, err := backend.NewConsumer(&backend.ConsumerConfig{
				Logger:    logger,
				Ingester:  ingester,
				Client:    client,
				QueueName: "sensor-data",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(consumer.Start(context.Background())).To(MatchError(ContainSubstring("failed to start consuming")))
		})
	})
})
