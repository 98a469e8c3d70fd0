package backend

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mhdhaikalll/IoT-Flood-System/internal/store"
)

type nodePayload struct {
	NodeID          string  `json:"node_id"`
	Location        string  `json:"location,omitempty"`
	Timestamp       string  `json:"timestamp,omitempty"`
	PiezoValue      float64 `json:"piezo_value"`
	UltrasonicValue float64 `json:"ultrasonic_value"`
	RainSensorValue float64 `json:"rain_sensor_value"`
}

func recordsOf(ctx context.Context, nodeID string) func() ([]store.Record, error) {
	return func() ([]store.Record, error) {
		return recordStore.Query(ctx, store.Query{NodeID: nodeID})
	}
}

var _ = Describe("Backend Consumer E2E", func() {
	var ctx context.Context

	BeforeEach(func() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), time.Minute)
		DeferCleanup(cancel)
	})

	It("should consume and persist a reading from the queue", func() {
		nodeID := "amqp-node-001"
		ts := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)

		Expect(sensorPublisher.PushJSON(ctx, nodePayload{
			NodeID:          nodeID,
			Location:        "Sungai Klang",
			Timestamp:       ts.Format(time.RFC3339),
			PiezoValue:      120,
			UltrasonicValue: 22.5,
			RainSensorValue: 10,
		})).To(Succeed())

		Eventually(recordsOf(ctx, nodeID)).
			WithTimeout(30 * time.Second).WithPolling(500 * time.Millisecond).
			Should(HaveLen(1))

		recs, err := recordStore.Query(ctx, store.Query{NodeID: nodeID})
		Expect(err).NotTo(HaveOccurred())
		Expect(recs[0].Location).To(Equal("Sungai Klang"))
		Expect(recs[0].UltrasonicValue).To(Equal(22.5))
		Expect(recs[0].Timestamp.Equal(ts)).To(BeTrue())
		Expect(recs[0].ID).NotTo(BeEmpty())
	})

	It("should drop malformed messages and keep consuming", func() {
		nodeID := "amqp-node-002"

		Expect(sensorPublisher.Push(ctx, []byte(`{"node_id":`))).To(Succeed())
		Expect(sensorPublisher.PushJSON(ctx, nodePayload{NodeID: nodeID, UltrasonicValue: -4})).To(Succeed())
		Expect(sensorPublisher.PushJSON(ctx, nodePayload{
			NodeID:          nodeID,
			PiezoValue:      50,
			UltrasonicValue: 18,
			RainSensorValue: 5,
		})).To(Succeed())

		Eventually(recordsOf(ctx, nodeID)).
			WithTimeout(30 * time.Second).WithPolling(500 * time.Millisecond).
			Should(HaveLen(1))
		Consistently(recordsOf(ctx, nodeID)).WithTimeout(2 * time.Second).Should(HaveLen(1))
	})

	It("should persist readings of one node in timestamp order", func() {
		nodeID := "amqp-node-003"
		base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)

		for i := range 5 {
			Expect(sensorPublisher.PushJSON(ctx, nodePayload{
				NodeID:          nodeID,
				Timestamp:       base.Add(time.Duration(i) * time.Minute).Format(time.RFC3339),
				PiezoValue:      100,
				UltrasonicValue: 20 + float64(i),
				RainSensorValue: 10,
			})).To(Succeed())
		}

		Eventually(recordsOf(ctx, nodeID)).
			WithTimeout(30 * time.Second).WithPolling(500 * time.Millisecond).
			Should(HaveLen(5))

		recs, err := recordStore.Query(ctx, store.Query{NodeID: nodeID})
		Expect(err).NotTo(HaveOccurred())
		for i, rec := range recs {
			Expect(rec.UltrasonicValue).To(Equal(20 + float64(i)))
		}
	})
})
