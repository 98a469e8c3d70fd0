package ingest_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mhdhaikalll/IoT-Flood-System/internal/alerting"
	"github.com/mhdhaikalll/IoT-Flood-System/internal/analyzer"
	analyzermock "github.com/mhdhaikalll/IoT-Flood-System/internal/analyzer/mock"
	"github.com/mhdhaikalll/IoT-Flood-System/internal/ingest"
	"github.com/mhdhaikalll/IoT-Flood-System/internal/nodestate"
	notifymock "github.com/mhdhaikalll/IoT-Flood-System/internal/notify/mock"
	"github.com/mhdhaikalll/IoT-Flood-System/internal/store"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/metrics"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/risk"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/telemetry"
)

// failingStore rejects every append.
type failingStore struct {
	*store.Memory
	err error
}

func (f *failingStore) Append(context.Context, telemetry.SensorReading) (string, error) {
	return "", f.err
}

// clock is a settable time source shared by the pipeline and the dispatcher.
// A non-zero tick advances it on every read.
type clock struct {
	mu   sync.Mutex
	now  time.Time
	tick time.Duration
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = c.now.Add(c.tick)
	return now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var _ = Describe("Pipeline", func() {
	var (
		logger   *slog.Logger
		clk      *clock
		records  *store.Memory
		states   *nodestate.Store
		reasoner *analyzermock.MockReasoner
		notifier *notifymock.MockNotifier
		pipeline *ingest.Pipeline
	)

	build := func(s store.Store) *ingest.Pipeline {
		an, err := analyzer.New(&analyzer.Config{
			Logger:      logger,
			Reasoner:    reasoner,
			Calibration: risk.DefaultCalibration(),
			Timeout:     100 * time.Millisecond,
		})
		Expect(err).NotTo(HaveOccurred())

		dispatcher, err := alerting.NewDispatcher(&alerting.DispatcherConfig{
			Logger:             logger,
			Notifier:           notifier,
			Gate:               alerting.NewGate(states),
			Now:                clk.Now,
			Threshold:          50,
			RealTimeCooldown:   15 * time.Minute,
			PredictiveCooldown: 30 * time.Minute,
			SendTimeout:        time.Second,
		})
		Expect(err).NotTo(HaveOccurred())

		p, err := ingest.New(&ingest.Config{
			Logger:       logger,
			Store:        s,
			States:       states,
			Analyzer:     an,
			Dispatcher:   dispatcher,
			Metrics:      metrics.NewPipelineMetrics("flood_test"),
			Now:          clk.Now,
			HistoryLimit: 3,
		})
		Expect(err).NotTo(HaveOccurred())
		return p
	}

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		clk = &clock{now: time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)}
		records = store.NewMemory(100)
		var err error
		states, err = nodestate.New(nodestate.LivenessConfig{SendInterval: 30 * time.Second, FreshMultiplier: 2, StaleMultiplier: 10})
		Expect(err).NotTo(HaveOccurred())
		reasoner = analyzermock.NewFailingReasoner(errors.New("service unavailable"))
		notifier = notifymock.NewMockNotifier()
		pipeline = build(records)
	})

	flood := func() telemetry.SensorReading {
		return telemetry.SensorReading{NodeID: "N1", UltrasonicValue: 85, PiezoValue: 900, RainSensorValue: 50, Location: "X"}
	}

	Describe("New", func() {
		It("should reject missing collaborators", func() {
			_, err := ingest.New(&ingest.Config{Logger: logger})
			Expect(err).To(MatchError(ContainSubstring("record store")))
			_, err = ingest.New(nil)
			Expect(err).To(HaveOccurred())
		})
	})

	Context("with the reasoning service unavailable", func() {
		It("should alert once and then suppress by cooldown", func() {
			first, err := pipeline.Ingest(context.Background(), flood())
			Expect(err).NotTo(HaveOccurred())
			Expect(first.Status).To(Equal(ingest.StatusCompleted))
			Expect(first.Assessment.Level).To(Equal(risk.LevelCritical))
			Expect(first.Assessment.WaterStatus).To(Equal(risk.WaterDanger))
			Expect(first.Assessment.Source).To(Equal(risk.SourceFallback))
			Expect(first.Alert.Sent).To(BeTrue())
			Expect(first.Liveness).To(Equal(nodestate.Online))

			clk.Advance(time.Minute)
			second, err := pipeline.Ingest(context.Background(), flood())
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Alert.Sent).To(BeFalse())
			Expect(second.Alert.SuppressedReason).To(Equal(alerting.SuppressCooldown))

			Expect(notifier.Sent()).To(HaveLen(1))
		})

		It("should alert again once the cooldown has passed", func() {
			_, _ = pipeline.Ingest(context.Background(), flood())
			clk.Advance(9 * time.Minute)
			mid, _ := pipeline.Ingest(context.Background(), flood())
			Expect(mid.Alert.Sent).To(BeFalse())

			clk.Advance(7 * time.Minute)
			late, _ := pipeline.Ingest(context.Background(), flood())
			Expect(late.Alert.Sent).To(BeTrue())
		})
	})

	It("should complete low-risk readings without alerting", func() {
		res, err := pipeline.Ingest(context.Background(), telemetry.SensorReading{NodeID: "N2", UltrasonicValue: 5})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Assessment.Level).To(Equal(risk.LevelLow))
		Expect(res.Alert.SuppressedReason).To(Equal(alerting.SuppressBelowThreshold))
		Expect(notifier.Sent()).To(BeEmpty())
	})

	It("should default the timestamp to ingestion time", func() {
		res, err := pipeline.Ingest(context.Background(), flood())
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Reading.Timestamp).To(Equal(clk.Now()))
	})

	It("should treat a node id with surrounding blanks as the same node", func() {
		padded := flood()
		padded.NodeID = "  N1 "
		first, err := pipeline.Ingest(context.Background(), padded)
		Expect(err).NotTo(HaveOccurred())
		Expect(first.Reading.NodeID).To(Equal("N1"))
		Expect(first.Alert.Sent).To(BeTrue())

		clk.Advance(time.Minute)
		second, err := pipeline.Ingest(context.Background(), flood())
		Expect(err).NotTo(HaveOccurred())
		Expect(second.Alert.SuppressedReason).To(Equal(alerting.SuppressCooldown))

		Expect(states.List(clk.Now())).To(HaveLen(1))
		recs, _ := records.Query(context.Background(), store.Query{NodeID: "N1"})
		Expect(recs).To(HaveLen(2))
	})

	It("should reject malformed readings without storing them", func() {
		_, err := pipeline.Ingest(context.Background(), telemetry.SensorReading{NodeID: "", UltrasonicValue: -1})
		Expect(telemetry.IsValidationError(err)).To(BeTrue())
		Expect(ingest.StatusOf(err)).To(Equal(ingest.StatusRejected))

		recs, _ := records.Query(context.Background(), store.Query{})
		Expect(recs).To(BeEmpty())
		Expect(states.List(clk.Now())).To(BeEmpty())
		Expect(reasoner.Calls()).To(BeZero())
	})

	It("should fail without touching state when persistence fails", func() {
		p := build(&failingStore{Memory: records, err: errors.New("connection refused")})
		_, err := p.Ingest(context.Background(), flood())

		var perr *ingest.PersistenceError
		Expect(errors.As(err, &perr)).To(BeTrue())
		Expect(perr.NodeID).To(Equal("N1"))
		Expect(err).To(MatchError(ContainSubstring("connection refused")))
		Expect(ingest.StatusOf(err)).To(Equal(ingest.StatusFailed))

		_, known := states.Get("N1", clk.Now())
		Expect(known).To(BeFalse())
		Expect(notifier.Sent()).To(BeEmpty())
	})

	It("should pass earlier readings, oldest first and excluding the current one", func() {
		for i := range 5 {
			r := telemetry.SensorReading{NodeID: "N1", UltrasonicValue: float64(10 + i), Timestamp: clk.Now()}
			_, err := pipeline.Ingest(context.Background(), r)
			Expect(err).NotTo(HaveOccurred())
			clk.Advance(time.Minute)
		}

		last := reasoner.Requests[len(reasoner.Requests)-1]
		Expect(last.Reading.UltrasonicValue).To(Equal(14.0))
		Expect(last.History).To(HaveLen(3))
		Expect(last.History[0].UltrasonicValue).To(Equal(11.0))
		Expect(last.History[2].UltrasonicValue).To(Equal(13.0))
	})

	It("should persist and update state even if the caller has gone away", func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		res, err := pipeline.Ingest(ctx, flood())
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Assessment.Source).To(Equal(risk.SourceFallback))
		Expect(res.Alert.Sent).To(BeTrue())

		recs, _ := records.Query(context.Background(), store.Query{NodeID: "N1"})
		Expect(recs).To(HaveLen(1))
		_, known := states.Get("N1", clk.Now())
		Expect(known).To(BeTrue())
	})

	It("should notify observers of completed ingestions", func() {
		var seen []ingest.Result
		pipeline.Observe(func(r ingest.Result) { seen = append(seen, r) })

		_, _ = pipeline.Ingest(context.Background(), flood())
		_, _ = pipeline.Ingest(context.Background(), telemetry.SensorReading{})
		Expect(seen).To(HaveLen(1))
		Expect(seen[0].Reading.NodeID).To(Equal("N1"))
	})

	Describe("concurrency", func() {
		It("should process one reading per node at a time and send a single alert", func() {
			var (
				active  sync.Map
				overlap atomic.Bool
			)
			reasoner.AnalyzeFunc = func(_ context.Context, req *analyzer.Request) (*analyzer.Response, error) {
				counter, _ := active.LoadOrStore(req.Reading.NodeID, new(atomic.Int32))
				if counter.(*atomic.Int32).Add(1) > 1 {
					overlap.Store(true)
				}
				time.Sleep(2 * time.Millisecond)
				counter.(*atomic.Int32).Add(-1)
				return nil, errors.New("unavailable")
			}

			var wg sync.WaitGroup
			for i := range 20 {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					r := flood()
					if i%2 == 1 {
						r.NodeID = "N2"
					}
					_, err := pipeline.Ingest(context.Background(), r)
					Expect(err).NotTo(HaveOccurred())
				}()
			}
			wg.Wait()

			Expect(overlap.Load()).To(BeFalse())
			Expect(notifier.Sent()).To(HaveLen(2))
			recs, _ := records.Query(context.Background(), store.Query{})
			Expect(recs).To(HaveLen(20))
		})

		It("should never move a node's last-seen time backwards", func() {
			clk.tick = time.Millisecond

			var (
				wg     sync.WaitGroup
				mu     sync.Mutex
				latest time.Time
			)
			for range 20 {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					res, err := pipeline.Ingest(context.Background(), telemetry.SensorReading{NodeID: "N3", UltrasonicValue: 5})
					Expect(err).NotTo(HaveOccurred())
					mu.Lock()
					if res.Reading.Timestamp.After(latest) {
						latest = res.Reading.Timestamp
					}
					mu.Unlock()
				}()
			}
			wg.Wait()

			snap, ok := states.Get("N3", clk.Now())
			Expect(ok).To(BeTrue())
			Expect(snap.LastSeenAt).To(Equal(latest))
			Expect(snap.LastReading.Timestamp).To(Equal(latest))
		})
	})
})
