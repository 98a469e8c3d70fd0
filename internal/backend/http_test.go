package backend_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mhdhaikalll/IoT-Flood-System/internal/alerting"
	"github.com/mhdhaikalll/IoT-Flood-System/internal/analyzer"
	"github.com/mhdhaikalll/IoT-Flood-System/internal/backend"
	"github.com/mhdhaikalll/IoT-Flood-System/internal/ingest"
	"github.com/mhdhaikalll/IoT-Flood-System/internal/nodestate"
	notifymock "github.com/mhdhaikalll/IoT-Flood-System/internal/notify/mock"
	"github.com/mhdhaikalll/IoT-Flood-System/internal/store"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/metrics"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/risk"
)

var _ = Describe("API", func() {
	var (
		logger     *slog.Logger
		records    *store.Memory
		states     *nodestate.Store
		notifier   *notifymock.MockNotifier
		az         *analyzer.Analyzer
		dispatcher *alerting.Dispatcher
		pipeline   *ingest.Pipeline
		server     *httptest.Server
	)

	newAPI := func(ing backend.Ingester) *backend.API {
		api, err := backend.NewAPI(&backend.APIConfig{
			Logger:     logger,
			Ingester:   ing,
			Store:      records,
			States:     states,
			Analyzer:   az,
			Dispatcher: dispatcher,
			Metrics:    metrics.NewHTTPMetrics("flood_test"),
			Version:    "test",
		})
		Expect(err).NotTo(HaveOccurred())
		return api
	}

	do := func(method, path, body string) (int, map[string]any) {
		req, err := http.NewRequest(method, server.URL+path, strings.NewReader(body))
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		var out map[string]any
		raw, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		if len(bytes.TrimSpace(raw)) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
			Expect(json.Unmarshal(raw, &out)).To(Succeed())
		}
		return resp.StatusCode, out
	}

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
		records = store.NewMemory(100)

		var err error
		states, err = nodestate.New(nodestate.DefaultLivenessConfig())
		Expect(err).NotTo(HaveOccurred())

		az, err = analyzer.New(&analyzer.Config{Logger: logger, Calibration: risk.DefaultCalibration()})
		Expect(err).NotTo(HaveOccurred())

		notifier = notifymock.NewMockNotifier()
		dispatcher, err = alerting.NewDispatcher(&alerting.DispatcherConfig{
			Logger:             logger,
			Notifier:           notifier,
			Gate:               alerting.NewGate(states),
			Threshold:          70,
			RealTimeCooldown:   15 * time.Minute,
			PredictiveCooldown: 30 * time.Minute,
		})
		Expect(err).NotTo(HaveOccurred())

		pipeline, err = ingest.New(&ingest.Config{
			Logger:     logger,
			Store:      records,
			States:     states,
			Analyzer:   az,
			Dispatcher: dispatcher,
		})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if server != nil {
			server.Close()
			server = nil
		}
	})

	Describe("NewAPI", func() {
		It("should reject missing dependencies", func() {
			_, err := backend.NewAPI(nil)
			Expect(err).To(HaveOccurred())

			_, err = backend.NewAPI(&backend.APIConfig{Logger: logger})
			Expect(err).To(MatchError(ContainSubstring("ingester")))

			_, err = backend.NewAPI(&backend.APIConfig{Logger: logger, Ingester: pipeline, Store: records, States: states})
			Expect(err).To(MatchError(ContainSubstring("analyzer")))
		})
	})

	Context("with the full pipeline", func() {
		BeforeEach(func() {
			api := newAPI(pipeline)
			pipeline.Observe(api.Observe)
			server = httptest.NewServer(api.Routes())
		})

		Describe("POST /api/sensor-data", func() {
			It("should store the reading, assess it and alert once", func() {
				status, body := do(http.MethodPost, "/api/sensor-data", validPayload)
				Expect(status).To(Equal(http.StatusOK))
				Expect(body).To(HaveKeyWithValue("success", true))
				Expect(body).To(HaveKeyWithValue("status", "COMPLETED"))
				Expect(body).To(HaveKeyWithValue("risk_level", "CRITICAL"))
				Expect(body).To(HaveKeyWithValue("alert_triggered", true))
				Expect(body).To(HaveKeyWithValue("liveness", "ONLINE"))
				Expect(body["record_id"]).NotTo(BeEmpty())
				Expect(body["message"]).To(ContainSubstring("Alert sent"))
				Expect(notifier.Sent()).To(HaveLen(1))

				status, body = do(http.MethodPost, "/api/sensor-data", validPayload)
				Expect(status).To(Equal(http.StatusOK))
				Expect(body).To(HaveKeyWithValue("alert_triggered", false))
				Expect(body["alert"]).To(HaveKeyWithValue("suppressed_reason", "COOLDOWN_ACTIVE"))
				Expect(notifier.Sent()).To(HaveLen(1))
			})

			DescribeTable("should reject invalid readings with 422",
				func(payload string) {
					status, body := do(http.MethodPost, "/api/sensor-data", payload)
					Expect(status).To(Equal(http.StatusUnprocessableEntity))
					Expect(body).To(HaveKeyWithValue("status", "REJECTED"))
					Expect(body["error"]).To(ContainSubstring("invalid sensor reading"))
				},
				Entry("malformed JSON", `{"node_id":`),
				Entry("missing node", `{"piezo_value":1,"ultrasonic_value":1,"rain_sensor_value":1}`),
				Entry("negative value", `{"node_id":"N1","piezo_value":-1,"ultrasonic_value":1,"rain_sensor_value":1}`),
			)

			It("should not persist rejected readings", func() {
				do(http.MethodPost, "/api/sensor-data", `{"node_id":"N1"}`)
				recs, err := records.Query(context.Background(), store.Query{})
				Expect(err).NotTo(HaveOccurred())
				Expect(recs).To(BeEmpty())
			})
		})

		Describe("node endpoints", func() {
			BeforeEach(func() {
				status, _ := do(http.MethodPost, "/api/sensor-data", validPayload)
				Expect(status).To(Equal(http.StatusOK))
			})

			It("should list nodes with liveness and current risk", func() {
				status, body := do(http.MethodGet, "/api/nodes", "")
				Expect(status).To(Equal(http.StatusOK))
				Expect(body).To(HaveKeyWithValue("count", 1.0))
				Expect(body).To(HaveKeyWithValue("ai_backend", "none"))
				Expect(body).To(HaveKeyWithValue("notifier", "mock"))

				nodes := body["nodes"].([]any)
				node := nodes[0].(map[string]any)
				Expect(node).To(HaveKeyWithValue("node_id", "N1"))
				Expect(node).To(HaveKeyWithValue("liveness", "ONLINE"))
				Expect(node["risk"]).To(HaveKeyWithValue("risk_level", "CRITICAL"))
				Expect(node).To(HaveKey("last_alert_sent_at"))
			})

			It("should describe one node with its recent readings", func() {
				status, body := do(http.MethodGet, "/api/nodes/N1", "")
				Expect(status).To(Equal(http.StatusOK))
				Expect(body).To(HaveKeyWithValue("node_id", "N1"))
				Expect(body["recent"]).To(HaveLen(1))

				status, _ = do(http.MethodGet, "/api/status/N1", "")
				Expect(status).To(Equal(http.StatusOK))
			})

			It("should report unknown nodes", func() {
				status, body := do(http.MethodGet, "/api/nodes/missing", "")
				Expect(status).To(Equal(http.StatusNotFound))
				Expect(body["error"]).To(ContainSubstring("missing"))
			})
		})

		Describe("GET /api/history", func() {
			BeforeEach(func() {
				for _, water := range []string{"10", "20", "30"} {
					status, _ := do(http.MethodPost, "/api/sensor-data",
						`{"node_id":"N1","piezo_value":1,"ultrasonic_value":`+water+`,"rain_sensor_value":1}`)
					Expect(status).To(Equal(http.StatusOK))
				}
			})

			It("should return readings with water statistics", func() {
				status, body := do(http.MethodGet, "/api/history?node_id=N1&days=1", "")
				Expect(status).To(Equal(http.StatusOK))
				Expect(body).To(HaveKeyWithValue("node_id", "N1"))
				Expect(body).To(HaveKeyWithValue("count", 3.0))
				Expect(body["statistics"]).To(HaveKeyWithValue("avg_water_level", 20.0))
				Expect(body["statistics"]).To(HaveKeyWithValue("max_water_level", 30.0))
				Expect(body["statistics"]).To(HaveKeyWithValue("min_water_level", 10.0))
			})

			It("should keep the newest readings when limited", func() {
				_, body := do(http.MethodGet, "/api/history?limit=2", "")
				Expect(body).To(HaveKeyWithValue("node_id", "all"))
				readings := body["readings"].([]any)
				Expect(readings).To(HaveLen(2))
				Expect(readings[1]).To(HaveKeyWithValue("ultrasonic_value", 30.0))
			})

			DescribeTable("should reject bad parameters",
				func(query string) {
					status, _ := do(http.MethodGet, "/api/history?"+query, "")
					Expect(status).To(Equal(http.StatusBadRequest))
				},
				Entry("non numeric limit", "limit=abc"),
				Entry("zero limit", "limit=0"),
				Entry("negative days", "days=-1"),
			)
		})

		It("should summarise stored data", func() {
			do(http.MethodPost, "/api/sensor-data", validPayload)
			status, body := do(http.MethodGet, "/api/stats", "")
			Expect(status).To(Equal(http.StatusOK))
			Expect(body).To(HaveKeyWithValue("total_records", 1.0))
			Expect(body).To(HaveKeyWithValue("node_count", 1.0))
			Expect(body["liveness"]).To(HaveKeyWithValue("online", 1.0))
		})

		Describe("POST /api/predict", func() {
			It("should assess the latest stored reading without alerting", func() {
				do(http.MethodPost, "/api/sensor-data", validPayload)
				sent := len(notifier.Sent())

				status, body := do(http.MethodPost, "/api/predict", `{"node_id":"N1"}`)
				Expect(status).To(Equal(http.StatusOK))
				Expect(body).To(HaveKeyWithValue("data_points", 1.0))
				Expect(body["assessment"]).To(HaveKeyWithValue("risk_level", "CRITICAL"))
				Expect(body["assessment"]).To(HaveKeyWithValue("analysis_source", "FALLBACK"))
				Expect(notifier.Sent()).To(HaveLen(sent))
			})

			It("should pick a node when none is given", func() {
				do(http.MethodPost, "/api/sensor-data", validPayload)
				status, body := do(http.MethodPost, "/api/predict", "")
				Expect(status).To(Equal(http.StatusOK))
				Expect(body).To(HaveKeyWithValue("node_id", "N1"))
			})

			It("should fail without any data", func() {
				status, _ := do(http.MethodPost, "/api/predict", "")
				Expect(status).To(Equal(http.StatusBadRequest))

				status, _ = do(http.MethodPost, "/api/predict", `{"node_id":"N404"}`)
				Expect(status).To(Equal(http.StatusNotFound))
			})
		})

		Describe("POST /api/test-alert", func() {
			It("should send a test message through the channel", func() {
				status, body := do(http.MethodPost, "/api/test-alert", "")
				Expect(status).To(Equal(http.StatusOK))
				Expect(body).To(HaveKeyWithValue("channel", "mock"))
				Expect(notifier.Sent()).To(HaveLen(1))
				Expect(notifier.Sent()[0].Title).To(Equal("TEST ALERT"))
			})

			It("should report delivery failures", func() {
				notifier.SetError(errors.New("bot blocked"))
				status, body := do(http.MethodPost, "/api/test-alert", "")
				Expect(status).To(Equal(http.StatusBadGateway))
				Expect(body["error"]).To(ContainSubstring("bot blocked"))
			})
		})

		It("should report health and configuration", func() {
			status, body := do(http.MethodGet, "/health", "")
			Expect(status).To(Equal(http.StatusOK))
			Expect(body).To(HaveKeyWithValue("status", "operational"))
			Expect(body).To(HaveKeyWithValue("ai_enabled", false))
			Expect(body).To(HaveKeyWithValue("version", "test"))
			Expect(body["thresholds"]).To(HaveKeyWithValue("alert_threshold", 70.0))
			Expect(body["thresholds"]).To(HaveKeyWithValue("water_danger", 80.0))
		})

		It("should expose request metrics", func() {
			do(http.MethodGet, "/health", "")
			resp, err := http.Get(server.URL + "/metrics")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			raw, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(raw)).To(ContainSubstring("flood_test_http_requests_total"))
		})

		It("should not expose the scan endpoint without a scanner", func() {
			status, _ := do(http.MethodPost, "/api/scan", "")
			Expect(status).To(Equal(http.StatusNotFound))
		})
	})

	Context("when the record store is down", func() {
		BeforeEach(func() {
			ing := &fakeIngester{err: &ingest.PersistenceError{NodeID: "N1", Err: errors.New("connection refused")}}
			server = httptest.NewServer(newAPI(ing).Routes())
		})

		It("should answer 503 and mark the ingestion failed", func() {
			status, body := do(http.MethodPost, "/api/sensor-data", validPayload)
			Expect(status).To(Equal(http.StatusServiceUnavailable))
			Expect(body).To(HaveKeyWithValue("status", "FAILED"))
			Expect(body).To(HaveKeyWithValue("success", false))
		})
	})
})
