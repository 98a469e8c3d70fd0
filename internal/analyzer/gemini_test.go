package analyzer_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mhdhaikalll/IoT-Flood-System/internal/analyzer"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/risk"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/telemetry"
)

func geminiEnvelope(text string) string {
	body, _ := json.Marshal(map[string]any{
		"candidates": []any{
			map[string]any{
				"content":      map[string]any{"role": "model", "parts": []any{map[string]any{"text": text}}},
				"finishReason": "STOP",
			},
		},
	})
	return string(body)
}

var _ = Describe("Gemini", func() {
	var (
		server   *httptest.Server
		status   int
		reply    string
		captured map[string]any
		path     string
		apiKey   string
		reasoner *analyzer.Gemini
		req      *analyzer.Request
	)

	BeforeEach(func() {
		status = http.StatusOK
		reply = geminiEnvelope(`{"risk_percentage": 82.5, "rain_intensity": "HEAVY", "water_level_status": "DANGER", "recommended_actions": ["Evacuate"], "summary": "Severe flooding likely."}`)
		captured = nil

		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path = r.URL.Path
			apiKey = r.Header.Get("x-goog-api-key")
			body, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(body, &captured)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = io.WriteString(w, reply)
		}))
		DeferCleanup(server.Close)

		var err error
		reasoner, err = analyzer.NewGemini(analyzer.GeminiConfig{
			Endpoint: server.URL,
			APIKey:   "secret-key",
		})
		Expect(err).NotTo(HaveOccurred())

		now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
		req = &analyzer.Request{
			Reading:     telemetry.SensorReading{NodeID: "N1", Location: "Jalan Sungai", UltrasonicValue: 85, PiezoValue: 900, RainSensorValue: 50, Timestamp: now},
			History:     []telemetry.SensorReading{{NodeID: "N1", UltrasonicValue: 70, Timestamp: now.Add(-time.Minute)}},
			Calibration: risk.DefaultCalibration(),
		}
	})

	It("should require an API key", func() {
		_, err := analyzer.NewGemini(analyzer.GeminiConfig{})
		Expect(err).To(MatchError(ContainSubstring("api key")))
	})

	It("should call generateContent and parse the structured answer", func() {
		resp, err := reasoner.Analyze(context.Background(), req)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Percentage).To(Equal(82.5))
		Expect(resp.RainIntensity).To(Equal(risk.RainHeavy))
		Expect(resp.WaterStatus).To(Equal(risk.WaterDanger))
		Expect(resp.RecommendedActions).To(Equal([]string{"Evacuate"}))
		Expect(resp.Summary).To(Equal("Severe flooding likely."))

		Expect(path).To(Equal("/v1beta/models/gemini-1.5-flash:generateContent"))
		Expect(apiKey).To(Equal("secret-key"))
		Expect(captured).To(HaveKey("systemInstruction"))
		Expect(captured["generationConfig"]).To(HaveKeyWithValue("responseMimeType", "application/json"))
		Expect(captured["generationConfig"]).To(HaveKeyWithValue("temperature", 0.5))
	})

	It("should include the reading and history in the prompt", func() {
		_, err := reasoner.Analyze(context.Background(), req)
		Expect(err).NotTo(HaveOccurred())

		raw, _ := json.Marshal(captured["contents"])
		Expect(string(raw)).To(ContainSubstring("Jalan Sungai"))
		Expect(string(raw)).To(ContainSubstring("Water level: 85.0 cm"))
		Expect(string(raw)).To(ContainSubstring("Danger level: 80 cm"))
		Expect(string(raw)).To(ContainSubstring("water 70.0 cm"))
	})

	It("should accept an answer wrapped in a code fence", func() {
		reply = geminiEnvelope("```json\n{\"risk_percentage\": 20, \"rain_intensity\": \"light\", \"water_level_status\": \"NORMAL\"}\n```")
		resp, err := reasoner.Analyze(context.Background(), req)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Percentage).To(Equal(20.0))
		Expect(resp.RainIntensity).To(Equal(risk.RainLight))
	})

	It("should report API errors without the key", func() {
		status = http.StatusForbidden
		reply = `{"error": {"code": 403, "message": "API key not valid", "status": "PERMISSION_DENIED"}}`
		_, err := reasoner.Analyze(context.Background(), req)
		Expect(err).To(MatchError(ContainSubstring("PERMISSION_DENIED")))
		Expect(err.Error()).NotTo(ContainSubstring("secret-key"))
	})

	It("should report a bare non-200 status", func() {
		status = http.StatusServiceUnavailable
		reply = "upstream down"
		_, err := reasoner.Analyze(context.Background(), req)
		Expect(err).To(MatchError(ContainSubstring("503")))
	})

	It("should treat a response without candidates as malformed", func() {
		reply = `{"candidates": []}`
		_, err := reasoner.Analyze(context.Background(), req)
		Expect(errors.Is(err, analyzer.ErrMalformedResponse)).To(BeTrue())
	})

	It("should honour context cancellation", func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := reasoner.Analyze(ctx, req)
		Expect(errors.Is(err, context.Canceled)).To(BeTrue())
	})
})

var _ = Describe("ParseResponse", func() {
	DescribeTable("rejects malformed answers",
		func(text string) {
			_, err := analyzer.ParseResponse(text)
			Expect(errors.Is(err, analyzer.ErrMalformedResponse)).To(BeTrue())
		},
		Entry("empty", ""),
		Entry("not json", "The risk is high."),
		Entry("missing percentage", `{"rain_intensity": "HEAVY", "water_level_status": "DANGER"}`),
		Entry("percentage above range", `{"risk_percentage": 140, "rain_intensity": "HEAVY", "water_level_status": "DANGER"}`),
		Entry("negative percentage", `{"risk_percentage": -1, "rain_intensity": "HEAVY", "water_level_status": "DANGER"}`),
		Entry("unknown rain intensity", `{"risk_percentage": 40, "rain_intensity": "TORRENTIAL", "water_level_status": "DANGER"}`),
		Entry("unknown water status", `{"risk_percentage": 40, "rain_intensity": "HEAVY", "water_level_status": "FLOODED"}`),
		Entry("percentage as string", `{"risk_percentage": "40", "rain_intensity": "HEAVY", "water_level_status": "DANGER"}`),
	)

	It("should drop blank actions", func() {
		resp, err := analyzer.ParseResponse(`{"risk_percentage": 0, "rain_intensity": "NONE", "water_level_status": "NORMAL", "recommended_actions": ["", " Keep watching "]}`)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.RecommendedActions).To(Equal([]string{"Keep watching"}))
	})
})
