package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mhdhaikalll/IoT-Flood-System/pkg/telemetry"
)

const (
	geminiDefaultEndpoint = "https://generativelanguage.googleapis.com"
	geminiDefaultModel    = "gemini-1.5-flash"

	// historyInPrompt caps the readings listed in the prompt.
	historyInPrompt = 10
)

const systemInstruction = `You are an expert flood monitoring assistant.
You analyse readings from roadside flood sensing nodes and return a risk judgement.
Always prioritise public safety. Respond with a single JSON object and nothing else:
{"risk_percentage": number 0-100,
 "rain_intensity": "NONE" | "LIGHT" | "MODERATE" | "HEAVY",
 "water_level_status": "NORMAL" | "WARNING" | "DANGER",
 "recommended_actions": [up to 5 short imperative sentences],
 "summary": "one or two plain sentences for the public"}`

// GeminiConfig configures the Gemini reasoner.
type GeminiConfig struct {
	Endpoint        string  `mapstructure:"endpoint"`
	APIKey          string  `mapstructure:"api_key"`
	Model           string  `mapstructure:"model"`
	Temperature     float64 `mapstructure:"temperature"`
	MaxOutputTokens int     `mapstructure:"max_output_tokens"`

	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client `mapstructure:"-"`
}

// Gemini calls the Gemini generateContent API.
type Gemini struct {
	endpoint    string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	client      *http.Client
}

// NewGemini creates a Gemini reasoner.
func NewGemini(cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini api key cannot be empty")
	}

	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = geminiDefaultEndpoint
	}
	model := cfg.Model
	if model == "" {
		model = geminiDefaultModel
	}
	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = 0.5
	}
	maxTokens := cfg.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	return &Gemini{
		endpoint:    endpoint,
		apiKey:      cfg.APIKey,
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		client:      client,
	}, nil
}

func (g *Gemini) Name() string { return "gemini" }

// --- Gemini API types ---

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	ResponseMimeType string  `json:"responseMimeType"`
	Temperature      float64 `json:"temperature"`
	MaxOutputTokens  int     `json:"maxOutputTokens"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	Contents          []geminiContent        `json:"contents"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiResponse struct {
	Candidates []geminiCandidate `json:"candidates"`
	Error      *geminiError      `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// Analyze implements Reasoner. It never retries.
func (g *Gemini) Analyze(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(g.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", g.endpoint, url.PathEscape(g.model))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var apiResp geminiResponse
	if resp.StatusCode != http.StatusOK {
		if json.Unmarshal(respBody, &apiResp) == nil && apiResp.Error != nil {
			return nil, fmt.Errorf("gemini API error (%d %s): %s", resp.StatusCode, apiResp.Error.Status, apiResp.Error.Message)
		}
		return nil, fmt.Errorf("gemini API returned status %d", resp.StatusCode)
	}

	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %v", ErrMalformedResponse, err)
	}
	if len(apiResp.Candidates) == 0 || len(apiResp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("%w: no candidates", ErrMalformedResponse)
	}

	return ParseResponse(apiResp.Candidates[0].Content.Parts[0].Text)
}

func (g *Gemini) buildRequest(req *Request) *geminiRequest {
	return &geminiRequest{
		SystemInstruction: &geminiContent{Parts: []geminiPart{{Text: systemInstruction}}},
		Contents: []geminiContent{{
			Role:  "user",
			Parts: []geminiPart{{Text: buildPrompt(req)}},
		}},
		GenerationConfig: geminiGenerationConfig{
			ResponseMimeType: "application/json",
			Temperature:      g.temperature,
			MaxOutputTokens:  g.maxTokens,
		},
	}
}

func buildPrompt(req *Request) string {
	r := req.Reading
	location := r.Location
	if location == "" {
		location = "unknown"
	}

	var b strings.Builder
	b.WriteString("Analyze the following flood sensor data.\n\n")
	fmt.Fprintf(&b, "NODE: %s (location: %s)\n\n", r.NodeID, location)
	b.WriteString("CURRENT CONDITIONS:\n")
	fmt.Fprintf(&b, "- Water level: %.1f cm\n", r.UltrasonicValue)
	fmt.Fprintf(&b, "- Piezo vibration: %.0f (full scale %.0f)\n", r.PiezoValue, req.Calibration.PiezoFullScale)
	fmt.Fprintf(&b, "- Rain sensor: %.0f (full scale %.0f, %s)\n", r.RainSensorValue, req.Calibration.RainFullScale, req.Calibration.RainPolarity)
	fmt.Fprintf(&b, "- Time: %s\n\n", r.Timestamp.UTC().Format(time.RFC3339))

	b.WriteString("THRESHOLDS:\n")
	fmt.Fprintf(&b, "- Warning level: %.0f cm\n", req.Calibration.WaterWarningCM)
	fmt.Fprintf(&b, "- Danger level: %.0f cm\n\n", req.Calibration.WaterDangerCM)

	fmt.Fprintf(&b, "RULE-BASED ESTIMATE: %s (%.1f%%), trend %s\n", req.Estimate.Level, req.Estimate.Percentage, req.Estimate.Trend)

	history := lastN(req.History, historyInPrompt)
	if len(history) > 0 {
		fmt.Fprintf(&b, "\nRecent sensor readings (last %d, oldest first):\n", len(history))
		for _, h := range history {
			fmt.Fprintf(&b, "- %s water %.1f cm, rain %.0f, piezo %.0f\n",
				h.Timestamp.UTC().Format(time.RFC3339), h.UltrasonicValue, h.RainSensorValue, h.PiezoValue)
		}
	}

	b.WriteString("\nReturn the JSON object described in your instructions.")
	return b.String()
}

func lastN(readings []telemetry.SensorReading, n int) []telemetry.SensorReading {
	if len(readings) > n {
		return readings[len(readings)-n:]
	}
	return readings
}
