// Package analyzer produces flood risk assessments from an external
// reasoning service and falls back to the deterministic risk model
// whenever that service cannot answer.
package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/mhdhaikalll/IoT-Flood-System/pkg/risk"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/telemetry"
)

// ErrMalformedResponse is wrapped by every parse or validation failure of a
// reasoning response.
var ErrMalformedResponse = errors.New("malformed reasoning response")

// Reasoner is the interface for reasoning backends.
// Implementations must be safe for concurrent use and must report every
// failure as an error.
type Reasoner interface {
	// Analyze makes exactly one call to the backing service.
	Analyze(ctx context.Context, req *Request) (*Response, error)

	// Name returns the backend identifier (e.g. "gemini").
	Name() string
}

// Request is the input to a reasoning call.
type Request struct {
	Reading telemetry.SensorReading

	// History holds earlier readings of the same node, oldest first.
	History []telemetry.SensorReading

	Calibration risk.Calibration

	// Estimate is the rule-based assessment of Reading, offered as context.
	Estimate risk.Assessment
}

// Response is a validated structured judgement.
type Response struct {
	RainIntensity      risk.RainIntensity
	WaterStatus        risk.WaterStatus
	Summary            string
	RecommendedActions []string
	Percentage         float64
}

type wireResponse struct {
	Percentage         *float64 `json:"risk_percentage"`
	RainIntensity      string   `json:"rain_intensity"`
	WaterStatus        string   `json:"water_level_status"`
	Summary            string   `json:"summary"`
	RecommendedActions []string `json:"recommended_actions"`
}

// ParseResponse decodes the JSON document produced by a reasoning service.
// A surrounding markdown code fence is tolerated.
func ParseResponse(text string) (*Response, error) {
	text = stripFence(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty text", ErrMalformedResponse)
	}

	var w wireResponse
	if err := json.Unmarshal([]byte(text), &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	if w.Percentage == nil {
		return nil, fmt.Errorf("%w: risk_percentage missing", ErrMalformedResponse)
	}
	pct := *w.Percentage
	if math.IsNaN(pct) || pct < 0 || pct > 100 {
		return nil, fmt.Errorf("%w: risk_percentage %v out of range", ErrMalformedResponse, pct)
	}

	rain, err := risk.ParseRainIntensity(strings.ToUpper(strings.TrimSpace(w.RainIntensity)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	water, err := risk.ParseWaterStatus(strings.ToUpper(strings.TrimSpace(w.WaterStatus)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	actions := make([]string, 0, len(w.RecommendedActions))
	for _, a := range w.RecommendedActions {
		if a = strings.TrimSpace(a); a != "" {
			actions = append(actions, a)
		}
	}

	return &Response{
		Percentage:         pct,
		RainIntensity:      rain,
		WaterStatus:        water,
		Summary:            strings.TrimSpace(w.Summary),
		RecommendedActions: actions,
	}, nil
}

func stripFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[i+1:]
	} else {
		text = strings.TrimPrefix(text, "```")
	}
	text = strings.TrimSpace(text)
	return strings.TrimSpace(strings.TrimSuffix(text, "```"))
}
