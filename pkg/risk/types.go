// Package risk implements the deterministic flood risk model and the
// assessment types shared by the analyzer, alerting and API layers.
package risk

import "fmt"

// Level is the categorical flood risk.
type Level string

const (
	LevelLow      Level = "LOW"
	LevelModerate Level = "MODERATE"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// Severe reports whether the level warrants an alert.
func (l Level) Severe() bool {
	return l == LevelHigh || l == LevelCritical
}

// RainIntensity is the categorical rain reading.
type RainIntensity string

const (
	RainNone     RainIntensity = "NONE"
	RainLight    RainIntensity = "LIGHT"
	RainModerate RainIntensity = "MODERATE"
	RainHeavy    RainIntensity = "HEAVY"
)

// WaterStatus is the categorical water level.
type WaterStatus string

const (
	WaterNormal  WaterStatus = "NORMAL"
	WaterWarning WaterStatus = "WARNING"
	WaterDanger  WaterStatus = "DANGER"
)

// Source records which path produced an assessment.
type Source string

const (
	SourceAI       Source = "AI"
	SourceFallback Source = "FALLBACK"
)

// Trend is the recent direction of the water level.
type Trend string

const (
	TrendInsufficient   Trend = "insufficient_data"
	TrendStable         Trend = "stable"
	TrendRising         Trend = "rising"
	TrendRisingRapidly  Trend = "rising_rapidly"
	TrendFalling        Trend = "falling"
	TrendFallingRapidly Trend = "falling_rapidly"
)

// Assessment is the result of analysing one reading.
type Assessment struct {
	Level              Level         `json:"risk_level"`
	RainIntensity      RainIntensity `json:"rain_intensity"`
	WaterStatus        WaterStatus   `json:"water_level_status"`
	Source             Source        `json:"analysis_source"`
	Trend              Trend         `json:"trend,omitempty"`
	Summary            string        `json:"summary,omitempty"`
	RecommendedActions []string      `json:"recommended_actions"`
	Percentage         float64       `json:"risk_percentage"`
}

// ParseRainIntensity converts a case-sensitive category name.
func ParseRainIntensity(s string) (RainIntensity, error) {
	switch v := RainIntensity(s); v {
	case RainNone, RainLight, RainModerate, RainHeavy:
		return v, nil
	}
	return "", fmt.Errorf("unknown rain intensity %q", s)
}

// ParseWaterStatus converts a case-sensitive category name.
func ParseWaterStatus(s string) (WaterStatus, error) {
	switch v := WaterStatus(s); v {
	case WaterNormal, WaterWarning, WaterDanger:
		return v, nil
	}
	return "", fmt.Errorf("unknown water level status %q", s)
}
