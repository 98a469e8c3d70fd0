package risk

import (
	"errors"
	"fmt"
	"math"

	"github.com/mhdhaikalll/IoT-Flood-System/pkg/telemetry"
)

// Blend weights of the sub-scores.
const (
	WaterWeight = 0.4
	PiezoWeight = 0.3
	RainWeight  = 0.3
)

// RainPolarity states how the raw rain-sensor value maps to wetness.
type RainPolarity string

const (
	// RainWetHigh means a high raw value is wet.
	RainWetHigh RainPolarity = "wet_high"
	// RainDryHigh means a high raw value is dry (resistive sensors).
	RainDryHigh RainPolarity = "dry_high"
)

// Calibration maps raw sensor values onto 0..100 sub-scores.
// It is fixed per deployment.
type Calibration struct {
	RainPolarity   RainPolarity `mapstructure:"rain_polarity"`
	WaterWarningCM float64      `mapstructure:"water_warning_cm"`
	WaterDangerCM  float64      `mapstructure:"water_danger_cm"`
	PiezoFullScale float64      `mapstructure:"piezo_full_scale"`
	RainFullScale  float64      `mapstructure:"rain_full_scale"`
}

// DefaultCalibration matches the reference node hardware.
func DefaultCalibration() Calibration {
	return Calibration{
		WaterWarningCM: 50,
		WaterDangerCM:  80,
		PiezoFullScale: 1023,
		RainFullScale:  100,
		RainPolarity:   RainWetHigh,
	}
}

// Validate checks that the calibration describes a monotonic mapping.
func (c Calibration) Validate() error {
	var errs []error
	if c.WaterWarningCM <= 0 {
		errs = append(errs, errors.New("water warning threshold must be positive"))
	}
	if c.WaterDangerCM <= c.WaterWarningCM {
		errs = append(errs, errors.New("water danger threshold must exceed the warning threshold"))
	}
	if c.PiezoFullScale <= 0 {
		errs = append(errs, errors.New("piezo full scale must be positive"))
	}
	if c.RainFullScale <= 0 {
		errs = append(errs, errors.New("rain full scale must be positive"))
	}
	if c.RainPolarity != RainWetHigh && c.RainPolarity != RainDryHigh {
		errs = append(errs, fmt.Errorf("unknown rain polarity %q", c.RainPolarity))
	}
	return errors.Join(errs...)
}

// SubScores are the per-sensor contributions on a 0..100 scale.
type SubScores struct {
	Water float64 `json:"water"`
	Piezo float64 `json:"piezo"`
	Rain  float64 `json:"rain"`
}

// Score computes the sub-scores for a reading. Out-of-range inputs are clamped.
func (c Calibration) Score(r telemetry.SensorReading) SubScores {
	return SubScores{
		Water: c.waterScore(r.UltrasonicValue),
		Piezo: clamp(safe(r.PiezoValue)/c.PiezoFullScale*100, 0, 100),
		Rain:  c.rainScore(r.RainSensorValue),
	}
}

func (c Calibration) waterScore(cm float64) float64 {
	cm = math.Max(safe(cm), 0)
	switch {
	case cm >= c.WaterDangerCM:
		return 100
	case cm >= c.WaterWarningCM:
		return 50 + (cm-c.WaterWarningCM)/(c.WaterDangerCM-c.WaterWarningCM)*50
	default:
		return cm / c.WaterWarningCM * 50
	}
}

func (c Calibration) rainScore(raw float64) float64 {
	s := clamp(safe(raw)/c.RainFullScale*100, 0, 100)
	if c.RainPolarity == RainDryHigh {
		return 100 - s
	}
	return s
}

// Percentage blends the sub-scores into the overall risk percentage.
func (s SubScores) Percentage() float64 {
	return clamp(WaterWeight*s.Water+PiezoWeight*s.Piezo+RainWeight*s.Rain, 0, 100)
}

// Classify maps a risk percentage to its level. Lower bounds are inclusive.
func Classify(p float64) Level {
	switch {
	case p >= 75:
		return LevelCritical
	case p >= 50:
		return LevelHigh
	case p >= 25:
		return LevelModerate
	default:
		return LevelLow
	}
}

// WaterStatus classifies the water height against the calibrated thresholds.
func (c Calibration) WaterStatus(cm float64) WaterStatus {
	switch {
	case cm >= c.WaterDangerCM:
		return WaterDanger
	case cm >= c.WaterWarningCM:
		return WaterWarning
	default:
		return WaterNormal
	}
}

// RainIntensity buckets the mean of the piezo and rain sub-scores.
func (s SubScores) RainIntensity() RainIntensity {
	switch m := (s.Piezo + s.Rain) / 2; {
	case m >= 75:
		return RainHeavy
	case m >= 50:
		return RainModerate
	case m >= 25:
		return RainLight
	default:
		return RainNone
	}
}

// Fallback assesses a reading without any external reasoning.
// history is ordered oldest first and only feeds the informational trend.
func Fallback(r telemetry.SensorReading, history []telemetry.SensorReading, c Calibration) Assessment {
	scores := c.Score(r)
	pct := scores.Percentage()
	level := Classify(pct)
	water := c.WaterStatus(r.UltrasonicValue)
	series := make([]telemetry.SensorReading, 0, len(history)+1)
	trend := TrendOf(append(append(series, history...), r))

	return Assessment{
		Level:              level,
		Percentage:         pct,
		RainIntensity:      scores.RainIntensity(),
		WaterStatus:        water,
		RecommendedActions: RecommendedActions(level),
		Source:             SourceFallback,
		Trend:              trend,
		Summary: fmt.Sprintf("Rule-based assessment: water %.1f cm (%s), rain %s, trend %s.",
			r.UltrasonicValue, water, scores.RainIntensity(), trend),
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

// safe maps NaN to zero so that scoring stays total.
func safe(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}
