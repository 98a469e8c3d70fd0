package risk

import "github.com/mhdhaikalll/IoT-Flood-System/pkg/telemetry"

var actions = map[Level][]string{
	LevelLow: {
		"Continue normal monitoring",
		"Ensure drainage systems are clear",
		"Review emergency preparedness plan",
	},
	LevelModerate: {
		"Increase monitoring frequency",
		"Alert local authorities",
		"Check flood barriers and sandbags availability",
		"Prepare emergency evacuation routes",
	},
	LevelHigh: {
		"Activate flood warning systems",
		"Deploy flood barriers if available",
		"Begin evacuation of low-lying areas",
		"Contact emergency services",
		"Move valuable items to higher ground",
	},
	LevelCritical: {
		"IMMEDIATE EVACUATION REQUIRED",
		"Emergency services on high alert",
		"All residents must move to higher ground",
		"Avoid all flood-affected areas",
		"Do not attempt to cross flooded roads",
	},
}

// RecommendedActions returns a copy of the standard actions for a level.
func RecommendedActions(l Level) []string {
	src := actions[l]
	out := make([]string, len(src))
	copy(out, src)
	return out
}

// Trend thresholds in centimetres over the inspected window.
const (
	trendWindow      = 10
	trendRapidChange = 10
	trendChange      = 3
)

// TrendOf inspects the water level of the last readings (oldest first).
func TrendOf(readings []telemetry.SensorReading) Trend {
	if len(readings) > trendWindow {
		readings = readings[len(readings)-trendWindow:]
	}
	if len(readings) < 2 {
		return TrendInsufficient
	}

	change := readings[len(readings)-1].UltrasonicValue - readings[0].UltrasonicValue
	switch {
	case change > trendRapidChange:
		return TrendRisingRapidly
	case change > trendChange:
		return TrendRising
	case change < -trendRapidChange:
		return TrendFallingRapidly
	case change < -trendChange:
		return TrendFalling
	default:
		return TrendStable
	}
}
