package alerting

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/mhdhaikalll/IoT-Flood-System/internal/notify"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/risk"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/telemetry"
)

// maxActionsInMessage limits the action list in chat messages.
const maxActionsInMessage = 3

var urgency = map[risk.Level]string{
	risk.LevelCritical: "🚨🚨🚨",
	risk.LevelHigh:     "⚠️⚠️",
	risk.LevelModerate: "⚡",
	risk.LevelLow:      "ℹ️",
}

// Document is the structured body carried by queue and topic channels.
type Document struct {
	Reading    telemetry.SensorReading `json:"reading"`
	Assessment risk.Assessment         `json:"assessment"`
}

// Format renders the alert for delivery.
func Format(kind Kind, r telemetry.SensorReading, a risk.Assessment, at time.Time) notify.Message {
	title := "REAL-TIME FLOOD ALERT"
	if kind == KindPredictive {
		title = "PREDICTIVE FLOOD ALERT"
	}

	location := r.Location
	if location == "" {
		location = "Unknown"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>%s</b> %s\n\n", urgency[a.Level], title, urgency[a.Level])
	fmt.Fprintf(&b, "📍 <b>Node:</b> %s\n", html.EscapeString(r.NodeID))
	fmt.Fprintf(&b, "🗺 <b>Location:</b> %s\n", html.EscapeString(location))
	fmt.Fprintf(&b, "🌊 <b>Water Level:</b> %.1f cm (%s)\n", r.UltrasonicValue, a.WaterStatus)
	fmt.Fprintf(&b, "🌧 <b>Rain Intensity:</b> %s (rain %.0f, piezo %.0f)\n", a.RainIntensity, r.RainSensorValue, r.PiezoValue)
	fmt.Fprintf(&b, "📊 <b>Risk Level:</b> %s (%.1f%%)\n", a.Level, a.Percentage)
	if a.Trend != "" {
		fmt.Fprintf(&b, "📈 <b>Trend:</b> %s\n", strings.ReplaceAll(string(a.Trend), "_", " "))
	}
	fmt.Fprintf(&b, "🔎 <b>Analysis:</b> %s\n", a.Source)

	if len(a.RecommendedActions) > 0 {
		b.WriteString("\n<b>Recommended Actions:</b>\n")
		for i, action := range a.RecommendedActions {
			if i == maxActionsInMessage {
				break
			}
			fmt.Fprintf(&b, "• %s\n", html.EscapeString(action))
		}
	}
	if a.Summary != "" {
		fmt.Fprintf(&b, "\n<i>%s</i>\n", html.EscapeString(a.Summary))
	}
	fmt.Fprintf(&b, "\n🕐 <b>Alert Time:</b> %s", at.UTC().Format("2006-01-02 15:04:05 MST"))

	return notify.Message{
		CreatedAt:  at,
		NodeID:     r.NodeID,
		Kind:       string(kind),
		Level:      string(a.Level),
		Percentage: a.Percentage,
		Title:      title,
		HTML:       b.String(),
		Details:    Document{Reading: r, Assessment: a},
	}
}
