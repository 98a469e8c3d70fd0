// Package telemetry defines the sensor reading submitted by field nodes and its validation rules.
package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// MaxNodeIDLength bounds the node identifier accepted at ingestion.
const MaxNodeIDLength = 128

// SensorReading is one validated measurement from a field node.
// It is a value type and is never mutated after validation.
type SensorReading struct {
	Timestamp       time.Time `json:"timestamp"`
	NodeID          string    `json:"node_id"`
	Location        string    `json:"location,omitempty"`
	PiezoValue      float64   `json:"piezo_value"`
	UltrasonicValue float64   `json:"ultrasonic_value"`
	RainSensorValue float64   `json:"rain_sensor_value"`
}

// Payload is the wire shape of a reading as posted by nodes.
// Numeric fields are pointers so that an omitted field can be told apart from zero.
type Payload struct {
	NodeID          string   `json:"node_id"`
	Location        string   `json:"location,omitempty"`
	Timestamp       string   `json:"timestamp,omitempty"`
	PiezoValue      *float64 `json:"piezo_value"`
	UltrasonicValue *float64 `json:"ultrasonic_value"`
	RainSensorValue *float64 `json:"rain_sensor_value"`
}

// FieldError describes one invalid field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError is returned when a submitted reading is malformed.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Reason)
	}
	return "invalid sensor reading: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, reason string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Reason: reason})
}

// IsValidationError reports whether err carries a *ValidationError.
func IsValidationError(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseTimestamp accepts RFC 3339 and the naive layouts sent by node firmware.
// Naive timestamps are interpreted as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// Decode parses a JSON payload into a validated reading.
// A missing timestamp is left zero; the orchestrator assigns the ingestion time.
func Decode(data []byte) (SensorReading, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		verr := &ValidationError{}
		verr.add("body", "malformed JSON: "+err.Error())
		return SensorReading{}, verr
	}
	return p.Reading()
}

// Reading converts the payload and validates every field.
func (p Payload) Reading() (SensorReading, error) {
	verr := &ValidationError{}
	r := SensorReading{
		NodeID:   strings.TrimSpace(p.NodeID),
		Location: strings.TrimSpace(p.Location),
	}

	numeric := []struct {
		name string
		src  *float64
		dst  *float64
	}{
		{"piezo_value", p.PiezoValue, &r.PiezoValue},
		{"ultrasonic_value", p.UltrasonicValue, &r.UltrasonicValue},
		{"rain_sensor_value", p.RainSensorValue, &r.RainSensorValue},
	}
	for _, n := range numeric {
		if n.src == nil {
			verr.add(n.name, "required")
			continue
		}
		*n.dst = *n.src
	}

	if p.Timestamp != "" {
		ts, err := ParseTimestamp(p.Timestamp)
		if err != nil {
			verr.add("timestamp", err.Error())
		} else {
			r.Timestamp = ts
		}
	}

	if len(verr.Fields) > 0 {
		// Report the remaining problems too.
		if err := Validate(r); err != nil {
			var inner *ValidationError
			if errors.As(err, &inner) {
				for _, f := range inner.Fields {
					if !verr.has(f.Field) {
						verr.Fields = append(verr.Fields, f)
					}
				}
			}
		}
		return SensorReading{}, verr
	}

	if err := Validate(r); err != nil {
		return SensorReading{}, err
	}
	return r, nil
}

func (e *ValidationError) has(field string) bool {
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

// Validate checks the invariants of a reading: a non-empty node id and
// finite, non-negative sensor values.
func Validate(r SensorReading) error {
	verr := &ValidationError{}

	switch id := strings.TrimSpace(r.NodeID); {
	case id == "":
		verr.add("node_id", "required")
	case len(id) > MaxNodeIDLength:
		verr.add("node_id", fmt.Sprintf("longer than %d characters", MaxNodeIDLength))
	}

	checkValue(verr, "piezo_value", r.PiezoValue)
	checkValue(verr, "ultrasonic_value", r.UltrasonicValue)
	checkValue(verr, "rain_sensor_value", r.RainSensorValue)

	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

func checkValue(verr *ValidationError, field string, v float64) {
	switch {
	case math.IsNaN(v) || math.IsInf(v, 0):
		verr.add(field, "must be a finite number")
	case v < 0:
		verr.add(field, "must not be negative")
	}
}
