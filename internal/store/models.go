package store

import (
	"time"

	"github.com/mhdhaikalll/IoT-Flood-System/pkg/telemetry"
)

// SensorRecord is a persisted reading in the relational backend.
type SensorRecord struct {
	Timestamp       time.Time `gorm:"index:idx_node_timestamp,priority:2;index:idx_timestamp;not null"`
	CreatedAt       time.Time `gorm:"autoCreateTime"`
	ID              string    `gorm:"primaryKey;type:uuid"`
	NodeID          string    `gorm:"index:idx_node_timestamp,priority:1;size:128;not null"`
	Location        string    `gorm:"not null;default:''"`
	PiezoValue      float64   `gorm:"not null"`
	UltrasonicValue float64   `gorm:"not null"`
	RainSensorValue float64   `gorm:"not null"`
}

// TableName specifies the table name for SensorRecord model.
func (SensorRecord) TableName() string {
	return "sensor_records"
}

func toModel(id string, r telemetry.SensorReading) *SensorRecord {
	return &SensorRecord{
		ID:              id,
		NodeID:          r.NodeID,
		Location:        r.Location,
		Timestamp:       r.Timestamp.UTC(),
		PiezoValue:      r.PiezoValue,
		UltrasonicValue: r.UltrasonicValue,
		RainSensorValue: r.RainSensorValue,
	}
}

func (m *SensorRecord) record() Record {
	return Record{
		ID:       m.ID,
		StoredAt: m.CreatedAt.UTC(),
		SensorReading: telemetry.SensorReading{
			NodeID:          m.NodeID,
			Location:        m.Location,
			Timestamp:       m.Timestamp.UTC(),
			PiezoValue:      m.PiezoValue,
			UltrasonicValue: m.UltrasonicValue,
			RainSensorValue: m.RainSensorValue,
		},
	}
}
