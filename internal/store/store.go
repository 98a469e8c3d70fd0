// Package store persists sensor readings as an append-only record log and
// answers history queries by node and time window.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mhdhaikalll/IoT-Flood-System/pkg/telemetry"
)

const (
	// DefaultQueryLimit applies when a query does not set a limit.
	DefaultQueryLimit = 100
	// MaxQueryLimit caps any single query.
	MaxQueryLimit = 1000
)

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("record store is closed")
	// ErrInvalidQuery is returned when a query window is empty.
	ErrInvalidQuery = errors.New("invalid query")
)

// Record is a persisted reading.
type Record struct {
	telemetry.SensorReading
	StoredAt time.Time `json:"stored_at"`
	ID       string    `json:"id"`
}

// Query selects records. Zero values mean "no constraint".
// The newest Limit matches are returned ordered oldest first.
type Query struct {
	Since  time.Time
	Until  time.Time
	NodeID string
	Limit  int
}

// Normalize applies the default limit and checks the window.
func (q Query) Normalize() (Query, error) {
	if !q.Since.IsZero() && !q.Until.IsZero() && q.Since.After(q.Until) {
		return q, fmt.Errorf("%w: since %s is after until %s", ErrInvalidQuery, q.Since, q.Until)
	}
	switch {
	case q.Limit <= 0:
		q.Limit = DefaultQueryLimit
	case q.Limit > MaxQueryLimit:
		q.Limit = MaxQueryLimit
	}
	return q, nil
}

func (q Query) matches(r telemetry.SensorReading) bool {
	if q.NodeID != "" && r.NodeID != q.NodeID {
		return false
	}
	if !q.Since.IsZero() && r.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && r.Timestamp.After(q.Until) {
		return false
	}
	return true
}

// Store is the record store contract shared by every backend.
// Implementations must be safe for concurrent use.
type Store interface {
	// Append persists a reading and returns its record id.
	Append(ctx context.Context, r telemetry.SensorReading) (string, error)

	// Query returns matching records ordered oldest first.
	Query(ctx context.Context, q Query) ([]Record, error)

	// Latest returns the newest record of every node.
	Latest(ctx context.Context) ([]Record, error)

	// Close releases the backend.
	Close() error
}

// NewRecordID returns a time-ordered record identifier.
func NewRecordID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate record id: %w", err)
	}
	return id.String(), nil
}
