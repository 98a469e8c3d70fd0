package ingest

import (
	"errors"
	"fmt"

	"github.com/mhdhaikalll/IoT-Flood-System/pkg/telemetry"
)

// Status is the terminal state of one ingestion.
type Status string

const (
	StatusCompleted Status = "COMPLETED"
	StatusRejected  Status = "REJECTED"
	StatusFailed    Status = "FAILED"
)

// PersistenceError is returned when the record store did not accept a reading.
// Nothing downstream of persistence has run when it is returned.
type PersistenceError struct {
	Err    error
	NodeID string
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist reading for node %q: %v", e.NodeID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsPersistenceError reports whether err is or wraps a *PersistenceError.
func IsPersistenceError(err error) bool {
	var perr *PersistenceError
	return errors.As(err, &perr)
}

// StatusOf maps an Ingest error to its terminal state.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusCompleted
	case telemetry.IsValidationError(err):
		return StatusRejected
	default:
		return StatusFailed
	}
}
