// api/models/models.go
package models

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// OpType represents the type of a document operation
type OpType string

const (
	OpSet         OpType = "SET"
	OpUpdate      OpType = "UPDATE"
	OpDelete      OpType = "DELETE"
	OpDeleteTree  OpType = "DELETE_TREE"
	OpArrayUnion  OpType = "ARRAY_UNION"
	OpArrayRemove OpType = "ARRAY_REMOVE"
)

// Op is a single document mutation with optional preconditions
type Op struct {
	Type   OpType                 `json:"type"`
	Path   string                 `json:"path"`
	Fields map[string]interface{} `json:"fields,omitempty"`
	Field  string                 `json:"field,omitempty"`
	Values []interface{}          `json:"values,omitempty"`

	// IfVersion requires the document to exist at exactly this version.
	IfVersion uint64 `json:"if_version,omitempty"`
	// IfMissing requires the document to not exist.
	IfMissing bool `json:"if_missing,omitempty"`
	// IfExists requires the document to exist.
	IfExists bool `json:"if_exists,omitempty"`
}

// Command represents a batch of operations applied to the FSM as one unit
type Command struct {
	Ops       []Op      `json:"ops"`
	Timestamp time.Time `json:"timestamp"`
}

// Marshal serializes a command to JSON
func (c *Command) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalCommand deserializes a command from JSON
func UnmarshalCommand(data []byte) (*Command, error) {
	var c Command
	err := json.Unmarshal(data, &c)
	return &c, err
}

// Print job statuses
const (
	JobQueued   = "Queued"
	JobRunning  = "Running"
	JobDone     = "Done"
	JobCanceled = "Canceled"
)

// ValidateStatusChange checks if a print job status transition is valid
func ValidateStatusChange(currentStatus, newStatus string) error {
	switch currentStatus {
	case JobQueued:
		if newStatus != JobRunning && newStatus != JobCanceled {
			return errors.Wrap(ErrInvalidStatusTransition, "a job can only transition from Queued to Running or Canceled")
		}
	case JobRunning:
		if newStatus != JobDone && newStatus != JobCanceled {
			return errors.Wrap(ErrInvalidStatusTransition, "a job can only transition from Running to Done or Canceled")
		}
	default:
		return errors.Wrapf(ErrInvalidStatusTransition, "job is already %s", currentStatus)
	}
	return nil
}

// IsValidPrintJobStatus checks if a print job status is valid
func IsValidPrintJobStatus(status string) bool {
	switch status {
	case JobQueued, JobRunning, JobDone, JobCanceled:
		return true
	}
	return false
}

// IsActiveJobStatus reports whether a job with this status still reserves filament
func IsActiveJobStatus(status string) bool {
	return status == JobQueued || status == JobRunning
}
