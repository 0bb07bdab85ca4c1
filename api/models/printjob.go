// api/models/printjob.go
package models

import "time"

// PrintJob represents a print drawing from a spool attached to a session
type PrintJob struct {
	ID                 string `json:"id"`
	SessionID          string `json:"session_id"`
	FilamentID         string `json:"filament_id"`
	SubmittedBy        string `json:"submitted_by"`
	Filepath           string `json:"filepath"`
	PrintWeightInGrams int    `json:"print_weight_in_grams"`
	Status             string `json:"status"` // Queued, Running, Done, Canceled
	// ShortfallGrams is how much of the job weight could not be deducted
	// because the spool had less left than recorded.
	ShortfallGrams int       `json:"shortfall_grams,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	Version uint64 `json:"-"`
}
