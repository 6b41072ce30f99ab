package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/calder-env/docqueue/constants"
)

// QueueEntry represents one uploaded document under processing, for data
// transfer between layers. The row in queue_entries is the authoritative
// copy; everything here is a projection of it.
type QueueEntry struct {
	ID        uuid.UUID            `json:"id"`
	Category  constants.Category   `json:"category"`
	StateCode string               `json:"state_code,omitempty"`
	Bucket    string               `json:"bucket"`
	Path      string               `json:"path"`
	Filename  string               `json:"filename"`
	Status    constants.EntryStatus `json:"status"`

	// ExtractedData is opaque to this pipeline; downstream import reads it.
	ExtractedData json.RawMessage `json:"extracted_data,omitempty"`

	// ErrorLog is append-only once the entry has failed.
	ErrorLog []string `json:"error_log,omitempty"`

	// Counters written by downstream import; read-only here.
	RecordsExtracted int `json:"records_extracted"`
	RecordsImported  int `json:"records_imported"`
	RecordsFailed    int `json:"records_failed"`

	ProcessingStartedAt   *time.Time `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time `json:"processing_completed_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// ChangeEvent is the row-change notification payload delivered by the
// change-stream listener.
type ChangeEvent struct {
	ID        uuid.UUID             `json:"id"`
	Status    constants.EntryStatus `json:"status"`
	Category  constants.Category    `json:"category"`
	StateCode string                `json:"state_code,omitempty"`
	UpdatedAt time.Time             `json:"updated_at"`
}
