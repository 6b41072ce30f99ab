package extract

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/calder-env/docqueue/constants"
)

// Request describes one document handed to the extraction service. The
// service receives either an object-store reference (bytes) or pre-tokenized
// spreadsheet rows plus a format tag; never both.
type Request struct {
	EntryID   uuid.UUID          `json:"entry_id"`
	Category  constants.Category `json:"category"`
	StateCode string             `json:"state_code,omitempty"`
	Format    string             `json:"format"`

	// Set when Format == constants.FormatBytes.
	Bucket string `json:"bucket,omitempty"`
	Path   string `json:"path,omitempty"`

	// Set when Format == constants.FormatRows.
	Sheet string     `json:"sheet,omitempty"`
	Rows  [][]string `json:"rows,omitempty"`
}

// Result is the service's immediate response. Extraction may keep running
// after the caller stops waiting; the terminal status lands in the queue
// store via the service's own completion write, not through this value.
type Result struct {
	EntryID uuid.UUID       `json:"entry_id"`
	Records int             `json:"records"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Extractor is the interface the processors depend on.
type Extractor interface {
	Extract(ctx context.Context, token string, req Request) (*Result, error)
}
