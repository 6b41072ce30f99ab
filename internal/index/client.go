// Package index talks to the secondary indexing (embedding) service. Its
// HTTP-style status codes are the retry/quarantine classification signal for
// the backfill job.
package index

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// StatusError carries the indexing service's status code so callers can
// classify it.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("indexing service status %d: %s", e.Code, e.Body)
}

// Retryable reports whether err is a transient indexing failure worth another
// attempt. Anything else, including network errors, stops retrying.
func Retryable(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Quarantine reports whether err is a permanent failure that must exclude the
// entry from future backfill scans. 546 is the service's "document
// unprocessable" code.
func Quarantine(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case http.StatusBadRequest, http.StatusConflict, 546:
		return true
	}
	return false
}

// Indexer is the contract the backfill job depends on. A successful call is
// responsible for marking the entry embedded; the caller only reads the chunk
// count.
type Indexer interface {
	Embed(ctx context.Context, token string, entryID uuid.UUID) (int, error)
}

type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type embedRequest struct {
	EntryID uuid.UUID `json:"entry_id"`
}

type embedResponse struct {
	Chunks int `json:"chunks"`
}

func (c *Client) Embed(ctx context.Context, token string, entryID uuid.UUID) (int, error) {
	bs, err := json.Marshal(embedRequest{EntryID: entryID})
	if err != nil {
		return 0, fmt.Errorf("encode json: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/embed", bytes.NewReader(bs))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("index.http.send_error", "entry_id", entryID, "error", err)
		return 0, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Warn("index.http.response_body_close_error", "entry_id", entryID, "error", cerr)
		}
	}()

	raw, _ := io.ReadAll(resp.Body)
	c.logger.Info("index.http.response",
		"entry_id", entryID,
		"status", resp.StatusCode,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode/100 != 2 {
		body := string(raw)
		if len(body) > 512 {
			body = body[:512]
		}
		return 0, &StatusError{Code: resp.StatusCode, Body: body}
	}

	var out embedResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, fmt.Errorf("decode embed response: %w", err)
	}
	return out.Chunks, nil
}
